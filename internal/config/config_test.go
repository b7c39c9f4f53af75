package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Session.Default != "default" {
		t.Errorf("expected default session 'default', got %q", cfg.Session.Default)
	}
	if cfg.Session.CloseWait != 10*time.Second {
		t.Errorf("expected close wait 10s, got %v", cfg.Session.CloseWait)
	}
	if cfg.Session.StartTimeout != 2*time.Minute {
		t.Errorf("expected start timeout 2m, got %v", cfg.Session.StartTimeout)
	}
	if cfg.VideoMaxBytes() != 16*1024*1024 {
		t.Errorf("expected 16MB video limit, got %d", cfg.VideoMaxBytes())
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level from file, got %q", cfg.Log.Level)
	}
	if cfg.ServerAddress() != "0.0.0.0:8080" {
		t.Errorf("unexpected server address %q", cfg.ServerAddress())
	}
}

func TestLoadVideoLimitFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("media:\n  max_mb: 16\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Run("prefixed variable", func(t *testing.T) {
		t.Setenv("GROUPBOT_MEDIA_VIDEO_MAX_MB", "64")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Media.VideoMaxMB != 64 {
			t.Errorf("expected 64, got %d", cfg.Media.VideoMaxMB)
		}
		if cfg.Media.MaxMB != 16 {
			t.Errorf("image/audio limit must stay independent, got %d", cfg.Media.MaxMB)
		}
	})

	t.Run("legacy variable", func(t *testing.T) {
		t.Setenv("WPP_VIDEO_MAX_MB", "32")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Media.VideoMaxMB != 32 {
			t.Errorf("expected 32, got %d", cfg.Media.VideoMaxMB)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing data dir", func(c *Config) { c.Data.Dir = "" }, true},
		{"zero video limit", func(c *Config) { c.Media.VideoMaxMB = 0 }, true},
		{"telegram without chats", func(c *Config) { c.Telegram.Token = "x" }, true},
		{"telegram with chats", func(c *Config) { c.Telegram.Token = "x"; c.Telegram.ChatIDs = []int64{1} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Data:     DataConfig{Dir: "./data"},
				Database: DatabaseConfig{Path: "./data/bot.db"},
				Session:  SessionConfig{GroupListRetries: 8, WipeRetries: 6},
				Media:    MediaConfig{MaxMB: 16, VideoMaxMB: 16},
			}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zerolog.Level
		wantErr bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, false},
		{" WARN ", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"loud", zerolog.NoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitWritesSessionFieldsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	if err := Init("debug", path); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { log = zerolog.Logger{} })

	l := ForGroup("sales", "1@g.us")
	l.Info().Msg("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{`"session":"sales"`, `"group":"1@g.us"`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log file missing %s: %s", want, out)
		}
	}

	if err := Init("loud", ""); err == nil {
		t.Error("Init() accepted an invalid level")
	}
}

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/groupbot/internal/apperror"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestSettingsCreatedLazily(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t).ForSession("default")

	settings, err := s.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if settings.Enabled {
		t.Error("expected disabled by default")
	}
	if settings.Threshold != DefaultThreshold {
		t.Errorf("expected threshold %d, got %d", DefaultThreshold, settings.Threshold)
	}
	if !settings.SendToAll {
		t.Error("expected send_to_all by default")
	}
	if len(settings.SelectedGroups) != 0 {
		t.Errorf("expected no selected groups, got %v", settings.SelectedGroups)
	}

	again, err := s.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if again.Threshold != settings.Threshold {
		t.Error("second access must return the same row")
	}
}

func TestUpdateSettings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t).ForSession("default")

	updated, err := s.UpdateSettings(ctx, func(st *Settings) error {
		st.Enabled = true
		st.Threshold = 3
		st.SendToAll = false
		st.SelectedGroups = []string{"g1@g.us", "g1@g.us", "g2@g.us"}
		st.Media.VideoPath = "  /tmp/v.mp4 "
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if !updated.Enabled || updated.Threshold != 3 || updated.SendToAll {
		t.Errorf("unexpected settings %+v", updated)
	}
	if len(updated.SelectedGroups) != 2 {
		t.Errorf("expected deduplicated groups, got %v", updated.SelectedGroups)
	}
	if updated.Media.VideoPath != "/tmp/v.mp4" {
		t.Errorf("expected trimmed video path, got %q", updated.Media.VideoPath)
	}

	t.Run("invalid threshold", func(t *testing.T) {
		_, err := s.UpdateSettings(ctx, func(st *Settings) error {
			st.Threshold = 0
			return nil
		})
		if !apperror.Is(err, apperror.KindValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
		current, _ := s.Settings(ctx)
		if current.Threshold != 3 {
			t.Errorf("rejected update must not change state, got threshold %d", current.Threshold)
		}
	})

	t.Run("unknown global template", func(t *testing.T) {
		id := int64(99)
		_, err := s.UpdateSettings(ctx, func(st *Settings) error {
			st.GlobalTemplateID = &id
			return nil
		})
		if !apperror.Is(err, apperror.KindValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

func TestSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	a := store.ForSession("a")
	b := store.ForSession("b")

	if _, err := a.UpdateSettings(ctx, func(st *Settings) error { st.Threshold = 2; return nil }); err != nil {
		t.Fatal(err)
	}
	if err := a.UpsertGroup(ctx, "g@g.us", "Group"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Increment(ctx, "g@g.us"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.CreateTemplate(ctx, TemplateInput{Name: "t", Text: "hi"}); err != nil {
		t.Fatal(err)
	}

	settings, err := b.Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if settings.Threshold != DefaultThreshold {
		t.Errorf("session b saw session a's threshold")
	}
	counter, err := b.Counter(ctx, "g@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if counter != nil {
		t.Errorf("session b saw session a's counter")
	}
	templates, err := b.Templates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(templates) != 0 {
		t.Errorf("session b saw %d templates", len(templates))
	}

	if err := a.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	counters, _ := a.Counters(ctx)
	if len(counters) != 0 {
		t.Errorf("expected purge to remove counters, got %d", len(counters))
	}
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	s := store.ForSession("default")

	if err := s.UpsertGroup(ctx, "g@g.us", "Family"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertGroup(ctx, "g@g.us", ""); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		n, err := s.Increment(ctx, "g@g.us")
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if n != i {
			t.Errorf("expected count %d, got %d", i, n)
		}
	}

	c, err := s.Counter(ctx, "g@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if c.GroupName != "Family" {
		t.Errorf("empty name must not overwrite, got %q", c.GroupName)
	}
	if c.LastSent != nil {
		t.Errorf("expected no last_sent, got %v", c.LastSent)
	}

	sent := fixed.Add(-time.Minute)
	if err := s.SetLastSent(ctx, "g@g.us", sent); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(ctx, "g@g.us"); err != nil {
		t.Fatal(err)
	}

	c, err = s.Counter(ctx, "g@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if c.Count != 0 {
		t.Errorf("expected count 0 after reset, got %d", c.Count)
	}
	if c.LastSent == nil || !c.LastSent.Equal(sent) {
		t.Errorf("expected last_sent %v, got %v", sent, c.LastSent)
	}
	if c.LastReset == nil || !c.LastReset.Equal(fixed) {
		t.Errorf("expected last_reset %v, got %v", fixed, c.LastReset)
	}

	if _, err := s.Increment(ctx, "unknown@g.us"); err == nil {
		t.Error("expected error incrementing an unregistered group")
	}
}

func TestSetPreset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t).ForSession("default")

	tpl, err := s.CreateTemplate(ctx, TemplateInput{Name: "promo", Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	msgs := []SnapshotMessage{
		{Text: " A "},
		{Text: "   "},
		{Media: Media{ImagePath: "/tmp/b.png"}},
	}
	p, err := s.SetPreset(ctx, "g@g.us", PresetUpdate{
		Enabled:     Set(true),
		Threshold:   Set(5),
		CooldownSec: Set(60),
		TemplateID:  Set(tpl.ID),
		Messages:    &msgs,
	})
	if err != nil {
		t.Fatalf("SetPreset: %v", err)
	}
	if p.Enabled == nil || !*p.Enabled || *p.Threshold != 5 || *p.CooldownSec != 60 {
		t.Errorf("unexpected preset %+v", p)
	}
	if len(p.Messages) != 2 || p.Messages[0].Text != "A" {
		t.Errorf("expected sanitized messages, got %+v", p.Messages)
	}

	t.Run("absent fields are preserved", func(t *testing.T) {
		p, err := s.SetPreset(ctx, "g@g.us", PresetUpdate{Threshold: Set(7)})
		if err != nil {
			t.Fatal(err)
		}
		if *p.Threshold != 7 || *p.CooldownSec != 60 || len(p.Messages) != 2 {
			t.Errorf("unexpected preset %+v", p)
		}
		if p.TemplateID == nil || *p.TemplateID != tpl.ID {
			t.Errorf("expected template reference preserved, got %v", p.TemplateID)
		}
	})

	t.Run("explicit clear", func(t *testing.T) {
		empty := []SnapshotMessage{}
		p, err := s.SetPreset(ctx, "g@g.us", PresetUpdate{Enabled: Clear[bool](), Messages: &empty})
		if err != nil {
			t.Fatal(err)
		}
		if p.Enabled != nil {
			t.Errorf("expected enabled to inherit, got %v", *p.Enabled)
		}
		if len(p.Messages) != 0 {
			t.Errorf("expected messages cleared, got %d", len(p.Messages))
		}
	})

	t.Run("unknown template is rejected", func(t *testing.T) {
		_, err := s.SetPreset(ctx, "g@g.us", PresetUpdate{TemplateID: Set(int64(999))})
		if !apperror.Is(err, apperror.KindValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("rotate index", func(t *testing.T) {
		if err := s.BumpRotateIndex(ctx, "g@g.us", 2); err != nil {
			t.Fatal(err)
		}
		p, err := s.Preset(ctx, "g@g.us")
		if err != nil {
			t.Fatal(err)
		}
		if p.RotateIndex != 2 {
			t.Errorf("expected rotate index 2, got %d", p.RotateIndex)
		}
	})

	missing, err := s.Preset(ctx, "other@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil preset for unknown group")
	}
}

func TestDeleteTemplateCascade(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t).ForSession("default")

	tpl, err := s.CreateTemplate(ctx, TemplateInput{Name: "seven", Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetPreset(ctx, "g2@g.us", PresetUpdate{TemplateID: Set(tpl.ID)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateSettings(ctx, func(st *Settings) error {
		st.GlobalTemplateID = &tpl.ID
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteTemplate(ctx, tpl.ID); err != nil {
		t.Fatalf("DeleteTemplate: %v", err)
	}

	p, err := s.Preset(ctx, "g2@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if p.TemplateID != nil {
		t.Errorf("expected preset reference cleared, got %d", *p.TemplateID)
	}
	settings, err := s.Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if settings.GlobalTemplateID != nil {
		t.Errorf("expected global reference cleared, got %d", *settings.GlobalTemplateID)
	}

	err = s.DeleteTemplate(ctx, tpl.ID)
	if !apperror.Is(err, apperror.KindNotFound) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestTemplateValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t).ForSession("default")

	long := make([]byte, MaxTemplateName+1)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name  string
		input TemplateInput
	}{
		{"missing name", TemplateInput{Text: "x"}},
		{"missing text", TemplateInput{Name: "x", Text: "  "}},
		{"name too long", TemplateInput{Name: string(long), Text: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateTemplate(ctx, tt.input)
			if !apperror.Is(err, apperror.KindValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	tpl, err := s.CreateTemplate(ctx, TemplateInput{Name: "a", Text: "b", Media: Media{AudioPath: "/tmp/a.ogg"}})
	if err != nil {
		t.Fatal(err)
	}
	name := "renamed"
	none := ""
	updated, err := s.UpdateTemplate(ctx, tpl.ID, TemplateUpdate{Name: &name, AudioPath: &none})
	if err != nil {
		t.Fatalf("UpdateTemplate: %v", err)
	}
	if updated.Name != "renamed" || updated.Text != "b" || updated.AudioPath != "" {
		t.Errorf("unexpected template %+v", updated)
	}

	content, err := s.ContentTemplates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(content) != 1 {
		t.Errorf("expected 1 content template, got %d", len(content))
	}
}

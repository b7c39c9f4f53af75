package main

import (
	"fmt"
	"strings"

	"github.com/user/groupbot/internal/apperror"
	"github.com/user/groupbot/internal/storage"
)

// settingsPatch is a partial settings update. Nil fields keep the stored
// value.
type settingsPatch struct {
	Enabled          *bool     `json:"enabled"`
	Threshold        *int      `json:"threshold"`
	TextMessage      *string   `json:"text_message"`
	SendToAll        *bool     `json:"send_to_all"`
	SelectedGroups   *[]string `json:"selected_groups"`
	ImagePath        *string   `json:"image_path"`
	AudioPath        *string   `json:"audio_path"`
	VideoPath        *string   `json:"video_path"`
	RandomMode       *bool     `json:"random_mode"`
	GlobalTemplateID *int64    `json:"global_template_id"`
	ClearTemplate    bool      `json:"clear_template"`
}

func (p *settingsPatch) apply(s *storage.Settings) error {
	if p.GlobalTemplateID != nil && p.ClearTemplate {
		return apperror.NewValidation("global_template_id and clear_template are exclusive")
	}
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.Threshold != nil {
		s.Threshold = *p.Threshold
	}
	if p.TextMessage != nil {
		s.TextMessage = *p.TextMessage
	}
	if p.SendToAll != nil {
		s.SendToAll = *p.SendToAll
	}
	if p.SelectedGroups != nil {
		s.SelectedGroups = *p.SelectedGroups
	}
	if p.ImagePath != nil {
		s.Media.ImagePath = *p.ImagePath
	}
	if p.AudioPath != nil {
		s.Media.AudioPath = *p.AudioPath
	}
	if p.VideoPath != nil {
		s.Media.VideoPath = *p.VideoPath
	}
	if p.RandomMode != nil {
		s.RandomMode = *p.RandomMode
	}
	switch {
	case p.ClearTemplate:
		s.GlobalTemplateID = nil
	case p.GlobalTemplateID != nil:
		id := *p.GlobalTemplateID
		s.GlobalTemplateID = &id
	}
	return nil
}

// templatePatch carries template fields. Create uses every field; update
// only the non-nil ones.
type templatePatch struct {
	Name      *string `json:"name"`
	Text      *string `json:"text"`
	ImagePath *string `json:"image_path"`
	AudioPath *string `json:"audio_path"`
	VideoPath *string `json:"video_path"`
}

func (p *templatePatch) input() storage.TemplateInput {
	deref := func(v *string) string {
		if v == nil {
			return ""
		}
		return *v
	}
	return storage.TemplateInput{
		Name: deref(p.Name),
		Text: deref(p.Text),
		Media: storage.Media{
			ImagePath: deref(p.ImagePath),
			AudioPath: deref(p.AudioPath),
			VideoPath: deref(p.VideoPath),
		},
	}
}

func (p *templatePatch) update() storage.TemplateUpdate {
	return storage.TemplateUpdate{
		Name:      p.Name,
		Text:      p.Text,
		ImagePath: p.ImagePath,
		AudioPath: p.AudioPath,
		VideoPath: p.VideoPath,
	}
}

// Preset fields that can be reset to inherit from the session settings.
const (
	inheritEnabled   = "enabled"
	inheritThreshold = "threshold"
	inheritCooldown  = "cooldown_sec"
	inheritTemplate  = "template_id"
)

// presetPatch is a partial preset update. Fields named in Inherit are
// cleared so the group falls back to the session settings.
type presetPatch struct {
	Enabled     *bool                      `json:"enabled"`
	Threshold   *int                       `json:"threshold"`
	CooldownSec *int                       `json:"cooldown_sec"`
	TemplateID  *int64                     `json:"template_id"`
	RotateIndex *int                       `json:"rotate_index"`
	Messages    *[]storage.SnapshotMessage `json:"messages"`
	Inherit     []string                   `json:"inherit"`
}

func (p *presetPatch) update() (storage.PresetUpdate, error) {
	u := storage.PresetUpdate{
		Enabled:     patchOf(p.Enabled),
		Threshold:   patchOf(p.Threshold),
		CooldownSec: patchOf(p.CooldownSec),
		TemplateID:  patchOf(p.TemplateID),
		RotateIndex: p.RotateIndex,
		Messages:    p.Messages,
	}

	for _, field := range p.Inherit {
		var set bool
		switch strings.TrimSpace(field) {
		case inheritEnabled:
			set, u.Enabled = p.Enabled != nil, storage.Clear[bool]()
		case inheritThreshold:
			set, u.Threshold = p.Threshold != nil, storage.Clear[int]()
		case inheritCooldown:
			set, u.CooldownSec = p.CooldownSec != nil, storage.Clear[int]()
		case inheritTemplate:
			set, u.TemplateID = p.TemplateID != nil, storage.Clear[int64]()
		default:
			return storage.PresetUpdate{}, apperror.NewValidation(fmt.Sprintf("unknown preset field %q", field))
		}
		if set {
			return storage.PresetUpdate{}, apperror.NewValidation(fmt.Sprintf("%s is both set and inherited", field))
		}
	}
	return u, nil
}

func patchOf[T any](v *T) storage.Patch[T] {
	if v == nil {
		return storage.Patch[T]{}
	}
	return storage.Set(*v)
}

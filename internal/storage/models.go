// Package storage provides database operations and data models.
package storage

import (
	"strings"
	"time"
)

// Default values applied when a session's settings row is created.
const (
	DefaultThreshold = 10

	MaxTemplateName = 50
	MaxTemplateText = 2000
)

// Media holds optional file references attached to a message. Empty strings
// mean "no file".
type Media struct {
	ImagePath string `json:"image_path,omitempty"`
	AudioPath string `json:"audio_path,omitempty"`
	VideoPath string `json:"video_path,omitempty"`
}

// HasAny reports whether any media path is set.
func (m Media) HasAny() bool {
	return m.ImagePath != "" || m.AudioPath != "" || m.VideoPath != ""
}

func (m Media) trimmed() Media {
	return Media{
		ImagePath: strings.TrimSpace(m.ImagePath),
		AudioPath: strings.TrimSpace(m.AudioPath),
		VideoPath: strings.TrimSpace(m.VideoPath),
	}
}

// Settings is the per-session singleton configuration.
type Settings struct {
	Enabled          bool      `json:"enabled"`
	Threshold        int       `json:"threshold"`
	TextMessage      string    `json:"text_message"`
	SendToAll        bool      `json:"send_to_all"`
	SelectedGroups   []string  `json:"selected_groups"`
	Media            Media     `json:"media"`
	RandomMode       bool      `json:"random_mode"`
	GlobalTemplateID *int64    `json:"global_template_id"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// GroupCounter tracks qualifying messages seen in a group.
type GroupCounter struct {
	GroupID   string     `db:"group_id" json:"group_id"`
	GroupName string     `db:"group_name" json:"group_name"`
	Count     int        `db:"count" json:"count"`
	LastReset *time.Time `db:"last_reset" json:"last_reset,omitempty"`
	LastSent  *time.Time `db:"last_sent" json:"last_sent,omitempty"`
}

// SnapshotMessage is one inline entry of a preset's rotation list.
type SnapshotMessage struct {
	Text string `json:"text"`
	Media
}

// IsEmpty reports whether the entry carries neither text nor media.
func (m SnapshotMessage) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" && !m.trimmed().HasAny()
}

// Preset is the optional per-group override. Nil pointer fields inherit
// from Settings.
type Preset struct {
	GroupID     string            `json:"group_id"`
	Enabled     *bool             `json:"enabled"`
	Threshold   *int              `json:"threshold"`
	CooldownSec *int              `json:"cooldown_sec"`
	RotateIndex int               `json:"rotate_index"`
	TemplateID  *int64            `json:"template_id"`
	Messages    []SnapshotMessage `json:"messages"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Template is a reusable named message body.
type Template struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Text      string    `db:"text" json:"text"`
	ImagePath string    `db:"image_path" json:"image_path,omitempty"`
	AudioPath string    `db:"audio_path" json:"audio_path,omitempty"`
	VideoPath string    `db:"video_path" json:"video_path,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Media returns the template's file references.
func (t *Template) Media() Media {
	return Media{ImagePath: t.ImagePath, AudioPath: t.AudioPath, VideoPath: t.VideoPath}
}

// HasContent reports whether the template has text or any media.
func (t *Template) HasContent() bool {
	return strings.TrimSpace(t.Text) != "" || t.Media().trimmed().HasAny()
}

// Patch describes a partial update of a nullable field. The zero value
// leaves the stored value untouched.
type Patch[T any] struct {
	set   bool
	value *T
}

// Set returns a patch that stores v.
func Set[T any](v T) Patch[T] {
	return Patch[T]{set: true, value: &v}
}

// Clear returns a patch that stores NULL.
func Clear[T any]() Patch[T] {
	return Patch[T]{set: true}
}

// IsSet reports whether the patch changes the field.
func (p Patch[T]) IsSet() bool {
	return p.set
}

func (p Patch[T]) apply(current *T) *T {
	if !p.set {
		return current
	}
	return p.value
}

// PresetUpdate is a partial update of a group preset. Messages nil keeps
// the stored list; a non-nil empty slice clears it.
type PresetUpdate struct {
	Enabled     Patch[bool]
	Threshold   Patch[int]
	CooldownSec Patch[int]
	TemplateID  Patch[int64]
	RotateIndex *int
	Messages    *[]SnapshotMessage
}

// TemplateInput holds the fields for creating a template.
type TemplateInput struct {
	Name string
	Text string
	Media
}

// TemplateUpdate is a partial update of a template. Nil fields keep the
// stored value; media paths set to "" clear the file.
type TemplateUpdate struct {
	Name      *string
	Text      *string
	ImagePath *string
	AudioPath *string
	VideoPath *string
}

// ResolveWithFallback returns the override when present, else base.
func ResolveWithFallback[T any](override *T, base T) T {
	if override != nil {
		return *override
	}
	return base
}

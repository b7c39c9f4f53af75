// Package resolver decides which message a group receives. Sources are
// tried in a fixed order and the first non-empty one wins:
//
//	preset snapshot -> preset template -> global template -> random template -> settings
package resolver

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/user/groupbot/internal/storage"
	"github.com/user/groupbot/pkg/logger"
)

// Source names the tier that produced a message.
type Source string

const (
	SourceSnapshot       Source = "snapshot"
	SourcePresetTemplate Source = "preset_template"
	SourceGlobalTemplate Source = "global_template"
	SourceRandom         Source = "random"
	SourcePlain          Source = "plain"
)

// EffectiveMessage is the resolved outbound message for a group.
type EffectiveMessage struct {
	Text  string
	Media storage.Media

	// Threshold is informational; the trigger has already decided to fire.
	Threshold int
	Source    Source

	// TemplateID is set for template sources.
	TemplateID *int64

	// NextRotateIndex is set for snapshot sources and must be committed
	// only after delivery was attempted.
	NextRotateIndex *int
}

// IsEmpty reports whether there is neither text nor media to send.
func (m *EffectiveMessage) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" && !m.Media.HasAny()
}

// lookup holds the rows shared by all strategies for one resolution.
type lookup struct {
	session  string
	groupID  string
	store    *storage.SessionStore
	settings *storage.Settings
	preset   *storage.Preset
}

// strategy returns a message or nil to fall through.
type strategy func(ctx context.Context, l *lookup) (*EffectiveMessage, error)

// Resolver maps (session, group) to an EffectiveMessage.
type Resolver struct {
	store      *storage.Store
	intn       func(n int) int
	strategies []strategy
}

// New creates a resolver reading from store.
func New(store *storage.Store) *Resolver {
	r := &Resolver{store: store, intn: rand.IntN}
	r.strategies = []strategy{
		snapshot,
		presetTemplate,
		globalTemplate,
		r.random,
		plain,
	}
	return r
}

// Resolve returns the effective message for a group. An all-empty result
// means there is nothing to send.
func (r *Resolver) Resolve(ctx context.Context, session, groupID string) (*EffectiveMessage, error) {
	store := r.store.ForSession(session)

	settings, err := store.Settings(ctx)
	if err != nil {
		return nil, err
	}
	preset, err := store.Preset(ctx, groupID)
	if err != nil {
		return nil, err
	}

	l := &lookup{
		session:  session,
		groupID:  groupID,
		store:    store,
		settings: settings,
		preset:   preset,
	}

	threshold := settings.Threshold
	if preset != nil {
		threshold = storage.ResolveWithFallback(preset.Threshold, threshold)
	}
	if threshold < 1 {
		threshold = storage.DefaultThreshold
	}

	for _, s := range r.strategies {
		msg, err := s(ctx, l)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			msg.Threshold = threshold
			return msg, nil
		}
	}

	// plain always yields a message; this is only reached with no strategies.
	return &EffectiveMessage{Threshold: threshold, Source: SourcePlain}, nil
}

func snapshot(ctx context.Context, l *lookup) (*EffectiveMessage, error) {
	if l.preset == nil || len(l.preset.Messages) == 0 {
		return nil, nil
	}

	n := len(l.preset.Messages)
	idx := ((l.preset.RotateIndex % n) + n) % n
	entry := l.preset.Messages[idx]
	if entry.IsEmpty() {
		return nil, nil
	}

	next := (idx + 1) % n
	return &EffectiveMessage{
		Text:            entry.Text,
		Media:           entry.Media,
		Source:          SourceSnapshot,
		NextRotateIndex: &next,
	}, nil
}

func presetTemplate(ctx context.Context, l *lookup) (*EffectiveMessage, error) {
	if l.preset == nil || l.preset.TemplateID == nil {
		return nil, nil
	}
	return fromTemplate(ctx, l, *l.preset.TemplateID, SourcePresetTemplate)
}

func globalTemplate(ctx context.Context, l *lookup) (*EffectiveMessage, error) {
	if l.settings.GlobalTemplateID == nil {
		return nil, nil
	}
	return fromTemplate(ctx, l, *l.settings.GlobalTemplateID, SourceGlobalTemplate)
}

func fromTemplate(ctx context.Context, l *lookup, id int64, source Source) (*EffectiveMessage, error) {
	tpl, err := l.store.Template(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load template %d: %w", id, err)
	}
	if tpl == nil {
		logger.Warn().
			Str("session", l.session).
			Str("group", l.groupID).
			Int64("template_id", id).
			Str("source", string(source)).
			Msg("Template reference is orphaned, falling through")
		return nil, nil
	}
	if !tpl.HasContent() {
		return nil, nil
	}
	return templateMessage(tpl, source), nil
}

func (r *Resolver) random(ctx context.Context, l *lookup) (*EffectiveMessage, error) {
	if !l.settings.RandomMode {
		return nil, nil
	}
	templates, err := l.store.ContentTemplates(ctx)
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, nil
	}
	return templateMessage(&templates[r.intn(len(templates))], SourceRandom), nil
}

func plain(ctx context.Context, l *lookup) (*EffectiveMessage, error) {
	return &EffectiveMessage{
		Text:   l.settings.TextMessage,
		Media:  l.settings.Media,
		Source: SourcePlain,
	}, nil
}

func templateMessage(tpl *storage.Template, source Source) *EffectiveMessage {
	id := tpl.ID
	return &EffectiveMessage{
		Text:       tpl.Text,
		Media:      tpl.Media(),
		Source:     source,
		TemplateID: &id,
	}
}

// Package notifier delivers resolved messages to WhatsApp groups.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/user/groupbot/internal/events"
	"github.com/user/groupbot/internal/provider"
	"github.com/user/groupbot/internal/resolver"
	"github.com/user/groupbot/internal/storage"
	"github.com/user/groupbot/pkg/logger"
)

// Outcome describes how a send attempt ended.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeNothing  Outcome = "nothing_to_send"
	OutcomeSkipped  Outcome = "all_media_skipped"
	OutcomeFailed   Outcome = "failed"
	OutcomeNoClient Outcome = "no_client"
)

// Clients returns the open client of a session, or nil.
type Clients interface {
	Client(session string) provider.Client
}

// Options configures a Notifier.
type Options struct {
	MaxBytes      int64 // image and audio limit
	VideoMaxBytes int64
	RatePerMinute int // 0 disables throttling
	Burst         int
}

// Notifier runs the send pipeline for one group at a time.
type Notifier struct {
	store     *storage.Store
	resolver  *resolver.Resolver
	clients   Clients
	publisher events.Publisher
	opts      Options
	now       func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewNotifier creates a new notifier instance.
func NewNotifier(store *storage.Store, res *resolver.Resolver, clients Clients, pub events.Publisher, opts Options) *Notifier {
	return &Notifier{
		store:     store,
		resolver:  res,
		clients:   clients,
		publisher: pub,
		opts:      opts,
		now:       time.Now,
		limiters:  make(map[string]*rate.Limiter),
	}
}

type mediaItem struct {
	kind string
	path string
	size int64
}

// Send resolves the group's message and delivers it. Failures are logged
// and reported through the outcome; Send never panics.
func (n *Notifier) Send(ctx context.Context, session, groupID string) (outcome Outcome) {
	log := logger.ForGroup(session, groupID).With().Str("send_id", uuid.NewString()).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Msg("Recovered panic during send")
			outcome = OutcomeFailed
		}
	}()

	client := n.clients.Client(session)
	if client == nil {
		log.Warn().Msg("No client for session, skipping send")
		return OutcomeNoClient
	}

	msg, err := n.resolver.Resolve(ctx, session, groupID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve message")
		return OutcomeFailed
	}
	log = log.With().Str("source", string(msg.Source)).Logger()

	text := strings.TrimSpace(msg.Text)
	media := existingMedia(msg.Media)
	if text == "" && len(media) == 0 {
		log.Info().Msg("Nothing to send")
		return OutcomeNothing
	}

	store := n.store.ForSession(session)

	// Stamped before delivery so a slow or failing send still holds the
	// cooldown window.
	if err := store.SetLastSent(ctx, groupID, n.now()); err != nil {
		log.Warn().Err(err).Msg("Failed to record last sent")
	}

	if err := n.wait(ctx, session); err != nil {
		log.Error().Err(err).Msg("Send throttling interrupted")
		return OutcomeFailed
	}

	delivered, err := n.deliver(ctx, log, client, groupID, text, media)
	if err != nil {
		log.Error().Err(err).Msg("Failed to send message")
		return OutcomeFailed
	}
	if !delivered {
		log.Warn().Int("media", len(media)).Msg("Every media item exceeded the size limit, nothing was sent")
		return OutcomeSkipped
	}

	if msg.NextRotateIndex != nil {
		if err := store.BumpRotateIndex(ctx, groupID, *msg.NextRotateIndex); err != nil {
			log.Error().Err(err).Msg("Failed to advance rotation")
			return OutcomeFailed
		}
	}

	if err := store.Reset(ctx, groupID); err != nil {
		log.Error().Err(err).Msg("Failed to reset counter")
		return OutcomeFailed
	}
	n.publisher.Publish(events.Event{
		Kind:    events.KindCounter,
		Session: session,
		GroupID: groupID,
		Count:   0,
	})

	log.Info().Int("media", len(media)).Bool("text", text != "").Msg("Message sent")
	return OutcomeSent
}

// deliver sends text and media. It reports false when every media item
// was skipped and there was no text to fall back to.
func (n *Notifier) deliver(ctx context.Context, log zerolog.Logger, client provider.Client, groupID, text string, media []mediaItem) (bool, error) {
	if len(media) == 0 {
		if err := client.SendText(ctx, groupID, text); err != nil {
			return false, fmt.Errorf("send text: %w", err)
		}
		return true, nil
	}

	sent := 0
	for _, m := range media {
		limit := n.opts.MaxBytes
		if m.kind == "video" {
			limit = n.opts.VideoMaxBytes
		}
		if limit > 0 && m.size > limit {
			log.Warn().
				Str("kind", m.kind).
				Str("path", m.path).
				Int64("size", m.size).
				Int64("limit", limit).
				Msg("Media exceeds size limit, skipping")
			continue
		}

		caption := ""
		if sent == 0 {
			caption = text
		}
		f := provider.File{
			Path:     m.path,
			Name:     filepath.Base(m.path),
			Caption:  caption,
			MimeType: mimeTypeFor(m.kind, m.path),
		}
		if err := client.SendFile(ctx, groupID, f); err != nil {
			return false, fmt.Errorf("send %s: %w", m.kind, err)
		}
		sent++
	}

	if sent > 0 {
		return true, nil
	}
	if text == "" {
		return false, nil
	}
	if err := client.SendText(ctx, groupID, text); err != nil {
		return false, fmt.Errorf("send text: %w", err)
	}
	return true, nil
}

// existingMedia returns the files that are present on disk, in send order.
func existingMedia(m storage.Media) []mediaItem {
	candidates := []mediaItem{
		{kind: "video", path: m.VideoPath},
		{kind: "image", path: m.ImagePath},
		{kind: "audio", path: m.AudioPath},
	}

	var out []mediaItem
	for _, c := range candidates {
		c.path = strings.TrimSpace(c.path)
		if c.path == "" {
			continue
		}
		info, err := os.Stat(c.path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		c.size = info.Size()
		out = append(out, c)
	}
	return out
}

func (n *Notifier) wait(ctx context.Context, session string) error {
	if n.opts.RatePerMinute <= 0 {
		return nil
	}

	n.mu.Lock()
	limiter, ok := n.limiters[session]
	if !ok {
		burst := n.opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n.opts.RatePerMinute)), burst)
		n.limiters[session] = limiter
	}
	n.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// Forget drops per-session send state.
func (n *Notifier) Forget(session string) {
	n.mu.Lock()
	delete(n.limiters, session)
	n.mu.Unlock()
}

package session

import (
	"context"

	"github.com/user/groupbot/internal/events"
	"github.com/user/groupbot/internal/provider"
	"github.com/user/groupbot/pkg/logger"
)

// slotHandler receives provider callbacks for one generation of a slot.
type slotHandler struct {
	m       *Manager
	session string
	gen     uint64
}

// HandleQR caches the normalized QR and announces it.
func (h *slotHandler) HandleQR(qr provider.QR) {
	image := NormalizeQR(qr.Image)

	h.m.mu.Lock()
	s := h.m.slots[h.session]
	if s == nil || s.gen != h.gen {
		h.m.mu.Unlock()
		return
	}
	s.qr = image
	statusChanged := !IsConnected(s.status) && s.status != StatusQR
	if !IsConnected(s.status) {
		s.status = StatusQR
	}
	h.m.mu.Unlock()

	if statusChanged {
		h.m.publishStatus(h.session, StatusQR)
	}
	h.m.publisher.Publish(events.Event{Kind: events.KindQR, Session: h.session, QR: image})
}

// HandleStatus records a provider status and schedules a group resync
// when the session becomes connected.
func (h *slotHandler) HandleStatus(status string) {
	h.m.mu.Lock()
	s := h.m.slots[h.session]
	if s == nil || s.gen != h.gen {
		h.m.mu.Unlock()
		return
	}
	s.status = status
	connected := IsConnected(status)
	startRefresh := connected && !s.refreshing
	if connected {
		s.qr = ""
	}
	if startRefresh {
		s.refreshing = true
	}
	h.m.mu.Unlock()

	log := logger.ForSession(h.session)
	log.Info().Str("status", status).Msg("Session status changed")
	h.m.publishStatus(h.session, status)

	if startRefresh {
		h.m.background(func(ctx context.Context) {
			defer h.m.refreshDone(h.session, h.gen)
			h.m.refreshSeries(ctx, h.session, h.gen, h.m.refreshDelays, false)
		})
	}
}

// HandleMessage forwards a message to the trigger engine.
func (h *slotHandler) HandleMessage(msg provider.IncomingMessage) {
	h.m.mu.Lock()
	s := h.m.slots[h.session]
	live := s != nil && s.gen == h.gen
	fn := h.m.onMessage
	h.m.mu.Unlock()

	if !live || fn == nil {
		return
	}
	fn(h.m.ctx, h.session, msg)
}

func (m *Manager) refreshDone(session string, gen uint64) {
	m.mu.Lock()
	if s := m.slots[session]; s != nil && s.gen == gen {
		s.refreshing = false
	}
	m.mu.Unlock()
}

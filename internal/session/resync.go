package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/groupbot/pkg/logger"
)

// StartResync refreshes the groups of every connected session on the given
// cron schedule ("@every 30m", "0 * * * *").
func (m *Manager) StartResync(schedule string) error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.cron != nil {
		return fmt.Errorf("resync already running")
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(schedule, m.resyncConnected); err != nil {
		return fmt.Errorf("invalid resync schedule %q: %w", schedule, err)
	}
	c.Start()
	m.cron = c

	logger.Info().Str("schedule", schedule).Msg("Group resync scheduled")
	return nil
}

// StopResync stops the schedule and waits for a running resync.
func (m *Manager) StopResync() {
	m.cronMu.Lock()
	c := m.cron
	m.cron = nil
	m.cronMu.Unlock()

	if c == nil {
		return
	}
	ctx := c.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		logger.Warn().Msg("Group resync stop timed out")
	}
}

func (m *Manager) resyncConnected() {
	for _, info := range m.List() {
		if !info.HasClient || !IsConnected(info.Status) {
			continue
		}
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
		groups, err := m.RefreshGroups(ctx, info.Session)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("session", info.Session).Msg("Group resync failed")
			continue
		}
		logger.Debug().Str("session", info.Session).Int("groups", len(groups)).Msg("Groups resynced")
	}
}

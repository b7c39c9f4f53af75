package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/user/groupbot/internal/events"
	"github.com/user/groupbot/internal/provider"
	"github.com/user/groupbot/internal/retry"
	"github.com/user/groupbot/pkg/logger"
)

const defaultGroupName = "Group"

var (
	errNotReady = errors.New("session not ready")
	errNoGroups = errors.New("no groups listed yet")
)

// Groups lists the session's groups sorted by name. The provider may lag
// behind the login, so the call waits for readiness and retries; when
// every attempt fails the result is an empty list and the failure is
// logged.
func (m *Manager) Groups(ctx context.Context, session string) ([]provider.Chat, error) {
	session = NormalizeSession(session)
	log := logger.ForSession(session)

	if m.Client(session) == nil {
		return []provider.Chat{}, nil
	}

	groups, err := retry.Do(ctx, m.opts.GroupListRetries, m.errorBackoff,
		func(ctx context.Context, attempt int) ([]provider.Chat, error) {
			m.mu.Lock()
			s := m.slots[session]
			var client provider.Client
			var status string
			if s != nil {
				client, status = s.client, s.status
			}
			m.mu.Unlock()

			if client == nil {
				return nil, retry.Permanent(errNotStarted)
			}
			if !client.IsLoggedIn() && !IsConnected(status) {
				return nil, retry.After(errNotReady, m.gateBackoff(attempt))
			}

			chats, err := client.ListChats(ctx)
			if err != nil {
				return nil, retry.After(err, m.errorBackoff(attempt))
			}
			groups := filterGroups(chats)
			if len(groups) == 0 {
				return nil, retry.After(errNoGroups, m.emptyBackoff(attempt))
			}
			return groups, nil
		})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, errNotStarted) {
			log.Debug().Msg("Session closed during group listing")
		} else {
			log.Warn().Err(err).Msg("Group listing gave up")
		}
		return []provider.Chat{}, nil
	}
	return groups, nil
}

// filterGroups keeps group chats, drops duplicates and sorts by name.
func filterGroups(chats []provider.Chat) []provider.Chat {
	seen := make(map[string]struct{}, len(chats))
	out := make([]provider.Chat, 0, len(chats))
	for _, c := range chats {
		if !provider.IsGroupID(c.ID) {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		if strings.TrimSpace(c.Name) == "" {
			c.Name = defaultGroupName
		}
		c.IsGroup = true
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RefreshGroups lists the session's groups, records them in the store and
// announces the result.
func (m *Manager) RefreshGroups(ctx context.Context, session string) ([]provider.Chat, error) {
	session = NormalizeSession(session)
	groups, err := m.persistGroups(ctx, session)
	if err != nil {
		return nil, err
	}
	m.publisher.Publish(events.Event{Kind: events.KindGroups, Session: session, Groups: groups})
	return groups, nil
}

func (m *Manager) persistGroups(ctx context.Context, session string) ([]provider.Chat, error) {
	groups, err := m.Groups(ctx, session)
	if err != nil {
		return nil, err
	}
	store := m.store.ForSession(session)
	for _, g := range groups {
		if err := store.UpsertGroup(ctx, g.ID, g.Name); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// refreshSeries re-lists groups after each delay while gen stays live,
// then announces the last result. With stopEarly the series ends once
// groups were found on a pass at or after five seconds.
func (m *Manager) refreshSeries(ctx context.Context, session string, gen uint64, delays []time.Duration, stopEarly bool) {
	log := logger.ForSession(session)

	var last []provider.Chat
	for _, d := range delays {
		if err := retry.Sleep(ctx, d); err != nil {
			return
		}
		if !m.current(session, gen) {
			return
		}
		groups, err := m.persistGroups(ctx, session)
		if err != nil {
			log.Warn().Err(err).Msg("Group refresh failed")
			continue
		}
		last = groups
		if stopEarly && len(groups) > 0 && d >= 5*time.Second {
			break
		}
	}

	if !m.current(session, gen) {
		return
	}
	if last == nil {
		last = []provider.Chat{}
	}
	m.publisher.Publish(events.Event{Kind: events.KindGroups, Session: session, Groups: last})
}

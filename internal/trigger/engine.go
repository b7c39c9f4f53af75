// Package trigger counts group traffic and fires sends when a group crosses
// its threshold.
package trigger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/user/groupbot/internal/events"
	"github.com/user/groupbot/internal/inflight"
	"github.com/user/groupbot/internal/notifier"
	"github.com/user/groupbot/internal/provider"
	"github.com/user/groupbot/internal/storage"
	"github.com/user/groupbot/pkg/logger"
)

// Decision reports what HandleMessage did with an event.
type Decision string

const (
	DecisionIgnored     Decision = "ignored"      // not a group message
	DecisionSelf        Decision = "self"         // sent by the session's own account
	DecisionNotTargeted Decision = "not_targeted" // group not selected
	DecisionDisabled    Decision = "disabled"     // counted, sending disabled
	DecisionCooldown    Decision = "cooldown"     // counted, inside cooldown window
	DecisionBelow       Decision = "below"        // counted, under threshold
	DecisionInFlight    Decision = "in_flight"    // counted, a send is already running
	DecisionNoSession   Decision = "no_session"   // counted, session has no live slot
	DecisionFired       Decision = "fired"
)

// Slots exposes the live per-session state the engine needs.
type Slots interface {
	SelfID(session string) string
	InFlight(session string) *inflight.Set
}

// Sender runs the send pipeline.
type Sender interface {
	Send(ctx context.Context, session, groupID string) notifier.Outcome
}

// Engine is the trigger engine. Events of one session are processed one at
// a time; sessions do not block each other.
type Engine struct {
	store     *storage.Store
	slots     Slots
	sender    Sender
	publisher events.Publisher
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates a trigger engine.
func NewEngine(store *storage.Store, slots Slots, sender Sender, pub events.Publisher) *Engine {
	return &Engine{
		store:     store,
		slots:     slots,
		sender:    sender,
		publisher: pub,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lock(session string) func() {
	e.mu.Lock()
	l, ok := e.locks[session]
	if !ok {
		l = &sync.Mutex{}
		e.locks[session] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Targeted reports whether a group takes part in counting. An empty
// selection targets every group.
func Targeted(settings *storage.Settings, groupID string) bool {
	if settings.SendToAll || len(settings.SelectedGroups) == 0 {
		return true
	}
	return slices.Contains(settings.SelectedGroups, groupID)
}

// HandleMessage processes one incoming message for a session.
func (e *Engine) HandleMessage(ctx context.Context, session string, msg provider.IncomingMessage) (Decision, error) {
	groupID := msg.ChatID
	if !provider.IsGroupID(groupID) {
		return DecisionIgnored, nil
	}
	if msg.FromMe || provider.SameUser(msg.SenderID, e.slots.SelfID(session)) {
		return DecisionSelf, nil
	}

	unlock := e.lock(session)
	defer unlock()

	store := e.store.ForSession(session)
	log := logger.ForGroup(session, groupID)

	if err := store.UpsertGroup(ctx, groupID, msg.ChatName); err != nil {
		return "", err
	}

	settings, err := store.Settings(ctx)
	if err != nil {
		return "", err
	}
	if !Targeted(settings, groupID) {
		return DecisionNotTargeted, nil
	}

	count, err := store.Increment(ctx, groupID)
	if err != nil {
		return "", err
	}
	e.publisher.Publish(events.Event{
		Kind:    events.KindCounter,
		Session: session,
		GroupID: groupID,
		Count:   count,
	})

	preset, err := store.Preset(ctx, groupID)
	if err != nil {
		return "", err
	}
	enabled := settings.Enabled
	threshold := settings.Threshold
	cooldown := 0
	if preset != nil {
		enabled = storage.ResolveWithFallback(preset.Enabled, enabled)
		threshold = storage.ResolveWithFallback(preset.Threshold, threshold)
		cooldown = storage.ResolveWithFallback(preset.CooldownSec, 0)
	}
	if threshold < 1 {
		threshold = storage.DefaultThreshold
	}
	if !enabled {
		return DecisionDisabled, nil
	}

	if cooldown > 0 {
		counter, err := store.Counter(ctx, groupID)
		if err != nil {
			return "", err
		}
		if counter != nil && counter.LastSent != nil {
			elapsed := e.now().Sub(*counter.LastSent).Seconds()
			if elapsed < float64(cooldown) {
				log.Debug().
					Float64("elapsed_sec", elapsed).
					Int("cooldown_sec", cooldown).
					Msg("Group in cooldown")
				return DecisionCooldown, nil
			}
		}
	}

	if count < threshold {
		return DecisionBelow, nil
	}

	d := e.fire(session, groupID)
	if d == DecisionFired {
		log.Info().Int("count", count).Int("threshold", threshold).Msg("Threshold reached, sending")
	}
	return d, nil
}

// SendNow starts a send for a group regardless of counters. It reports
// whether a send was started.
func (e *Engine) SendNow(session, groupID string) (bool, error) {
	if !provider.IsGroupID(groupID) {
		return false, fmt.Errorf("%s is not a group", groupID)
	}
	switch d := e.fire(session, groupID); d {
	case DecisionFired:
		return true, nil
	case DecisionInFlight:
		return false, nil
	default:
		return false, fmt.Errorf("session %s is not running", session)
	}
}

func (e *Engine) fire(session, groupID string) Decision {
	set := e.slots.InFlight(session)
	if set == nil {
		return DecisionNoSession
	}
	started := set.Go(groupID, func(ctx context.Context) {
		e.sender.Send(ctx, session, groupID)
	})
	if !started {
		// The slot was closed between lookup and start.
		if set.Closed() {
			return DecisionNoSession
		}
		return DecisionInFlight
	}
	return DecisionFired
}

// ResetCounter zeroes a group's counter and notifies observers.
func (e *Engine) ResetCounter(ctx context.Context, session, groupID string) error {
	if err := e.store.ForSession(session).Reset(ctx, groupID); err != nil {
		return err
	}
	e.publisher.Publish(events.Event{
		Kind:    events.KindCounter,
		Session: session,
		GroupID: groupID,
		Count:   0,
	})
	return nil
}

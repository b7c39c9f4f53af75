// Package session owns the connection lifecycle of every WhatsApp session.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/user/groupbot/internal/events"
	"github.com/user/groupbot/internal/inflight"
	"github.com/user/groupbot/internal/provider"
	"github.com/user/groupbot/internal/retry"
	"github.com/user/groupbot/internal/storage"
	"github.com/user/groupbot/pkg/logger"
)

// Options configures a Manager.
type Options struct {
	SessionsDir          string // per-session credential directories live here
	GroupListRetries     int
	WipeRetries          int
	CloseWait            time.Duration
	StartTimeout         time.Duration
	ResetOnCreateFailure bool
}

// MessageHandler receives incoming messages of live sessions.
type MessageHandler func(ctx context.Context, session string, msg provider.IncomingMessage)

// Info is a snapshot of a session's state.
type Info struct {
	Session   string `json:"session"`
	Status    string `json:"status"`
	HasClient bool   `json:"has_client"`
	HasQR     bool   `json:"has_qr"`
}

// slot is the state owned by one session. gen changes whenever the slot is
// restarted or closed, so callbacks from an old client are ignored.
type slot struct {
	gen        uint64
	client     provider.Client
	status     string
	qr         string
	inflight   *inflight.Set
	refreshing bool
}

// Manager is the session registry.
type Manager struct {
	connector provider.Connector
	store     *storage.Store
	publisher events.Publisher
	opts      Options

	mu        sync.Mutex
	slots     map[string]*slot
	gen       uint64
	onMessage MessageHandler

	starts singleflight.Group
	closes singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cronMu sync.Mutex
	cron   *cron.Cron

	// Delays, replaced in tests.
	refreshDelays     []time.Duration
	initialLoadDelays []time.Duration
	createRetryDelay  time.Duration
	gateBackoff       retry.Backoff
	emptyBackoff      retry.Backoff
	errorBackoff      retry.Backoff
	wipeBackoff       retry.Backoff
	removeAll         func(path string) error
	forceRemove       func(path string)
}

// NewManager creates a session manager.
func NewManager(connector provider.Connector, store *storage.Store, pub events.Publisher, opts Options) *Manager {
	if opts.GroupListRetries < 1 {
		opts.GroupListRetries = 8
	}
	if opts.WipeRetries < 1 {
		opts.WipeRetries = 6
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		connector: connector,
		store:     store,
		publisher: pub,
		opts:      opts,
		slots:     make(map[string]*slot),
		ctx:       ctx,
		cancel:    cancel,

		refreshDelays:     []time.Duration{0, 2 * time.Second, 7 * time.Second, 15 * time.Second, 30 * time.Second},
		initialLoadDelays: []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second},
		createRetryDelay:  700 * time.Millisecond,
		gateBackoff:       retry.Linear(1050*time.Millisecond, 250*time.Millisecond),
		emptyBackoff:      retry.Linear(1300*time.Millisecond, 300*time.Millisecond),
		errorBackoff:      retry.Linear(1500*time.Millisecond, 500*time.Millisecond),
		wipeBackoff:       retry.Linear(250*time.Millisecond, 250*time.Millisecond),
		removeAll:         os.RemoveAll,
		forceRemove:       forceRemove,
	}
}

// SetMessageHandler sets the receiver of incoming messages.
func (m *Manager) SetMessageHandler(h MessageHandler) {
	m.mu.Lock()
	m.onMessage = h
	m.mu.Unlock()
}

// Start opens a session, or returns the live client when the session is
// already connected. Concurrent calls for one session share a single
// attempt. The attempt is detached from any one caller and bounded by
// StartTimeout; a caller whose ctx ends stops waiting without aborting
// it for the others.
func (m *Manager) Start(ctx context.Context, session string) (provider.Client, error) {
	session = NormalizeSession(session)
	ch := m.starts.DoChan(session, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.StartTimeout)
		defer cancel()
		return m.start(ctx, session)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(provider.Client), nil
	}
}

func (m *Manager) start(ctx context.Context, session string) (provider.Client, error) {
	log := logger.ForSession(session)

	m.mu.Lock()
	if s := m.slots[session]; s != nil && s.client != nil && IsConnected(s.status) {
		client, status, qr := s.client, s.status, s.qr
		m.mu.Unlock()

		m.publishStatus(session, status)
		if qr != "" {
			m.publisher.Publish(events.Event{Kind: events.KindQR, Session: session, QR: qr})
		}
		return client, nil
	}

	var stale provider.Client
	var staleSet *inflight.Set
	if s := m.slots[session]; s != nil {
		stale, staleSet = s.client, s.inflight
	}
	m.gen++
	s := &slot{
		gen:      m.gen,
		status:   StatusStarting,
		inflight: inflight.New(m.ctx),
	}
	m.slots[session] = s
	gen := s.gen
	m.mu.Unlock()

	if staleSet != nil {
		staleSet.Close()
	}
	if stale != nil {
		if err := stale.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close stale client")
		}
	}
	m.publishStatus(session, StatusStarting)

	h := &slotHandler{m: m, session: session, gen: gen}
	client, err := m.connector.Open(ctx, session, h)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to open session, retrying once")
		if m.opts.ResetOnCreateFailure {
			if rerr := m.connector.Reset(session); rerr != nil {
				log.Warn().Err(rerr).Msg("Failed to clear stale credentials")
			}
		}
		if serr := retry.Sleep(ctx, m.createRetryDelay); serr != nil {
			m.abandon(session, gen)
			return nil, serr
		}
		client, err = m.connector.Open(ctx, session, h)
		if err != nil {
			m.abandon(session, gen)
			return nil, fmt.Errorf("failed to open session %s: %w", session, err)
		}
	}

	m.mu.Lock()
	s = m.slots[session]
	if s == nil || s.gen != gen {
		m.mu.Unlock()
		client.Close()
		return nil, fmt.Errorf("session %s was closed while starting", session)
	}
	s.client = client
	m.mu.Unlock()

	log.Info().Msg("Session opened")
	m.background(func(ctx context.Context) {
		m.refreshSeries(ctx, session, gen, m.initialLoadDelays, true)
	})
	return client, nil
}

// abandon marks a failed start as disconnected.
func (m *Manager) abandon(session string, gen uint64) {
	m.mu.Lock()
	s := m.slots[session]
	if s == nil || s.gen != gen {
		m.mu.Unlock()
		return
	}
	s.status = StatusDisconnected
	set := s.inflight
	s.inflight = nil
	m.mu.Unlock()

	if set != nil {
		set.Close()
	}
	m.publishStatus(session, StatusDisconnected)
}

// Close disconnects a session without invalidating its credentials. In
// flight sends get CloseWait to finish before they are cancelled.
func (m *Manager) Close(session string) error {
	session = NormalizeSession(session)
	_, err, _ := m.closes.Do(session, func() (interface{}, error) {
		return nil, m.close(session)
	})
	return err
}

func (m *Manager) close(session string) error {
	log := logger.ForSession(session)

	m.mu.Lock()
	s := m.slots[session]
	if s == nil {
		m.mu.Unlock()
		return nil
	}
	client, set := s.client, s.inflight
	m.gen++
	s.gen = m.gen
	s.client = nil
	s.inflight = nil
	s.status = StatusDisconnected
	s.qr = ""
	s.refreshing = false
	m.mu.Unlock()

	if set != nil && !set.Shutdown(m.opts.CloseWait) {
		log.Warn().Dur("waited", m.opts.CloseWait).Msg("Abandoning in-flight sends")
	}

	var err error
	if client != nil {
		if err = client.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close client")
		}
	}
	m.publishStatus(session, StatusDisconnected)
	log.Info().Msg("Session closed")
	return err
}

// CloseAll closes every session and stops background work.
func (m *Manager) CloseAll() {
	m.StopResync()

	m.mu.Lock()
	names := make([]string, 0, len(m.slots))
	for name := range m.slots {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Close(name); err != nil {
			logger.Warn().Err(err).Str("session", name).Msg("Failed to close session")
		}
	}
	m.cancel()
	m.wg.Wait()
}

// Status returns the state of one session. Unknown sessions report
// DISCONNECTED.
func (m *Manager) Status(session string) Info {
	session = NormalizeSession(session)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info(session)
}

func (m *Manager) info(session string) Info {
	s := m.slots[session]
	if s == nil {
		return Info{Session: session, Status: StatusDisconnected}
	}
	return Info{
		Session:   session,
		Status:    s.status,
		HasClient: s.client != nil,
		HasQR:     s.qr != "",
	}
}

// List returns the state of every known session ordered by name.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.slots))
	for name := range m.slots {
		out = append(out, m.info(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}

// QR returns the cached pairing image of a session.
func (m *Manager) QR(session string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.slots[NormalizeSession(session)]; s != nil {
		return s.qr
	}
	return ""
}

// Client returns the session's open client, or nil.
func (m *Manager) Client(session string) provider.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.slots[session]; s != nil && s.client != nil {
		return s.client
	}
	return nil
}

// SelfID returns the logged-in account of a session, or "".
func (m *Manager) SelfID(session string) string {
	client := m.Client(session)
	if client == nil {
		return ""
	}
	return client.Identity()
}

// InFlight returns the session's send tracker, or nil when the session has
// no client.
func (m *Manager) InFlight(session string) *inflight.Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.slots[session]; s != nil && s.client != nil {
		return s.inflight
	}
	return nil
}

// current reports whether gen is still the live generation of session.
func (m *Manager) current(session string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slots[session]
	return s != nil && s.gen == gen
}

func (m *Manager) publishStatus(session, status string) {
	m.publisher.Publish(events.Event{Kind: events.KindStatus, Session: session, Status: status})
}

// background runs fn on the manager's context and tracks it for CloseAll.
func (m *Manager) background(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

var errNotStarted = errors.New("session is not started")

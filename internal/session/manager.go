// Package session owns the node's single broker session.
//
// The [Resource] is the only path to the session client; every activity
// (session upkeep, telemetry, firmware) does its client work inside
// [Resource.Do]. The [Manager] keeps the session open, drives shared
// attribute setup, and pumps inbound traffic to registered handlers, all
// inside one critical section per cycle.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/fieldnode/internal/events"
	"github.com/nugget/fieldnode/internal/thingsboard"
)

// Client is the ThingsBoard device API as used by every activity.
// [*thingsboard.Client] implements it.
type Client interface {
	Open(ctx context.Context, ep thingsboard.Endpoint) error
	IsOpen() bool
	Close(ctx context.Context) error
	PumpOnce(now time.Time) []thingsboard.Event

	SendTelemetry(ctx context.Context, key string, value any) error
	SendAttribute(ctx context.Context, key string, value any) error
	RequestSharedAttributes(ctx context.Context, set thingsboard.AttributeSet, timeout time.Duration) error
	SubscribeSharedAttributes(ctx context.Context, set thingsboard.AttributeSet) error

	AnnounceFirmware(ctx context.Context, title, version string) error
	RequestFirmwareInfo(ctx context.Context, timeout time.Duration) error
	SubscribeFirmwareChunks(ctx context.Context) error
	RequestFirmwareChunk(ctx context.Context, requestID, index, size int) error
	ReportFirmwareState(ctx context.Context, state, detail string) error
}

// Handler receives inbound events. It runs inside the Manager's critical
// section and may use the client directly.
type Handler interface {
	HandleEvent(ctx context.Context, c Client, ev thingsboard.Event)
}

// Ticker runs once per pump, after events were dispatched, inside the
// Manager's critical section.
type Ticker interface {
	Tick(ctx context.Context, c Client, now time.Time)
}

// Connectivity reports whether the network link is up.
type Connectivity interface {
	Connected() bool
}

// State is the broker session state.
type State int32

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Config configures a Manager.
type Config struct {
	Endpoint   thingsboard.Endpoint
	Attributes thingsboard.AttributeSet

	// RequestTimeout is the shared attribute request timeout
	// (default: 10s).
	RequestTimeout time.Duration
	// ReconnectDelay follows a failed open (default: 5s).
	ReconnectDelay time.Duration
	// IdleDelay follows a cycle skipped because the link is down
	// (default: 1s).
	IdleDelay time.Duration
	// PumpInterval follows a completed cycle (default: 100ms).
	PumpInterval time.Duration

	// Now returns the time passed to PumpOnce (default: time.Now).
	Now func() time.Time

	Logger *slog.Logger
	Bus    *events.Bus
}

// Snapshot is a point-in-time view of the session for status reporting.
type Snapshot struct {
	State                       string    `json:"state"`
	Epoch                       uint64    `json:"epoch"`
	AttributesRequested         bool      `json:"attributes_requested"`
	AttributeSubscriptionActive bool      `json:"attribute_subscription_active"`
	Opens                       int       `json:"opens"`
	Losses                      int       `json:"losses"`
	LastOpened                  time.Time `json:"last_opened,omitempty"`
	LastError                   string    `json:"last_error,omitempty"`
	Lock                        LockStats `json:"lock"`
}

// Manager keeps the broker session alive.
type Manager struct {
	cfg      Config
	res      *Resource
	link     Connectivity
	logger   *slog.Logger
	handlers []Handler
	tickers  []Ticker

	state atomic.Int32
	epoch atomic.Uint64
	// linkLost is set when the link drops under an open session. The
	// session is torn down and reopened once the link is back, even if
	// the client never noticed the outage.
	linkLost atomic.Bool

	// Written only inside res.Do; mu lets Snapshot read them.
	mu                  sync.Mutex
	attributesRequested bool
	subscriptionActive  bool
	opens               int
	losses              int
	lastOpened          time.Time
	lastError           string
}

// NewManager creates a Manager for the client behind res.
func NewManager(cfg Config, res *Resource, link Connectivity) *Manager {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = time.Second
	}
	if cfg.PumpInterval <= 0 {
		cfg.PumpInterval = 100 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		res:    res,
		link:   link,
		logger: cfg.Logger,
	}
}

// AddHandler registers h for inbound events. Not safe to call once Run
// has started.
func (m *Manager) AddHandler(h Handler) { m.handlers = append(m.handlers, h) }

// AddTicker registers t to run after every pump. Not safe to call once
// Run has started.
func (m *Manager) AddTicker(t Ticker) { m.tickers = append(m.tickers, t) }

// Resource returns the shared resource the manager works through.
func (m *Manager) Resource() *Resource { return m.res }

// Connected reports whether the session was open at the end of the last
// cycle and the link has not dropped since. Lock-free; may be one cycle
// stale.
func (m *Manager) Connected() bool { return State(m.state.Load()) == Connected }

// Epoch increments on every successful open.
func (m *Manager) Epoch() uint64 { return m.epoch.Load() }

// Snapshot returns the current session view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:                       State(m.state.Load()).String(),
		Epoch:                       m.epoch.Load(),
		AttributesRequested:         m.attributesRequested,
		AttributeSubscriptionActive: m.subscriptionActive,
		Opens:                       m.opens,
		Losses:                      m.losses,
		LastOpened:                  m.lastOpened,
		LastError:                   m.lastError,
		Lock:                        m.res.Stats(),
	}
}

// Run cycles until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		delay := m.Cycle(ctx)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// Cycle runs one session cycle and returns the delay before the next.
func (m *Manager) Cycle(ctx context.Context) time.Duration {
	if !m.link.Connected() {
		if m.Connected() {
			m.state.Store(int32(Disconnected))
			m.linkLost.Store(true)
			m.logger.Warn("link down, thingsboard session suspended")
		}
		return m.cfg.IdleDelay
	}

	delay := m.cfg.PumpInterval
	err := m.res.Do(ctx, func(ctx context.Context, c Client) error {
		switch {
		case m.linkLost.Swap(false):
			if c.IsOpen() {
				if err := c.Close(ctx); err != nil {
					m.logger.Debug("close session after link loss", "error", err)
				}
			}
			m.markLost()
		case !c.IsOpen() && m.Connected():
			m.markLost()
		}

		if !c.IsOpen() {
			if err := c.Open(ctx, m.cfg.Endpoint); err != nil {
				m.recordError(err)
				m.logger.Warn("thingsboard connect failed, retrying",
					"server", m.cfg.Endpoint.Address(),
					"retry_in", m.cfg.ReconnectDelay.String(),
					"error", err,
				)
				delay = m.cfg.ReconnectDelay
				return nil
			}
			m.markOpened()
		}

		m.setup(ctx, c)

		now := m.cfg.Now()
		for _, ev := range c.PumpOnce(now) {
			m.dispatch(ctx, c, ev)
		}
		for _, t := range m.tickers {
			t.Tick(ctx, c, now)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		m.recordError(err)
		m.logger.Warn("session cycle failed", "error", err)
	}
	return delay
}

// setup requests and subscribes to shared attributes until each has
// succeeded once on the current session.
func (m *Manager) setup(ctx context.Context, c Client) {
	m.mu.Lock()
	requested, subscribed := m.attributesRequested, m.subscriptionActive
	m.mu.Unlock()

	if !requested {
		if err := c.RequestSharedAttributes(ctx, m.cfg.Attributes, m.cfg.RequestTimeout); err != nil {
			m.recordError(err)
			m.logger.Warn("shared attribute request failed", "error", err)
		} else {
			m.mu.Lock()
			m.attributesRequested = true
			m.mu.Unlock()
			m.logger.Info("shared attributes requested", "keys", m.cfg.Attributes.String())
		}
	}

	if !subscribed {
		if err := c.SubscribeSharedAttributes(ctx, m.cfg.Attributes); err != nil {
			m.recordError(err)
			m.logger.Warn("shared attribute subscribe failed", "error", err)
		} else {
			m.mu.Lock()
			m.subscriptionActive = true
			m.mu.Unlock()
			m.logger.Info("subscribed to shared attributes", "keys", m.cfg.Attributes.String())
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, c Client, ev thingsboard.Event) {
	if ev.Kind == thingsboard.RequestTimeout && ev.Scope == thingsboard.ScopeShared {
		m.logger.Warn("shared attribute request timed out",
			"request_id", ev.RequestID,
			"keys", ev.Keys,
		)
		m.cfg.Bus.Emit(events.SourceSession, events.KindRequestTimeout, map[string]any{
			"request_id": ev.RequestID,
			"keys":       ev.Keys,
		})
	}
	for _, h := range m.handlers {
		h.HandleEvent(ctx, c, ev)
	}
}

func (m *Manager) markLost() {
	m.state.Store(int32(Disconnected))
	m.mu.Lock()
	m.attributesRequested = false
	m.subscriptionActive = false
	m.losses++
	losses := m.losses
	m.mu.Unlock()

	m.logger.Warn("thingsboard session lost", "losses", losses)
	m.cfg.Bus.Emit(events.SourceSession, events.KindSessionLost, map[string]any{
		"losses": losses,
	})
}

func (m *Manager) markOpened() {
	m.mu.Lock()
	m.attributesRequested = false
	m.subscriptionActive = false
	m.opens++
	m.lastOpened = m.cfg.Now()
	m.lastError = ""
	m.mu.Unlock()

	epoch := m.epoch.Add(1)
	m.state.Store(int32(Connected))

	m.logger.Info("thingsboard session connected", "epoch", epoch)
	m.cfg.Bus.Emit(events.SourceSession, events.KindSessionOpened, map[string]any{
		"epoch": epoch,
	})
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

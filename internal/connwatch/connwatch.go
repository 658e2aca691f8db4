// Package connwatch supervises the node's network link.
//
// The Supervisor keeps the link associated with a fixed cadence: it
// retries association every RetryDelay until the link reports success,
// then checks the link every PollInterval and starts over as soon as a
// loss is observed. Failures are never fatal; only context cancellation
// stops the supervisor.
//
// The supervisor is the only writer of the connectivity state. Other
// activities read it through [Supervisor.Connected], which is lock-free
// and may be one poll interval stale.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the connectivity state of the node.
type State int32

const (
	// Disconnected means the link is not (yet) associated.
	Disconnected State = iota
	// Connected means the link reported association on the last check.
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// LinkStatus is what the link layer reports about association.
type LinkStatus int

const (
	// NotAssociated means the link is down or still associating.
	NotAssociated LinkStatus = iota
	// Associated means the link is up.
	Associated
)

func (s LinkStatus) String() string {
	if s == Associated {
		return "associated"
	}
	return "not_associated"
}

// Link is the network association layer.
type Link interface {
	// Connect starts association with the given network. It may return
	// before association completes; the supervisor polls Status.
	Connect(ctx context.Context, ssid, password string) error
	// Status reports the current association state.
	Status(ctx context.Context) LinkStatus
}

// Cadence controls the supervisor's fixed retry and poll timing.
type Cadence struct {
	// RetryDelay is the delay between status checks while associating
	// (default: 500ms).
	RetryDelay time.Duration

	// AssociateTimeout is how long to wait for association after a
	// Connect call before calling Connect again (default: 15s).
	AssociateTimeout time.Duration

	// PollInterval is the delay between supervisory cycles once the
	// link is up (default: 10s).
	PollInterval time.Duration
}

// DefaultCadence returns the timing the node has always used: a status
// check every 500ms while associating and a link check every 10s.
func DefaultCadence() Cadence {
	return Cadence{
		RetryDelay:       500 * time.Millisecond,
		AssociateTimeout: 15 * time.Second,
		PollInterval:     10 * time.Second,
	}
}

// Config configures a Supervisor.
type Config struct {
	// Name is a human-readable identifier for logging (e.g., "wlan0").
	Name string

	// SSID and Password are passed to Link.Connect.
	SSID     string
	Password string

	// Link is the association layer. Must be safe for concurrent use
	// with Status calls from the status server.
	Link Link

	// Cadence controls retry timing. Zero fields take defaults.
	Cadence Cadence

	// OnReady is called when the link transitions to Connected.
	// Called synchronously from the supervisor goroutine; must not
	// block. Optional.
	OnReady func(attempts int)

	// OnDown is called when a loss is observed. Called synchronously
	// from the supervisor goroutine; must not block. Optional.
	OnDown func()

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of the link, suitable for JSON
// serialization in health endpoints.
type ServiceStatus struct {
	Name       string    `json:"name"`
	Ready      bool      `json:"ready"`
	LastCheck  time.Time `json:"last_check"`
	LastChange time.Time `json:"last_change,omitempty"`
	Losses     int       `json:"losses"`
}

// Supervisor owns the connectivity state.
type Supervisor struct {
	config Config
	state  atomic.Int32

	mu         sync.Mutex
	lastCheck  time.Time
	lastChange time.Time
	losses     int
}

// New creates a Supervisor. The link starts Disconnected.
//
// Panics if Link is nil; that is a wiring error, not a runtime
// condition.
func New(cfg Config) *Supervisor {
	if cfg.Link == nil {
		panic("connwatch: Config.Link must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "link"
	}

	defaults := DefaultCadence()
	if cfg.Cadence.RetryDelay <= 0 {
		cfg.Cadence.RetryDelay = defaults.RetryDelay
	}
	if cfg.Cadence.AssociateTimeout <= 0 {
		cfg.Cadence.AssociateTimeout = defaults.AssociateTimeout
	}
	if cfg.Cadence.PollInterval <= 0 {
		cfg.Cadence.PollInterval = defaults.PollInterval
	}

	return &Supervisor{config: cfg}
}

// Connected reports whether the link was associated on the last check.
func (s *Supervisor) Connected() bool {
	return s.State() == Connected
}

// State returns the current connectivity state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Status returns the current health status.
func (s *Supervisor) Status() ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ServiceStatus{
		Name:       s.config.Name,
		Ready:      s.Connected(),
		LastCheck:  s.lastCheck,
		LastChange: s.lastChange,
		Losses:     s.losses,
	}
}

// Run supervises the link until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		s.PollStatus(ctx)
		if !sleepCtx(ctx, s.config.Cadence.PollInterval) {
			return
		}
	}
}

// PollStatus runs one supervisory cycle. A Connected link that reports
// loss becomes Disconnected and is immediately re-associated; a
// Disconnected link is associated.
func (s *Supervisor) PollStatus(ctx context.Context) {
	status := s.config.Link.Status(ctx)
	s.recordCheck()

	if s.Connected() {
		if status == Associated {
			return
		}
		s.setState(Disconnected)
		s.mu.Lock()
		s.losses++
		s.mu.Unlock()
		s.config.Logger.Warn("link lost, reconnecting", "link", s.config.Name)
		if s.config.OnDown != nil {
			s.config.OnDown()
		}
	}

	s.EnsureConnected(ctx)
}

// EnsureConnected blocks until the link reports association or ctx is
// cancelled. It calls Link.Connect, polls Link.Status every RetryDelay,
// and calls Connect again when AssociateTimeout passes without success.
// Returns ctx.Err() on cancellation.
func (s *Supervisor) EnsureConnected(ctx context.Context) error {
	cfg := s.config.Cadence
	logger := s.config.Logger

	attempts := 0
	for {
		if s.config.Link.Status(ctx) == Associated {
			s.recordCheck()
			s.setState(Connected)
			logger.Info("link connected",
				"link", s.config.Name,
				"connect_attempts", attempts,
			)
			if s.config.OnReady != nil {
				s.config.OnReady(attempts)
			}
			return nil
		}

		attempts++
		logger.Info("connecting link",
			"link", s.config.Name,
			"ssid", s.config.SSID,
			"attempt", attempts,
		)
		if err := s.config.Link.Connect(ctx, s.config.SSID, s.config.Password); err != nil {
			logger.Warn("link connect failed",
				"link", s.config.Name,
				"attempt", attempts,
				"error", err,
			)
		}

		deadline := time.Now().Add(cfg.AssociateTimeout)
		for {
			if !sleepCtx(ctx, cfg.RetryDelay) {
				return ctx.Err()
			}
			if s.config.Link.Status(ctx) == Associated || !time.Now().Before(deadline) {
				break
			}
			logger.Debug("link still associating", "link", s.config.Name)
		}
	}
}

func (s *Supervisor) setState(state State) {
	if State(s.state.Swap(int32(state))) == state {
		return
	}
	s.mu.Lock()
	s.lastChange = time.Now()
	s.mu.Unlock()
}

// recordCheck stores the check time under the mutex.
func (s *Supervisor) recordCheck() {
	s.mu.Lock()
	s.lastCheck = time.Now()
	s.mu.Unlock()
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

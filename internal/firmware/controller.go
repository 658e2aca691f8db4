// Package firmware drives over-the-air updates of the node's own image.
//
// The [Controller] walks a fixed sequence of phases: announce the
// running firmware, request the assigned firmware, subscribe to chunk
// responses, download, verify, apply. Every step runs inside the
// session's critical section, either from the controller's own cycle
// ([Controller.Step]) or from the session manager's pump
// ([Controller.HandleEvent], [Controller.Tick]). A new broker session
// discards any partial download and starts over from Idle.
package firmware

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/fieldnode/internal/events"
	"github.com/nugget/fieldnode/internal/opstate"
	"github.com/nugget/fieldnode/internal/session"
	"github.com/nugget/fieldnode/internal/thingsboard"
)

// Phase is a firmware update phase.
type Phase int

const (
	Idle Phase = iota
	InfoAnnounced
	UpdateRequested
	ChunkSubscribed
	Downloading
	Applying
	Completed
	Failed
)

var phaseNames = [...]string{
	Idle:            "idle",
	InfoAnnounced:   "info_announced",
	UpdateRequested: "update_requested",
	ChunkSubscribed: "chunk_subscribed",
	Downloading:     "downloading",
	Applying:        "applying",
	Completed:       "completed",
	Failed:          "failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText renders the phase name in JSON.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Transport is the firmware sub-protocol of the session client.
type Transport interface {
	AnnounceFirmware(ctx context.Context, title, version string) error
	RequestFirmwareInfo(ctx context.Context, timeout time.Duration) error
	SubscribeFirmwareChunks(ctx context.Context) error
	RequestFirmwareChunk(ctx context.Context, requestID, index, size int) error
	ReportFirmwareState(ctx context.Context, state, detail string) error
}

// Flasher stores a downloaded image.
type Flasher interface {
	Begin(total int64) error
	Write(p []byte) (int, error)
	Finish() error
	Abort() error
}

// Restarter switches the node to the new image.
type Restarter interface {
	Restart() error
}

// SessionView is the part of the session manager the controller reads.
type SessionView interface {
	Connected() bool
	Epoch() uint64
}

// Transition records one phase change.
type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Session is a snapshot of the update state.
type Session struct {
	Title           string                    `json:"title"`
	Version         string                    `json:"version"`
	Phase           Phase                     `json:"phase"`
	ChunkRetryCount int                       `json:"chunk_retry_count"`
	MaxChunkRetries int                       `json:"max_chunk_retries"`
	ChunkSize       int                       `json:"chunk_size"`
	Target          *thingsboard.FirmwareInfo `json:"target,omitempty"`
	BytesReceived   int64                     `json:"bytes_received"`
	TotalBytes      int64                     `json:"total_bytes"`
	Epoch           uint64                    `json:"epoch"`
	LastError       string                    `json:"last_error,omitempty"`
}

// Config configures a Controller.
type Config struct {
	Title           string
	Version         string
	ChunkSize       int           // default: 4096
	MaxChunkRetries int           // default: 12
	ChunkTimeout    time.Duration // default: 5s
	CheckInterval   time.Duration // default: 10s
	RequestTimeout  time.Duration // default: 10s

	// Store records an applied update so the next process can confirm
	// it. Optional.
	Store *opstate.Store

	Now    func() time.Time
	Logger *slog.Logger
	Bus    *events.Bus
}

const (
	stateNamespace    = "firmware"
	keyPendingTitle   = "pending_title"
	keyPendingVersion = "pending_version"
	maxHistory        = 64
)

// Controller is the firmware update state machine.
type Controller struct {
	cfg       Config
	sess      SessionView
	flasher   Flasher
	restarter Restarter
	logger    *slog.Logger

	mu           sync.Mutex
	phase        Phase
	epoch        uint64
	retries      int
	offer        *thingsboard.FirmwareInfo // received before chunks were subscribed
	target       *thingsboard.FirmwareInfo
	requestID    int
	nextChunk    int
	received     int64
	sum          hash.Hash
	lastRequest  time.Time
	history      []Transition
	bootReported bool
	restarted    bool
	lastError    string

	// view is republished under mu after every change so Snapshot and
	// History never wait behind transport calls made while mu is held.
	view atomic.Pointer[controllerView]
}

type controllerView struct {
	session Session
	history []Transition
}

// NewController creates a Controller in Idle.
func NewController(cfg Config, sess SessionView, flasher Flasher, restarter Restarter) *Controller {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4096
	}
	if cfg.MaxChunkRetries <= 0 {
		cfg.MaxChunkRetries = 12
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = 5 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Controller{
		cfg:       cfg,
		sess:      sess,
		flasher:   flasher,
		restarter: restarter,
		logger:    cfg.Logger,
	}
	c.publishLocked()
	return c
}

// Run calls Step under the session lock every CheckInterval while the
// session is connected, until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, res *session.Resource) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.sess.Connected() {
			continue
		}
		err := res.Do(ctx, func(ctx context.Context, cl session.Client) error {
			return c.Step(ctx, cl, c.sess.Epoch())
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Debug("firmware step incomplete", "phase", c.Snapshot().Phase.String(), "error", err)
		}
	}
}

// Step advances Idle → InfoAnnounced → UpdateRequested → ChunkSubscribed
// as far as the transport calls succeed. A failed call leaves the phase
// where it was for the next cycle. epoch is the session epoch the
// caller observed; a change resets the controller to Idle first.
func (c *Controller) Step(ctx context.Context, t Transport, epoch uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.publishLocked()

	c.syncEpochLocked(epoch)

	if c.phase == Idle {
		if err := t.AnnounceFirmware(ctx, c.cfg.Title, c.cfg.Version); err != nil {
			return fmt.Errorf("announce firmware: %w", err)
		}
		c.transitionLocked(InfoAnnounced, "announced "+c.cfg.Title+" "+c.cfg.Version)
	}
	c.reportBootLocked(ctx, t)

	if c.phase == InfoAnnounced {
		if err := t.RequestFirmwareInfo(ctx, c.cfg.RequestTimeout); err != nil {
			return fmt.Errorf("request firmware info: %w", err)
		}
		c.transitionLocked(UpdateRequested, "firmware info requested")
	}

	if c.phase == UpdateRequested {
		if err := t.SubscribeFirmwareChunks(ctx); err != nil {
			return fmt.Errorf("subscribe firmware chunks: %w", err)
		}
		c.transitionLocked(ChunkSubscribed, "chunk channel subscribed")
		if c.offer != nil {
			offer := *c.offer
			c.offer = nil
			c.acceptLocked(ctx, t, offer)
		}
	}
	return nil
}

// HandleEvent implements session.Handler.
func (c *Controller) HandleEvent(ctx context.Context, cl session.Client, ev thingsboard.Event) {
	c.handleEvent(ctx, cl, ev)
}

func (c *Controller) handleEvent(ctx context.Context, t Transport, ev thingsboard.Event) {
	if ev.Scope != thingsboard.ScopeFirmware {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.publishLocked()

	if c.sess != nil {
		c.syncEpochLocked(c.sess.Epoch())
	}

	switch ev.Kind {
	case thingsboard.AttributeResponse, thingsboard.AttributeUpdate:
		info, ok := thingsboard.ParseFirmwareInfo(ev.Attributes)
		if !ok {
			c.logger.Info("no firmware assigned to device")
			return
		}
		c.offerLocked(ctx, t, info)
	case thingsboard.RequestTimeout:
		c.logger.Warn("firmware info request timed out", "phase", c.phase.String())
	case thingsboard.FirmwareChunk:
		c.chunkLocked(ctx, t, ev)
	}
}

// Tick implements session.Ticker. It is the chunk watchdog: a chunk
// that has not arrived within ChunkTimeout counts as a failure and is
// requested again.
func (c *Controller) Tick(ctx context.Context, cl session.Client, now time.Time) {
	c.tick(ctx, cl, now)
}

func (c *Controller) tick(ctx context.Context, t Transport, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.publishLocked()

	if c.sess != nil {
		c.syncEpochLocked(c.sess.Epoch())
	}
	if c.target == nil || (c.phase != ChunkSubscribed && c.phase != Downloading) {
		return
	}
	if now.Sub(c.lastRequest) < c.cfg.ChunkTimeout {
		return
	}
	c.chunkFailureLocked(ctx, t, fmt.Sprintf("chunk %d timed out", c.nextChunk))
}

// Snapshot returns the update state as of the last completed change.
func (c *Controller) Snapshot() Session {
	s := c.view.Load().session
	if s.Target != nil {
		target := *s.Target
		s.Target = &target
	}
	return s
}

// History returns the recorded transitions, oldest first.
func (c *Controller) History() []Transition {
	return slices.Clone(c.view.Load().history)
}

// publishLocked stores a copy of the current state for Snapshot and
// History.
func (c *Controller) publishLocked() {
	s := Session{
		Title:           c.cfg.Title,
		Version:         c.cfg.Version,
		Phase:           c.phase,
		ChunkRetryCount: c.retries,
		MaxChunkRetries: c.cfg.MaxChunkRetries,
		ChunkSize:       c.cfg.ChunkSize,
		BytesReceived:   c.received,
		Epoch:           c.epoch,
		LastError:       c.lastError,
	}
	if c.target != nil {
		target := *c.target
		s.Target = &target
		s.TotalBytes = target.Size
	}
	// history is never appended to in place, so sharing it is safe.
	c.view.Store(&controllerView{session: s, history: c.history})
}

// syncEpochLocked discards all progress when the session epoch moved.
func (c *Controller) syncEpochLocked(epoch uint64) {
	if epoch == c.epoch {
		return
	}
	prev := c.epoch
	c.epoch = epoch
	c.abortDownloadLocked()
	c.offer = nil
	c.retries = 0
	c.lastError = ""
	if c.phase != Idle {
		c.transitionLocked(Idle, fmt.Sprintf("session epoch %d -> %d", prev, epoch))
	}
}

// offerLocked evaluates firmware assigned by the server.
func (c *Controller) offerLocked(ctx context.Context, t Transport, info thingsboard.FirmwareInfo) {
	switch {
	case info.Title != c.cfg.Title:
		c.logger.Warn("firmware offer for another title ignored",
			"offered_title", info.Title,
			"title", c.cfg.Title,
		)
		return
	case info.Version == c.cfg.Version:
		c.logger.Info("firmware is up to date", "version", c.cfg.Version)
		return
	case info.Size <= 0:
		c.logger.Warn("firmware offer without size ignored", "version", info.Version)
		return
	}

	switch c.phase {
	case UpdateRequested:
		c.offer = &info
		c.logger.Debug("firmware offer held until chunks are subscribed", "version", info.Version)
	case ChunkSubscribed:
		if c.target != nil {
			c.logger.Debug("firmware offer while download pending ignored", "version", info.Version)
			return
		}
		c.acceptLocked(ctx, t, info)
	default:
		c.logger.Debug("firmware offer ignored",
			"version", info.Version,
			"phase", c.phase.String(),
		)
	}
}

// acceptLocked starts downloading info. The phase stays ChunkSubscribed
// until the first chunk arrives.
func (c *Controller) acceptLocked(ctx context.Context, t Transport, info thingsboard.FirmwareInfo) {
	sum, err := newChecksum(info.ChecksumAlgorithm)
	if err != nil {
		c.failLocked(ctx, t, err)
		return
	}
	if err := c.flasher.Begin(info.Size); err != nil {
		c.failLocked(ctx, t, fmt.Errorf("begin flash: %w", err))
		return
	}

	c.target = &info
	c.sum = sum
	c.received = 0
	c.nextChunk = 0
	c.retries = 0
	c.requestID++

	c.logger.Info("firmware update accepted",
		"from_version", c.cfg.Version,
		"to_version", info.Version,
		"size", info.Size,
		"checksum_algorithm", info.ChecksumAlgorithm,
	)
	c.reportLocked(ctx, t, thingsboard.StateDownloading, "")
	c.requestChunkLocked(ctx, t)
}

// requestChunkLocked asks for the next chunk. A send failure is left to
// the watchdog.
func (c *Controller) requestChunkLocked(ctx context.Context, t Transport) {
	c.lastRequest = c.cfg.Now()
	if err := t.RequestFirmwareChunk(ctx, c.requestID, c.nextChunk, c.cfg.ChunkSize); err != nil {
		c.logger.Warn("firmware chunk request failed",
			"chunk", c.nextChunk,
			"error", err,
		)
	}
}

func (c *Controller) chunkLocked(ctx context.Context, t Transport, ev thingsboard.Event) {
	if c.target == nil || (c.phase != ChunkSubscribed && c.phase != Downloading) {
		return
	}
	if ev.RequestID != c.requestID || ev.Chunk != c.nextChunk {
		c.logger.Debug("stale firmware chunk ignored",
			"request_id", ev.RequestID,
			"chunk", ev.Chunk,
			"want_chunk", c.nextChunk,
		)
		return
	}

	if c.phase == ChunkSubscribed {
		c.transitionLocked(Downloading, "first chunk received")
	}

	remaining := c.target.Size - c.received
	want := min(int64(c.cfg.ChunkSize), remaining)
	switch {
	case len(ev.Data) == 0:
		c.chunkFailureLocked(ctx, t, fmt.Sprintf("chunk %d empty", ev.Chunk))
		return
	case int64(len(ev.Data)) > remaining:
		c.chunkFailureLocked(ctx, t, fmt.Sprintf("chunk %d overruns image size", ev.Chunk))
		return
	case int64(len(ev.Data)) != want:
		c.chunkFailureLocked(ctx, t, fmt.Sprintf("chunk %d has %d bytes, want %d", ev.Chunk, len(ev.Data), want))
		return
	}

	if _, err := c.flasher.Write(ev.Data); err != nil {
		c.failLocked(ctx, t, fmt.Errorf("write chunk %d: %w", ev.Chunk, err))
		return
	}
	c.sum.Write(ev.Data)
	c.received += int64(len(ev.Data))
	c.nextChunk++
	c.retries = 0

	c.logger.Debug("firmware chunk received",
		"chunk", ev.Chunk,
		"bytes_received", c.received,
		"total_bytes", c.target.Size,
	)
	c.cfg.Bus.Emit(events.SourceFirmware, events.KindProgress, map[string]any{
		"bytes_received": c.received,
		"total_bytes":    c.target.Size,
	})

	if c.received < c.target.Size {
		c.requestChunkLocked(ctx, t)
		return
	}
	c.finishLocked(ctx, t)
}

// chunkFailureLocked counts a failed chunk and either requests it again
// or gives up.
func (c *Controller) chunkFailureLocked(ctx context.Context, t Transport, reason string) {
	c.retries++
	c.logger.Warn("firmware chunk failed",
		"reason", reason,
		"retry", c.retries,
		"max_retries", c.cfg.MaxChunkRetries,
	)
	if c.retries >= c.cfg.MaxChunkRetries {
		c.failLocked(ctx, t, fmt.Errorf("%s; giving up after %d attempts", reason, c.retries))
		return
	}
	c.requestChunkLocked(ctx, t)
}

// finishLocked verifies and applies a complete image.
func (c *Controller) finishLocked(ctx context.Context, t Transport) {
	target := *c.target
	c.reportLocked(ctx, t, thingsboard.StateDownloaded, "")

	if target.Checksum == "" {
		c.logger.Warn("firmware has no checksum, skipping verification", "version", target.Version)
	} else if err := verifyChecksum(target.ChecksumAlgorithm, c.sum.Sum(nil), target.Checksum); err != nil {
		c.failLocked(ctx, t, err)
		return
	} else {
		c.reportLocked(ctx, t, thingsboard.StateVerified, "")
	}

	c.transitionLocked(Applying, "image verified, "+hex.EncodeToString(c.sum.Sum(nil)))
	c.reportLocked(ctx, t, thingsboard.StateUpdating, "")

	if err := c.flasher.Finish(); err != nil {
		c.target = nil
		c.failLocked(ctx, t, fmt.Errorf("apply image: %w", err))
		return
	}
	c.target = nil

	if c.cfg.Store != nil {
		if err := c.cfg.Store.SetAll(stateNamespace, map[string]string{
			keyPendingTitle:   target.Title,
			keyPendingVersion: target.Version,
		}); err != nil {
			c.logger.Warn("record pending firmware", "error", err)
		}
	}

	c.transitionLocked(Completed, "applied version "+target.Version)
	if c.restarted {
		return
	}
	c.restarted = true
	if err := c.restarter.Restart(); err != nil {
		c.lastError = err.Error()
		c.logger.Error("restart after firmware update failed", "error", err)
	}
}

// failLocked ends the update. The node keeps running its current image
// and does not try again until the session epoch changes.
func (c *Controller) failLocked(ctx context.Context, t Transport, err error) {
	c.abortDownloadLocked()
	c.lastError = err.Error()
	c.logger.Error("firmware update failed", "error", err)
	c.reportLocked(ctx, t, thingsboard.StateFailed, err.Error())
	c.transitionLocked(Failed, err.Error())
}

func (c *Controller) abortDownloadLocked() {
	if c.target == nil {
		return
	}
	if err := c.flasher.Abort(); err != nil {
		c.logger.Warn("abort flash", "error", err)
	}
	c.target = nil
	c.sum = nil
	c.received = 0
	c.nextChunk = 0
}

// reportBootLocked confirms or refutes an update recorded by the
// previous process once the running firmware has been announced. The
// record is kept, and the report retried on the next Step, until the
// server has accepted it.
func (c *Controller) reportBootLocked(ctx context.Context, t Transport) {
	if c.bootReported || c.cfg.Store == nil || c.phase == Idle {
		return
	}

	pending, err := c.cfg.Store.Get(stateNamespace, keyPendingVersion)
	if err != nil {
		c.logger.Warn("read pending firmware", "error", err)
		return
	}
	if pending == "" {
		c.bootReported = true
		return
	}

	state, detail := thingsboard.StateUpdated, ""
	if pending != c.cfg.Version {
		state = thingsboard.StateFailed
		detail = fmt.Sprintf("expected version %s after update, running %s", pending, c.cfg.Version)
	}
	if err := c.reportLocked(ctx, t, state, detail); err != nil {
		return
	}
	c.bootReported = true

	if state == thingsboard.StateUpdated {
		c.logger.Info("firmware update confirmed", "version", pending)
	} else {
		c.logger.Error("firmware update not running after restart", "detail", detail)
	}
	if err := c.cfg.Store.DeleteNamespace(stateNamespace); err != nil {
		c.logger.Warn("clear pending firmware", "error", err)
	}
}

func (c *Controller) reportLocked(ctx context.Context, t Transport, state, detail string) error {
	err := t.ReportFirmwareState(ctx, state, detail)
	if err != nil {
		c.logger.Warn("report firmware state",
			"state", state,
			"error", err,
		)
	}
	return err
}

func (c *Controller) transitionLocked(to Phase, reason string) {
	tr := Transition{From: c.phase, To: to, At: c.cfg.Now(), Reason: reason}
	c.phase = to
	history := c.history[max(0, len(c.history)+1-maxHistory):]
	c.history = append(slices.Clip(history), tr)
	c.publishLocked()

	level := slog.LevelInfo
	if to == Failed {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "firmware phase changed",
		"from", tr.From.String(),
		"to", to.String(),
		"reason", reason,
	)
	c.cfg.Bus.Emit(events.SourceFirmware, events.KindPhase, map[string]any{
		"from":   tr.From.String(),
		"to":     to.String(),
		"reason": reason,
	})
}

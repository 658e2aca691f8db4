package thingsboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

var (
	// ErrNotConnected is returned by operations on a closed client.
	ErrNotConnected = errors.New("thingsboard: not connected")
	// ErrPayloadTooLarge is returned when an outbound payload exceeds
	// the configured send size.
	ErrPayloadTooLarge = errors.New("thingsboard: payload too large")
)

// EventKind identifies what an Event carries.
type EventKind int

const (
	// AttributeResponse answers an attribute request.
	AttributeResponse EventKind = iota + 1
	// AttributeUpdate is a server-pushed shared attribute change.
	AttributeUpdate
	// RequestTimeout reports an attribute request that got no response
	// within its timeout.
	RequestTimeout
	// FirmwareChunk carries one chunk of a firmware image.
	FirmwareChunk
)

func (k EventKind) String() string {
	switch k {
	case AttributeResponse:
		return "attribute_response"
	case AttributeUpdate:
		return "attribute_update"
	case RequestTimeout:
		return "request_timeout"
	case FirmwareChunk:
		return "firmware_chunk"
	default:
		return "unknown"
	}
}

// Scope tells which subscriber an attribute event belongs to.
type Scope string

const (
	ScopeShared   Scope = "shared"
	ScopeFirmware Scope = "firmware"
)

// Event is one unit of inbound traffic, produced by PumpOnce.
type Event struct {
	Kind  EventKind
	Scope Scope
	// RequestID is the attribute request id, or the firmware request id
	// for chunks.
	RequestID int
	// Keys are the requested keys (AttributeResponse, RequestTimeout).
	Keys       []string
	Attributes map[string]any
	Chunk      int
	Data       []byte
	At         time.Time
}

// Config configures a Client.
type Config struct {
	// Dial opens broker connections (default: DialMQTT311).
	Dial Dialer

	// MaxSendSize bounds outbound telemetry and attribute payloads
	// (default: 512 bytes). Firmware chunk requests are exempt.
	MaxSendSize int

	// MaxReceiveSize bounds inbound payloads (default: 512 bytes).
	// Firmware chunks are exempt.
	MaxReceiveSize int

	// InboxSize is the number of inbound messages queued between pumps
	// (default: 64).
	InboxSize int

	// RateLimit is the maximum number of inbound messages accepted per
	// second (default: 100).
	RateLimit int64

	// Now returns the current time for request deadlines and the rate
	// limit window (default: time.Now).
	Now func() time.Time

	Logger *slog.Logger
}

type pendingRequest struct {
	scope    Scope
	keys     []string
	deadline time.Time
}

// Client is a ThingsBoard device API client. Its methods are safe for
// concurrent use, but the intended use is from one goroutine at a time
// holding the session lock.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	unrouted func(topic string, payload []byte)

	inbox   chan inbound
	limiter *windowLimiter
	dropped atomic.Int64

	mu             sync.Mutex
	conn           Conn
	nextRequestID  int
	pending        map[int]pendingRequest
	subscribed     map[string]bool
	sharedKeys     AttributeSet
	firmwareActive bool
}

// NewClient creates a closed client.
func NewClient(cfg Config) *Client {
	if cfg.Dial == nil {
		cfg.Dial = DialMQTT311
	}
	if cfg.MaxSendSize <= 0 {
		cfg.MaxSendSize = 512
	}
	if cfg.MaxReceiveSize <= 0 {
		cfg.MaxReceiveSize = 512
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		cfg:        cfg,
		logger:     cfg.Logger,
		unrouted:   unroutedHandler(cfg.Logger),
		inbox:      make(chan inbound, cfg.InboxSize),
		limiter:    newWindowLimiter(cfg.RateLimit, time.Second, cfg.Now, cfg.Logger),
		pending:    make(map[int]pendingRequest),
		subscribed: make(map[string]bool),
	}
}

// Open connects to the broker, replacing any previous connection.
// Subscriptions, pending requests and queued messages from the previous
// connection are discarded.
func (c *Client) Open(ctx context.Context, ep Endpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.closeLocked(ctx); err != nil {
		c.logger.Debug("closing previous connection", "error", err)
	}

	conn, err := c.cfg.Dial(ctx, ep, c.deliver)
	if err != nil {
		return err
	}
	c.conn = conn

	c.logger.Info("thingsboard session opened",
		"server", ep.Address(),
		"client_id", ep.ClientID,
	)
	return nil
}

// IsOpen reports whether the connection is usable.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsOpen()
}

// Close disconnects from the broker.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked(ctx)
}

func (c *Client) closeLocked(ctx context.Context) error {
	var err error
	if c.conn != nil {
		err = c.conn.Close(ctx)
		c.conn = nil
	}
	clear(c.pending)
	clear(c.subscribed)
	c.sharedKeys = AttributeSet{}
	c.firmwareActive = false
	for {
		select {
		case <-c.inbox:
		default:
			return err
		}
	}
}

// deliver queues an inbound message. It runs on the MQTT library's
// goroutines and never blocks.
func (c *Client) deliver(topic string, payload []byte) {
	if !c.limiter.allow() {
		return
	}
	if !isChunkTopic(topic) && len(payload) > c.cfg.MaxReceiveSize {
		c.logger.Warn("inbound message exceeds receive size, dropped",
			"topic", topic,
			"payload_size", len(payload),
			"max", c.cfg.MaxReceiveSize,
		)
		return
	}
	msg := inbound{topic: topic, payload: slices.Clone(payload), received: c.cfg.Now()}
	select {
	case c.inbox <- msg:
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("inbound queue full, message dropped",
			"topic", topic,
			"dropped_total", n,
		)
	}
}

// Dropped returns the number of inbound messages dropped because the
// queue was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// InboundStats counts inbound messages the client refused.
type InboundStats struct {
	QueueFull   int64 `json:"queue_full"`
	RateLimited int64 `json:"rate_limited"`
}

// Inbound returns the refused-message counters.
func (c *Client) Inbound() InboundStats {
	return InboundStats{QueueFull: c.dropped.Load(), RateLimited: c.limiter.droppedTotal()}
}

// PumpOnce drains queued inbound messages and expired request timers
// into events. It never blocks.
func (c *Client) PumpOnce(now time.Time) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var events []Event
drain:
	for {
		select {
		case msg := <-c.inbox:
			events = append(events, c.route(msg)...)
		default:
			break drain
		}
	}

	for _, id := range slices.Sorted(maps.Keys(c.pending)) {
		req := c.pending[id]
		if now.Before(req.deadline) {
			continue
		}
		delete(c.pending, id)
		events = append(events, Event{
			Kind:      RequestTimeout,
			Scope:     req.scope,
			RequestID: id,
			Keys:      req.keys,
			At:        now,
		})
	}
	return events
}

// route turns one inbound message into zero or more events.
func (c *Client) route(msg inbound) []Event {
	if requestID, index, ok := parseChunkResponseTopic(msg.topic); ok {
		return []Event{{
			Kind:      FirmwareChunk,
			Scope:     ScopeFirmware,
			RequestID: requestID,
			Chunk:     index,
			Data:      msg.payload,
			At:        msg.received,
		}}
	}

	if id, ok := parseAttributeResponseTopic(msg.topic); ok {
		req, known := c.pending[id]
		if !known {
			c.logger.Debug("attribute response for unknown request", "request_id", id)
			return nil
		}
		delete(c.pending, id)

		var resp struct {
			Shared map[string]any `json:"shared"`
		}
		if err := json.Unmarshal(msg.payload, &resp); err != nil {
			c.logger.Warn("malformed attribute response",
				"request_id", id,
				"error", err,
			)
			return nil
		}
		return []Event{{
			Kind:       AttributeResponse,
			Scope:      req.scope,
			RequestID:  id,
			Keys:       req.keys,
			Attributes: resp.Shared,
			At:         msg.received,
		}}
	}

	if msg.topic == TopicAttributes {
		var attrs map[string]any
		if err := json.Unmarshal(msg.payload, &attrs); err != nil {
			c.logger.Warn("malformed attribute update", "error", err)
			return nil
		}
		if shared, ok := attrs["shared"].(map[string]any); ok {
			attrs = shared
		}

		var events []Event
		if shared := c.sharedKeys.filter(attrs); len(shared) > 0 {
			events = append(events, Event{
				Kind:       AttributeUpdate,
				Scope:      ScopeShared,
				Attributes: shared,
				At:         msg.received,
			})
		}
		if fw := firmwareKeys.filter(attrs); c.firmwareActive && len(fw) > 0 {
			events = append(events, Event{
				Kind:       AttributeUpdate,
				Scope:      ScopeFirmware,
				Attributes: fw,
				At:         msg.received,
			})
		}
		return events
	}

	c.unrouted(msg.topic, msg.payload)
	return nil
}

// SendTelemetry publishes one telemetry point.
func (c *Client) SendTelemetry(ctx context.Context, key string, value any) error {
	return c.publishJSON(ctx, TopicTelemetry, map[string]any{key: value})
}

// SendAttribute publishes one client attribute.
func (c *Client) SendAttribute(ctx context.Context, key string, value any) error {
	return c.publishJSON(ctx, TopicAttributes, map[string]any{key: value})
}

// RequestSharedAttributes asks the server for the current values of
// set. The response, or a RequestTimeout once timeout has passed,
// arrives through PumpOnce. A send failure registers nothing.
func (c *Client) RequestSharedAttributes(ctx context.Context, set AttributeSet, timeout time.Duration) error {
	_, err := c.requestAttributes(ctx, ScopeShared, set, timeout)
	return err
}

// SubscribeSharedAttributes subscribes to server-pushed changes of the
// attributes in set.
func (c *Client) SubscribeSharedAttributes(ctx context.Context, set AttributeSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.subscribeLocked(ctx, TopicAttributes); err != nil {
		return err
	}
	c.sharedKeys = set
	return nil
}

// AnnounceFirmware reports the running firmware title and version.
func (c *Client) AnnounceFirmware(ctx context.Context, title, version string) error {
	return c.publishJSON(ctx, TopicTelemetry, map[string]any{
		keyCurrentTitle:   title,
		keyCurrentVersion: version,
	})
}

// RequestFirmwareInfo subscribes to firmware attribute pushes and
// requests the firmware currently assigned to the device.
func (c *Client) RequestFirmwareInfo(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	err := c.subscribeLocked(ctx, TopicAttributes)
	if err == nil {
		c.firmwareActive = true
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	_, err = c.requestAttributes(ctx, ScopeFirmware, firmwareKeys, timeout)
	return err
}

// SubscribeFirmwareChunks subscribes to firmware chunk responses.
func (c *Client) SubscribeFirmwareChunks(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribeLocked(ctx, TopicChunkResponses)
}

// RequestFirmwareChunk asks for chunk index of size bytes.
func (c *Client) RequestFirmwareChunk(ctx context.Context, requestID, index, size int) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(ctx, chunkRequestTopic(requestID, index), []byte(strconv.Itoa(size)))
}

// ReportFirmwareState publishes fw_state, and fw_error when detail is
// not empty.
func (c *Client) ReportFirmwareState(ctx context.Context, state, detail string) error {
	values := map[string]any{keyState: state}
	if detail != "" {
		values[keyError] = detail
	}
	return c.publishJSON(ctx, TopicTelemetry, values)
}

func (c *Client) requestAttributes(ctx context.Context, scope Scope, set AttributeSet, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.subscribeLocked(ctx, TopicAttributeResponses); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(map[string]string{"sharedKeys": set.String()})
	if err != nil {
		return 0, fmt.Errorf("encode attribute request: %w", err)
	}

	c.nextRequestID++
	id := c.nextRequestID
	if err := c.conn.Publish(ctx, attributeRequestTopic(id), payload); err != nil {
		return 0, err
	}

	c.pending[id] = pendingRequest{
		scope:    scope,
		keys:     set.Names(),
		deadline: c.cfg.Now().Add(timeout),
	}
	c.logger.Debug("attribute request sent",
		"request_id", id,
		"scope", string(scope),
		"keys", set.String(),
	)
	return id, nil
}

// subscribeLocked subscribes to filter once per connection.
func (c *Client) subscribeLocked(ctx context.Context, filter string) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if c.subscribed[filter] {
		return nil
	}
	if err := c.conn.Subscribe(ctx, filter); err != nil {
		return err
	}
	c.subscribed[filter] = true
	return nil
}

func (c *Client) publishJSON(ctx context.Context, topic string, values map[string]any) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", topic, err)
	}
	if len(payload) > c.cfg.MaxSendSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), c.cfg.MaxSendSize)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(ctx, topic, payload)
}

// Package events carries operational events from the node's activities
// (link supervisor, session manager, telemetry reporter, firmware
// controller) to observers such as the status server. A nil *Bus
// accepts and discards everything, so components emit unconditionally.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceConnectivity = "connectivity"
	SourceSession      = "session"
	SourceTelemetry    = "telemetry"
	SourceFirmware     = "firmware"
)

// Kinds, grouped by source. The Data keys each kind carries are listed
// beside it.
const (
	// KindLinkUp: attempts.
	KindLinkUp = "link_up"
	// KindLinkDown carries no data.
	KindLinkDown = "link_down"

	// KindSessionOpened: epoch.
	KindSessionOpened = "session_opened"
	// KindSessionLost: losses.
	KindSessionLost = "session_lost"
	// KindAttributes is a request response or a pushed update:
	// source, attributes.
	KindAttributes = "attributes"
	// KindRequestTimeout: request_id, keys.
	KindRequestTimeout = "request_timeout"

	// KindSample: temperature, humidity.
	KindSample = "sample"
	// KindSensorFailed carries no data.
	KindSensorFailed = "sensor_failed"

	// KindPhase: from, to, reason.
	KindPhase = "phase"
	// KindProgress: bytes_received, total_bytes.
	KindProgress = "progress"
)

// DefaultHistory is the number of events New keeps for replay.
const DefaultHistory = 128

// Event is one published event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Stats summarizes bus activity.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	// Dropped counts deliveries skipped because a subscriber's buffer
	// was full.
	Dropped uint64 `json:"dropped"`
}

// Bus is a non-blocking broadcast bus with a bounded replay history.
// A subscriber that falls behind misses events; publishers never wait.
type Bus struct {
	mu sync.RWMutex
	// subs is keyed by the receive side handed to the subscriber so
	// Unsubscribe can look the send side up without a conversion.
	subs map[<-chan Event]chan Event

	histMu  sync.Mutex
	history []Event
	next    int
	full    bool

	published atomic.Uint64
	dropped   atomic.Uint64

	now func() time.Time
}

// New creates a bus that remembers the last DefaultHistory events.
func New() *Bus {
	return NewWithHistory(DefaultHistory)
}

// NewWithHistory creates a bus that remembers the last n events. n <= 0
// disables the history.
func NewWithHistory(n int) *Bus {
	b := &Bus{
		subs: make(map[<-chan Event]chan Event),
		now:  time.Now,
	}
	if n > 0 {
		b.history = make([]Event, n)
	}
	return b
}

// Publish delivers e to every subscriber that has room for it and
// records it in the history.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.published.Add(1)
	b.remember(e)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: b.now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

func (b *Bus) remember(e Event) {
	if len(b.history) == 0 {
		return
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history[b.next] = e
	b.next = (b.next + 1) % len(b.history)
	if b.next == 0 {
		b.full = true
	}
}

// Recent returns the remembered events, oldest first.
func (b *Bus) Recent() []Event {
	if b == nil || len(b.history) == 0 {
		return nil
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if !b.full {
		return append([]Event(nil), b.history[:b.next]...)
	}
	out := make([]Event, 0, len(b.history))
	out = append(out, b.history[b.next:]...)
	return append(out, b.history[:b.next]...)
}

// Subscribe returns a channel that receives events published from now
// on. The caller must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns the bus counters.
func (b *Bus) Stats() Stats {
	if b == nil {
		return Stats{}
	}
	return Stats{
		Subscribers: b.SubscriberCount(),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

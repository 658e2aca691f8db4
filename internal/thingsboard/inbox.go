package thingsboard

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// inbound is one message received from the broker, queued until the
// next PumpOnce.
type inbound struct {
	topic    string
	payload  []byte
	received time.Time
}

// unroutedHandler logs messages on topics the client does not route.
// For JSON objects the top-level keys are logged too.
func unroutedHandler(logger *slog.Logger) func(topic string, payload []byte) {
	return func(topic string, payload []byte) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}
		attrs := []any{"topic", topic, "payload_size", len(payload)}
		var obj map[string]json.RawMessage
		if json.Unmarshal(payload, &obj) == nil {
			attrs = append(attrs, "keys", slices.Sorted(maps.Keys(obj)))
		}
		logger.Debug("mqtt message on unrouted topic", attrs...)
	}
}

// windowLimiter admits at most limit messages per fixed window. Windows
// roll lazily on the first message after one ends; the drops from the
// finished window are logged then, so a quiet broker costs nothing.
type windowLimiter struct {
	limit  int64
	window time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	start    time.Time
	admitted int64
	dropped  int64
	total    int64 // drops over the limiter's life
}

func newWindowLimiter(limit int64, window time.Duration, now func() time.Time, logger *slog.Logger) *windowLimiter {
	return &windowLimiter{limit: limit, window: window, now: now, logger: logger}
}

// allow reports whether one more message fits in the current window.
func (l *windowLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.now()
	if l.start.IsZero() || t.Sub(l.start) >= l.window {
		if l.dropped > 0 {
			l.logger.Warn("mqtt messages dropped due to rate limit",
				"admitted", l.admitted,
				"dropped", l.dropped,
				"window", l.window.String(),
				"limit", l.limit,
			)
		}
		l.start, l.admitted, l.dropped = t, 0, 0
	}

	if l.admitted >= l.limit {
		l.dropped++
		l.total++
		return false
	}
	l.admitted++
	return true
}

// droppedTotal returns how many messages the limiter has refused.
func (l *windowLimiter) droppedTotal() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Package telemetry samples the node's environmental sensor and
// publishes the readings through the broker session.
package telemetry

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nugget/fieldnode/internal/events"
	"github.com/nugget/fieldnode/internal/session"
)

// Sensor reads the environment. Both reads return NaN on failure.
type Sensor interface {
	ReadTemperature() float64
	ReadHumidity() float64
}

// SignalSource reports the link signal strength in dBm.
type SignalSource interface {
	RSSI() (int, error)
}

// RSSIUnavailable is sent in place of a signal strength that could not
// be read. Real readings are negative dBm.
const RSSIUnavailable = 0

// Gate reports whether the broker session is up.
type Gate interface {
	Connected() bool
}

// Sample is one sensor reading.
type Sample struct {
	Temperature   float64       `json:"temperature"`
	Humidity      float64       `json:"humidity"`
	SinceLastSend time.Duration `json:"since_last_send"`
}

// Valid reports whether both values are present.
func (s Sample) Valid() bool {
	return !math.IsNaN(s.Temperature) && !math.IsNaN(s.Humidity)
}

// Config configures a Reporter.
type Config struct {
	// Interval between sends (default: 5s).
	Interval time.Duration
	// PollInterval between cycles (default: 1s).
	PollInterval time.Duration
	// TemperatureKey and HumidityKey name the telemetry points
	// (defaults: "temperature", "humidity").
	TemperatureKey string
	HumidityKey    string

	Logger *slog.Logger
	Bus    *events.Bus
}

// Reporter publishes a sample every Interval while the session is up.
// Only the Reporter touches the sensor.
type Reporter struct {
	cfg    Config
	sensor Sensor
	signal SignalSource
	gate   Gate
	res    *session.Resource
	logger *slog.Logger

	mu       sync.Mutex
	lastSend time.Time
	last     Sample
	sent     int
	skipped  int
}

// NewReporter creates a Reporter. signal may be nil, in which case no
// rssi attribute is sent.
func NewReporter(cfg Config, sensor Sensor, signal SignalSource, gate Gate, res *session.Resource) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.TemperatureKey == "" {
		cfg.TemperatureKey = "temperature"
	}
	if cfg.HumidityKey == "" {
		cfg.HumidityKey = "humidity"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reporter{
		cfg:    cfg,
		sensor: sensor,
		signal: signal,
		gate:   gate,
		res:    res,
		logger: cfg.Logger,
	}
}

// Run calls Cycle every PollInterval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Cycle(ctx, now)
		}
	}
}

// Cycle sends one sample if the session is up and Interval has passed
// since the last attempt. It reports whether a send was attempted.
func (r *Reporter) Cycle(ctx context.Context, now time.Time) bool {
	if !r.gate.Connected() {
		return false
	}

	r.mu.Lock()
	since := now.Sub(r.lastSend)
	due := r.lastSend.IsZero() || since >= r.cfg.Interval
	r.mu.Unlock()
	if !due {
		return false
	}

	sample := Sample{
		Temperature:   r.sensor.ReadTemperature(),
		Humidity:      r.sensor.ReadHumidity(),
		SinceLastSend: since,
	}

	defer func() {
		r.mu.Lock()
		r.lastSend = now
		r.mu.Unlock()
	}()

	if !sample.Valid() {
		r.mu.Lock()
		r.skipped++
		r.mu.Unlock()
		r.logger.Warn("sensor read failed",
			"temperature", sample.Temperature,
			"humidity", sample.Humidity,
		)
		r.cfg.Bus.Emit(events.SourceTelemetry, events.KindSensorFailed, nil)
		return false
	}

	rssi, rssiErr := 0, error(nil)
	if r.signal != nil {
		rssi, rssiErr = r.signal.RSSI()
	}

	err := r.res.Do(ctx, func(ctx context.Context, c session.Client) error {
		if err := c.SendTelemetry(ctx, r.cfg.TemperatureKey, sample.Temperature); err != nil {
			r.logger.Warn("send telemetry", "key", r.cfg.TemperatureKey, "error", err)
		}
		if err := c.SendTelemetry(ctx, r.cfg.HumidityKey, sample.Humidity); err != nil {
			r.logger.Warn("send telemetry", "key", r.cfg.HumidityKey, "error", err)
		}
		if r.signal == nil {
			return nil
		}
		if rssiErr != nil {
			r.logger.Warn("signal strength unavailable", "sent", RSSIUnavailable, "error", rssiErr)
			rssi = RSSIUnavailable
		}
		if err := c.SendAttribute(ctx, "rssi", rssi); err != nil {
			r.logger.Warn("send attribute", "key", "rssi", "error", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("telemetry send skipped", "error", err)
		return true
	}

	r.mu.Lock()
	r.last = sample
	r.sent++
	r.mu.Unlock()

	r.logger.Debug("telemetry sent",
		"temperature", sample.Temperature,
		"humidity", sample.Humidity,
		"since_last_send", sample.SinceLastSend.Round(time.Millisecond).String(),
	)
	r.cfg.Bus.Emit(events.SourceTelemetry, events.KindSample, map[string]any{
		"temperature": sample.Temperature,
		"humidity":    sample.Humidity,
	})
	return true
}

// Stats reports the last sample and send counters.
type Stats struct {
	Last     Sample    `json:"last"`
	LastSend time.Time `json:"last_send"`
	Sent     int       `json:"sent"`
	Skipped  int       `json:"skipped"`
}

// Stats returns the reporter's counters.
func (r *Reporter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Last: r.last, LastSend: r.lastSend, Sent: r.sent, Skipped: r.skipped}
}

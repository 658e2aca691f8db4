// Package status implements the node's local HTTP status surface: health,
// build info, link and session state, the firmware update state machine,
// the shared attribute cache, and a WebSocket stream of bus events.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/nugget/fieldnode/internal/buildinfo"
	"github.com/nugget/fieldnode/internal/connwatch"
	"github.com/nugget/fieldnode/internal/events"
	"github.com/nugget/fieldnode/internal/firmware"
	"github.com/nugget/fieldnode/internal/session"
	"github.com/nugget/fieldnode/internal/telemetry"
	"github.com/nugget/fieldnode/internal/thingsboard"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// LinkView reports the network link.
type LinkView interface {
	Status() connwatch.ServiceStatus
}

// SessionView reports the broker session.
type SessionView interface {
	Snapshot() session.Snapshot
}

// FirmwareView reports the update state machine.
type FirmwareView interface {
	Snapshot() firmware.Session
	History() []firmware.Transition
}

// TelemetryView reports the sensor reporter.
type TelemetryView interface {
	Stats() telemetry.Stats
}

// AttributeView reports cached shared attributes.
type AttributeView interface {
	Values() (map[string]any, error)
}

// InboundView reports messages the broker client refused.
type InboundView interface {
	Inbound() thingsboard.InboundStats
}

// Sources are the components the server reports on. Any may be nil.
type Sources struct {
	Link       LinkView
	Session    SessionView
	Firmware   FirmwareView
	Telemetry  TelemetryView
	Attributes AttributeView
	Inbound    InboundView
	Bus        *events.Bus
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the status HTTP server.
type Server struct {
	address  string
	port     int
	src      Sources
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a status server listening on address:port.
func NewServer(address string, port int, src Sources, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		src:     src,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The surface is local and read-only.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/firmware", s.handleFirmware)
	mux.HandleFunc("GET /v1/attributes", s.handleAttributes)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/events/recent", s.handleRecentEvents)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	if ctx.Err() != nil {
		return http.ErrServerClosed
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting status server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "code": code},
	}); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.src.Link != nil {
		resp["link"] = s.src.Link.Status().Ready
	}
	if s.src.Session != nil {
		resp["session"] = s.src.Session.Snapshot().State
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"build": buildinfo.Info()}
	if s.src.Link != nil {
		resp["link"] = s.src.Link.Status()
	}
	if s.src.Session != nil {
		resp["session"] = s.src.Session.Snapshot()
	}
	if s.src.Telemetry != nil {
		resp["telemetry"] = s.src.Telemetry.Stats()
	}
	if s.src.Inbound != nil {
		resp["inbound"] = s.src.Inbound.Inbound()
	}
	if s.src.Firmware != nil {
		resp["firmware"] = s.src.Firmware.Snapshot()
	}
	if s.src.Bus != nil {
		resp["events"] = s.src.Bus.Stats()
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleFirmware(w http.ResponseWriter, r *http.Request) {
	if s.src.Firmware == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "firmware updates not configured")
		return
	}
	writeJSON(w, map[string]any{
		"session": s.src.Firmware.Snapshot(),
		"history": s.src.Firmware.History(),
	}, s.logger)
}

func (s *Server) handleAttributes(w http.ResponseWriter, r *http.Request) {
	if s.src.Attributes == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "attribute cache not configured")
		return
	}
	values, err := s.src.Attributes.Values()
	if err != nil {
		s.logger.Warn("read attribute cache", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"attributes": values}, s.logger)
}

// handleRecentEvents returns the bus history, oldest first.
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.src.Bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	recent := s.src.Bus.Recent()
	if recent == nil {
		recent = []events.Event{}
	}
	writeJSON(w, map[string]any{"events": recent}, s.logger)
}

// handleEvents streams bus events to a WebSocket client until either
// side closes. Events a slow client cannot keep up with are dropped by
// the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.src.Bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	// Subscribe before the handshake completes so the client sees every
	// event published after its dial returns.
	ch := s.src.Bus.Subscribe(eventBuffer)
	defer s.src.Bus.Unsubscribe(ch)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)

	// The read loop only handles control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encode event", "source", ev.Source, "kind", ev.Kind, "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

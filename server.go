package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"i4.energy/across/cellgw/device"
	"i4.energy/across/cellgw/events"
	"i4.energy/across/cellgw/socket"
)

// Lifecycle is the part of the device the API drives.
type Lifecycle interface {
	Snapshot() device.Snapshot
	BringUp(ctx context.Context) error
	Teardown(ctx context.Context) error
}

// SocketLister lists the open sockets.
type SocketLister interface {
	Sockets() []socket.Info
}

// Server exposes the device state over HTTP and streams device events over
// a websocket
type Server struct {
	Logger  *slog.Logger
	Device  Lifecycle
	Sockets SocketLister
	Events  *events.Hub
	// OperationTimeout bounds bring-up and teardown requests
	OperationTimeout time.Duration

	once   sync.Once
	router http.Handler
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.once.Do(func() { s.router = s.routes() })
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(api chi.Router) {
		// The event stream outlives any request timeout.
		api.Get("/events", s.handleEvents)

		api.Group(func(g chi.Router) {
			g.Use(middleware.Timeout(s.operationTimeout() + 5*time.Second))
			g.Get("/status", s.handleStatus)
			g.Get("/sockets", s.handleSockets)
			g.Post("/bringup", s.handleBringUp)
			g.Post("/teardown", s.handleTeardown)
		})
	})
	return r
}

func (s *Server) operationTimeout() time.Duration {
	if s.OperationTimeout > 0 {
		return s.OperationTimeout
	}
	return 5 * time.Minute
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.writeJSON(w, statusCode, ErrorResponse{Message: message})
}

// handleHealth reports whether the data session is up
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.Device.Snapshot()

	type HealthResponse struct {
		Status string       `json:"status"`
		State  device.State `json:"state"`
	}
	resp := HealthResponse{Status: "ok", State: snap.State}
	code := http.StatusOK
	if snap.State != device.DataActive {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Device.Snapshot())
}

func (s *Server) handleSockets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Sockets.Sockets())
}

// handleBringUp drives the device to DataActive and answers with the
// resulting snapshot
func (s *Server) handleBringUp(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.operationTimeout())
	defer cancel()

	if err := s.Device.BringUp(ctx); err != nil {
		s.Logger.Error("Bring-up failed", "error", err)
		s.sendError(w, err.Error(), statusFor(err))
		return
	}
	s.writeJSON(w, http.StatusOK, s.Device.Snapshot())
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.operationTimeout())
	defer cancel()

	if err := s.Device.Teardown(ctx); err != nil {
		s.Logger.Error("Teardown failed", "error", err)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, s.Device.Snapshot())
}

// handleEvents streams device events as JSON websocket messages until the
// client goes away
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		s.sendError(w, "event stream disabled", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	evs, cancel := s.Events.Subscribe()
	defer cancel()

	// Reads only serve control frames; a read error means the client left.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	s.Logger.Debug("Event stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-evs:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.Logger.Debug("Event stream closed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrInvalidApn),
		errors.Is(err, device.ErrSimNotReady),
		errors.Is(err, device.ErrRegistrationDenied):
		return http.StatusUnprocessableEntity
	case errors.Is(err, device.ErrRegistrationTimeout),
		errors.Is(err, device.ErrAttachTimeout),
		errors.Is(err, device.ErrNoResponse),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, device.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

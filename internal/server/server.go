// Package server exposes the board over HTTP: the rendered view, paper
// submission and a websocket live feed of snapshots.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Lllllllleong/researchboard/internal/models"
	"github.com/Lllllllleong/researchboard/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	maxSubmitBytes = 1 << 20
)

// Board is the part of services.Board the HTTP surface uses.
type Board interface {
	View() models.ViewState
	Snapshot() models.Snapshot
	Submit(ctx context.Context, draft *models.Draft) (string, error)
	Observe(fn func(services.SyncEvent)) func()
}

// Server serves one board.
type Server struct {
	board    Board
	source   string
	hub      *hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a server. source is the CloudEvents source of live feed events.
func New(board Board, source string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		board:  board,
		source: source,
		hub:    newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// Routes returns the HTTP handler of the board.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/view", s.handleView)
		r.Post("/papers", s.handleSubmit)
		r.Get("/live", s.handleLive)
	})
	return r
}

// Start runs the live feed hub until ctx is done and forwards board sync
// events to it.
func (s *Server) Start(ctx context.Context) {
	go s.hub.run(ctx)
	stop := s.board.Observe(func(ev services.SyncEvent) {
		msg, err := encodeSyncEvent(s.source, ev)
		if err != nil {
			s.logger.Error("Failed to encode live event.", "error", err)
			return
		}
		select {
		case s.hub.broadcast <- msg:
		case <-s.hub.done:
		}
	})
	go func() {
		<-ctx.Done()
		stop()
	}()
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.Start(ctx)
	srv := &http.Server{Addr: addr, Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening.", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleView(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.board.View())
}

type submitResponse struct {
	ID      string       `json:"id,omitempty"`
	Error   string       `json:"error,omitempty"`
	Message string       `json:"message,omitempty"`
	Draft   models.Draft `json:"draft"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var draft models.Draft
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBytes)
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		s.logger.Warn("Could not decode submission body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	id, err := s.board.Submit(r.Context(), &draft)
	if err != nil {
		code := http.StatusBadGateway
		if services.KindOf(err) == services.KindValidation {
			code = http.StatusUnprocessableEntity
		}
		writeJSON(w, code, submitResponse{
			Error:   string(services.KindOf(err)),
			Message: err.Error(),
			Draft:   draft,
		})
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{ID: id, Draft: draft})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Join the hub before reading the current snapshot so no batch falls
	// between the two.
	send := make(chan []byte, 1)
	select {
	case s.hub.subscribe <- send:
	case <-s.hub.done:
		return
	case <-r.Context().Done():
		return
	}

	first, err := encodeSnapshot(s.source, s.board.Snapshot())
	if err != nil {
		s.logger.Error("Failed to encode initial snapshot.", "error", err)
		s.unsubscribe(send)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, first); err != nil {
		s.unsubscribe(send)
		return
	}

	eof := make(chan struct{})
	go func() {
		defer close(eof)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-send:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.unsubscribe(send)
				return
			}
		case <-eof:
			s.unsubscribe(send)
			return
		}
	}
}

// unsubscribe removes send from the hub and drains it until the hub closes it.
func (s *Server) unsubscribe(send chan []byte) {
	go func() {
		for range send {
		}
	}()
	select {
	case s.hub.unsubscribe <- send:
	case <-s.hub.done:
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

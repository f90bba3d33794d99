package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"fingerauth/internal/pipeline"
	"fingerauth/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// JobService is the pipeline surface the HTTP API drives.
type JobService interface {
	pipeline.Client
	SubscribeProgress() (<-chan pipeline.Progress, func())
}

// Server exposes verification, identification and enrollment over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline JobService
	hub      *WebSocketHub
	log      *slog.Logger
	server   *http.Server
	timeout  time.Duration
	newID    func(prefix string) string
}

// NewServer creates a server bound to addr.
func NewServer(addr string, store *storage.Store, pipe JobService, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      NewWebSocketHub(log),
		log:      log,
		timeout:  30 * time.Second,
		newID: func(prefix string) string {
			return prefix + "-" + uuid.NewString()
		},
	}
}

// Start begins serving and blocks until ctx ends or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.background(ctx)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Routes(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// background starts the websocket hub and the event forwarder.
func (s *Server) background(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.forwardEvents(ctx)
}

// Routes returns the API handler.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeHTTP).Methods("GET")
	r.HandleFunc("/templates", s.handleTemplates).Methods("GET")
	r.HandleFunc("/templates/{id}", s.handleDeleteTemplate).Methods("DELETE")
	r.HandleFunc("/verify", s.handleVerify).Methods("POST")
	r.HandleFunc("/identify", s.handleIdentify).Methods("POST")
	r.HandleFunc("/enroll", s.handleEnroll).Methods("POST")
	r.HandleFunc("/match-dir", s.handleMatchDir).Methods("POST")
}

// Serve runs a server until ctx ends.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe JobService, log *slog.Logger) error {
	return NewServer(addr, store, pipe, log).Start(ctx)
}

// forwardEvents copies pipeline results and enrollment progress to
// websocket clients.
func (s *Server) forwardEvents(ctx context.Context) {
	results, unsubResults := s.pipeline.Subscribe()
	defer unsubResults()
	progress, unsubProgress := s.pipeline.SubscribeProgress()
	defer unsubProgress()

	for {
		var msg wsMessage
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			msg = wsMessage{Type: "result", Data: res}
		case p, ok := <-progress:
			if !ok {
				return
			}
			msg = wsMessage{Type: "progress", Data: p}
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			s.log.Warn("encode event", "error", err)
			continue
		}
		s.hub.Broadcast(payload)
	}
}

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Package api provides a REST API server for data block values.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"dblink/blockman"
	"dblink/config"
	"dblink/logging"
)

// Server is the REST API server. It serves block and field reads over
// plain JSON endpoints, accepts field writes, and streams change events
// to SSE subscribers.
type Server struct {
	manager *blockman.Manager
	config  *config.APIConfig
	hub     *eventHub
	server  *http.Server
	running bool
	mu      sync.RWMutex
}

// NewServer creates a new REST API server.
func NewServer(manager *blockman.Manager, cfg *config.APIConfig) *Server {
	return &Server{
		manager: manager,
		config:  cfg,
		hub:     newEventHub(),
	}
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// routes builds the full handler chain for the server.
func (s *Server) routes() http.Handler {
	return corsMiddleware(newRouter(s))
}

// Start begins the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logging.DebugLog("api", "server stopped: %v", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	go s.pollHealth()

	logging.DebugLog("api", "listening on %s", addr)
	s.running = true
	return nil
}

// Stop halts the HTTP server and disconnects SSE clients.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

// BroadcastChanges pushes a batch of field changes to SSE subscribers.
func (s *Server) BroadcastChanges(changes []blockman.FieldChange) {
	for _, change := range changes {
		s.hub.Broadcast(sseEvent{
			Type:  eventValueChange,
			Block: change.BlockName,
			Field: change.FieldName,
			Data: apiValueUpdate{
				Block: change.BlockName,
				Field: change.FieldName,
				Value: change.Value,
				Type:  change.TypeName,
			},
		})
	}
}

// BroadcastStatus pushes the current status of every block to SSE subscribers.
func (s *Server) BroadcastStatus() {
	for _, blk := range s.manager.ListBlocks() {
		errMsg := ""
		if err := blk.GetError(); err != nil {
			errMsg = err.Error()
		}

		s.hub.Broadcast(sseEvent{
			Type:  eventStatusChange,
			Block: blk.Config.Name,
			Data: apiStatusUpdate{
				Block:          blk.Config.Name,
				Status:         blk.GetStatus().String(),
				FieldCount:     len(blk.FieldNames()),
				Error:          errMsg,
				ConnectionMode: blk.GetConnectionMode(),
			},
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

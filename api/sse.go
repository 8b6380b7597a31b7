package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"dblink/blockman"
	"dblink/logging"
)

// SSE event type constants.
const (
	eventValueChange  = "value-change"
	eventStatusChange = "status-change"
	eventHealth       = "health"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type  string
	Block string // set when event is block-specific (for filtering)
	Field string // set when event is field-specific (for filtering)
	Data  interface{}
}

// apiValueUpdate is the JSON payload for value-change events.
type apiValueUpdate struct {
	Block string      `json:"block"`
	Field string      `json:"field"`
	Value interface{} `json:"value"`
	Type  string      `json:"type,omitempty"`
}

// apiStatusUpdate is the JSON payload for status-change events.
type apiStatusUpdate struct {
	Block          string `json:"block"`
	Status         string `json:"status"`
	FieldCount     int    `json:"fieldCount"`
	Error          string `json:"error,omitempty"`
	ConnectionMode string `json:"connectionMode,omitempty"`
}

// apiHealthUpdate is the JSON payload for health events.
type apiHealthUpdate struct {
	Block     string `json:"block"`
	Device    string `json:"device"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// apiSSEClient represents a connected SSE client.
type apiSSEClient struct {
	id     string
	events chan sseEvent
	done   chan struct{}
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api", "SSE client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "SSE broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	close(h.done)
}

// handleSSE serves the /events SSE endpoint. Clients can narrow the stream
// with query params: types (comma-separated event types), block/blocks
// (block names), and fields (field names).
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var typeFilter map[string]bool
	if types := r.URL.Query().Get("types"); types != "" {
		typeFilter = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}
	blockFilter := r.URL.Query().Get("block")
	var blocksFilter map[string]bool
	if blocks := r.URL.Query().Get("blocks"); blocks != "" {
		blocksFilter = make(map[string]bool)
		for _, b := range strings.Split(blocks, ",") {
			blocksFilter[strings.TrimSpace(b)] = true
		}
	}
	var fieldFilter map[string]bool
	if fields := r.URL.Query().Get("fields"); fields != "" {
		fieldFilter = make(map[string]bool)
		for _, f := range strings.Split(fields, ",") {
			fieldFilter[strings.TrimSpace(f)] = true
		}
	}

	clientID := fmt.Sprintf("api-%d", time.Now().UnixNano())
	client := &apiSSEClient{
		id:     clientID,
		events: make(chan sseEvent, 64),
		done:   make(chan struct{}),
	}

	s.hub.register <- client

	notify := r.Context().Done()

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", clientID)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-notify:
			s.hub.unregister <- client
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			if blockFilter != "" && event.Block != "" && event.Block != blockFilter {
				continue
			}
			if blocksFilter != nil && event.Block != "" && !blocksFilter[event.Block] {
				continue
			}
			if fieldFilter != nil && event.Field != "" && !fieldFilter[event.Field] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// pollHealth broadcasts health events for all blocks on a 10s ticker.
func (s *Server) pollHealth() {
	// Initial delay to let devices connect
	select {
	case <-time.After(2 * time.Second):
	case <-s.hub.done:
		return
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.hub.done:
			return
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			for _, blk := range s.manager.ListBlocks() {
				status := blk.GetStatus()
				errMsg := ""
				if err := blk.GetError(); err != nil {
					errMsg = err.Error()
				}
				s.hub.Broadcast(sseEvent{
					Type:  eventHealth,
					Block: blk.Config.Name,
					Data: apiHealthUpdate{
						Block:     blk.Config.Name,
						Device:    blk.Config.Device,
						Online:    status == blockman.StatusConnected,
						Status:    status.String(),
						Error:     errMsg,
						Timestamp: time.Now().UTC().Format(time.RFC3339),
					},
				})
			}
		}
	}
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"dblink/blockman"
)

// BlockResponse is the JSON response for a data block.
type BlockResponse struct {
	Name     string `json:"name"`
	Device   string `json:"device"`
	DBNumber int    `json:"db_number"`
	Size     int    `json:"size"`
	ReadOnly bool   `json:"read_only,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// FieldResponse is the JSON response for a field value.
type FieldResponse struct {
	Block string      `json:"block"`
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
	Error string      `json:"error,omitempty"`
}

// HealthResponse is the JSON structure for block health status.
type HealthResponse struct {
	Block     string `json:"block"`
	Device    string `json:"device"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WriteRequest is the JSON request for writing a field value.
// This matches the MQTT write request format for consistency.
type WriteRequest struct {
	Block string      `json:"block"`
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON response after writing a field value.
type WriteResponse struct {
	Block     string      `json:"block"`
	Field     string      `json:"field"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// newRouter creates the REST API router.
func newRouter(s *Server) chi.Router {
	r := chi.NewRouter()

	r.Get("/", s.handleListBlocks)
	r.Get("/events", s.handleSSE)

	r.Route("/{block}", func(r chi.Router) {
		r.Get("/", s.handleBlockDetails)
		r.Get("/health", s.handleBlockHealth)
		r.Get("/fields", s.handleAllFields)
		r.Get("/fields/{field}", s.handleSingleField)
		r.Post("/write", s.handleWrite)
	})

	return r
}

// blockParam resolves the {block} URL parameter to a managed block.
func (s *Server) blockParam(w http.ResponseWriter, r *http.Request) *blockman.ManagedBlock {
	name, _ := url.PathUnescape(chi.URLParam(r, "block"))
	blk := s.manager.GetBlock(name)
	if blk == nil {
		writeError(w, http.StatusNotFound, "block not found")
	}
	return blk
}

func blockResponse(blk *blockman.ManagedBlock) BlockResponse {
	resp := BlockResponse{
		Name:     blk.Config.Name,
		Device:   blk.Config.Device,
		DBNumber: blk.Config.DBNumber,
		Size:     blk.LayoutSize(),
		ReadOnly: blk.Config.ReadOnly,
		Status:   blk.GetStatus().String(),
	}
	if err := blk.GetError(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks := s.manager.ListBlocks()
	response := make([]BlockResponse, 0, len(blocks))

	for _, blk := range blocks {
		response = append(response, blockResponse(blk))
	}

	writeJSON(w, response)
}

func (s *Server) handleBlockDetails(w http.ResponseWriter, r *http.Request) {
	blk := s.blockParam(w, r)
	if blk == nil {
		return
	}

	writeJSON(w, blockResponse(blk))
}

func (s *Server) handleAllFields(w http.ResponseWriter, r *http.Request) {
	blk := s.blockParam(w, r)
	if blk == nil {
		return
	}

	values := blk.GetValues()
	names := blk.FieldNames()
	response := make([]FieldResponse, 0, len(names))

	for _, name := range names {
		resp := FieldResponse{
			Block: blk.Config.Name,
			Name:  name,
			Type:  s.manager.FieldType(blk.Config.Name, name),
		}
		if v, ok := values[name]; ok {
			resp.Value = v
		}
		response = append(response, resp)
	}

	writeJSON(w, response)
}

func (s *Server) handleSingleField(w http.ResponseWriter, r *http.Request) {
	blk := s.blockParam(w, r)
	if blk == nil {
		return
	}

	fieldName, err := url.PathUnescape(chi.URLParam(r, "field"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid URL encoding in field name")
		return
	}

	value, err := s.manager.ReadField(blk.Config.Name, fieldName)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, FieldResponse{
		Block: blk.Config.Name,
		Name:  fieldName,
		Type:  s.manager.FieldType(blk.Config.Name, fieldName),
		Value: value,
	})
}

func (s *Server) handleBlockHealth(w http.ResponseWriter, r *http.Request) {
	blk := s.blockParam(w, r)
	if blk == nil {
		return
	}

	status := blk.GetStatus()
	errMsg := ""
	if err := blk.GetError(); err != nil {
		errMsg = err.Error()
	}

	writeJSON(w, HealthResponse{
		Block:     blk.Config.Name,
		Device:    blk.Config.Device,
		Online:    status == blockman.StatusConnected,
		Status:    status.String(),
		Error:     errMsg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	blk := s.blockParam(w, r)
	if blk == nil {
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	respond := func(status int, errMsg string) {
		resp := WriteResponse{
			Block:     req.Block,
			Field:     req.Field,
			Value:     req.Value,
			Success:   errMsg == "",
			Error:     errMsg,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
		}
		writeJSON(w, resp)
	}

	if req.Block != blk.Config.Name {
		respond(http.StatusBadRequest, fmt.Sprintf("block name mismatch: URL has '%s', request has '%s'",
			blk.Config.Name, req.Block))
		return
	}

	if blk.Config.ReadOnly {
		respond(http.StatusForbidden, "block is read-only")
		return
	}

	if s.manager.FieldType(blk.Config.Name, req.Field) == "" {
		respond(http.StatusNotFound, "field not found")
		return
	}

	if blk.GetStatus() != blockman.StatusConnected {
		respond(http.StatusServiceUnavailable, "device not connected")
		return
	}

	// Write in a goroutine with timeout so a stuck device cannot hold the
	// HTTP handler open.
	resultChan := make(chan error, 1)
	go func() {
		resultChan <- s.manager.WriteField(blk.Config.Name, req.Field, req.Value)
	}()

	var writeErr error
	select {
	case writeErr = <-resultChan:
	case <-time.After(3 * time.Second):
		writeErr = fmt.Errorf("write timeout: device did not respond within 3 seconds")
	}

	if writeErr != nil {
		respond(http.StatusInternalServerError, writeErr.Error())
		return
	}
	respond(http.StatusOK, "")
}

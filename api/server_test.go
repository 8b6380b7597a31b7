package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dblink/blockman"
	"dblink/config"
)

const testDefinition = `DATA_BLOCK "DB_Motor"
VERSION : 0.1
VAR
    Run : Bool;
    Fault : Bool;
    Speed : Int;
    Label : String[8];
END_VAR
BEGIN
END_DATA_BLOCK;
`

func newTestServer(t *testing.T) *Server {
	t.Helper()

	path := filepath.Join(t.TempDir(), "motor.db")
	if err := os.WriteFile(path, []byte(testDefinition), 0644); err != nil {
		t.Fatal(err)
	}

	manager := blockman.NewManager(time.Second)
	blkCfg := &config.BlockConfig{
		Name:           "Motor",
		Enabled:        true,
		Device:         "PLC1",
		DefinitionPath: path,
		DBNumber:       10,
	}
	devCfg := &config.DeviceConfig{Name: "PLC1", Address: "192.0.2.1"}
	if err := manager.AddBlock(blkCfg, devCfg); err != nil {
		t.Fatalf("AddBlock failed: %v", err)
	}

	apiCfg := &config.APIConfig{Enabled: true, Host: "127.0.0.1", Port: 8080}
	return NewServer(manager, apiCfg)
}

func doRequest(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func TestListBlocks(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var blocks []BlockResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &blocks); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].Name != "Motor" {
		t.Errorf("expected name 'Motor', got %q", blocks[0].Name)
	}
	if blocks[0].Device != "PLC1" {
		t.Errorf("expected device 'PLC1', got %q", blocks[0].Device)
	}
	if blocks[0].DBNumber != 10 {
		t.Errorf("expected db_number 10, got %d", blocks[0].DBNumber)
	}
	// Bool word + Int + String[8]
	if blocks[0].Size != 14 {
		t.Errorf("expected size 14, got %d", blocks[0].Size)
	}
	if blocks[0].Status != "Disconnected" {
		t.Errorf("expected status 'Disconnected', got %q", blocks[0].Status)
	}
}

func TestBlockDetails(t *testing.T) {
	s := newTestServer(t)

	t.Run("existing block", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/Motor", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var blk BlockResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &blk); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if blk.Name != "Motor" {
			t.Errorf("expected name 'Motor', got %q", blk.Name)
		}
	})

	t.Run("unknown block", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/Nope", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestAllFields(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/Motor/fields", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var fields []FieldResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &fields); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(fields) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(fields))
	}

	types := make(map[string]string)
	for _, f := range fields {
		if f.Block != "Motor" {
			t.Errorf("field %s: expected block 'Motor', got %q", f.Name, f.Block)
		}
		types[f.Name] = f.Type
	}

	want := map[string]string{
		"Run":   "BOOL",
		"Fault": "BOOL",
		"Speed": "INT",
		"Label": "STRING",
	}
	for name, typeName := range want {
		if types[name] != typeName {
			t.Errorf("field %s: expected type %q, got %q", name, typeName, types[name])
		}
	}
}

func TestSingleField(t *testing.T) {
	s := newTestServer(t)

	t.Run("existing field", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/Motor/fields/Speed", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var field FieldResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &field); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if field.Name != "Speed" {
			t.Errorf("expected name 'Speed', got %q", field.Name)
		}
		if field.Type != "INT" {
			t.Errorf("expected type 'INT', got %q", field.Type)
		}
		if field.Value != float64(0) {
			t.Errorf("expected value 0, got %v", field.Value)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/Motor/fields/Nope", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestBlockHealth(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/Motor/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if health.Block != "Motor" {
		t.Errorf("expected block 'Motor', got %q", health.Block)
	}
	if health.Online {
		t.Error("expected offline before connect")
	}
	if health.Status != "Disconnected" {
		t.Errorf("expected status 'Disconnected', got %q", health.Status)
	}
}

func TestWrite(t *testing.T) {
	s := newTestServer(t)

	writeBody := func(block, field string, value interface{}) []byte {
		body, _ := json.Marshal(WriteRequest{Block: block, Field: field, Value: value})
		return body
	}

	t.Run("block name mismatch", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/Motor/write", writeBody("Other", "Speed", 100))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}

		var resp WriteResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if resp.Success {
			t.Error("expected success false")
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/Motor/write", writeBody("Motor", "Nope", 100))
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/Motor/write", writeBody("Motor", "Speed", 100))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rec.Code)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/Motor/write", []byte("{not json"))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestWriteReadOnlyBlock(t *testing.T) {
	s := newTestServer(t)
	s.manager.GetBlock("Motor").Config.ReadOnly = true

	body, _ := json.Marshal(WriteRequest{Block: "Motor", Field: "Speed", Value: 100})
	rec := doRequest(t, s, http.MethodPost, "/Motor/write", body)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodOptions, "/", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for OPTIONS, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
}

func TestEventHub(t *testing.T) {
	hub := newEventHub()
	defer hub.Stop()

	client := &apiSSEClient{
		id:     "test-client",
		events: make(chan sseEvent, 4),
		done:   make(chan struct{}),
	}
	hub.register <- client

	deadline := time.After(time.Second)
	for hub.ClientCount() != 1 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	hub.Broadcast(sseEvent{Type: eventValueChange, Block: "Motor", Field: "Speed"})

	select {
	case event := <-client.events:
		if event.Type != eventValueChange {
			t.Errorf("expected %q event, got %q", eventValueChange, event.Type)
		}
		if event.Block != "Motor" {
			t.Errorf("expected block 'Motor', got %q", event.Block)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestBroadcastChanges(t *testing.T) {
	s := newTestServer(t)
	defer s.hub.Stop()

	client := &apiSSEClient{
		id:     "test-client",
		events: make(chan sseEvent, 4),
		done:   make(chan struct{}),
	}
	s.hub.register <- client

	deadline := time.After(time.Second)
	for s.hub.ClientCount() != 1 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	s.BroadcastChanges([]blockman.FieldChange{
		{BlockName: "Motor", FieldName: "Speed", TypeName: "INT", Value: int64(1450)},
	})

	select {
	case event := <-client.events:
		update, ok := event.Data.(apiValueUpdate)
		if !ok {
			t.Fatalf("unexpected payload type %T", event.Data)
		}
		if update.Block != "Motor" || update.Field != "Speed" || update.Value != int64(1450) {
			t.Errorf("unexpected payload: %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

package kafka

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"dblink/config"
)

func newTestManager() *Manager {
	return &Manager{
		namespace:    "dblink",
		producers:    make(map[string]*Producer),
		topics:       make(map[string]string),
		lastValues:   make(map[string]interface{}),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
}

// updateLastValue is a test helper to update the change cache directly.
func (m *Manager) updateLastValue(key string, value interface{}) {
	m.lastMu.Lock()
	m.lastValues[key] = value
	m.lastMu.Unlock()
}

// shouldPublish mirrors the change check in Publish.
func (m *Manager) shouldPublish(cacheKey string, value interface{}, force bool) bool {
	m.lastMu.RLock()
	lastValue, exists := m.lastValues[cacheKey]
	m.lastMu.RUnlock()

	if !exists || force {
		return true
	}
	return lastValue != value
}

func TestTopicRoot(t *testing.T) {
	tests := []struct {
		namespace string
		selector  string
		want      string
	}{
		{"dblink", "", "dblink"},
		{"dblink", "line2", "dblink.line2"},
		{"plant1", "cell3", "plant1.cell3"},
		{"", "", "dblink"},
		{"", "line2", "dblink.line2"},
	}

	for _, tc := range tests {
		if got := TopicRoot(tc.namespace, tc.selector); got != tc.want {
			t.Errorf("TopicRoot(%q, %q) = %q, want %q", tc.namespace, tc.selector, got, tc.want)
		}
	}
}

func TestManager_ChangeDetection(t *testing.T) {
	t.Run("identical values should not republish", func(t *testing.T) {
		m := newTestManager()
		m.updateLastValue("cluster/DB_IO/Motor.Run", true)

		if m.shouldPublish("cluster/DB_IO/Motor.Run", true, false) {
			t.Error("identical value should not republish")
		}
	})

	t.Run("different values should republish", func(t *testing.T) {
		m := newTestManager()
		m.updateLastValue("cluster/DB_IO/Speed", int64(100))

		if !m.shouldPublish("cluster/DB_IO/Speed", int64(200), false) {
			t.Error("different value should republish")
		}
	})

	t.Run("force flag should override change detection", func(t *testing.T) {
		m := newTestManager()
		m.updateLastValue("cluster/DB_IO/Speed", int64(100))

		if !m.shouldPublish("cluster/DB_IO/Speed", int64(100), true) {
			t.Error("force flag should override change detection")
		}
	})

	t.Run("different clusters are tracked separately", func(t *testing.T) {
		m := newTestManager()
		m.updateLastValue("cluster1/DB_IO/Speed", int64(100))

		if !m.shouldPublish("cluster2/DB_IO/Speed", int64(100), false) {
			t.Error("different clusters should be tracked separately")
		}
	})
}

// Decoded field values are int64, uint64, float64, bool or string.
func TestManager_ChangeDetectionTypes(t *testing.T) {
	tests := []struct {
		name      string
		value1    interface{}
		value2    interface{}
		shouldPub bool
	}{
		{"int64_same", int64(100), int64(100), false},
		{"int64_diff", int64(100), int64(200), true},
		{"uint64_same", uint64(500), uint64(500), false},
		{"uint64_diff", uint64(500), uint64(501), true},
		{"float64_same", float64(3.14), float64(3.14), false},
		{"float64_diff", float64(3.14), float64(2.71), true},
		{"bool_same", true, true, false},
		{"bool_diff", true, false, true},
		{"string_same", "hello", "hello", false},
		{"string_diff", "hello", "world", true},
		{"nil_to_value", nil, int64(0), true},
		{"value_to_nil", int64(0), nil, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager()

			if tc.value1 != nil {
				m.updateLastValue("cluster/block/field", tc.value1)
			}

			if got := m.shouldPublish("cluster/block/field", tc.value2, false); got != tc.shouldPub {
				t.Errorf("expected publish=%v, got %v", tc.shouldPub, got)
			}
		})
	}
}

func TestFieldMessage_Structure(t *testing.T) {
	t.Run("all fields present", func(t *testing.T) {
		msg := FieldMessage{
			Block:     "DB_IO",
			Field:     "Motor.Speed",
			Value:     int64(1450),
			Type:      "INT",
			Writable:  true,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}

		for _, key := range []string{"block", "field", "value", "type", "writable", "timestamp"} {
			if _, ok := decoded[key]; !ok {
				t.Errorf("missing key %q", key)
			}
		}
		if decoded["block"] != "DB_IO" {
			t.Errorf("expected block 'DB_IO', got %v", decoded["block"])
		}
		if decoded["field"] != "Motor.Speed" {
			t.Errorf("expected field 'Motor.Speed', got %v", decoded["field"])
		}
	})

	t.Run("empty type is omitted", func(t *testing.T) {
		msg := FieldMessage{
			Block:     "DB_IO",
			Field:     "Motor.Run",
			Value:     true,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}

		if _, ok := decoded["type"]; ok {
			t.Error("type should be omitted when empty")
		}
	})
}

func TestHealthMessage_Structure(t *testing.T) {
	msg := HealthMessage{
		Block:     "DB_IO",
		Device:    "MainPLC",
		Online:    false,
		Status:    "Error",
		Error:     "read timeout",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded["block"] != "DB_IO" {
		t.Errorf("expected block 'DB_IO', got %v", decoded["block"])
	}
	if decoded["device"] != "MainPLC" {
		t.Errorf("expected device 'MainPLC', got %v", decoded["device"])
	}
	if decoded["online"] != false {
		t.Errorf("expected online false, got %v", decoded["online"])
	}
	if decoded["error"] != "read timeout" {
		t.Errorf("expected error 'read timeout', got %v", decoded["error"])
	}
}

func TestManager_AddRemove(t *testing.T) {
	m := newTestManager()

	cfg := config.KafkaConfig{
		Name:     "events",
		Brokers:  []string{"localhost:9092"},
		Selector: "line2",
	}
	m.Add(&cfg)

	if m.Get("events") == nil {
		t.Fatal("expected producer after Add")
	}
	if got := m.topics["events"]; got != "dblink.line2" {
		t.Errorf("expected topic 'dblink.line2', got %q", got)
	}
	if names := m.List(); len(names) != 1 || names[0] != "events" {
		t.Errorf("unexpected cluster list: %v", names)
	}

	// Duplicate add is a no-op.
	m.Add(&config.KafkaConfig{Name: "events", Brokers: []string{"other:9092"}})
	if len(m.List()) != 1 {
		t.Error("duplicate add should not create a second producer")
	}

	m.Remove("events")
	if m.Get("events") != nil {
		t.Error("expected producer removed")
	}
	if _, ok := m.topics["events"]; ok {
		t.Error("expected topic mapping removed")
	}
}

func TestManager_ConnectUnknownCluster(t *testing.T) {
	m := newTestManager()
	if err := m.Connect("nope"); err == nil {
		t.Error("expected error for unknown cluster")
	}
	if _, err := m.GetClusterStatus("nope"); err == nil {
		t.Error("expected error for unknown cluster status")
	}
}

func TestManager_ConcurrentCacheAccess(t *testing.T) {
	m := newTestManager()

	var wg sync.WaitGroup
	blocks := []string{"DB_IO", "DB_Recipe", "DB_Status"}
	fields := []string{"Run", "Speed", "Fault"}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "cluster/" + blocks[i%len(blocks)] + "/" + fields[i%len(fields)]
			m.updateLastValue(key, int64(i))
		}(i)
	}

	wg.Wait()

	m.lastMu.RLock()
	defer m.lastMu.RUnlock()
	if len(m.lastValues) == 0 {
		t.Error("expected cache entries")
	}
}

func TestManager_ClearLastValues(t *testing.T) {
	m := newTestManager()

	m.updateLastValue("cluster/DB_IO/Run", true)
	m.updateLastValue("cluster/DB_IO/Speed", int64(200))

	m.ClearLastValues()

	m.lastMu.RLock()
	size := len(m.lastValues)
	m.lastMu.RUnlock()
	if size != 0 {
		t.Errorf("expected empty cache after clear, got %d entries", size)
	}

	if !m.shouldPublish("cluster/DB_IO/Run", true, false) {
		t.Error("value should publish after cache clear")
	}
}

func TestAutoCreateTopics(t *testing.T) {
	if !autoCreateTopics(&config.KafkaConfig{}) {
		t.Error("auto-create should default to true")
	}

	off := false
	if autoCreateTopics(&config.KafkaConfig{AutoCreateTopics: &off}) {
		t.Error("explicit false should disable auto-create")
	}

	on := true
	if !autoCreateTopics(&config.KafkaConfig{AutoCreateTopics: &on}) {
		t.Error("explicit true should enable auto-create")
	}
}

func TestSASLMechanism(t *testing.T) {
	if saslFor(&config.KafkaConfig{}) != nil {
		t.Error("expected no mechanism without username")
	}

	tests := []struct {
		name      string
		mechanism string
	}{
		{"plain", "PLAIN"},
		{"plain_default", ""},
		{"plain_lowercase", "plain"},
		{"scram_sha256", "SCRAM-SHA-256"},
		{"scram_sha512", "SCRAM-SHA-512"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.KafkaConfig{
				SASLMechanism: tc.mechanism,
				Username:      "user",
				Password:      "pass",
			}
			if saslFor(&cfg) == nil {
				t.Errorf("expected mechanism for %q", tc.mechanism)
			}
		})
	}
}

func TestRetrySettings(t *testing.T) {
	retries, backoff := retrySettings(&config.KafkaConfig{})
	if retries != 3 {
		t.Errorf("expected default 3 retries, got %d", retries)
	}
	if backoff != defaultRetryBackoff {
		t.Errorf("expected default backoff, got %v", backoff)
	}

	retries, backoff = retrySettings(&config.KafkaConfig{MaxRetries: 5, RetryBackoff: time.Second})
	if retries != 5 || backoff != time.Second {
		t.Errorf("expected configured values, got %d/%v", retries, backoff)
	}
}

func TestProducerNotConnected(t *testing.T) {
	p := NewProducer(&config.KafkaConfig{Name: "events", Brokers: []string{"localhost:9092"}})

	if p.GetStatus() != StatusDisconnected {
		t.Errorf("expected Disconnected, got %v", p.GetStatus())
	}

	if _, err := p.getWriter("dblink"); err == nil {
		t.Error("expected error when not connected")
	}
}

func TestConnectionStatusString(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "Disconnected"},
		{StatusConnecting, "Connecting"},
		{StatusConnected, "Connected"},
		{StatusError, "Error"},
		{ConnectionStatus(99), "Unknown"},
	}

	for _, tc := range tests {
		if got := tc.status.String(); got != tc.want {
			t.Errorf("status %d: expected %q, got %q", tc.status, got, tc.want)
		}
	}
}

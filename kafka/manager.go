package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	segkafka "github.com/segmentio/kafka-go"

	"dblink/config"
	"dblink/logging"
)

// FieldMessage is the JSON structure published to Kafka for field changes.
type FieldMessage struct {
	Block     string      `json:"block"`
	Field     string      `json:"field"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// HealthMessage is the JSON structure published to Kafka for block health status.
type HealthMessage struct {
	Block     string `json:"block"`
	Device    string `json:"device,omitempty"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	cacheKey string
	value    interface{}
	track    bool // update the change cache on success
}

// batchKey groups queued jobs that can share a single batched write.
type batchKey struct {
	producer *Producer
	topic    string
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// MaxPublishBatch is the most jobs a worker drains into one batched write.
const MaxPublishBatch = 100

// Manager manages multiple Kafka producer connections. Field changes are
// queued and flushed by a bounded worker pool; each worker drains the queue
// and groups jobs per cluster and topic into batched writes.
type Manager struct {
	namespace  string
	producers  map[string]*Producer
	topics     map[string]string // cluster name -> topic root
	mu         sync.RWMutex
	lastValues map[string]interface{} // last published value per cluster/block/field
	lastMu     sync.RWMutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// NewManager creates a new Kafka manager for the given namespace.
func NewManager(namespace string) *Manager {
	m := &Manager{
		namespace:    namespace,
		producers:    make(map[string]*Producer),
		topics:       make(map[string]string),
		lastValues:   make(map[string]interface{}),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	m.startWorkers()
	return m
}

// startWorkers starts the publish worker goroutines.
func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker()
	}
}

// publishWorker drains publish jobs from the queue and flushes them in batches.
func (m *Manager) publishWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			return
		case job, ok := <-m.publishQueue:
			if !ok {
				return
			}
			m.flushJobs(m.drainQueue(job))
		}
	}
}

// drainQueue collects queued jobs without blocking, up to MaxPublishBatch.
func (m *Manager) drainQueue(first publishJob) []publishJob {
	jobs := []publishJob{first}
	for len(jobs) < MaxPublishBatch {
		select {
		case job, ok := <-m.publishQueue:
			if !ok {
				return jobs
			}
			jobs = append(jobs, job)
		default:
			return jobs
		}
	}
	return jobs
}

// flushJobs groups jobs per cluster and topic and writes each group in one
// batched produce. Successful tracked jobs update the change cache.
func (m *Manager) flushJobs(jobs []publishJob) {
	batches := make(map[batchKey][]publishJob)
	for _, job := range jobs {
		key := batchKey{job.producer, job.topic}
		batches[key] = append(batches[key], job)
	}

	for key, batch := range batches {
		messages := make([]segkafka.Message, len(batch))
		for i, job := range batch {
			messages[i] = segkafka.Message{
				Key:   job.key,
				Value: job.payload,
				Time:  time.Now(),
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := key.producer.ProduceBatch(ctx, key.topic, messages)
		cancel()

		if err != nil {
			logging.DebugLog("kafka", "Failed to publish %d messages to '%s': %v", len(batch), key.topic, err)
			continue
		}

		m.lastMu.Lock()
		for _, job := range batch {
			if job.track {
				m.lastValues[job.cacheKey] = job.value
			}
		}
		m.lastMu.Unlock()
	}
}

// Add adds a new Kafka cluster configuration.
func (m *Manager) Add(cfg *config.KafkaConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[cfg.Name]; exists {
		return
	}

	m.producers[cfg.Name] = NewProducer(cfg)
	m.topics[cfg.Name] = TopicRoot(m.namespace, cfg.Selector)
}

// Remove removes a Kafka cluster and disconnects its producer.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	producer, exists := m.producers[name]
	if exists {
		delete(m.producers, name)
		delete(m.topics, name)
	}
	m.mu.Unlock()

	if exists && producer != nil {
		producer.Disconnect()
	}
}

// Get returns the producer for the named cluster.
func (m *Manager) Get(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// List returns all cluster names.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	return names
}

// Connect connects to the named Kafka cluster.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	producer, exists := m.producers[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}

	return producer.Connect()
}

// Disconnect disconnects from the named Kafka cluster.
func (m *Manager) Disconnect(name string) {
	m.mu.RLock()
	producer, exists := m.producers[name]
	m.mu.RUnlock()

	if exists && producer != nil {
		producer.Disconnect()
	}
}

// ConnectEnabled connects to all enabled Kafka clusters.
func (m *Manager) ConnectEnabled() {
	m.mu.RLock()
	producers := make([]*Producer, 0)
	for _, p := range m.producers {
		if p.config.Enabled {
			producers = append(producers, p)
		}
	}
	m.mu.RUnlock()

	for _, p := range producers {
		go p.Connect()
	}
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	m.mu.RLock()
	producer, exists := m.producers[name]
	m.mu.RUnlock()

	if !exists {
		return StatusDisconnected, fmt.Errorf("cluster not found")
	}

	return producer.GetStatus(), producer.GetError()
}

// LoadFromConfig loads cluster configurations.
func (m *Manager) LoadFromConfig(configs []config.KafkaConfig) {
	for i := range configs {
		m.Add(&configs[i])
	}
}

// StopAll disconnects from all Kafka clusters and stops the workers.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		m.disconnectAll()
		return
	}

	// Swap channels under lock so a restart gets fresh ones.
	oldStopChan := m.stopChan
	m.stopChan = make(chan struct{})
	m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
	m.started = false
	m.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logging.DebugLog("kafka", "Timeout waiting for publish workers to stop")
	}

	m.disconnectAll()
}

func (m *Manager) disconnectAll() {
	m.mu.RLock()
	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	m.mu.RUnlock()

	for _, p := range producers {
		p.Disconnect()
	}
}

// Publish sends a field value to all connected clusters that have
// PublishChanges enabled. Unchanged values are skipped unless force is set.
func (m *Manager) Publish(blockName, fieldName, typeName string, value interface{}, writable, force bool) {
	m.startWorkers()

	m.mu.RLock()
	producers := make([]*Producer, 0, len(m.producers))
	topics := make([]string, 0, len(m.producers))
	for name, p := range m.producers {
		producers = append(producers, p)
		topics = append(topics, m.topics[name])
	}
	m.mu.RUnlock()

	for i, p := range producers {
		if p.GetStatus() != StatusConnected || !p.config.PublishChanges {
			continue
		}

		cacheKey := fmt.Sprintf("%s/%s/%s", p.config.Name, blockName, fieldName)

		m.lastMu.RLock()
		lastValue, exists := m.lastValues[cacheKey]
		m.lastMu.RUnlock()

		if exists && !force && lastValue == value {
			continue
		}

		msg := FieldMessage{
			Block:     blockName,
			Field:     fieldName,
			Value:     value,
			Type:      typeName,
			Writable:  writable,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}

		// Block.field as key keeps per-field ordering within a partition.
		job := publishJob{
			producer: p,
			topic:    topics[i],
			key:      []byte(fmt.Sprintf("%s.%s", blockName, fieldName)),
			payload:  payload,
			cacheKey: cacheKey,
			value:    value,
			track:    true,
		}
		select {
		case m.publishQueue <- job:
		default:
			logging.DebugLog("kafka", "Publish queue full, dropping message for %s", cacheKey)
		}
	}
}

// PublishHealth publishes block health status to all connected clusters.
// Health messages bypass change detection and go to the ".health" topic.
func (m *Manager) PublishHealth(blockName, deviceName string, online bool, status, errMsg string) {
	m.startWorkers()

	m.mu.RLock()
	producers := make([]*Producer, 0, len(m.producers))
	topics := make([]string, 0, len(m.producers))
	for name, p := range m.producers {
		producers = append(producers, p)
		topics = append(topics, m.topics[name])
	}
	m.mu.RUnlock()

	for i, p := range producers {
		if p.GetStatus() != StatusConnected || !p.config.PublishChanges {
			continue
		}

		msg := HealthMessage{
			Block:     blockName,
			Device:    deviceName,
			Online:    online,
			Status:    status,
			Error:     errMsg,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}

		job := publishJob{
			producer: p,
			topic:    topics[i] + ".health",
			key:      []byte(blockName),
			payload:  payload,
		}
		select {
		case m.publishQueue <- job:
		default:
			logging.DebugLog("kafka", "Publish queue full, dropping health message for %s", blockName)
		}
	}
}

// AnyPublishing returns true if any cluster is connected with PublishChanges enabled.
func (m *Manager) AnyPublishing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.producers {
		if p.GetStatus() == StatusConnected && p.config.PublishChanges {
			return true
		}
	}
	return false
}

// ClearLastValues clears the change tracking cache, forcing republish of all values.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]interface{})
	m.lastMu.Unlock()
}

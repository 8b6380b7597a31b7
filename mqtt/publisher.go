// Package mqtt provides MQTT publishing functionality for data block fields.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"dblink/config"
	"dblink/datablock"
	"dblink/logging"
)

// writeJob represents a pending write operation.
type writeJob struct {
	client         pahomqtt.Client
	rootTopic      string
	blockName      string
	fieldName      string
	value          interface{}
	convertedValue interface{}
	handler        WriteHandler
}

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

// Publisher handles MQTT connection and publishes field values to a single broker.
type Publisher struct {
	config    *config.MQTTConfig
	rootTopic string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	// Track last published values to detect changes
	lastValues map[string]interface{}
	lastMu     sync.RWMutex

	// Write handling
	writeHandler    WriteHandler
	writeValidator  WriteValidator
	fieldTypeLookup FieldTypeLookup
	blockNames      []string // Blocks to subscribe for writes

	// Worker pool for bounded write goroutines
	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// FieldMessage is the JSON structure published to MQTT.
type FieldMessage struct {
	Topic     string      `json:"topic"`
	Block     string      `json:"block"`
	Field     string      `json:"field"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON structure for incoming write requests.
type WriteRequest struct {
	Topic string      `json:"topic"`
	Block string      `json:"block"`
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON structure for write responses.
type WriteResponse struct {
	Topic     string      `json:"topic"`
	Block     string      `json:"block"`
	Field     string      `json:"field"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler is a callback for handling write requests.
// Returns an error if the write fails.
type WriteHandler func(blockName, fieldName string, value interface{}) error

// FieldTypeLookup returns the data type code for a field.
// Returns 0 if the type cannot be determined.
type FieldTypeLookup func(blockName, fieldName string) uint16

// WriteValidator checks if a field is writable.
// Returns true if the field exists and its block is write-enabled.
type WriteValidator func(blockName, fieldName string) bool

// RootTopic builds the topic root for a namespace and optional selector.
func RootTopic(namespace, selector string) string {
	if namespace == "" {
		namespace = "dblink"
	}
	if selector != "" {
		return namespace + "/" + selector
	}
	return namespace
}

// NewPublisher creates a new MQTT publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		config:     cfg,
		rootTopic:  RootTopic(namespace, cfg.Selector),
		lastValues: make(map[string]interface{}),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	// Quick check if already running
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()

	// Configure broker URL based on TLS setting
	if p.config.UseTLS {
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port))
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		opts.SetTLSConfig(tlsConfig)
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port))
	}

	opts.SetClientID(p.config.ClientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	// Create client and connect WITHOUT holding the lock
	client := pahomqtt.NewClient(opts)
	logging.DebugLog("mqtt", "Attempting to connect to MQTT broker %s:%d", p.config.Broker, p.config.Port)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logging.DebugLog("mqtt", "MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logging.DebugLog("mqtt", "MQTT connection error: %v", token.Error())
		return token.Error()
	}

	logging.DebugLog("mqtt", "Successfully connected to MQTT broker %s:%d", p.config.Broker, p.config.Port)

	// Now acquire lock to update state
	p.mu.Lock()

	// Double-check we're not already running (race condition check)
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}

	p.client = client
	p.running = true
	p.mu.Unlock()

	// Clear last values to force republish of all values
	p.lastMu.Lock()
	p.lastValues = make(map[string]interface{})
	p.lastMu.Unlock()

	// Start write workers
	p.startWriteWorkers()

	// Subscribe to write topics (must be outside p.mu lock to avoid deadlock)
	p.subscribeWriteTopics()

	return nil
}

// startWriteWorkers starts the write worker goroutines.
func (p *Publisher) startWriteWorkers() {
	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker()
	}
}

// writeWorker processes write jobs from the queue.
func (p *Publisher) writeWorker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case job, ok := <-p.writeQueue:
			if !ok {
				return
			}
			var writeErr error

			// Check if this is an error-only response (queued via queueErrorResponse)
			if errVal, isErr := job.convertedValue.(error); isErr && job.handler == nil {
				writeErr = errVal
			} else if job.handler != nil {
				logging.DebugLog("mqtt", "Executing write: %s/%s = %v", job.blockName, job.fieldName, job.convertedValue)
				writeErr = job.handler(job.blockName, job.fieldName, job.convertedValue)
				if writeErr != nil {
					logging.DebugLog("mqtt", "Write error: %v", writeErr)
				} else {
					logging.DebugLog("mqtt", "Write successful")
				}
			} else {
				writeErr = fmt.Errorf("no write handler configured")
			}
			p.publishWriteResponse(job.client, job.rootTopic, job.blockName, job.fieldName, job.value, writeErr)
		}
	}
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	client := p.client
	p.client = nil

	// Save old channels and create new ones while holding lock
	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	// Stop write workers by closing old channel
	close(oldStopChan)

	// Wait for workers to finish (with timeout)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("mqtt", "Timeout waiting for write workers to stop")
	}

	// Disconnect OUTSIDE the lock to prevent blocking
	if client != nil {
		client.Disconnect(500)
	}
}

// BuildTopic constructs the full topic path for a field.
func (p *Publisher) BuildTopic(blockName, fieldName string) string {
	return fmt.Sprintf("%s/%s/fields/%s", p.rootTopic, blockName, fieldName)
}

// Publish sends a field value to MQTT if it has changed.
func (p *Publisher) Publish(blockName, fieldName, typeName string, value interface{}, writable, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	cacheKey := fmt.Sprintf("%s/%s", blockName, fieldName)

	p.lastMu.RLock()
	lastValue, exists := p.lastValues[cacheKey]
	p.lastMu.RUnlock()

	if exists && !force && fmt.Sprintf("%v", lastValue) == fmt.Sprintf("%v", value) {
		return false
	}

	msg := FieldMessage{
		Topic:     p.rootTopic,
		Block:     blockName,
		Field:     fieldName,
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	topic := p.BuildTopic(blockName, fieldName)
	token := client.Publish(topic, 1, true, payload)

	// Use timeout to prevent blocking
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	if token.Error() != nil {
		return false
	}

	p.lastMu.Lock()
	p.lastValues[cacheKey] = value
	p.lastMu.Unlock()

	return true
}

// HealthMessage is the JSON payload published to the block health topic.
type HealthMessage struct {
	Block     string `json:"block"`
	Device    string `json:"device,omitempty"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// PublishHealth publishes block health status to "<root>/<block>/health".
// Health messages bypass change detection.
func (p *Publisher) PublishHealth(blockName, deviceName string, online bool, status, errMsg string) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	rootTopic := p.rootTopic
	p.mu.RUnlock()

	if !running || client == nil {
		return false
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
		return false
	}

	topic := fmt.Sprintf("%s/%s/health", rootTopic, blockName)
	token := client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	return token.Error() == nil
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// SetWriteHandler sets the callback for handling write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (p *Publisher) SetWriteValidator(validator WriteValidator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetFieldTypeLookup sets the callback for looking up field types.
func (p *Publisher) SetFieldTypeLookup(lookup FieldTypeLookup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fieldTypeLookup = lookup
}

// SetBlockNames sets the block names to subscribe for write requests.
func (p *Publisher) SetBlockNames(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blockNames = names
}

// subscribeWriteTopics subscribes to write topics for all configured blocks.
func (p *Publisher) subscribeWriteTopics() {
	p.mu.RLock()
	client := p.client
	blockNames := p.blockNames
	rootTopic := p.rootTopic
	p.mu.RUnlock()

	if client == nil {
		logging.DebugLog("mqtt", "subscribeWriteTopics: client is nil")
		return
	}
	if len(blockNames) == 0 {
		logging.DebugLog("mqtt", "subscribeWriteTopics: no block names configured")
		return
	}

	for _, blockName := range blockNames {
		topic := fmt.Sprintf("%s/%s/write", rootTopic, blockName)
		logging.DebugLog("mqtt", "Subscribing to write topic: %s", topic)
		token := client.Subscribe(topic, 1, p.handleWriteMessage)
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			if token.Error() != nil {
				logging.DebugLog("mqtt", "Subscribe error for %s: %v", topic, token.Error())
			} else {
				logging.DebugLog("mqtt", "Subscribe timeout for %s", topic)
			}
			continue
		}
		logging.DebugLog("mqtt", "Subscribed to: %s", topic)
	}
}

// convertValueForType converts a JSON value to the Go type the block
// accessor expects for the field. JSON numbers always decode as float64,
// so integer fields get range-checked and narrowed here.
// Returns the converted value and an error if the conversion is not possible.
func convertValueForType(value interface{}, dataType uint16) (interface{}, error) {
	var numVal float64
	var isNumber bool
	var boolVal bool
	var isBool bool
	var strVal string
	var isString bool

	switch v := value.(type) {
	case float64:
		numVal = v
		isNumber = true
	case bool:
		boolVal = v
		isBool = true
	case string:
		strVal = v
		isString = true
	default:
		return nil, fmt.Errorf("unsupported value type: %T", value)
	}

	switch dataType {
	case datablock.TypeBool:
		if isBool {
			return boolVal, nil
		}
		if isNumber {
			return numVal != 0, nil
		}
		return nil, fmt.Errorf("cannot convert %T to BOOL", value)

	case datablock.TypeByte:
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to BYTE", value)
		}
		if numVal < 0 || numVal > 255 || numVal != float64(uint8(numVal)) {
			return nil, fmt.Errorf("value %v out of range for BYTE (0 to 255)", numVal)
		}
		return uint8(numVal), nil

	case datablock.TypeChar:
		if isString {
			if len(strVal) != 1 {
				return nil, fmt.Errorf("CHAR requires a single character, got %q", strVal)
			}
			return strVal, nil
		}
		if isNumber {
			if numVal < 0 || numVal > 255 || numVal != float64(uint8(numVal)) {
				return nil, fmt.Errorf("value %v out of range for CHAR", numVal)
			}
			return uint8(numVal), nil
		}
		return nil, fmt.Errorf("cannot convert %T to CHAR", value)

	case datablock.TypeWord, datablock.TypeS5Time, datablock.TypeDate:
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to %s", value, datablock.TypeName(dataType))
		}
		if numVal < 0 || numVal > 65535 || numVal != float64(uint16(numVal)) {
			return nil, fmt.Errorf("value %v out of range for %s (0 to 65535)", numVal, datablock.TypeName(dataType))
		}
		return uint16(numVal), nil

	case datablock.TypeInt:
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to INT", value)
		}
		if numVal < -32768 || numVal > 32767 || numVal != float64(int16(numVal)) {
			return nil, fmt.Errorf("value %v out of range for INT (-32768 to 32767)", numVal)
		}
		return int16(numVal), nil

	case datablock.TypeDWord, datablock.TypeTimeOfDay:
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to %s", value, datablock.TypeName(dataType))
		}
		if numVal < 0 || numVal > 4294967295 || numVal != float64(uint32(numVal)) {
			return nil, fmt.Errorf("value %v out of range for %s", numVal, datablock.TypeName(dataType))
		}
		return uint32(numVal), nil

	case datablock.TypeDInt, datablock.TypeTime:
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to %s", value, datablock.TypeName(dataType))
		}
		if numVal < -2147483648 || numVal > 2147483647 || numVal != float64(int32(numVal)) {
			return nil, fmt.Errorf("value %v out of range for %s", numVal, datablock.TypeName(dataType))
		}
		return int32(numVal), nil

	case datablock.TypeReal:
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to REAL", value)
		}
		return float32(numVal), nil

	case datablock.TypeDReal:
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to DREAL", value)
		}
		return numVal, nil

	case datablock.TypeString:
		if !isString {
			return nil, fmt.Errorf("cannot convert %T to STRING", value)
		}
		return strVal, nil

	default:
		// Unknown type, use the value as-is and let the block accessor decide
		return value, nil
	}
}

// handleWriteMessage processes incoming write requests.
func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logging.DebugLog("mqtt", "Received write request on topic: %s", msg.Topic())
	logging.DebugLog("mqtt", "Payload: %s", string(msg.Payload()))

	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	typeLookup := p.fieldTypeLookup
	rootTopic := p.rootTopic
	p.mu.RUnlock()

	// Parse the write request
	var req WriteRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		logging.DebugLog("mqtt", "JSON parse error: %v", err)
		p.queueErrorResponse(client, rootTopic, "", "", nil, fmt.Errorf("invalid JSON: %v", err))
		return
	}

	// Validate topic matches
	if req.Topic != rootTopic {
		p.queueErrorResponse(client, rootTopic, req.Block, req.Field, req.Value,
			fmt.Errorf("topic mismatch: expected %s, got %s", rootTopic, req.Topic))
		return
	}

	// Check if field is writable
	if validator != nil && !validator(req.Block, req.Field) {
		p.queueErrorResponse(client, rootTopic, req.Block, req.Field, req.Value,
			fmt.Errorf("field not writable: %s/%s", req.Block, req.Field))
		return
	}

	// Look up field type and convert value
	var convertedValue interface{} = req.Value
	if typeLookup != nil {
		dataType := typeLookup(req.Block, req.Field)
		if dataType != 0 {
			logging.DebugLog("mqtt", "Field type: %s (0x%04X)", datablock.TypeName(dataType), dataType)
			var err error
			convertedValue, err = convertValueForType(req.Value, dataType)
			if err != nil {
				logging.DebugLog("mqtt", "Value conversion error: %v", err)
				p.queueErrorResponse(client, rootTopic, req.Block, req.Field, req.Value, err)
				return
			}
			logging.DebugLog("mqtt", "Converted value: %v (type: %T)", convertedValue, convertedValue)
		} else {
			logging.DebugLog("mqtt", "Could not determine field type, using value as-is: %v (%T)", req.Value, req.Value)
		}
	}

	// Queue the write job (non-blocking with drop on overflow)
	job := writeJob{
		client:         client,
		rootTopic:      rootTopic,
		blockName:      req.Block,
		fieldName:      req.Field,
		value:          req.Value,
		convertedValue: convertedValue,
		handler:        handler,
	}
	select {
	case p.writeQueue <- job:
		// Job queued successfully
	default:
		// Queue full, respond with error
		logging.DebugLog("mqtt", "Write queue full, rejecting write for %s/%s", req.Block, req.Field)
		go p.publishWriteResponse(client, rootTopic, req.Block, req.Field, req.Value,
			fmt.Errorf("write queue full, try again later"))
	}
}

// queueErrorResponse queues an error response through the worker pool.
func (p *Publisher) queueErrorResponse(client pahomqtt.Client, rootTopic, blockName, fieldName string, value interface{}, err error) {
	// For error responses, we use a nil handler which will trigger the error path
	job := writeJob{
		client:    client,
		rootTopic: rootTopic,
		blockName: blockName,
		fieldName: fieldName,
		value:     value,
		handler:   nil, // nil handler means we just send the error response
	}
	// Store the error message in convertedValue as a signal
	job.convertedValue = err

	select {
	case p.writeQueue <- job:
		// Job queued
	default:
		// Queue full, log and drop
		logging.DebugLog("mqtt", "Write queue full, dropping error response for %s/%s", blockName, fieldName)
	}
}

// publishWriteResponse publishes a write response to MQTT.
func (p *Publisher) publishWriteResponse(client pahomqtt.Client, rootTopic, blockName, fieldName string, value interface{}, err error) {
	resp := WriteResponse{
		Topic:     rootTopic,
		Block:     blockName,
		Field:     fieldName,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	payload, _ := json.Marshal(resp)

	// Publish to response topic
	responseTopic := fmt.Sprintf("%s/%s/write/response", rootTopic, blockName)
	if blockName == "" {
		responseTopic = fmt.Sprintf("%s/write/response", rootTopic)
	}
	token := client.Publish(responseTopic, 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers      map[string]*Publisher
	mu              sync.RWMutex
	writeHandler    WriteHandler
	writeValidator  WriteValidator
	fieldTypeLookup FieldTypeLookup
	blockNames      []string
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher to the manager.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	handler := m.writeHandler
	validator := m.writeValidator
	typeLookup := m.fieldTypeLookup
	blockNames := m.blockNames
	m.mu.Unlock()

	// Apply current settings to new publisher
	if handler != nil {
		pub.SetWriteHandler(handler)
	}
	if validator != nil {
		pub.SetWriteValidator(validator)
	}
	if typeLookup != nil {
		pub.SetFieldTypeLookup(typeLookup)
	}
	if len(blockNames) > 0 {
		pub.SetBlockNames(blockNames)
	}
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	return result
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	m.mu.RLock()
	pubs := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		pubs = append(pubs, pub)
	}
	m.mu.RUnlock()

	started := 0
	for _, pub := range pubs {
		if pub.config.Enabled && !pub.IsRunning() {
			logging.DebugLog("mqtt", "Auto-starting MQTT publisher: %s", pub.Name())
			if err := pub.Start(); err != nil {
				logging.DebugLog("mqtt", "Failed to auto-start %s: %v", pub.Name(), err)
			} else {
				logging.DebugLog("mqtt", "Successfully started %s (%s)", pub.Name(), pub.Address())
				started++
			}
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	m.mu.RLock()
	pubs := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		pubs = append(pubs, pub)
	}
	m.mu.RUnlock()

	for _, pub := range pubs {
		pub.Stop()
	}
}

// Publish publishes a value to all running publishers.
func (m *Manager) Publish(blockName, fieldName, typeName string, value interface{}, force bool) {
	m.mu.RLock()
	pubs := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		pubs = append(pubs, pub)
	}
	validator := m.writeValidator
	m.mu.RUnlock()

	if len(pubs) == 0 {
		return
	}

	// Check if field is writable using the validator
	writable := false
	if validator != nil {
		writable = validator(blockName, fieldName)
	}

	for _, pub := range pubs {
		if pub.IsRunning() {
			pub.Publish(blockName, fieldName, typeName, value, writable, force)
		}
	}
}

// PublishHealth publishes block health status to all running publishers.
func (m *Manager) PublishHealth(blockName, deviceName string, online bool, status, errMsg string) {
	m.mu.RLock()
	pubs := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		pubs = append(pubs, pub)
	}
	m.mu.RUnlock()

	for _, pub := range pubs {
		if pub.IsRunning() {
			pub.PublishHealth(blockName, deviceName, online, status, errMsg)
		}
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, namespace string) {
	for i := range cfgs {
		pub := NewPublisher(&cfgs[i], namespace)
		m.Add(pub)
	}
}

// SetWriteHandler sets the write handler for all publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	pubs := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		pubs = append(pubs, pub)
	}
	m.mu.Unlock()

	for _, pub := range pubs {
		pub.SetWriteHandler(handler)
	}
}

// SetWriteValidator sets the write validator for all publishers.
func (m *Manager) SetWriteValidator(validator WriteValidator) {
	m.mu.Lock()
	m.writeValidator = validator
	pubs := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		pubs = append(pubs, pub)
	}
	m.mu.Unlock()

	for _, pub := range pubs {
		pub.SetWriteValidator(validator)
	}
}

// SetFieldTypeLookup sets the field type lookup for all publishers.
func (m *Manager) SetFieldTypeLookup(lookup FieldTypeLookup) {
	m.mu.Lock()
	m.fieldTypeLookup = lookup
	pubs := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		pubs = append(pubs, pub)
	}
	m.mu.Unlock()

	for _, pub := range pubs {
		pub.SetFieldTypeLookup(lookup)
	}
}

// SetBlockNames sets the block names for write subscriptions on all publishers.
func (m *Manager) SetBlockNames(names []string) {
	m.mu.Lock()
	m.blockNames = names
	pubs := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		pubs = append(pubs, pub)
	}
	m.mu.Unlock()

	for _, pub := range pubs {
		pub.SetBlockNames(names)
	}
}

// UpdateWriteSubscriptions updates write subscriptions for all running publishers.
// Call this when blocks are added/removed.
func (m *Manager) UpdateWriteSubscriptions() {
	m.mu.RLock()
	pubs := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		pubs = append(pubs, pub)
	}
	blockNames := m.blockNames
	m.mu.RUnlock()

	for _, pub := range pubs {
		pub.SetBlockNames(blockNames)
		if pub.IsRunning() {
			pub.subscribeWriteTopics()
		}
	}
}

// Package blockman provides data block connection management with background polling.
package blockman

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"dblink/config"
	"dblink/datablock"
	"dblink/logging"
	"dblink/s7"
)

// ConnectionStatus represents the state of a block's device connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ManagedBlock represents one configured data block under management.
// Each block holds its own device connection; S7 CPUs accept multiple
// concurrent connections, so blocks on the same device stay independent.
type ManagedBlock struct {
	Config    *config.BlockConfig
	Device    config.DeviceConfig
	Client    *s7.Client
	Block     *datablock.Block
	Values    map[string]any
	Status    ConnectionStatus
	LastError error
	LastPoll  time.Time
	mu        sync.RWMutex
}

// GetStatus returns the current connection status thread-safely.
func (m *ManagedBlock) GetStatus() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Status
}

// GetError returns the last error thread-safely.
func (m *ManagedBlock) GetError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastError
}

// GetValues returns a copy of the last decoded field values.
func (m *ManagedBlock) GetValues() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]any, len(m.Values))
	for k, v := range m.Values {
		result[k] = v
	}
	return result
}

// FieldNames returns the block's field paths in layout order.
func (m *ManagedBlock) FieldNames() []string {
	return m.Block.FieldNames()
}

// LayoutSize returns the block image size in bytes.
func (m *ManagedBlock) LayoutSize() int {
	return m.Block.Size()
}

// GetConnectionMode returns a human-readable string describing the connection mode.
func (m *ManagedBlock) GetConnectionMode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Client == nil {
		return "Not connected"
	}
	return m.Client.ConnectionMode()
}

// pollRate returns the block's effective poll interval.
func (m *ManagedBlock) pollRate(fallback time.Duration) time.Duration {
	if m.Config.PollRate > 0 {
		return m.Config.PollRate
	}
	return fallback
}

// FieldChange represents a field value that has changed.
type FieldChange struct {
	BlockName string
	FieldName string
	TypeName  string
	Value     any
}

// PollStats tracks polling statistics for debugging.
type PollStats struct {
	LastPollTime time.Time
	FieldsPolled int
	ChangesFound int
	LastError    error
}

// BlockWorker manages polling for a single block in its own goroutine.
type BlockWorker struct {
	blk     *ManagedBlock
	manager *Manager
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Per-worker stats
	fieldsPolled int
	changesFound int
	lastError    error
	statsMu      sync.RWMutex
}

// newBlockWorker creates a new worker for a block.
func newBlockWorker(blk *ManagedBlock, manager *Manager) *BlockWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &BlockWorker{
		blk:     blk,
		manager: manager,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the worker's poll loop.
func (w *BlockWorker) Start() {
	w.wg.Add(1)
	go w.pollLoop()
}

// Stop halts the worker and waits for it to finish.
func (w *BlockWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// GetStats returns the worker's current stats.
func (w *BlockWorker) GetStats() (fieldsPolled, changesFound int, lastError error) {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.fieldsPolled, w.changesFound, w.lastError
}

func (w *BlockWorker) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.blk.pollRate(w.manager.pollRate))
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *BlockWorker) poll() {
	blk := w.blk

	// Check if auto-reconnect is needed
	w.checkAutoReconnect()

	blk.mu.RLock()
	client := blk.Client
	status := blk.Status
	blockName := blk.Config.Name
	dbNumber := blk.Config.DBNumber
	blk.mu.RUnlock()

	if status != StatusConnected || client == nil {
		w.statsMu.Lock()
		w.fieldsPolled = 0
		w.changesFound = 0
		w.lastError = nil
		w.statsMu.Unlock()
		return
	}

	// Read the full block image - this is the blocking I/O operation
	data, err := client.ReadDB(dbNumber, 0, blk.Block.Size())
	if err != nil {
		blk.mu.Lock()
		blk.LastError = err
		blk.Status = StatusError
		blk.mu.Unlock()

		w.statsMu.Lock()
		w.fieldsPolled = 0
		w.changesFound = 0
		w.lastError = err
		w.statsMu.Unlock()

		logging.DebugLog("blockman", "%s: poll failed: %v", blockName, err)
		w.manager.markStatusDirty()
		return
	}

	// Decode fields and detect changes against the previous image
	var changes []FieldChange
	blk.mu.Lock()
	blk.Block.LoadBytes(data)
	names := blk.Block.FieldNames()
	for _, field := range names {
		val, err := blk.Block.Get(field)
		if err != nil {
			continue
		}
		old, existed := blk.Values[field]
		if !existed || old != val {
			addr, _ := blk.Block.Address(field)
			changes = append(changes, FieldChange{
				BlockName: blockName,
				FieldName: field,
				TypeName:  datablock.TypeName(addr.Type),
				Value:     val,
			})
			blk.Values[field] = val
		}
	}
	blk.LastPoll = time.Now()
	blk.mu.Unlock()

	w.statsMu.Lock()
	w.fieldsPolled = len(names)
	w.changesFound = len(changes)
	w.lastError = nil
	w.statsMu.Unlock()

	// Send changes to the manager's aggregator
	if len(changes) > 0 {
		w.manager.sendChanges(changes)
	}
	w.manager.markStatusDirty()
}

func (w *BlockWorker) checkAutoReconnect() {
	blk := w.blk

	blk.mu.RLock()
	status := blk.Status
	enabled := blk.Config.Enabled
	blk.mu.RUnlock()

	// Only auto-reconnect if enabled and currently disconnected or in error state
	if !enabled {
		return
	}
	if status == StatusConnected || status == StatusConnecting {
		return
	}

	// Attempt reconnection (runs in this worker's goroutine)
	w.manager.connectBlock(blk)
}

// Manager manages multiple data block connections and polling.
type Manager struct {
	blocks  map[string]*ManagedBlock
	workers map[string]*BlockWorker
	mu      sync.RWMutex

	pollRate      time.Duration
	batchInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Callbacks
	onChange      func()
	onFieldChange func(changes []FieldChange)

	// Batched update channels
	changeChan  chan []FieldChange // Aggregates field changes from workers
	statusDirty int32              // Atomic flag: 1 if status observers need refresh

	// Aggregated stats
	lastPollStats PollStats
	statsMu       sync.RWMutex
}

// NewManager creates a new block manager.
func NewManager(pollRate time.Duration) *Manager {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	return &Manager{
		blocks:        make(map[string]*ManagedBlock),
		workers:       make(map[string]*BlockWorker),
		pollRate:      pollRate,
		batchInterval: 100 * time.Millisecond, // Batch downstream updates every 100ms
		changeChan:    make(chan []FieldChange, 100),
	}
}

// SetOnChange sets a callback that fires when a block's status changes.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetOnFieldChange sets a callback that fires when field values change.
func (m *Manager) SetOnFieldChange(fn func(changes []FieldChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFieldChange = fn
}

// markStatusDirty signals that status observers need to be refreshed.
func (m *Manager) markStatusDirty() {
	atomic.StoreInt32(&m.statusDirty, 1)
}

// sendChanges sends field changes to the aggregator channel.
func (m *Manager) sendChanges(changes []FieldChange) {
	select {
	case m.changeChan <- changes:
	default:
		// Channel full, drop oldest and retry
		select {
		case <-m.changeChan:
		default:
		}
		select {
		case m.changeChan <- changes:
		default:
		}
	}
}

// AddBlock parses the block's definition file and adds it to management.
func (m *Manager) AddBlock(cfg *config.BlockConfig, dev *config.DeviceConfig) error {
	if dev == nil {
		return fmt.Errorf("block %q: no device configured", cfg.Name)
	}

	src, err := os.ReadFile(cfg.DefinitionPath)
	if err != nil {
		return fmt.Errorf("block %q: %w", cfg.Name, err)
	}
	layout, err := datablock.Load(src)
	if err != nil {
		return fmt.Errorf("block %q: %w", cfg.Name, err)
	}
	block, err := datablock.New(layout)
	if err != nil {
		return fmt.Errorf("block %q: %w", cfg.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.blocks[cfg.Name]; exists {
		return nil // Already exists
	}

	blk := &ManagedBlock{
		Config: cfg,
		Device: *dev,
		Block:  block,
		Values: make(map[string]any),
		Status: StatusDisconnected,
	}
	m.blocks[cfg.Name] = blk

	// If manager is running, start a worker for this block
	if m.ctx != nil {
		worker := newBlockWorker(blk, m)
		m.workers[cfg.Name] = worker
		worker.Start()
	}

	return nil
}

// RemoveBlock removes a block from management and disconnects it.
func (m *Manager) RemoveBlock(name string) error {
	m.mu.Lock()
	blk, exists := m.blocks[name]
	worker := m.workers[name]
	if exists {
		delete(m.blocks, name)
		delete(m.workers, name)
	}
	m.mu.Unlock()

	// Stop worker first (outside lock)
	if worker != nil {
		worker.Stop()
	}

	if exists && blk.Client != nil {
		blk.Client.Close()
	}

	m.markStatusDirty()
	return nil
}

// connectBlock establishes a device connection for a block (called from worker goroutine).
func (m *Manager) connectBlock(blk *ManagedBlock) error {
	blk.mu.Lock()
	blk.Status = StatusConnecting
	blk.LastError = nil
	dev := blk.Device
	blk.mu.Unlock()
	m.markStatusDirty()

	opts := []s7.Option{s7.WithRackSlot(dev.Rack, dev.Slot)}
	if dev.Timeout > 0 {
		opts = append(opts, s7.WithTimeout(dev.Timeout))
	}

	client, err := s7.Connect(dev.Address, opts...)
	if err != nil {
		blk.mu.Lock()
		blk.Status = StatusError
		blk.LastError = err
		blk.mu.Unlock()
		m.markStatusDirty()
		return err
	}

	blk.mu.Lock()
	blk.Client = client
	blk.Status = StatusConnected
	blk.mu.Unlock()
	m.markStatusDirty()

	return nil
}

// Connect establishes the device connection for the named block.
// Runs the connection in the background.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	blk, exists := m.blocks[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("block not found: %s", name)
	}

	go m.connectBlock(blk)
	return nil
}

// Disconnect closes the device connection for the named block.
func (m *Manager) Disconnect(name string) error {
	m.mu.RLock()
	blk, exists := m.blocks[name]
	m.mu.RUnlock()

	if !exists {
		return nil
	}

	blk.mu.Lock()
	if blk.Client != nil {
		blk.Client.Close()
		blk.Client = nil
	}
	blk.Status = StatusDisconnected
	blk.LastError = nil
	blk.mu.Unlock()
	m.markStatusDirty()

	return nil
}

// GetBlock returns the managed block with the given name.
func (m *Manager) GetBlock(name string) *ManagedBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocks[name]
}

// ListBlocks returns all managed blocks.
func (m *Manager) ListBlocks() []*ManagedBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ManagedBlock, 0, len(m.blocks))
	for _, blk := range m.blocks {
		result = append(result, blk)
	}
	return result
}

// Start begins background polling for all blocks.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return // Already running
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	// Start workers for all existing blocks
	for name, blk := range m.blocks {
		worker := newBlockWorker(blk, m)
		m.workers[name] = worker
		worker.Start()
	}
	m.mu.Unlock()

	// Start the batched update loop
	m.wg.Add(1)
	go m.batchedUpdateLoop()

	// Start the stats aggregator
	m.wg.Add(1)
	go m.statsAggregatorLoop()
}

// Stop halts all background polling.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}

	// Stop all workers
	workers := make([]*BlockWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*BlockWorker)
	m.mu.Unlock()

	// Stop workers outside of lock
	for _, w := range workers {
		w.Stop()
	}

	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

// batchedUpdateLoop aggregates changes and triggers downstream updates at a controlled rate.
func (m *Manager) batchedUpdateLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pendingChanges []FieldChange

	for {
		select {
		case <-m.ctx.Done():
			// Flush any remaining changes
			if len(pendingChanges) > 0 {
				m.flushFieldChanges(pendingChanges)
			}
			return

		case changes := <-m.changeChan:
			// Aggregate changes
			pendingChanges = append(pendingChanges, changes...)

		case <-ticker.C:
			// Check if status update is needed
			if atomic.CompareAndSwapInt32(&m.statusDirty, 1, 0) {
				m.mu.RLock()
				fn := m.onChange
				m.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}

			// Flush pending field changes
			if len(pendingChanges) > 0 {
				m.flushFieldChanges(pendingChanges)
				pendingChanges = nil
			}
		}
	}
}

// flushFieldChanges calls the field change callback with accumulated changes.
func (m *Manager) flushFieldChanges(changes []FieldChange) {
	m.mu.RLock()
	fn := m.onFieldChange
	m.mu.RUnlock()
	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
}

// statsAggregatorLoop periodically aggregates stats from all workers.
func (m *Manager) statsAggregatorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.aggregateStats()
		}
	}
}

func (m *Manager) aggregateStats() {
	m.mu.RLock()
	workers := make([]*BlockWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	totalFields := 0
	totalChanges := 0
	var lastErr error

	for _, w := range workers {
		fields, changes, err := w.GetStats()
		totalFields += fields
		totalChanges += changes
		if err != nil {
			lastErr = err
		}
	}

	m.statsMu.Lock()
	m.lastPollStats = PollStats{
		LastPollTime: time.Now(),
		FieldsPolled: totalFields,
		ChangesFound: totalChanges,
		LastError:    lastErr,
	}
	m.statsMu.Unlock()
}

// ReadField returns the named field's value from the cached block image.
func (m *Manager) ReadField(blockName, fieldName string) (any, error) {
	m.mu.RLock()
	blk, exists := m.blocks[blockName]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("block not found: %s", blockName)
	}

	blk.mu.RLock()
	defer blk.mu.RUnlock()
	return blk.Block.Get(fieldName)
}

// WriteField encodes a value into the cached block image and writes the
// touched region back to the device. For booleans this rewrites the
// 2-byte packed word from the cached image, preserving co-packed bits.
func (m *Manager) WriteField(blockName, fieldName string, value any) error {
	m.mu.RLock()
	blk, exists := m.blocks[blockName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("block not found: %s", blockName)
	}

	blk.mu.Lock()
	if blk.Config.ReadOnly {
		blk.mu.Unlock()
		return fmt.Errorf("block is read-only: %s", blockName)
	}
	client := blk.Client
	status := blk.Status
	if client == nil || status != StatusConnected {
		blk.mu.Unlock()
		return fmt.Errorf("device not connected for block: %s", blockName)
	}

	addr, ok := blk.Block.Address(fieldName)
	if !ok {
		blk.mu.Unlock()
		return fmt.Errorf("%w: %q", datablock.ErrUnknownField, fieldName)
	}
	if err := blk.Block.Set(fieldName, value); err != nil {
		blk.mu.Unlock()
		return err
	}
	img := blk.Block.Bytes()
	blk.mu.Unlock()

	region := img[addr.Offset : addr.Offset+addr.Size()]
	if err := client.WriteDB(blk.Config.DBNumber, addr.Offset, region); err != nil {
		blk.mu.Lock()
		blk.LastError = err
		blk.Status = StatusError
		blk.mu.Unlock()
		m.markStatusDirty()
		return err
	}
	return nil
}

// FieldTypeCode returns the type code for a field, or 0 if unknown.
func (m *Manager) FieldTypeCode(blockName, fieldName string) uint16 {
	m.mu.RLock()
	blk, exists := m.blocks[blockName]
	m.mu.RUnlock()

	if !exists {
		return 0
	}
	addr, ok := blk.Block.Address(fieldName)
	if !ok {
		return 0
	}
	return addr.Type
}

// FieldType returns the type name for a field, or "" if unknown.
func (m *Manager) FieldType(blockName, fieldName string) string {
	m.mu.RLock()
	blk, exists := m.blocks[blockName]
	m.mu.RUnlock()

	if !exists {
		return ""
	}
	addr, ok := blk.Block.Address(fieldName)
	if !ok {
		return ""
	}
	return datablock.TypeName(addr.Type)
}

// LoadFromConfig adds all configured blocks. Blocks whose definition
// fails to parse or that reference an unknown device are skipped with
// an error log.
func (m *Manager) LoadFromConfig(cfg *config.Config) {
	for i := range cfg.Blocks {
		blk := &cfg.Blocks[i]
		dev := cfg.FindDevice(blk.Device)
		if err := m.AddBlock(blk, dev); err != nil {
			logging.DebugLog("blockman", "skipping block: %v", err)
		}
	}
}

// ConnectEnabled connects all blocks marked as enabled.
func (m *Manager) ConnectEnabled() {
	m.mu.RLock()
	blocks := make([]*ManagedBlock, 0)
	for _, blk := range m.blocks {
		if blk.Config.Enabled {
			blocks = append(blocks, blk)
		}
	}
	m.mu.RUnlock()

	for _, blk := range blocks {
		go m.connectBlock(blk)
	}
}

// DisconnectAll disconnects all blocks.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	names := make([]string, 0, len(m.blocks))
	for name := range m.blocks {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.Disconnect(name)
	}
}

// GetPollStats returns the aggregated stats from all workers.
func (m *Manager) GetPollStats() PollStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.lastPollStats
}

// GetAllCurrentValues returns all currently cached field values for all
// blocks. Used for the initial publish when a broker connects.
func (m *Manager) GetAllCurrentValues() []FieldChange {
	m.mu.RLock()
	blocks := make([]*ManagedBlock, 0, len(m.blocks))
	for _, blk := range m.blocks {
		blocks = append(blocks, blk)
	}
	m.mu.RUnlock()

	var results []FieldChange
	for _, blk := range blocks {
		blk.mu.RLock()
		blockName := blk.Config.Name
		for field, val := range blk.Values {
			addr, _ := blk.Block.Address(field)
			results = append(results, FieldChange{
				BlockName: blockName,
				FieldName: field,
				TypeName:  datablock.TypeName(addr.Type),
				Value:     val,
			})
		}
		blk.mu.RUnlock()
	}
	return results
}

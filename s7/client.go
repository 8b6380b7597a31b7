// Package s7 provides Siemens S7 PLC communication for data block
// transfer, wrapping the S7 protocol client from gos7.
package s7

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"dblink/logging"
)

// Client is a high-level wrapper for S7 PLC data block access.
type Client struct {
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	address   string
	rack      int
	slot      int
	timeout   time.Duration
	connected bool
	mu        sync.Mutex
}

// options holds configuration options for Connect.
type options struct {
	rack    int
	slot    int
	timeout time.Duration
}

// Option is a functional option for Connect.
type Option func(*options)

// WithRackSlot configures the rack and slot numbers for the PLC.
// Default is rack 0, slot 0 for S7-1200/1500 (most common modern PLCs).
// For S7-300/400, use rack 0, slot 2 (or the slot where the CPU is placed).
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
	}
}

// WithTimeout configures the connection timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// Connect establishes a connection to an S7 PLC at the given address.
func Connect(address string, opts ...Option) (*Client, error) {
	// Default to slot 0 for S7-1200/1500 (most common modern PLCs)
	// S7-300/400 users should explicitly set slot 2 or appropriate slot
	cfg := &options{
		rack:    0,
		slot:    0,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	logging.DebugConnect("s7", address)

	handler := gos7.NewTCPClientHandler(address, cfg.rack, cfg.slot)
	handler.Timeout = cfg.timeout
	handler.IdleTimeout = cfg.timeout

	if err := handler.Connect(); err != nil {
		logging.DebugConnectError("s7", address, err)
		return nil, fmt.Errorf("Connect: %w", err)
	}

	logging.DebugConnectSuccess("s7", address, fmt.Sprintf("rack %d, slot %d", cfg.rack, cfg.slot))

	return &Client{
		handler:   handler,
		client:    gos7.NewClient(handler),
		address:   address,
		rack:      cfg.rack,
		slot:      cfg.slot,
		timeout:   cfg.timeout,
		connected: true,
	}, nil
}

// Close releases all resources associated with the client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.handler != nil {
		c.handler.Close()
	}
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetDisconnected marks the client as disconnected.
// This is called when a read/write error indicates the connection is lost.
func (c *Client) SetDisconnected() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// Reconnect attempts to re-establish the connection.
// Returns nil if already connected, otherwise attempts reconnection.
func (c *Client) Reconnect() error {
	if c == nil {
		return fmt.Errorf("nil client")
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	// Close existing handler if any
	if c.handler != nil {
		c.handler.Close()
	}

	address := c.address
	rack := c.rack
	slot := c.slot
	timeout := c.timeout
	c.mu.Unlock()

	handler := gos7.NewTCPClientHandler(address, rack, slot)
	handler.Timeout = timeout
	handler.IdleTimeout = timeout

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("reconnect failed: %w", err)
	}

	c.mu.Lock()
	c.handler = handler
	c.client = gos7.NewClient(handler)
	c.connected = true
	c.mu.Unlock()

	return nil
}

// Address returns the configured PLC address.
func (c *Client) Address() string {
	if c == nil {
		return ""
	}
	return c.address
}

// ConnectionMode returns a human-readable string describing the connection mode.
func (c *Client) ConnectionMode() string {
	if c == nil {
		return "Not connected"
	}
	c.mu.Lock()
	connected := c.connected
	rack := c.rack
	slot := c.slot
	c.mu.Unlock()
	if connected {
		return fmt.Sprintf("S7 Connected (Rack %d, Slot %d)", rack, slot)
	}
	return "Disconnected"
}

// ReadDB reads size bytes from the DB area starting at the given byte
// offset. On connection-level failure the client is marked
// disconnected so the caller can schedule a reconnect.
func (c *Client) ReadDB(dbNumber, start, size int) ([]byte, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("ReadDB: nil client")
	}
	if size <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, size)
	if err := c.client.AGReadDB(dbNumber, start, size, buf); err != nil {
		if isConnectionError(err) {
			c.connected = false
		}
		return nil, fmt.Errorf("ReadDB DB%d: %w", dbNumber, err)
	}

	logging.DebugRX("s7", buf)
	return buf, nil
}

// WriteDB writes data into the DB area at the given byte offset.
func (c *Client) WriteDB(dbNumber, start int, data []byte) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("WriteDB: nil client")
	}
	if len(data) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	logging.DebugTX("s7", data)
	if err := c.client.AGWriteDB(dbNumber, start, len(data), data); err != nil {
		if isConnectionError(err) {
			c.connected = false
		}
		return fmt.Errorf("WriteDB DB%d: %w", dbNumber, err)
	}
	return nil
}

// isConnectionError checks if an error indicates the TCP connection is broken.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	// Common connection-related error patterns
	return strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "reset by peer") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "closed") ||
		strings.Contains(errStr, "nil")
}

// GetCPUInfo returns information about the connected CPU.
func (c *Client) GetCPUInfo() (*CPUInfo, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("GetCPUInfo: nil client")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := c.client.GetCPUInfo()
	if err != nil {
		return nil, err
	}

	return &CPUInfo{
		ModuleTypeName: info.ModuleTypeName,
		SerialNumber:   info.SerialNumber,
		ASName:         info.ASName,
		Copyright:      info.Copyright,
		ModuleName:     info.ModuleName,
	}, nil
}

// CPUInfo contains information about the S7 CPU.
type CPUInfo struct {
	ModuleTypeName string
	SerialNumber   string
	ASName         string
	Copyright      string
	ModuleName     string
}

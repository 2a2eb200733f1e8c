package network

import (
	"math"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ManagerConfig holds the limits applied to every connection
type ManagerConfig struct {
	// MaxConnections bounds the number of live connections. Zero means unlimited.
	MaxConnections int

	// MaxPacketsPerSecond is the per-connection flood limit. Zero disables it.
	MaxPacketsPerSecond int

	// ReadTimeout closes a connection that sends nothing for this long
	ReadTimeout time.Duration

	// WriteTimeout closes a connection whose peer stops reading
	WriteTimeout time.Duration
}

// DefaultManagerConfig returns the default connection limits
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConnections:      1000,
		MaxPacketsPerSecond: 25,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
	}
}

// ConnectionManager owns every live connection
type ConnectionManager struct {
	dispatcher TaskDispatcher
	pool       *OutputMessagePool
	logger     zerolog.Logger

	slots       *semaphore.Weighted
	connections map[uint64]*Connection
	mu          sync.RWMutex
	nextID      atomic.Uint64

	readTimeout  atomic.Int64
	writeTimeout atomic.Int64
	maxPackets   atomic.Int64

	// Statistics
	startTime     time.Time
	total         atomic.Int64
	rejected      atomic.Int64
	bytesRead     atomic.Int64
	bytesWritten  atomic.Int64
	framesRead    atomic.Int64
	framesWritten atomic.Int64
}

// NewConnectionManager creates a connection manager. Connections dispatch
// protocol callbacks to dispatcher and draw output messages from pool.
func NewConnectionManager(cfg ManagerConfig, dispatcher TaskDispatcher, pool *OutputMessagePool, logger zerolog.Logger) *ConnectionManager {
	if pool == nil {
		pool = NewOutputMessagePool()
	}
	capacity := int64(cfg.MaxConnections)
	if capacity <= 0 {
		capacity = math.MaxInt64
	}

	cm := &ConnectionManager{
		dispatcher:  dispatcher,
		pool:        pool,
		logger:      logger.With().Str("component", "connections").Logger(),
		slots:       semaphore.NewWeighted(capacity),
		connections: make(map[uint64]*Connection),
		startTime:   time.Now(),
	}
	cm.SetTimeouts(cfg.ReadTimeout, cfg.WriteTimeout)
	cm.SetMaxPacketsPerSecond(cfg.MaxPacketsPerSecond)
	return cm
}

// Pool returns the output message pool shared by the managed connections
func (cm *ConnectionManager) Pool() *OutputMessagePool {
	return cm.pool
}

// CreateConnection registers a new connection for nc. The caller starts it
// with Accept.
func (cm *ConnectionManager) CreateConnection(nc net.Conn, resolver ProtocolResolver) (*Connection, error) {
	if !cm.slots.TryAcquire(1) {
		cm.rejected.Add(1)
		return nil, ErrTooManyConnections
	}

	c := newConnection(cm.nextID.Add(1), nc, resolver, cm)
	c.SetTimeouts(time.Duration(cm.readTimeout.Load()), time.Duration(cm.writeTimeout.Load()))
	c.SetMaxPacketsPerSecond(int(cm.maxPackets.Load()))

	cm.mu.Lock()
	cm.connections[c.id] = c
	cm.mu.Unlock()

	cm.total.Add(1)
	return c, nil
}

// ReleaseConnection removes c and frees its slot. Releasing twice is harmless.
func (cm *ConnectionManager) ReleaseConnection(c *Connection) {
	cm.mu.Lock()
	if _, ok := cm.connections[c.id]; !ok {
		cm.mu.Unlock()
		return
	}
	delete(cm.connections, c.id)
	cm.mu.Unlock()

	cm.slots.Release(1)
}

// CloseAll force-closes every live connection, including ones registered
// while it runs. Each close releases its own slot.
func (cm *ConnectionManager) CloseAll() {
	for {
		conns := cm.Connections()
		if len(conns) == 0 {
			return
		}
		for _, c := range conns {
			c.Close(true)
		}
	}
}

// Count returns the number of live connections
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// Connections returns the live connections ordered by id
func (cm *ConnectionManager) Connections() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for _, c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })
	return conns
}

// Get returns a live connection by id
func (cm *ConnectionManager) Get(id uint64) (*Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.connections[id]
	return c, ok
}

// SetMaxPacketsPerSecond updates the flood limit of new and live connections
func (cm *ConnectionManager) SetMaxPacketsPerSecond(n int) {
	cm.maxPackets.Store(int64(n))
	for _, c := range cm.Connections() {
		c.SetMaxPacketsPerSecond(n)
	}
}

// SetTimeouts updates the deadlines of new and live connections
func (cm *ConnectionManager) SetTimeouts(read, write time.Duration) {
	cm.readTimeout.Store(int64(read))
	cm.writeTimeout.Store(int64(write))
	for _, c := range cm.Connections() {
		c.SetTimeouts(read, write)
	}
}

// Statistics returns connection manager statistics
func (cm *ConnectionManager) Statistics() ConnectionManagerStatistics {
	stats := ConnectionManagerStatistics{
		TotalConnections:    cm.total.Load(),
		RejectedConnections: cm.rejected.Load(),
		BytesRead:           cm.bytesRead.Load(),
		BytesWritten:        cm.bytesWritten.Load(),
		FramesRead:          cm.framesRead.Load(),
		FramesWritten:       cm.framesWritten.Load(),
		StartTime:           cm.startTime,
		Uptime:              time.Since(cm.startTime),
	}
	for _, c := range cm.Connections() {
		stats.ActiveConnections++
		stats.BytesRead += c.bytesRead.Load()
		stats.BytesWritten += c.bytesWritten.Load()
		stats.FramesRead += c.framesRead.Load()
		stats.FramesWritten += c.framesWritten.Load()
	}
	return stats
}

// retire folds the counters of a closed connection into the totals
func (cm *ConnectionManager) retire(c *Connection) {
	cm.bytesRead.Add(c.bytesRead.Load())
	cm.bytesWritten.Add(c.bytesWritten.Load())
	cm.framesRead.Add(c.framesRead.Load())
	cm.framesWritten.Add(c.framesWritten.Load())
}

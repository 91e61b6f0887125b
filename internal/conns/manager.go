// Package conns tracks live device connections regardless of transport. A
// WebRTC data channel, an authenticated WebSocket and a UDP logical
// connection all register here behind the same Link interface.
package conns

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var log = logging.Logger("conns")

var activeConns = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ras_active_connections",
	Help: "Currently registered device connections.",
})

// IdleTimeout is how long a connection may stay silent before the keep-alive
// sweep closes it. Pings from healthy clients reset the clock.
const IdleTimeout = 3 * time.Minute

const sweepInterval = 30 * time.Second

// ErrNotConnected is returned when no live connection exists for a device.
var ErrNotConnected = errors.New("device not connected")

// Link is the transport-neutral face of one connection.
type Link interface {
	Send(data []byte) error
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	Close() error
}

// Connection is one registered link with its identity and liveness state.
type Connection struct {
	ID        string
	DeviceID  string
	Transport string

	link Link

	mu           sync.Mutex
	lastActivity time.Time
}

// Send writes to the underlying transport.
func (c *Connection) Send(data []byte) error { return c.link.Send(data) }

// Touch marks the connection as recently active.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Manager owns all live connections, keyed by device. A device has at most
// one connection; a newer one replaces and closes the old.
type Manager struct {
	onMessage func(c *Connection, data []byte)
	onClosed  func(c *Connection)

	mu      sync.Mutex
	byDev   map[string]*Connection
	stopped bool
	done    chan struct{}
}

// NewManager creates a manager. onMessage receives every inbound frame on a
// spawned goroutine (the Link contract); onClosed fires after a connection is
// deregistered for any reason.
func NewManager(onMessage func(c *Connection, data []byte), onClosed func(c *Connection)) *Manager {
	m := &Manager{
		onMessage: onMessage,
		onClosed:  onClosed,
		byDev:     make(map[string]*Connection),
		done:      make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Add registers a link for a device and starts routing its traffic. Any
// previous connection for the device is closed first.
func (m *Manager) Add(deviceID, transport string, link Link) *Connection {
	conn := &Connection{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		Transport:    transport,
		link:         link,
		lastActivity: time.Now(),
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		link.Close()
		return nil
	}
	old := m.byDev[deviceID]
	m.byDev[deviceID] = conn
	m.mu.Unlock()

	if old != nil {
		log.Infof("device %s reconnected over %s, replacing %s connection %s",
			deviceID, transport, old.Transport, old.ID)
		old.link.Close()
	}
	activeConns.Inc()

	link.OnMessage(func(data []byte) {
		conn.Touch()
		if m.onMessage != nil {
			m.onMessage(conn, data)
		}
	})
	link.OnClose(func() {
		m.remove(conn, "transport closed")
	})

	log.Infof("device %s connected over %s (%s)", deviceID, transport, conn.ID)
	return conn
}

// Get returns the live connection for a device.
func (m *Manager) Get(deviceID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byDev[deviceID]
	return c, ok
}

// Send delivers one frame to a device.
func (m *Manager) Send(deviceID string, data []byte) error {
	c, ok := m.Get(deviceID)
	if !ok {
		return ErrNotConnected
	}
	return c.Send(data)
}

// Broadcast sends a frame to every connected device. Failures are logged per
// connection; a dead link is reaped by its own close callback.
func (m *Manager) Broadcast(data []byte) {
	for _, c := range m.snapshot() {
		if err := c.Send(data); err != nil {
			log.Debugf("broadcast to %s failed: %v", c.DeviceID, err)
		}
	}
}

// Close closes and deregisters a device's connection.
func (m *Manager) Close(deviceID string) {
	if c, ok := m.Get(deviceID); ok {
		c.link.Close()
		m.remove(c, "closed by daemon")
	}
}

// Devices lists the device ids with live connections.
func (m *Manager) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.byDev))
	for id := range m.byDev {
		out = append(out, id)
	}
	return out
}

func (m *Manager) snapshot() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.byDev))
	for _, c := range m.byDev {
		out = append(out, c)
	}
	return out
}

// remove deregisters conn if it is still the device's current connection. A
// replaced connection's close callback must not evict its successor.
func (m *Manager) remove(conn *Connection, reason string) {
	m.mu.Lock()
	current, ok := m.byDev[conn.DeviceID]
	if !ok || current != conn {
		m.mu.Unlock()
		return
	}
	delete(m.byDev, conn.DeviceID)
	m.mu.Unlock()

	activeConns.Dec()
	log.Infof("device %s disconnected (%s): %s", conn.DeviceID, conn.ID, reason)
	if m.onClosed != nil {
		m.onClosed(conn)
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-IdleTimeout)
			for _, c := range m.snapshot() {
				if c.idleSince().Before(cutoff) {
					log.Warnf("device %s idle past %s, closing", c.DeviceID, IdleTimeout)
					c.link.Close()
					m.remove(c, "idle timeout")
				}
			}
		}
	}
}

// Shutdown closes every connection in parallel and stops the manager.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.done)
	conns := make([]*Connection, 0, len(m.byDev))
	for _, c := range m.byDev {
		conns = append(conns, c)
	}
	m.byDev = make(map[string]*Connection)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.link.Close()
			activeConns.Dec()
		}(c)
	}
	wg.Wait()
}

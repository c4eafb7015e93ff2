package gateway

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
)

// writeTimeout bounds a single frame write so a stalled node cannot block senders.
const writeTimeout = 10 * time.Second

// Conn is one live, authenticated channel to a node. Writes are serialized;
// reads happen only on the gateway's per-connection goroutine.
type Conn struct {
	NodeID      string
	TenantID    string
	ConnectedAt time.Time

	nc            net.Conn
	writeMu       sync.Mutex
	lastHeartbeat atomic.Int64
	closed        atomic.Bool
}

// NewConn wraps an authenticated network connection.
func NewConn(nc net.Conn, nodeID, tenantID string, now time.Time) *Conn {
	c := &Conn{
		NodeID:      nodeID,
		TenantID:    tenantID,
		ConnectedAt: now,
		nc:          nc,
	}
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

// Send writes one framed message to the node.
func (c *Conn) Send(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return WriteMessage(c.nc, msg)
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.nc.Close()
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Touch records a heartbeat.
func (c *Conn) Touch(at time.Time) {
	c.lastHeartbeat.Store(at.UnixNano())
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (c *Conn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load()).UTC()
}

// Info returns a snapshot of the connection for reporting.
func (c *Conn) Info() ConnectionInfo {
	status := model.NodeOnline
	if c.Closed() {
		status = model.NodeOffline
	}
	info := ConnectionInfo{
		NodeID:        c.NodeID,
		TenantID:      c.TenantID,
		ConnectedAt:   c.ConnectedAt,
		LastHeartbeat: c.LastHeartbeat(),
		Status:        status,
	}
	if addr := c.nc.RemoteAddr(); addr != nil {
		info.RemoteAddr = addr.String()
	}
	return info
}

// ConnectionInfo describes a live connection.
type ConnectionInfo struct {
	NodeID        string    `json:"node_id"`
	TenantID      string    `json:"tenant_id,omitempty"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        string    `json:"status"`
}

// Registry tracks at most one live connection per node id.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
	}
}

// Add makes c the live connection for its node and returns the connection it
// replaced, if any. The caller is responsible for closing the evicted one.
func (r *Registry) Add(c *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[c.NodeID]
	r.conns[c.NodeID] = c
	if prev == c {
		return nil
	}
	return prev
}

// Remove deletes c if it is still the live connection for its node. It
// reports whether an entry was removed, so a connection evicted by a newer
// one does not remove its replacement.
func (r *Registry) Remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.NodeID] != c {
		return false
	}
	delete(r.conns, c.NodeID)
	return true
}

// Get returns the live connection for a node.
func (r *Registry) Get(nodeID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[nodeID]
	return c, ok
}

// Touch records a heartbeat for a node. It reports whether the node is connected.
func (r *Registry) Touch(nodeID string, at time.Time) bool {
	c, ok := r.Get(nodeID)
	if !ok {
		return false
	}
	c.Touch(at)
	return true
}

// List returns a snapshot of all live connections sorted by node id.
func (r *Registry) List() []ConnectionInfo {
	r.mu.RLock()
	infos := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		infos = append(infos, c.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].NodeID < infos[j].NodeID
	})
	return infos
}

// Conns returns the live connections.
func (r *Registry) Conns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Stale returns connections whose last heartbeat is older than threshold.
func (r *Registry) Stale(now time.Time, threshold time.Duration) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.conns {
		if now.Sub(c.LastHeartbeat()) > threshold {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

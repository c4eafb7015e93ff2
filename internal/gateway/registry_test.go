package gateway

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newPipeConn(t *testing.T, nodeID string, at time.Time) *Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return NewConn(a, nodeID, "", at)
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	c := newPipeConn(t, "node-1", now)

	if prev := r.Add(c); prev != nil {
		t.Fatalf("Add returned %v, want nil", prev)
	}
	got, ok := r.Get("node-1")
	if !ok || got != c {
		t.Fatalf("Get(node-1) = %v, %v; want conn, true", got, ok)
	}
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Remove(c))
	_, ok = r.Get("node-1")
	assert.False(t, ok)
	assert.False(t, r.Remove(c))
}

func TestRegistryReconnectEvictsPrevious(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	first := newPipeConn(t, "node-1", now)
	second := newPipeConn(t, "node-1", now.Add(time.Second))

	r.Add(first)
	evicted := r.Add(second)
	assert.Same(t, first, evicted)

	got, ok := r.Get("node-1")
	assert.True(t, ok)
	assert.Same(t, second, got)

	// The evicted connection's cleanup must not remove its replacement.
	assert.False(t, r.Remove(first))
	got, ok = r.Get("node-1")
	assert.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	for _, id := range []string{"c", "a", "b"} {
		r.Add(newPipeConn(t, id, now))
	}
	infos := r.List()
	if len(infos) != 3 {
		t.Fatalf("List len = %d, want 3", len(infos))
	}
	for i, want := range []string{"a", "b", "c"} {
		if infos[i].NodeID != want {
			t.Errorf("List[%d].NodeID = %q, want %q", i, infos[i].NodeID, want)
		}
		if infos[i].Status != "online" {
			t.Errorf("List[%d].Status = %q, want online", i, infos[i].Status)
		}
	}
}

func TestRegistryTouchAndStale(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	fresh := newPipeConn(t, "fresh", base)
	old := newPipeConn(t, "old", base)
	r.Add(fresh)
	r.Add(old)

	assert.True(t, r.Touch("fresh", base.Add(80*time.Second)))
	assert.False(t, r.Touch("missing", base))

	stale := r.Stale(base.Add(100*time.Second), 90*time.Second)
	if len(stale) != 1 || stale[0].NodeID != "old" {
		t.Fatalf("Stale = %v, want [old]", stale)
	}
	assert.Empty(t, r.Stale(base.Add(30*time.Second), 90*time.Second))
}

func TestConnCloseIdempotent(t *testing.T) {
	c := newPipeConn(t, "n", time.Now())
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.True(t, c.Closed())
	assert.Equal(t, "offline", c.Info().Status)
}

package push

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []any
	failing bool
	closed  bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("broken pipe")
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) lastSent() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewRegistry(logger)
}

func TestRegistry_SendToDevice(t *testing.T) {
	registry := testRegistry(t)
	conn := &fakeConn{}

	registry.Connect("dev1", "child1", conn)
	assert.True(t, registry.IsConnected("dev1"))

	ok := registry.SendToDevice("dev1", map[string]any{"type": "ping"})
	assert.True(t, ok)
	require.Equal(t, 1, conn.sentCount())

	assert.False(t, registry.SendToDevice("ghost", map[string]any{"type": "ping"}))
}

func TestRegistry_ConnectEvictsPriorSocket(t *testing.T) {
	registry := testRegistry(t)
	first := &fakeConn{}
	second := &fakeConn{}

	registry.Connect("dev1", "child1", first)
	registry.Connect("dev1", "child1", second)

	assert.True(t, first.isClosed())
	assert.True(t, registry.IsConnected("dev1"))

	registry.SendToDevice("dev1", map[string]any{"type": "ping"})
	assert.Zero(t, first.sentCount())
	assert.Equal(t, 1, second.sentCount())

	// The evicted handler's deferred disconnect must not tear down the
	// replacement entry
	registry.Disconnect("dev1", "child1", first)
	assert.True(t, registry.IsConnected("dev1"))

	registry.Disconnect("dev1", "child1", second)
	assert.False(t, registry.IsConnected("dev1"))
}

func TestRegistry_SendFailureDropsDevice(t *testing.T) {
	registry := testRegistry(t)
	conn := &fakeConn{failing: true}

	registry.Connect("dev1", "child1", conn)
	ok := registry.SendToDevice("dev1", map[string]any{"type": "ping"})

	assert.False(t, ok)
	assert.False(t, registry.IsConnected("dev1"))
	assert.True(t, conn.isClosed())
}

func TestRegistry_ChildFanout(t *testing.T) {
	registry := testRegistry(t)
	connA := &fakeConn{}
	connB := &fakeConn{}
	connOther := &fakeConn{}

	registry.Connect("devA", "child1", connA)
	registry.Connect("devB", "child1", connB)
	registry.Connect("devC", "child2", connOther)

	count := registry.SendToChildDevices("child1", map[string]any{"type": "rules_updated"})
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, connA.sentCount())
	assert.Equal(t, 1, connB.sentCount())
	assert.Zero(t, connOther.sentCount())

	assert.Zero(t, registry.SendToChildDevices("child3", map[string]any{"type": "rules_updated"}))
}

func TestRegistry_ChildFanoutCountsOnlyDelivered(t *testing.T) {
	registry := testRegistry(t)
	good := &fakeConn{}
	bad := &fakeConn{failing: true}

	registry.Connect("devA", "child1", good)
	registry.Connect("devB", "child1", bad)

	count := registry.SendToChildDevices("child1", map[string]any{"type": "rules_updated"})
	assert.Equal(t, 1, count)
	assert.False(t, registry.IsConnected("devB"), "failed device dropped")
	assert.True(t, registry.IsConnected("devA"))
}

func TestRegistry_ParentFanout(t *testing.T) {
	registry := testRegistry(t)
	tab1 := &fakeConn{}
	tab2 := &fakeConn{}
	other := &fakeConn{}

	registry.ConnectParent("fam1", tab1)
	registry.ConnectParent("fam1", tab2)
	registry.ConnectParent("fam2", other)

	count := registry.NotifyParents("fam1", map[string]any{"type": "invalidate"})
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, tab1.sentCount())
	assert.Equal(t, 1, tab2.sentCount())
	assert.Zero(t, other.sentCount())

	registry.DisconnectParent("fam1", tab2)
	count = registry.NotifyParents("fam1", map[string]any{"type": "invalidate"})
	assert.Equal(t, 1, count)
}

func TestRegistry_ParentFanoutPrunesBrokenTabs(t *testing.T) {
	registry := testRegistry(t)
	good := &fakeConn{}
	broken := &fakeConn{failing: true}

	registry.ConnectParent("fam1", good)
	registry.ConnectParent("fam1", broken)

	count := registry.NotifyParents("fam1", map[string]any{"type": "invalidate"})
	assert.Equal(t, 1, count)
	assert.True(t, broken.isClosed())

	// The broken tab is gone; only the good one is notified again
	count = registry.NotifyParents("fam1", map[string]any{"type": "invalidate"})
	assert.Equal(t, 1, count)
	assert.Equal(t, 2, good.sentCount())
}

func TestRegistry_ParentAndDeviceIndexesIndependent(t *testing.T) {
	registry := testRegistry(t)
	parent := &fakeConn{}
	device := &fakeConn{}

	registry.ConnectParent("fam1", parent)
	registry.Connect("dev1", "child1", device)

	registry.NotifyParents("fam1", map[string]any{"type": "invalidate"})
	assert.Equal(t, 1, parent.sentCount())
	assert.Zero(t, device.sentCount())

	registry.SendToDevice("dev1", map[string]any{"type": "rules_updated"})
	assert.Equal(t, 1, parent.sentCount())
	assert.Equal(t, 1, device.sentCount())
}

package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routine/routine-host/internal/types"
)

// gatedConn blocks every Write until release is closed.
type gatedConn struct {
	release chan struct{}
	failOn  string

	mu      sync.Mutex
	written []string
	closed  bool
}

func newGatedConn() *gatedConn {
	return &gatedConn{release: make(chan struct{})}
}

func (c *gatedConn) ID() string { return "remote:gated" }

func (c *gatedConn) Write(msg types.Message) error {
	<-c.release
	if msg.Action == c.failOn {
		return errors.New("connection reset")
	}
	c.mu.Lock()
	c.written = append(c.written, msg.Action)
	c.mu.Unlock()
	return nil
}

func (c *gatedConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *gatedConn) snapshot() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...), c.closed
}

func TestOutboxWritesInOrderAndDrainsOnClose(t *testing.T) {
	conn := newGatedConn()
	close(conn.release)
	outbox := NewOutbox(conn, OutboxOptions{Capacity: 8, Block: true})

	for _, action := range []string{"a", "b", "c", "d"} {
		require.NoError(t, outbox.Send(message(action)))
	}
	outbox.Close()

	written, _ := conn.snapshot()
	assert.Equal(t, []string{"a", "b", "c", "d"}, written)
	assert.ErrorIs(t, outbox.Send(message("late")), ErrOutboxClosed)
}

func TestOutboxFullWhenNotBlocking(t *testing.T) {
	conn := newGatedConn()
	outbox := NewOutbox(conn, OutboxOptions{Capacity: 1})

	// The writer goroutine holds one message while blocked in Write; the
	// queue then holds one more.
	require.NoError(t, outbox.Send(message("in-flight")))
	var err error
	deadline := time.Now().Add(5 * time.Second)
	for {
		err = outbox.Send(message("queued"))
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, err)
	assert.ErrorIs(t, outbox.Send(message("overflow")), ErrOutboxFull)

	// Overflow fails the outbox: the connection is closed at once and
	// whatever was still queued is discarded.
	select {
	case <-outbox.Failed():
	default:
		t.Fatal("overflow did not fail the outbox")
	}
	_, closed := conn.snapshot()
	assert.True(t, closed)
	assert.ErrorIs(t, outbox.Err(), ErrOutboxFull)
	assert.ErrorIs(t, outbox.Send(message("after")), ErrOutboxFull)

	close(conn.release)
	outbox.Close()
	written, _ := conn.snapshot()
	assert.Equal(t, []string{"in-flight"}, written)
}

func TestOutboxFailureClosesConnection(t *testing.T) {
	conn := newGatedConn()
	conn.failOn = "bad"
	close(conn.release)
	outbox := NewOutbox(conn, OutboxOptions{Capacity: 4, Block: true})

	require.NoError(t, outbox.Send(message("bad")))
	select {
	case <-outbox.Failed():
	case <-time.After(5 * time.Second):
		t.Fatal("outbox did not fail")
	}

	assert.Error(t, outbox.Err())
	assert.Error(t, outbox.Send(message("after")))
	outbox.Close()

	_, closed := conn.snapshot()
	assert.True(t, closed)
}

func TestTableKeepsJoinOrder(t *testing.T) {
	table := NewTable()
	for _, id := range []string{"remote:a", "remote:b", "remote:c"} {
		require.True(t, table.Add(newRecorder(id)))
	}
	assert.False(t, table.Add(newRecorder("remote:b")))

	assert.True(t, table.Remove("remote:a"))
	assert.False(t, table.Remove("remote:a"))

	first, ok := table.First()
	require.True(t, ok)
	assert.Equal(t, "remote:b", first.ID())
	assert.Equal(t, []string{"remote:b", "remote:c"}, table.IDs())
	assert.Equal(t, 2, table.Len())

	_, ok = table.Get("remote:c")
	assert.True(t, ok)
}

package client

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnTablePeerClose(t *testing.T) {
	table := newConnTable()
	var closes int32
	pc := table.track("conn-1", func() { atomic.AddInt32(&closes, 1) })

	assert.False(t, pc.hasPeerClosed())
	require.True(t, table.peerClose("conn-1"))
	assert.True(t, pc.hasPeerClosed())

	// The grace timer fires the hard close exactly once.
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&closes) == 1
	}, 10*time.Second, 10*time.Millisecond)
	pc.forceClose()
	assert.Equal(t, int32(1), atomic.LoadInt32(&closes))
}

func TestConnTablePeerCloseUnknown(t *testing.T) {
	table := newConnTable()
	assert.False(t, table.peerClose("ghost"))

	table.track("conn-1", func() {})
	table.untrack("conn-1")
	assert.False(t, table.peerClose("conn-1"))
}

func TestConnTableStopFailsafe(t *testing.T) {
	table := newConnTable()
	var closes int32
	pc := table.track("conn-1", func() { atomic.AddInt32(&closes, 1) })

	pc.peerClose(20 * time.Millisecond)
	pc.stopFailsafe()
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&closes))
	assert.True(t, pc.hasPeerClosed())
}

func TestConnTableCloseAll(t *testing.T) {
	table := newConnTable()
	var closes int32
	done1 := table.track("conn-1", func() { atomic.AddInt32(&closes, 1) }).done
	done2 := table.track("conn-2", func() { atomic.AddInt32(&closes, 1) }).done

	table.closeAll()
	assert.Equal(t, int32(2), atomic.LoadInt32(&closes))
	select {
	case <-done1.Wait():
	default:
		t.Fatal("first connection not signalled")
	}
	select {
	case <-done2.Wait():
	default:
		t.Fatal("second connection not signalled")
	}

	// Survivors of a racing untrack are fine to close twice.
	table.closeAll()
	assert.Equal(t, int32(2), atomic.LoadInt32(&closes))
}

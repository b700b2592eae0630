package client

import (
	"sync"
	"time"

	"github.com/chuantou/chuantou/signal"
)

// peerCloseGrace lets in-flight bytes drain after the server declares a
// connection finished, before the hard close.
const peerCloseGrace = 5 * time.Second

// proxyConn is the teardown handle of one live logical connection. It
// remembers whether the server already declared the connection closed, so
// local teardown does not echo connection_close back.
type proxyConn struct {
	connectionID string
	hardClose    func()

	mu         sync.Mutex
	peerClosed bool
	failsafe   *time.Timer

	closeOnce sync.Once
	done      *signal.Signal
}

func (pc *proxyConn) peerClose(grace time.Duration) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.peerClosed {
		return
	}
	pc.peerClosed = true
	pc.failsafe = time.AfterFunc(grace, pc.forceClose)
}

func (pc *proxyConn) hasPeerClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.peerClosed
}

func (pc *proxyConn) forceClose() {
	pc.closeOnce.Do(func() {
		pc.done.Notify()
		pc.hardClose()
	})
}

func (pc *proxyConn) stopFailsafe() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.failsafe != nil {
		pc.failsafe.Stop()
	}
}

// connTable indexes live logical connections so server-initiated closes find
// their owner.
type connTable struct {
	mu    sync.Mutex
	conns map[string]*proxyConn
}

func newConnTable() *connTable {
	return &connTable{conns: make(map[string]*proxyConn)}
}

func (t *connTable) track(connectionID string, hardClose func()) *proxyConn {
	pc := &proxyConn{
		connectionID: connectionID,
		hardClose:    hardClose,
		done:         signal.New(make(chan struct{})),
	}
	t.mu.Lock()
	t.conns[connectionID] = pc
	t.mu.Unlock()
	activeProxyConns.Inc()
	return pc
}

func (t *connTable) untrack(connectionID string) {
	t.mu.Lock()
	_, ok := t.conns[connectionID]
	delete(t.conns, connectionID)
	t.mu.Unlock()
	if ok {
		activeProxyConns.Dec()
	}
}

// peerClose marks a connection closed by the server. Returns false when the
// connection is unknown, which is normal: closes race local teardown.
func (t *connTable) peerClose(connectionID string) bool {
	t.mu.Lock()
	pc := t.conns[connectionID]
	t.mu.Unlock()
	if pc == nil {
		return false
	}
	pc.peerClose(peerCloseGrace)
	return true
}

// closeAll hard-closes every tracked connection. Called when the session or
// its data channel dies.
func (t *connTable) closeAll() {
	t.mu.Lock()
	conns := make([]*proxyConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.mu.Unlock()
	for _, pc := range conns {
		pc.forceClose()
	}
}

package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuantou/chuantou/protocol"
	"github.com/chuantou/chuantou/retry"
)

// fakeControlConn is an in-memory control link: inbound carries
// server-to-client messages, written records the opposite direction, and
// onWrite lets a test script the server's reaction.
type fakeControlConn struct {
	mu      sync.Mutex
	written []*protocol.Envelope
	onWrite func(env *protocol.Envelope)

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeControlConn() *fakeControlConn {
	return &fakeControlConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeControlConn) ReadMessage() ([]byte, error) {
	select {
	case raw := <-f.inbound:
		return raw, nil
	case <-f.closed:
		return nil, errors.New("control link closed")
	}
}

func (f *fakeControlConn) WriteMessage(p []byte) error {
	select {
	case <-f.closed:
		return errors.New("control link closed")
	default:
	}
	env, err := protocol.UnmarshalEnvelope(p)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.written = append(f.written, env)
	onWrite := f.onWrite
	f.mu.Unlock()
	if onWrite != nil {
		onWrite(env)
	}
	return nil
}

func (f *fakeControlConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeControlConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeControlConn) push(env *protocol.Envelope) {
	raw, err := env.Marshal()
	if err != nil {
		panic(err)
	}
	f.inbound <- raw
}

func (f *fakeControlConn) writtenOfType(t protocol.MessageType) []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range f.written {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// acceptAuth scripts the fake to grant every auth request with the given
// client id. Must be installed before the controller dials.
func (f *fakeControlConn) acceptAuth(clientID string) {
	f.onWrite = func(env *protocol.Envelope) {
		if env.Type != protocol.TypeAuth {
			return
		}
		resp, err := protocol.NewResponse(protocol.TypeAuthResp, env.ID, protocol.AuthResponse{Success: true, ClientID: clientID})
		if err != nil {
			panic(err)
		}
		f.push(resp)
	}
}

func (f *fakeControlConn) rejectAuth(reason string) {
	f.onWrite = func(env *protocol.Envelope) {
		if env.Type != protocol.TypeAuth {
			return
		}
		resp, err := protocol.NewResponse(protocol.TypeAuthResp, env.ID, protocol.AuthResponse{Success: false, Error: reason})
		if err != nil {
			panic(err)
		}
		f.push(resp)
	}
}

func newTestController(dial DialFunc, maxRetries uint) *Controller {
	log := zerolog.Nop()
	ctrl := NewController("secret", dial, retry.NewBackoff(maxRetries, 5*time.Millisecond, false), &log)
	ctrl.heartbeatEvery = 50 * time.Millisecond
	ctrl.requestWait = 250 * time.Millisecond
	return ctrl
}

func dialStatic(conn *fakeControlConn) DialFunc {
	return func(ctx context.Context) (controlConn, error) {
		return conn, nil
	}
}

func runController(t *testing.T, ctrl *Controller) (context.CancelFunc, func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var runErr error
	go func() {
		runErr = ctrl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("controller never stopped")
		}
	})
	wait := func() error {
		select {
		case <-done:
			return runErr
		case <-time.After(5 * time.Second):
			t.Fatal("run never returned")
			return nil
		}
	}
	return cancel, wait
}

func awaitSession(t *testing.T, ctrl *Controller, kind SessionEventKind) SessionEvent {
	t.Helper()
	select {
	case ev := <-ctrl.Sessions():
		require.Equal(t, kind, ev.Kind)
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("no session event of kind %d", kind)
		return SessionEvent{}
	}
}

func TestControllerSessionUp(t *testing.T) {
	conn := newFakeControlConn()
	conn.acceptAuth("client-9")
	ctrl := newTestController(dialStatic(conn), 2)
	runController(t, ctrl)

	ev := awaitSession(t, ctrl, SessionUp)
	assert.Equal(t, "client-9", ev.ClientID)

	clientID, up := ctrl.ClientID()
	assert.True(t, up)
	assert.Equal(t, "client-9", clientID)

	// The heartbeat loop ticks against the live conn.
	require.Eventually(t, func() bool {
		return len(conn.writtenOfType(protocol.TypeHeartbeat)) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestControllerAuthRejectedIsTerminal(t *testing.T) {
	conn := newFakeControlConn()
	conn.rejectAuth("Invalid token")
	ctrl := newTestController(dialStatic(conn), 5)
	_, wait := runController(t, ctrl)

	ev := awaitSession(t, ctrl, SessionTerminal)
	require.Error(t, ev.Err)
	assert.Contains(t, ev.Err.Error(), "Invalid token")

	err := wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid token")

	_, up := ctrl.ClientID()
	assert.False(t, up)
}

func TestControllerGivesUpDialing(t *testing.T) {
	dial := func(ctx context.Context) (controlConn, error) {
		return nil, errors.New("connection refused")
	}
	ctrl := newTestController(dial, 2)
	_, wait := runController(t, ctrl)

	ev := awaitSession(t, ctrl, SessionTerminal)
	require.Error(t, ev.Err)
	assert.Contains(t, ev.Err.Error(), "exhausted reconnect attempts")
	require.Error(t, wait())
}

func TestControllerRedialsAfterLinkLoss(t *testing.T) {
	var dials int32
	dial := func(ctx context.Context) (controlConn, error) {
		n := atomic.AddInt32(&dials, 1)
		conn := newFakeControlConn()
		conn.acceptAuth(fmt.Sprintf("client-%d", n))
		return conn, nil
	}
	ctrl := newTestController(dial, 5)
	runController(t, ctrl)

	first := awaitSession(t, ctrl, SessionUp)
	assert.Equal(t, "client-1", first.ClientID)

	// Dropping the link from the server side triggers a redial; the next
	// session carries a fresh identity.
	ctrl.Disconnect()
	awaitSession(t, ctrl, SessionDown)
	second := awaitSession(t, ctrl, SessionUp)
	assert.Equal(t, "client-2", second.ClientID)
}

func TestControllerRequest(t *testing.T) {
	conn := newFakeControlConn()
	conn.onWrite = func(env *protocol.Envelope) {
		switch env.Type {
		case protocol.TypeAuth:
			resp, _ := protocol.NewResponse(protocol.TypeAuthResp, env.ID, protocol.AuthResponse{Success: true, ClientID: "client-1"})
			conn.push(resp)
		case protocol.TypeRegister:
			resp, _ := protocol.NewResponse(protocol.TypeRegisterResp, env.ID, protocol.RegisterResponse{
				Success:    true,
				RemotePort: 9000,
				RemoteURL:  "tcp://tunnel.example.com:9000",
			})
			conn.push(resp)
		}
	}
	ctrl := newTestController(dialStatic(conn), 2)
	runController(t, ctrl)
	awaitSession(t, ctrl, SessionUp)

	env, err := ctrl.Request(context.Background(), protocol.TypeRegister, protocol.RegisterRequest{RemotePort: 9000, LocalPort: 8080})
	require.NoError(t, err)
	var resp protocol.RegisterResponse
	require.NoError(t, env.DecodePayload(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "tcp://tunnel.example.com:9000", resp.RemoteURL)
}

func TestControllerRequestWithoutSession(t *testing.T) {
	ctrl := newTestController(dialStatic(newFakeControlConn()), 2)

	_, err := ctrl.Request(context.Background(), protocol.TypeRegister, protocol.RegisterRequest{RemotePort: 9000})
	assert.ErrorIs(t, err, ErrSessionDown)

	assert.ErrorIs(t, ctrl.SendEvent(protocol.TypeUnregister, protocol.UnregisterRequest{RemotePort: 9000}), ErrSessionDown)
}

func TestControllerRequestTimeout(t *testing.T) {
	conn := newFakeControlConn()
	conn.acceptAuth("client-1")
	ctrl := newTestController(dialStatic(conn), 2)
	ctrl.requestWait = 50 * time.Millisecond
	runController(t, ctrl)
	awaitSession(t, ctrl, SessionUp)

	// The server never answers the register.
	_, err := ctrl.Request(context.Background(), protocol.TypeRegister, protocol.RegisterRequest{RemotePort: 9000})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestControllerRejectsPendingOnLinkLoss(t *testing.T) {
	conn := newFakeControlConn()
	conn.onWrite = func(env *protocol.Envelope) {
		switch env.Type {
		case protocol.TypeAuth:
			resp, _ := protocol.NewResponse(protocol.TypeAuthResp, env.ID, protocol.AuthResponse{Success: true, ClientID: "client-1"})
			conn.push(resp)
		case protocol.TypeRegister:
			// Kill the link instead of answering.
			conn.Close()
		}
	}
	ctrl := newTestController(dialStatic(conn), 0)
	cancel, _ := runController(t, ctrl)
	awaitSession(t, ctrl, SessionUp)

	_, err := ctrl.Request(context.Background(), protocol.TypeRegister, protocol.RegisterRequest{RemotePort: 9000})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control link lost")
	cancel()
}

func TestControllerDispatchesEvents(t *testing.T) {
	conn := newFakeControlConn()
	conn.acceptAuth("client-1")
	ctrl := newTestController(dialStatic(conn), 2)
	runController(t, ctrl)
	awaitSession(t, ctrl, SessionUp)

	ncEnv, err := protocol.NewEvent(protocol.TypeNewConnection, protocol.NewConnection{
		ConnectionID: "conn-1",
		Protocol:     protocol.ProtocolTCP,
		RemotePort:   9000,
	})
	require.NoError(t, err)
	conn.push(ncEnv)

	select {
	case nc := <-ctrl.Events().NewConnection:
		assert.Equal(t, "conn-1", nc.ConnectionID)
		assert.Equal(t, 9000, nc.RemotePort)
	case <-time.After(5 * time.Second):
		t.Fatal("new_connection never dispatched")
	}

	ccEnv, err := protocol.NewEvent(protocol.TypeConnectionClose, protocol.ConnectionClose{ConnectionID: "conn-1"})
	require.NoError(t, err)
	conn.push(ccEnv)

	select {
	case cc := <-ctrl.Events().ConnectionClose:
		assert.Equal(t, "conn-1", cc.ConnectionID)
	case <-time.After(5 * time.Second):
		t.Fatal("connection_close never dispatched")
	}

	ceEnv, err := protocol.NewEvent(protocol.TypeConnectionError, protocol.ConnectionError{ConnectionID: "conn-2", Error: "dial refused"})
	require.NoError(t, err)
	conn.push(ceEnv)

	select {
	case ce := <-ctrl.Events().ConnectionError:
		assert.Equal(t, "conn-2", ce.ConnectionID)
		assert.Equal(t, "dial refused", ce.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("connection_error never dispatched")
	}

	// Unknown types are ignored without killing the session.
	mystery := &protocol.Envelope{Type: "mystery"}
	conn.push(mystery)
	_, up := ctrl.ClientID()
	assert.True(t, up)
}

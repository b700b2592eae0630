package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/chuantou/chuantou/protocol"
	"github.com/chuantou/chuantou/retry"
)

const (
	// heartbeatInterval keeps the session inside the server's timeout with
	// room for two losses.
	heartbeatInterval = 30 * time.Second

	// requestTimeout bounds every request/response exchange on the control
	// link.
	requestTimeout = 30 * time.Second
)

// ErrSessionDown is returned by control operations between sessions.
var ErrSessionDown = errors.New("control session is down")

// controlConn is the message transport the controller drives. Satisfied by
// websocket.ClientConn and by in-memory fakes in tests.
type controlConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(p []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// DialFunc opens one control link attempt.
type DialFunc func(ctx context.Context) (controlConn, error)

type requestResult struct {
	env *protocol.Envelope
	err error
}

// Controller owns the control link: it dials, authenticates, heartbeats,
// correlates request/response pairs and redials with backoff when the link
// drops. Session transitions and server events surface on channels consumed
// by the orchestrator.
type Controller struct {
	token   string
	dial    DialFunc
	backoff retry.BackoffHandler
	log     zerolog.Logger

	heartbeatEvery time.Duration
	requestWait    time.Duration

	events   *Events
	sessionC chan SessionEvent

	mu       sync.Mutex
	conn     controlConn
	clientID string
	pending  map[string]chan requestResult
}

func NewController(token string, dial DialFunc, backoff retry.BackoffHandler, log *zerolog.Logger) *Controller {
	return &Controller{
		token:          token,
		dial:           dial,
		backoff:        backoff,
		log:            log.With().Str("component", "controller").Logger(),
		heartbeatEvery: heartbeatInterval,
		requestWait:    requestTimeout,
		events:         newEvents(),
		sessionC:       make(chan SessionEvent, 4),
		pending:        make(map[string]chan requestResult),
	}
}

// Events exposes server-initiated notifications.
func (c *Controller) Events() *Events {
	return c.events
}

// Sessions exposes session lifecycle transitions.
func (c *Controller) Sessions() <-chan SessionEvent {
	return c.sessionC
}

// ClientID reports the id assigned by the current session, if one is up.
func (c *Controller) ClientID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID, c.conn != nil
}

// Run dials and serves control sessions until ctx is done or the controller
// hits a terminal condition: an auth rejection or an exhausted backoff
// schedule.
func (c *Controller) Run(ctx context.Context) error {
	for {
		err, terminal, wasUp := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if wasUp {
			c.notifySession(SessionEvent{Kind: SessionDown, Err: err})
		}
		if terminal {
			c.notifySession(SessionEvent{Kind: SessionTerminal, Err: err})
			return err
		}
		reconnects.Inc()
		if !c.backoff.Backoff(ctx) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = errors.Wrap(err, "exhausted reconnect attempts")
			c.notifySession(SessionEvent{Kind: SessionTerminal, Err: err})
			return err
		}
		c.log.Info().Int("attempt", c.backoff.Retries()).Msg("redialing control link")
	}
}

func (c *Controller) connectAndServe(ctx context.Context) (err error, terminal, wasUp bool) {
	conn, err := c.dial(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("control dial failed")
		return err, false, false
	}

	clientID, rejected, err := c.authenticate(conn)
	if err != nil {
		conn.Close()
		if rejected {
			c.log.Error().Err(err).Msg("server rejected credentials")
			return err, true, false
		}
		c.log.Warn().Err(err).Msg("authentication did not complete")
		return err, false, false
	}

	c.setSession(conn, clientID)
	c.backoff.ResetNow()
	c.log.Info().Str(LogFieldClientID, clientID).Msg("session established")
	c.notifySession(SessionEvent{Kind: SessionUp, ClientID: clientID})

	err = c.serve(ctx, conn)
	c.clearSession()
	c.rejectPending(err)
	return err, false, true
}

// authenticate performs the first-message handshake. rejected distinguishes
// the server refusing the token (terminal) from transport trouble
// (retryable).
func (c *Controller) authenticate(conn controlConn) (clientID string, rejected bool, err error) {
	env, err := protocol.NewRequest(protocol.TypeAuth, protocol.AuthRequest{Token: c.token})
	if err != nil {
		return "", false, err
	}
	raw, err := env.Marshal()
	if err != nil {
		return "", false, err
	}
	if err := conn.WriteMessage(raw); err != nil {
		return "", false, errors.Wrap(err, "send auth")
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.requestWait))
	defer conn.SetReadDeadline(time.Time{})
	for {
		respRaw, err := conn.ReadMessage()
		if err != nil {
			return "", false, errors.Wrap(err, "await auth response")
		}
		respEnv, err := protocol.UnmarshalEnvelope(respRaw)
		if err != nil {
			return "", false, err
		}
		if respEnv.Type != protocol.TypeAuthResp {
			continue
		}
		var resp protocol.AuthResponse
		if err := respEnv.DecodePayload(&resp); err != nil {
			return "", false, err
		}
		if !resp.Success {
			return "", true, errors.Errorf("authentication rejected: %s", resp.Error)
		}
		if resp.ClientID == "" {
			return "", false, errors.New("auth response carries no client id")
		}
		return resp.ClientID, false, nil
	}
}

// serve pumps the control link until it dies. The heartbeat loop shares the
// conn; a failed heartbeat write closes it to unblock this read loop.
func (c *Controller) serve(ctx context.Context, conn controlConn) error {
	stop := make(chan struct{})
	defer close(stop)
	go c.heartbeatLoop(conn, stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "control link read")
		}
		env, err := protocol.UnmarshalEnvelope(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("undecodable control message")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Controller) heartbeatLoop(conn controlConn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			env, err := protocol.NewRequest(protocol.TypeHeartbeat, protocol.NewHeartbeat())
			if err != nil {
				continue
			}
			raw, err := env.Marshal()
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(raw); err != nil {
				c.log.Debug().Err(err).Msg("heartbeat write failed")
				conn.Close()
				return
			}
			heartbeatsSent.Inc()
		}
	}
}

// dispatch routes one inbound message: response correlation first, then the
// event channels.
func (c *Controller) dispatch(env *protocol.Envelope) {
	if env.ID != "" {
		c.mu.Lock()
		waiter, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			waiter <- requestResult{env: env}
			return
		}
	}

	switch env.Type {
	case protocol.TypeNewConnection:
		var nc protocol.NewConnection
		if err := env.DecodePayload(&nc); err != nil {
			c.log.Warn().Err(err).Msg("undecodable new_connection")
			return
		}
		c.events.NewConnection <- nc
	case protocol.TypeConnectionClose:
		var cc protocol.ConnectionClose
		if err := env.DecodePayload(&cc); err != nil {
			c.log.Warn().Err(err).Msg("undecodable connection_close")
			return
		}
		c.events.ConnectionClose <- cc
	case protocol.TypeConnectionError:
		var ce protocol.ConnectionError
		if err := env.DecodePayload(&ce); err != nil {
			c.log.Warn().Err(err).Msg("undecodable connection_error")
			return
		}
		c.events.ConnectionError <- ce
	case protocol.TypeHeartbeatResp:
		// The echoed timestamp makes round trips measurable from logs.
		var hb protocol.Heartbeat
		if err := env.DecodePayload(&hb); err == nil && hb.Timestamp > 0 {
			c.log.Trace().Int64("rttMs", time.Now().UnixMilli()-hb.Timestamp).Msg("heartbeat acknowledged")
		}
	default:
		c.log.Debug().Str("type", string(env.Type)).Msg("ignoring unknown control message")
	}
}

// Request sends a correlated request and waits for its response.
func (c *Controller) Request(ctx context.Context, t protocol.MessageType, payload interface{}) (*protocol.Envelope, error) {
	conn := c.currentConn()
	if conn == nil {
		return nil, ErrSessionDown
	}
	env, err := protocol.NewRequest(t, payload)
	if err != nil {
		return nil, err
	}
	raw, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	waiter := make(chan requestResult, 1)
	c.mu.Lock()
	c.pending[env.ID] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := conn.WriteMessage(raw); err != nil {
		return nil, errors.Wrapf(err, "send %s", t)
	}

	timer := time.NewTimer(c.requestWait)
	defer timer.Stop()
	select {
	case res := <-waiter:
		return res.env, res.err
	case <-timer.C:
		requestTimeouts.Inc()
		return nil, errors.Errorf("timed out waiting for %s response", t)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendEvent pushes a one-way message on the control link.
func (c *Controller) SendEvent(t protocol.MessageType, payload interface{}) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrSessionDown
	}
	env, err := protocol.NewEvent(t, payload)
	if err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	return conn.WriteMessage(raw)
}

// Disconnect drops the current control link so Run redials. Used when the
// session is up but unusable, like a data channel that cannot attach.
func (c *Controller) Disconnect() {
	if conn := c.currentConn(); conn != nil {
		conn.Close()
	}
}

func (c *Controller) setSession(conn controlConn, clientID string) {
	c.mu.Lock()
	c.conn = conn
	c.clientID = clientID
	c.mu.Unlock()
}

func (c *Controller) clearSession() {
	c.mu.Lock()
	c.conn = nil
	c.clientID = ""
	c.mu.Unlock()
}

func (c *Controller) currentConn() controlConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// rejectPending fails every in-flight request after the link died.
func (c *Controller) rejectPending(cause error) {
	c.mu.Lock()
	waiters := c.pending
	c.pending = make(map[string]chan requestResult)
	c.mu.Unlock()
	for _, waiter := range waiters {
		waiter <- requestResult{err: errors.Wrap(cause, "control link lost")}
	}
}

func (c *Controller) notifySession(ev SessionEvent) {
	c.sessionC <- ev
}

package server

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/chuantou/chuantou/protocol"
	"github.com/chuantou/chuantou/websocket"
)

// authTimeout is how long a fresh control link may stay silent before the
// server hangs up on it.
const authTimeout = 30 * time.Second

// controlLink runs the server side of one client's control websocket from
// accept to teardown. It implements ControlTransport so registry code can
// push events back to the client.
type controlLink struct {
	server   *Server
	ws       *websocket.ServerConn
	log      zerolog.Logger
	clientID string
}

func newControlLink(server *Server, ws *websocket.ServerConn) *controlLink {
	return &controlLink{
		server: server,
		ws:     ws,
		log:    server.log.With().Str(LogFieldRemoteAddr, ws.RemoteAddr().String()).Logger(),
	}
}

// Send implements ControlTransport. The underlying conn serializes frame
// writes, so concurrent proxy goroutines may call this directly.
func (c *controlLink) Send(env *protocol.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(raw)
}

// Close implements ControlTransport.
func (c *controlLink) Close() error {
	return c.ws.Close()
}

func (c *controlLink) run() {
	c.clientID = c.server.sessions.CreateSession(c.ws.RemoteAddr().String(), c)
	c.log = c.log.With().Str(LogFieldClientID, c.clientID).Logger()

	if !c.authenticate() {
		c.server.removeSession(c.clientID, "authentication failed")
		return
	}
	c.log.Info().Msg("client authenticated")

	c.serve()
	c.server.removeSession(c.clientID, "control link closed")
}

// authenticate enforces the first-message contract: exactly one auth message
// carrying a valid token, within the auth window.
func (c *controlLink) authenticate() bool {
	_ = c.ws.SetReadDeadline(time.Now().Add(authTimeout))
	raw, err := c.ws.ReadMessage()
	if err != nil {
		c.log.Debug().Err(err).Msg("control link closed before auth")
		return false
	}
	env, err := protocol.UnmarshalEnvelope(raw)
	if err != nil {
		c.log.Warn().Err(err).Msg("undecodable auth message")
		return false
	}
	if env.Type != protocol.TypeAuth {
		c.log.Warn().Str("type", string(env.Type)).Msg("first control message was not auth")
		return false
	}
	countControlMessage(env.Type)

	var req protocol.AuthRequest
	if err := env.DecodePayload(&req); err != nil {
		c.respondAuth(env.ID, protocol.AuthResponse{Success: false, Error: "malformed auth payload"})
		return false
	}
	if !c.server.tokenValid(req.Token) {
		c.respondAuth(env.ID, protocol.AuthResponse{Success: false, Error: "Invalid token"})
		c.log.Warn().Msg("auth rejected")
		return false
	}

	c.server.sessions.Authenticate(c.clientID)
	_ = c.ws.SetReadDeadline(time.Time{})
	return c.respondAuth(env.ID, protocol.AuthResponse{Success: true, ClientID: c.clientID})
}

func (c *controlLink) respondAuth(requestID string, resp protocol.AuthResponse) bool {
	env, err := protocol.NewResponse(protocol.TypeAuthResp, requestID, resp)
	if err != nil {
		return false
	}
	if err := c.Send(env); err != nil {
		c.log.Debug().Err(err).Msg("write auth response")
		return false
	}
	return resp.Success
}

// serve dispatches control messages until the link dies. Unknown types are
// logged and skipped so protocol additions stay backward compatible.
func (c *controlLink) serve() {
	for {
		raw, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("control link closed")
			return
		}
		env, err := protocol.UnmarshalEnvelope(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("undecodable control message")
			continue
		}
		countControlMessage(env.Type)

		switch env.Type {
		case protocol.TypeRegister:
			c.handleRegister(env)
		case protocol.TypeUnregister:
			c.handleUnregister(env)
		case protocol.TypeHeartbeat:
			c.handleHeartbeat(env)
		case protocol.TypeConnectionClose:
			c.handleConnectionClose(env)
		case protocol.TypeHTTPResponse, protocol.TypeHTTPRespHeaders, protocol.TypeHTTPRespData, protocol.TypeHTTPRespEnd:
			if !c.server.responses.Deliver(env) {
				c.log.Debug().Str("type", string(env.Type)).Msg("response for finished http exchange dropped")
			}
		case protocol.TypeAuth:
			// Already authenticated; re-auth is a no-op ack.
			c.respondAuth(env.ID, protocol.AuthResponse{Success: true, ClientID: c.clientID})
		default:
			c.log.Debug().Str("type", string(env.Type)).Msg("ignoring unknown control message")
		}
	}
}

func (c *controlLink) handleRegister(env *protocol.Envelope) {
	var req protocol.RegisterRequest
	if err := env.DecodePayload(&req); err != nil {
		c.respondRegister(env.ID, protocol.RegisterResponse{Success: false, Error: "malformed register payload"})
		return
	}
	resp := c.server.registerPort(c.clientID, &req)
	if !resp.Success {
		registrationRejections.Inc()
		c.log.Warn().Int(LogFieldPort, req.RemotePort).Str("reason", resp.Error).Msg("registration rejected")
	}
	c.respondRegister(env.ID, resp)
}

func (c *controlLink) respondRegister(requestID string, resp protocol.RegisterResponse) {
	env, err := protocol.NewResponse(protocol.TypeRegisterResp, requestID, resp)
	if err != nil {
		return
	}
	if err := c.Send(env); err != nil {
		c.log.Debug().Err(err).Msg("write register response")
	}
}

// handleUnregister releases a port. Success is silent; only failures get a
// response so old clients that never read one keep working.
func (c *controlLink) handleUnregister(env *protocol.Envelope) {
	var req protocol.UnregisterRequest
	if err := env.DecodePayload(&req); err != nil {
		c.log.Warn().Err(err).Msg("malformed unregister payload")
		return
	}
	if err := c.server.unregisterPort(c.clientID, req.RemotePort); err != nil {
		c.respondRegister(env.ID, protocol.RegisterResponse{Success: false, RemotePort: req.RemotePort, Error: err.Error()})
		return
	}
	c.log.Info().Int(LogFieldPort, req.RemotePort).Msg("port unregistered")
}

func (c *controlLink) handleHeartbeat(env *protocol.Envelope) {
	c.server.sessions.UpdateHeartbeat(c.clientID)
	var hb protocol.Heartbeat
	_ = env.DecodePayload(&hb) // tolerate empty payloads from older clients
	resp, err := protocol.NewResponse(protocol.TypeHeartbeatResp, env.ID, protocol.Heartbeat{Timestamp: hb.Timestamp})
	if err != nil {
		return
	}
	if err := c.Send(resp); err != nil {
		c.log.Debug().Err(err).Msg("write heartbeat response")
	}
}

// handleConnectionClose routes a client-initiated close to the listener that
// owns the connection.
func (c *controlLink) handleConnectionClose(env *protocol.Envelope) {
	var cc protocol.ConnectionClose
	if err := env.DecodePayload(&cc); err != nil {
		c.log.Warn().Err(err).Msg("malformed connection_close payload")
		return
	}
	conn, ok := c.server.sessions.Connection(cc.ConnectionID)
	if !ok || conn.ClientID != c.clientID {
		c.log.Debug().Str(LogFieldConnectionID, cc.ConnectionID).Msg("close for unknown connection ignored")
		return
	}
	if pl, ok := c.server.listener(conn.RemotePort); ok {
		pl.PeerClose(cc.ConnectionID)
	}
}

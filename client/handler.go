package client

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chuantou/chuantou/config"
	"github.com/chuantou/chuantou/datachannel"
	"github.com/chuantou/chuantou/protocol"
	"github.com/chuantou/chuantou/stream"
)

const localDialTimeout = 10 * time.Second

// controlSender is the slice of Controller the handlers need: one-way
// messages back to the server.
type controlSender interface {
	SendEvent(t protocol.MessageType, payload interface{}) error
}

// UnifiedHandler serves every logical connection of one forwarding rule. The
// mode is picked per connection from the server's sniff result: streams are
// spliced over the data channel, http exchanges replay against the local
// service, udp flows relay over the udp channel. The rule is swappable so
// config reloads retarget live handlers.
type UnifiedHandler struct {
	control controlSender
	conns   *connTable
	log     zerolog.Logger

	httpClient *http.Client

	// debugTraffic tees the first N payload events of each spliced stream
	// into the log; zero disables it.
	debugTraffic uint64

	mu     sync.RWMutex
	rule   config.Proxy
	target string
}

func NewUnifiedHandler(rule config.Proxy, control controlSender, conns *connTable, debugTraffic uint64, log *zerolog.Logger) *UnifiedHandler {
	h := &UnifiedHandler{
		control:      control,
		conns:        conns,
		log:          log.With().Int(LogFieldPort, rule.RemotePort).Logger(),
		httpClient:   newLocalHTTPClient(),
		debugTraffic: debugTraffic,
	}
	h.SetRule(rule)
	return h
}

// SetRule swaps the forwarding target. In-flight connections keep the target
// they started with; new ones pick up the change.
func (h *UnifiedHandler) SetRule(rule config.Proxy) {
	h.mu.Lock()
	h.rule = rule
	h.target = net.JoinHostPort(rule.LocalHost, strconv.Itoa(rule.LocalPort))
	h.mu.Unlock()
}

// Rule returns the current forwarding rule.
func (h *UnifiedHandler) Rule() config.Proxy {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rule
}

func (h *UnifiedHandler) localTarget() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.target
}

// Handle serves one logical connection to completion.
func (h *UnifiedHandler) Handle(ctx context.Context, sess *session, nc protocol.NewConnection) {
	log := h.log.With().
		Str(LogFieldConnectionID, nc.ConnectionID).
		Str(LogFieldProtocol, string(nc.Protocol)).
		Str(LogFieldRemoteAddr, nc.RemoteAddress).
		Logger()
	log.Debug().Msg("connection announced")

	switch nc.Protocol {
	case protocol.ProtocolHTTP:
		h.serveHTTP(ctx, nc, &log)
	case protocol.ProtocolUDP:
		h.serveUDP(ctx, sess, nc, &log)
	default:
		// tcp and websocket are both raw byte splices; websocket only
		// differs in the sniffed headers the server logged.
		h.serveStream(ctx, sess, nc, &log)
	}
}

// serveStream splices the logical connection to a fresh local TCP connection.
func (h *UnifiedHandler) serveStream(ctx context.Context, sess *session, nc protocol.NewConnection, log *zerolog.Logger) {
	target := h.localTarget()
	d := net.Dialer{Timeout: localDialTimeout}
	localConn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		localDialFailures.Inc()
		log.Warn().Err(err).Str("target", target).Msg("local service unreachable")
		h.closeRemote(nc.ConnectionID)
		return
	}

	link := sess.dataLink()
	if link == nil {
		localConn.Close()
		log.Warn().Msg("stream announced without data link")
		h.closeRemote(nc.ConnectionID)
		return
	}
	route, err := link.OpenRoute(nc.ConnectionID)
	if err != nil {
		localConn.Close()
		log.Warn().Err(err).Msg("open route")
		h.closeRemote(nc.ConnectionID)
		return
	}

	pc := h.conns.track(nc.ConnectionID, func() {
		link.CloseRoute(nc.ConnectionID)
		localConn.Close()
	})
	defer h.conns.untrack(nc.ConnectionID)

	tunnel := datachannel.NewConnStream(link, route)
	local := stream.AsStream(localConn)
	if h.debugTraffic > 0 {
		local = stream.NewDebugStream(local, log, h.debugTraffic)
	}
	_ = stream.PipeBidirectional(local, tunnel, 0, log)

	link.CloseRoute(nc.ConnectionID)
	localConn.Close()
	pc.stopFailsafe()
	log.Debug().Msg("connection finished")
	if !pc.hasPeerClosed() {
		h.closeRemote(nc.ConnectionID)
	}
}

// closeRemote tells the server this logical connection is finished.
func (h *UnifiedHandler) closeRemote(connectionID string) {
	err := h.control.SendEvent(protocol.TypeConnectionClose, protocol.ConnectionClose{ConnectionID: connectionID})
	if err != nil && err != ErrSessionDown {
		h.log.Debug().Err(err).Str(LogFieldConnectionID, connectionID).Msg("send connection_close")
	}
}

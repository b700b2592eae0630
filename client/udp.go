package client

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/chuantou/chuantou/protocol"
)

// localUDPIdleTimeout mirrors the server's session window: a flow with no
// datagrams either way for this long is torn down on both ends.
const localUDPIdleTimeout = 30 * time.Second

// serveUDP relays one logical udp flow between the shared udp channel and a
// fresh local socket. The flow lives until the server closes it, the session
// dies, or it idles out.
func (h *UnifiedHandler) serveUDP(ctx context.Context, sess *session, nc protocol.NewConnection, log *zerolog.Logger) {
	if sess.udp == nil {
		log.Warn().Msg("udp flow announced without udp channel")
		h.closeRemote(nc.ConnectionID)
		return
	}

	target := h.localTarget()
	localAddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		localDialFailures.Inc()
		log.Warn().Err(err).Str("target", target).Msg("resolve local udp target")
		h.closeRemote(nc.ConnectionID)
		return
	}
	localConn, err := net.DialUDP("udp", nil, localAddr)
	if err != nil {
		localDialFailures.Inc()
		log.Warn().Err(err).Str("target", target).Msg("local udp service unreachable")
		h.closeRemote(nc.ConnectionID)
		return
	}

	pc := h.conns.track(nc.ConnectionID, func() {
		localConn.Close()
	})
	defer h.conns.untrack(nc.ConnectionID)

	idle := time.AfterFunc(localUDPIdleTimeout, pc.forceClose)
	defer idle.Stop()
	go func() {
		select {
		case <-ctx.Done():
			pc.forceClose()
		case <-pc.done.Wait():
		}
	}()

	// User datagrams arrive through the route; replays of parked ones run
	// synchronously inside RegisterRoute.
	sess.udp.RegisterRoute(nc.ConnectionID, func(payload []byte) {
		idle.Reset(localUDPIdleTimeout)
		if _, err := localConn.Write(payload); err != nil {
			log.Debug().Err(err).Msg("write to local udp service")
		}
	})
	defer sess.udp.UnregisterRoute(nc.ConnectionID)

	// Replies from the local service go back over the channel.
	buf := make([]byte, protocol.MaxUDPPayload)
	for {
		n, err := localConn.Read(buf)
		if err != nil {
			select {
			case <-pc.done.Wait():
			default:
				log.Debug().Err(err).Msg("local udp read ended")
			}
			break
		}
		idle.Reset(localUDPIdleTimeout)
		if err := sess.udp.Send(nc.ConnectionID, buf[:n]); err != nil {
			log.Debug().Err(err).Msg("relay reply datagram")
			break
		}
	}

	localConn.Close()
	pc.stopFailsafe()
	log.Debug().Msg("udp flow finished")
	if !pc.hasPeerClosed() {
		h.closeRemote(nc.ConnectionID)
	}
}

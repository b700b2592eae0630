package server

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chuantou/chuantou/datachannel"
	"github.com/chuantou/chuantou/protocol"
)

const (
	// httpHeadTimeout bounds reading the full request off the user socket.
	httpHeadTimeout = 10 * time.Second

	// httpFirstByteTimeout is how long an exchange waits for the client to
	// produce any response before answering 504 itself.
	httpFirstByteTimeout = 30 * time.Second

	// httpWriteTimeout applies per write towards the user socket.
	httpWriteTimeout = 30 * time.Second

	maxHTTPRequestBody = 16 << 20
	httpRespQueueDepth = 32
)

// responseRouter hands http_response* control messages to the exchange
// goroutine waiting on their connection id.
type responseRouter struct {
	mu      sync.Mutex
	waiters map[string]chan *protocol.Envelope
}

func newResponseRouter() *responseRouter {
	return &responseRouter{waiters: make(map[string]chan *protocol.Envelope)}
}

func (r *responseRouter) Register(connectionID string) <-chan *protocol.Envelope {
	ch := make(chan *protocol.Envelope, httpRespQueueDepth)
	r.mu.Lock()
	r.waiters[connectionID] = ch
	r.mu.Unlock()
	return ch
}

func (r *responseRouter) Unregister(connectionID string) {
	r.mu.Lock()
	delete(r.waiters, connectionID)
	r.mu.Unlock()
}

// Deliver routes one response message by the connectionId inside its payload.
// A stalled exchange gets the usual write grace before the message is dropped
// so a slow user socket cannot pin the control link read loop forever.
func (r *responseRouter) Deliver(env *protocol.Envelope) bool {
	var probe struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := env.DecodePayload(&probe); err != nil || probe.ConnectionID == "" {
		return false
	}
	r.mu.Lock()
	ch, ok := r.waiters[probe.ConnectionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
		return true
	default:
	}
	timer := time.NewTimer(datachannel.WriteStallGrace)
	defer timer.Stop()
	select {
	case ch <- env:
		return true
	case <-timer.C:
		return false
	}
}

// serveHTTPExchange runs one request/response exchange: parse the request the
// sniffer started reading, relay it over the control link, then write back
// whatever response form the client chose.
func (p *ProxyListener) serveHTTPExchange(conn net.Conn, first []byte, connectionID string, log *zerolog.Logger) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(httpHeadTimeout))
	br := bufio.NewReader(io.MultiReader(bytes.NewReader(first), conn))
	req, err := http.ReadRequest(br)
	if err != nil {
		log.Debug().Err(err).Msg("malformed http request")
		writeRawResponse(conn, http.StatusBadRequest, "malformed request")
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxHTTPRequestBody+1))
	_ = req.Body.Close()
	if err != nil {
		log.Debug().Err(err).Msg("read http request body")
		writeRawResponse(conn, http.StatusBadRequest, "unreadable request body")
		return
	}
	if len(body) > maxHTTPRequestBody {
		writeRawResponse(conn, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if err := p.sessions.AddConnection(p.clientID, connectionID, p.port, protocol.ProtocolHTTP, conn.RemoteAddr().String()); err != nil {
		log.Warn().Err(err).Msg("register http exchange")
		writeRawResponse(conn, http.StatusBadGateway, "tunnel unavailable")
		return
	}
	defer p.sessions.RemoveConnection(connectionID)

	waiter := p.responses.Register(connectionID)
	defer p.responses.Unregister(connectionID)

	tc := p.trackConn(connectionID, func() {
		// Hard close: the exchange loop unblocks via tc.done and the
		// socket close fails any in-flight write.
		conn.Close()
	})
	defer p.untrackConn(connectionID)

	headers := req.Header.Clone()
	if req.Host != "" {
		headers.Set("Host", req.Host)
	}
	nc := protocol.NewConnection{
		ConnectionID:  connectionID,
		Protocol:      protocol.ProtocolHTTP,
		RemotePort:    p.port,
		RemoteAddress: conn.RemoteAddr().String(),
		URL:           req.URL.RequestURI(),
		Method:        req.Method,
		Headers:       headers,
	}
	if len(body) > 0 {
		nc.Body = base64.StdEncoding.EncodeToString(body)
	}
	env, err := protocol.NewEvent(protocol.TypeNewConnection, nc)
	if err == nil {
		err = p.sessions.SendToClient(p.clientID, env)
	}
	if err != nil {
		log.Warn().Err(err).Msg("relay http request")
		writeRawResponse(conn, http.StatusBadGateway, "tunnel unavailable")
		return
	}

	p.writeExchangeResponse(conn, waiter, tc, log)
}

// writeExchangeResponse consumes response messages for one exchange. The
// client answers either with a single buffered http_response or with a
// headers/data*/end stream.
func (p *ProxyListener) writeExchangeResponse(conn net.Conn, waiter <-chan *protocol.Envelope, tc *trackedConn, log *zerolog.Logger) {
	firstByte := time.NewTimer(httpFirstByteTimeout)
	defer firstByte.Stop()

	streaming := false
	for {
		select {
		case env := <-waiter:
			firstByte.Stop()
			switch env.Type {
			case protocol.TypeHTTPResponse:
				var resp protocol.HTTPResponse
				if err := env.DecodePayload(&resp); err != nil {
					log.Warn().Err(err).Msg("undecodable http response")
					writeRawResponse(conn, http.StatusBadGateway, "bad response from tunnel")
					return
				}
				if err := writeBufferedResponse(conn, &resp); err != nil {
					log.Debug().Err(err).Msg("write http response")
				}
				return

			case protocol.TypeHTTPRespHeaders:
				var head protocol.HTTPResponseHeaders
				if err := env.DecodePayload(&head); err != nil {
					log.Warn().Err(err).Msg("undecodable http response headers")
					writeRawResponse(conn, http.StatusBadGateway, "bad response from tunnel")
					return
				}
				if err := writeResponseHead(conn, head.StatusCode, head.Headers); err != nil {
					log.Debug().Err(err).Msg("write http response head")
					return
				}
				streaming = true

			case protocol.TypeHTTPRespData:
				if !streaming {
					log.Warn().Msg("http response data before headers dropped")
					continue
				}
				var chunk protocol.HTTPResponseData
				if err := env.DecodePayload(&chunk); err != nil {
					log.Warn().Err(err).Msg("undecodable http response chunk")
					return
				}
				raw, err := base64.StdEncoding.DecodeString(chunk.Data)
				if err != nil {
					log.Warn().Err(err).Msg("undecodable http response chunk")
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(httpWriteTimeout))
				if _, err := conn.Write(raw); err != nil {
					log.Debug().Err(err).Msg("write http response chunk")
					return
				}

			case protocol.TypeHTTPRespEnd:
				return

			default:
				log.Debug().Str("type", string(env.Type)).Msg("unexpected message for http exchange")
			}

		case <-firstByte.C:
			log.Warn().Msg("no http response from client")
			writeRawResponse(conn, http.StatusGatewayTimeout, "no response from tunnel")
			return

		case <-tc.done.Wait():
			if !streaming {
				writeRawResponse(conn, http.StatusBadGateway, "tunnel closed")
			}
			return
		}
	}
}

// writeBufferedResponse serializes the single-message response form. The
// declared Content-Length is replaced with the actual body size so the user
// agent never hangs on a mismatch.
func writeBufferedResponse(conn net.Conn, resp *protocol.HTTPResponse) error {
	var body []byte
	if resp.Body != "" {
		raw, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			writeRawResponse(conn, http.StatusBadGateway, "bad response from tunnel")
			return err
		}
		body = raw
	}
	headers := cloneHeaders(resp.Headers)
	headers.Set("Content-Length", strconv.Itoa(len(body)))
	if err := writeResponseHead(conn, resp.StatusCode, headers); err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(httpWriteTimeout))
	_, err := conn.Write(body)
	return err
}

// writeResponseHead writes the status line and headers. Responses always
// close the connection afterwards: the exchange is one-shot and streamed
// bodies are delimited by the close.
func writeResponseHead(conn net.Conn, statusCode int, headers http.Header) error {
	headers = cloneHeaders(headers)
	headers.Set("Connection", "close")
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", statusCode, http.StatusText(statusCode))
	if err := headers.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	_ = conn.SetWriteDeadline(time.Now().Add(httpWriteTimeout))
	_, err := conn.Write(buf.Bytes())
	return err
}

func writeRawResponse(conn net.Conn, statusCode int, message string) {
	body := message + "\n"
	_ = conn.SetWriteDeadline(time.Now().Add(httpWriteTimeout))
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		statusCode, http.StatusText(statusCode), len(body), body)
}

func cloneHeaders(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}

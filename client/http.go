package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/chuantou/chuantou/protocol"
)

const (
	responseHeaderTimeout = 30 * time.Second

	// bufferedBodyLimit is the largest response relayed as one message.
	// Bigger bodies fall back to the streamed form.
	bufferedBodyLimit = 256 << 10

	streamChunkSize = 32 << 10
)

// serveHTTP replays one tunneled request against the local service and
// relays the response back over the control link.
func (h *UnifiedHandler) serveHTTP(ctx context.Context, nc protocol.NewConnection, log *zerolog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pc := h.conns.track(nc.ConnectionID, cancel)
	defer h.conns.untrack(nc.ConnectionID)
	defer pc.stopFailsafe()

	req, err := h.buildLocalRequest(ctx, nc)
	if err != nil {
		log.Warn().Err(err).Msg("rebuild http request")
		h.closeRemote(nc.ConnectionID)
		return
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("target", h.localTarget()).Msg("local http request failed")
		h.closeRemote(nc.ConnectionID)
		return
	}
	defer resp.Body.Close()

	headers := protocol.FilterHopByHop(resp.Header)
	if isStreamingContentType(resp.Header.Get("Content-Type")) {
		h.streamResponse(nc.ConnectionID, resp.StatusCode, headers, resp.Body, log)
		return
	}

	body, more, err := readUpTo(resp.Body, bufferedBodyLimit)
	if err != nil {
		log.Warn().Err(err).Msg("read local http response")
		h.closeRemote(nc.ConnectionID)
		return
	}
	if more {
		// Too big to buffer whole; finish it as a stream.
		h.streamResponse(nc.ConnectionID, resp.StatusCode, headers, io.MultiReader(bytes.NewReader(body), resp.Body), log)
		return
	}

	payload := protocol.HTTPResponse{
		ConnectionID: nc.ConnectionID,
		StatusCode:   resp.StatusCode,
		Headers:      headers,
	}
	if len(body) > 0 {
		payload.Body = base64.StdEncoding.EncodeToString(body)
	}
	if err := h.control.SendEvent(protocol.TypeHTTPResponse, payload); err != nil {
		log.Debug().Err(err).Msg("send http response")
		return
	}
	log.Debug().Int("status", resp.StatusCode).Int("bytes", len(body)).Msg("http exchange finished")
}

// streamResponse relays a response as headers, chunks as they arrive from the
// local service, then an end marker. Each chunk flushes immediately so
// server-sent events reach the user as they happen.
func (h *UnifiedHandler) streamResponse(connectionID string, statusCode int, headers http.Header, body io.Reader, log *zerolog.Logger) {
	head := protocol.HTTPResponseHeaders{
		ConnectionID: connectionID,
		StatusCode:   statusCode,
		Headers:      headers,
	}
	if err := h.control.SendEvent(protocol.TypeHTTPRespHeaders, head); err != nil {
		log.Debug().Err(err).Msg("send response headers")
		return
	}

	buf := make([]byte, streamChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := protocol.HTTPResponseData{
				ConnectionID: connectionID,
				Data:         base64.StdEncoding.EncodeToString(buf[:n]),
			}
			if sendErr := h.control.SendEvent(protocol.TypeHTTPRespData, chunk); sendErr != nil {
				log.Debug().Err(sendErr).Msg("send response chunk")
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Msg("local response stream ended abnormally")
			}
			break
		}
	}
	if err := h.control.SendEvent(protocol.TypeHTTPRespEnd, protocol.HTTPResponseEnd{ConnectionID: connectionID}); err != nil {
		log.Debug().Err(err).Msg("send response end")
		return
	}
	log.Debug().Int("status", statusCode).Msg("http stream finished")
}

// buildLocalRequest reconstructs the user's request against the local target.
// The original Host travels in the headers and is restored so name-based
// virtual hosts keep working.
func (h *UnifiedHandler) buildLocalRequest(ctx context.Context, nc protocol.NewConnection) (*http.Request, error) {
	requestURI := nc.URL
	if requestURI == "" || requestURI[0] != '/' {
		requestURI = "/" + requestURI
	}
	var body io.Reader
	if nc.Body != "" {
		raw, err := base64.StdEncoding.DecodeString(nc.Body)
		if err != nil {
			return nil, errors.Wrap(err, "decode request body")
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, nc.Method, "http://"+h.localTarget()+requestURI, body)
	if err != nil {
		return nil, err
	}
	headers := protocol.FilterHopByHop(nc.Headers)
	if host := headers.Get("Host"); host != "" {
		req.Host = host
		headers.Del("Host")
	}
	req.Header = headers
	return req, nil
}

// newLocalHTTPClient builds the transport http exchanges replay through.
// Redirects and compression relay verbatim rather than being resolved here:
// the user agent on the far end made the request.
func newLocalHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: localDialTimeout}).DialContext,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: responseHeaderTimeout,
			DisableCompression:    true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// isStreamingContentType picks responses that must relay chunk by chunk as
// they are produced: text/event-stream and the other *stream types.
func isStreamingContentType(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "stream")
}

// readUpTo buffers at most limit bytes. more reports that the reader still
// has bytes past the limit.
func readUpTo(r io.Reader, limit int) (buffered []byte, more bool, err error) {
	buffered, err = io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, false, err
	}
	return buffered, len(buffered) > limit, nil
}

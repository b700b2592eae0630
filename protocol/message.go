// Package protocol defines the two wire formats spoken between the chuantou
// server and its clients: the JSON control protocol carried over the control
// link, and the binary framing carried over the data channel.
package protocol

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Control messages are hot-path adjacent (every user connection produces at
// least one); keep the codec on jsoniter like the rest of the project.
var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType discriminates control messages.
type MessageType string

const (
	TypeAuth            MessageType = "auth"
	TypeAuthResp        MessageType = "auth_resp"
	TypeRegister        MessageType = "register"
	TypeRegisterResp    MessageType = "register_resp"
	TypeUnregister      MessageType = "unregister"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeHeartbeatResp   MessageType = "heartbeat_resp"
	TypeNewConnection   MessageType = "new_connection"
	TypeConnectionClose MessageType = "connection_close"
	TypeConnectionError MessageType = "connection_error"
	TypeHTTPResponse    MessageType = "http_response"
	TypeHTTPRespHeaders MessageType = "http_response_headers"
	TypeHTTPRespData    MessageType = "http_response_data"
	TypeHTTPRespEnd     MessageType = "http_response_end"
)

// Protocol tags a logical connection. The tag is advisory: tcp and websocket
// connections are treated identically as byte pipes downstream.
type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebsocket Protocol = "websocket"
	ProtocolTCP       Protocol = "tcp"
	ProtocolUDP       Protocol = "udp"
)

// Envelope is the shape of every control message: a type, a correlation id
// set by the request sender and echoed by responses, and a typed payload.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewRequest builds an envelope with a fresh message id.
func NewRequest(t MessageType, payload interface{}) (*Envelope, error) {
	return newEnvelope(t, uuid.NewString(), payload)
}

// NewResponse builds an envelope echoing the id of the request it answers.
func NewResponse(t MessageType, requestID string, payload interface{}) (*Envelope, error) {
	return newEnvelope(t, requestID, payload)
}

// NewEvent builds an envelope for a one-way notification that expects no
// response correlation.
func NewEvent(t MessageType, payload interface{}) (*Envelope, error) {
	return newEnvelope(t, uuid.NewString(), payload)
}

func newEnvelope(t MessageType, id string, payload interface{}) (*Envelope, error) {
	raw, err := jsonCodec.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s payload", t)
	}
	return &Envelope{Type: t, ID: id, Payload: raw}, nil
}

// Marshal encodes the envelope as a single JSON object.
func (e *Envelope) Marshal() ([]byte, error) {
	b, err := jsonCodec.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s envelope", e.Type)
	}
	return b, nil
}

// UnmarshalEnvelope decodes one control message. The payload stays raw until
// the dispatcher knows its type.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := jsonCodec.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "unmarshal control message")
	}
	if e.Type == "" {
		return nil, errors.New("control message missing type")
	}
	return &e, nil
}

// DecodePayload decodes the raw payload into the typed struct for the
// envelope's message type.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return errors.Errorf("%s message has empty payload", e.Type)
	}
	if err := jsonCodec.Unmarshal(e.Payload, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", e.Type)
	}
	return nil
}

// AuthRequest carries the shared bearer token.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthResponse reports the assigned client id on success.
type AuthResponse struct {
	Success  bool   `json:"success"`
	ClientID string `json:"clientId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RegisterRequest asks the server to open a public port forwarding to the
// client's local target.
type RegisterRequest struct {
	RemotePort int    `json:"remotePort"`
	LocalPort  int    `json:"localPort"`
	LocalHost  string `json:"localHost,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
}

// RegisterResponse acknowledges (or rejects) a registration.
type RegisterResponse struct {
	Success    bool   `json:"success"`
	RemotePort int    `json:"remotePort,omitempty"`
	RemoteURL  string `json:"remoteUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

// UnregisterRequest releases a previously registered public port.
type UnregisterRequest struct {
	RemotePort int `json:"remotePort"`
}

// Heartbeat carries a millisecond timestamp; the response echoes it.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// NewHeartbeat stamps a heartbeat with the current wall clock.
func NewHeartbeat() Heartbeat {
	return Heartbeat{Timestamp: time.Now().UnixMilli()}
}

// NewConnection announces a fresh logical connection to the owning client.
// For http connections the parsed request travels along; for websocket the
// sniffed upgrade headers are echoed for logging only.
type NewConnection struct {
	ConnectionID  string      `json:"connectionId"`
	Protocol      Protocol    `json:"protocol"`
	RemotePort    int         `json:"remotePort"`
	RemoteAddress string      `json:"remoteAddress"`
	URL           string      `json:"url,omitempty"`
	Method        string      `json:"method,omitempty"`
	Headers       http.Header `json:"headers,omitempty"`
	Body          string      `json:"body,omitempty"` // base64
	WSHeaders     http.Header `json:"wsHeaders,omitempty"`
}

// ConnectionClose tears down one logical connection; either side may send it.
type ConnectionClose struct {
	ConnectionID string `json:"connectionId"`
}

// ConnectionError reports an abnormal per-connection failure. The connection
// is torn down; the session survives.
type ConnectionError struct {
	ConnectionID string `json:"connectionId"`
	Error        string `json:"error"`
}

// HTTPResponse is the buffered response form: the whole body in one message.
type HTTPResponse struct {
	ConnectionID string      `json:"connectionId"`
	StatusCode   int         `json:"statusCode"`
	Headers      http.Header `json:"headers,omitempty"`
	Body         string      `json:"body,omitempty"` // base64
}

// HTTPResponseHeaders begins a streamed response.
type HTTPResponseHeaders struct {
	ConnectionID string      `json:"connectionId"`
	StatusCode   int         `json:"statusCode"`
	Headers      http.Header `json:"headers,omitempty"`
}

// HTTPResponseData carries one streamed response chunk.
type HTTPResponseData struct {
	ConnectionID string `json:"connectionId"`
	Data         string `json:"data"` // base64
}

// HTTPResponseEnd completes a streamed response.
type HTTPResponseEnd struct {
	ConnectionID string `json:"connectionId"`
}

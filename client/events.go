package client

import "github.com/chuantou/chuantou/protocol"

// SessionEventKind marks the lifecycle transitions of the control session.
type SessionEventKind int

const (
	// SessionUp fires after a successful auth handshake.
	SessionUp SessionEventKind = iota
	// SessionDown fires when the control link drops; the controller will
	// redial with backoff.
	SessionDown
	// SessionTerminal fires when the controller gives up: the server
	// rejected the token or the backoff schedule ran out.
	SessionTerminal
)

// SessionEvent is one lifecycle transition of the control session.
type SessionEvent struct {
	Kind     SessionEventKind
	ClientID string
	Err      error
}

// Events carries server-initiated notifications out of the controller's read
// loop. The channels are buffered; the orchestrator drains them promptly.
type Events struct {
	NewConnection   chan protocol.NewConnection
	ConnectionClose chan protocol.ConnectionClose
	ConnectionError chan protocol.ConnectionError
}

const eventQueueDepth = 64

func newEvents() *Events {
	return &Events{
		NewConnection:   make(chan protocol.NewConnection, eventQueueDepth),
		ConnectionClose: make(chan protocol.ConnectionClose, eventQueueDepth),
		ConnectionError: make(chan protocol.ConnectionError, eventQueueDepth),
	}
}

package server

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/chuantou/chuantou/protocol"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrPortTaken's text is the wire contract for duplicate registrations;
	// clients match on it.
	ErrPortTaken = errors.New("port already registered")

	ErrUnknownClient       = errors.New("unknown client")
	ErrNotAuthenticated    = errors.New("client not authenticated")
	ErrDuplicateConnection = errors.New("connection id already in use")
)

// ControlTransport is the session manager's handle on one client's control
// link: enough to push server-initiated events and to terminate the link when
// the session dies.
type ControlTransport interface {
	Send(env *protocol.Envelope) error
	Close() error
}

type clientSession struct {
	clientID      string
	remoteAddr    string
	createdAt     time.Time
	lastHeartbeat time.Time
	authenticated bool
	ports         map[int]struct{}
	connections   map[string]struct{}
	transport     ControlTransport
}

// LogicalConnection is the registry record of one user connection riding a
// session: tcp, websocket, http exchange or udp flow.
type LogicalConnection struct {
	ConnectionID string
	ClientID     string
	RemotePort   int
	Protocol     protocol.Protocol
	RemoteAddr   string
	CreatedAt    time.Time
}

// RemovedSession carries everything the server must tear down after a session
// leaves the registry.
type RemovedSession struct {
	ClientID    string
	Ports       []int
	Connections []string
}

// Stats is the /api/stats snapshot.
type Stats struct {
	AuthenticatedClients int `json:"authClients"`
	RegisteredPorts      int `json:"totalPorts"`
	ActiveConnections    int `json:"totalConnections"`
}

// SessionInfo is the /api/sessions entry for one client.
type SessionInfo struct {
	ClientID      string    `json:"clientId"`
	RemoteAddr    string    `json:"remoteAddr"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitempty"`
	Authenticated bool      `json:"authenticated"`
	Ports         []int     `json:"ports"`
	Connections   int       `json:"connections"`
}

// SessionManager is the authoritative registry of client sessions, registered
// public ports and live logical connections. One mutex guards all three maps
// so cross-checks (port ownership during registration, session liveness
// during connection admission) are atomic.
type SessionManager struct {
	log zerolog.Logger

	mu          sync.RWMutex
	sessions    map[string]*clientSession
	ports       map[int]string
	connections map[string]*LogicalConnection
}

func NewSessionManager(log *zerolog.Logger) *SessionManager {
	return &SessionManager{
		log:         log.With().Str("component", "sessions").Logger(),
		sessions:    make(map[string]*clientSession),
		ports:       make(map[int]string),
		connections: make(map[string]*LogicalConnection),
	}
}

// CreateSession admits a fresh control link and assigns it a client id. The
// session starts unauthenticated; everything except auth is refused until
// Authenticate.
func (m *SessionManager) CreateSession(remoteAddr string, transport ControlTransport) string {
	clientID := uuid.NewString()
	m.mu.Lock()
	m.sessions[clientID] = &clientSession{
		clientID:    clientID,
		remoteAddr:  remoteAddr,
		createdAt:   time.Now(),
		ports:       make(map[int]struct{}),
		connections: make(map[string]struct{}),
		transport:   transport,
	}
	m.mu.Unlock()
	return clientID
}

// Authenticate marks the session live and starts its heartbeat clock.
func (m *SessionManager) Authenticate(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientID]
	if !ok {
		return false
	}
	if !s.authenticated {
		s.authenticated = true
		authenticatedClients.Inc()
	}
	s.lastHeartbeat = time.Now()
	return true
}

func (m *SessionManager) IsAuthenticated(clientID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[clientID]
	return ok && s.authenticated
}

// RegisterPort reserves a public port for the client. The check and the
// reservation happen under one lock so two clients racing for the same port
// see exactly one winner.
func (m *SessionManager) RegisterPort(clientID string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientID]
	if !ok {
		return ErrUnknownClient
	}
	if !s.authenticated {
		return ErrNotAuthenticated
	}
	if _, taken := m.ports[port]; taken {
		return ErrPortTaken
	}
	m.ports[port] = clientID
	s.ports[port] = struct{}{}
	registeredPorts.Inc()
	return nil
}

// UnregisterPort releases a port if the client owns it.
func (m *SessionManager) UnregisterPort(clientID string, port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.ports[port]
	if !ok || owner != clientID {
		return false
	}
	delete(m.ports, port)
	if s, ok := m.sessions[clientID]; ok {
		delete(s.ports, port)
	}
	registeredPorts.Dec()
	return true
}

// ClientByPort resolves which session owns a public port.
func (m *SessionManager) ClientByPort(port int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clientID, ok := m.ports[port]
	return clientID, ok
}

// AddConnection records a new logical connection against its session.
func (m *SessionManager) AddConnection(clientID, connectionID string, port int, proto protocol.Protocol, remoteAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientID]
	if !ok {
		return ErrUnknownClient
	}
	if !s.authenticated {
		return ErrNotAuthenticated
	}
	if _, dup := m.connections[connectionID]; dup {
		return ErrDuplicateConnection
	}
	m.connections[connectionID] = &LogicalConnection{
		ConnectionID: connectionID,
		ClientID:     clientID,
		RemotePort:   port,
		Protocol:     proto,
		RemoteAddr:   remoteAddr,
		CreatedAt:    time.Now(),
	}
	s.connections[connectionID] = struct{}{}
	incrementConnections(proto)
	return nil
}

// RemoveConnection drops a logical connection record. Idempotent; teardown
// paths race each other and only the first one wins.
func (m *SessionManager) RemoveConnection(connectionID string) (LogicalConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[connectionID]
	if !ok {
		return LogicalConnection{}, false
	}
	delete(m.connections, connectionID)
	if s, ok := m.sessions[c.ClientID]; ok {
		delete(s.connections, connectionID)
	}
	decrementActiveConnections(c.Protocol)
	return *c, true
}

// Connection returns a snapshot of one logical connection record.
func (m *SessionManager) Connection(connectionID string) (LogicalConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[connectionID]
	if !ok {
		return LogicalConnection{}, false
	}
	return *c, true
}

// UpdateHeartbeat refreshes the session's liveness clock.
func (m *SessionManager) UpdateHeartbeat(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientID]
	if !ok || !s.authenticated {
		return false
	}
	s.lastHeartbeat = time.Now()
	return true
}

// ExpiredSessions lists authenticated sessions whose heartbeat has gone
// stale, plus sessions that never authenticated within the timeout.
func (m *SessionManager) ExpiredSessions(timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var expired []string
	for clientID, s := range m.sessions {
		switch {
		case s.authenticated && now.Sub(s.lastHeartbeat) > timeout:
			expired = append(expired, clientID)
		case !s.authenticated && now.Sub(s.createdAt) > timeout:
			expired = append(expired, clientID)
		}
	}
	return expired
}

// SessionIDs snapshots every live session id.
func (m *SessionManager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for clientID := range m.sessions {
		ids = append(ids, clientID)
	}
	return ids
}

// RemoveSession pops the session with all its port and connection state, and
// closes its control transport. Listeners and per-connection resources are
// the caller's to stop, using the returned inventory.
func (m *SessionManager) RemoveSession(clientID string) (*RemovedSession, bool) {
	m.mu.Lock()
	s, ok := m.sessions[clientID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	delete(m.sessions, clientID)
	removed := &RemovedSession{ClientID: clientID}
	for port := range s.ports {
		delete(m.ports, port)
		removed.Ports = append(removed.Ports, port)
		registeredPorts.Dec()
	}
	for connectionID := range s.connections {
		if c, ok := m.connections[connectionID]; ok {
			delete(m.connections, connectionID)
			decrementActiveConnections(c.Protocol)
		}
		removed.Connections = append(removed.Connections, connectionID)
	}
	if s.authenticated {
		authenticatedClients.Dec()
	}
	transport := s.transport
	m.mu.Unlock()

	sort.Ints(removed.Ports)
	if transport != nil {
		_ = transport.Close()
	}
	return removed, true
}

// SendToClient pushes a server-initiated message onto the owning control
// link.
func (m *SessionManager) SendToClient(clientID string, env *protocol.Envelope) error {
	m.mu.RLock()
	s, ok := m.sessions[clientID]
	var transport ControlTransport
	if ok {
		transport = s.transport
	}
	m.mu.RUnlock()
	if !ok || transport == nil {
		return ErrUnknownClient
	}
	return transport.Send(env)
}

// Stats snapshots the registry counters.
func (m *SessionManager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		RegisteredPorts:   len(m.ports),
		ActiveConnections: len(m.connections),
	}
	for _, s := range m.sessions {
		if s.authenticated {
			st.AuthenticatedClients++
		}
	}
	return st
}

// Sessions snapshots every session for the status API, sorted by connect
// time so repeated calls paginate stably.
func (m *SessionManager) Sessions() []SessionInfo {
	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		info := SessionInfo{
			ClientID:      s.clientID,
			RemoteAddr:    s.remoteAddr,
			ConnectedAt:   s.createdAt,
			LastHeartbeat: s.lastHeartbeat,
			Authenticated: s.authenticated,
			Ports:         make([]int, 0, len(s.ports)),
			Connections:   len(s.connections),
		}
		for port := range s.ports {
			info.Ports = append(info.Ports, port)
		}
		sort.Ints(info.Ports)
		infos = append(infos, info)
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ClientID < infos[j].ClientID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// StatsJSON implements metrics.Broker.
func (m *SessionManager) StatsJSON() ([]byte, error) {
	return jsonCodec.Marshal(m.Stats())
}

// SessionsJSON implements metrics.Broker.
func (m *SessionManager) SessionsJSON() ([]byte, error) {
	return jsonCodec.Marshal(m.Sessions())
}

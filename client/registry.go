package client

import (
	"sort"
	"sync"

	"github.com/chuantou/chuantou/config"
)

// ProxyRegistry tracks the desired forwarding rules, the handler serving each
// public port, and which registrations the current session has acked. Config
// reloads diff against it.
type ProxyRegistry struct {
	mu         sync.RWMutex
	rules      map[int]config.Proxy
	handlers   map[int]*UnifiedHandler
	registered map[int]string
}

func NewProxyRegistry() *ProxyRegistry {
	return &ProxyRegistry{
		rules:      make(map[int]config.Proxy),
		handlers:   make(map[int]*UnifiedHandler),
		registered: make(map[int]string),
	}
}

// Apply reconciles the registry with a desired rule set. New ports get a
// handler from build and are returned as added; ports that disappeared are
// dropped and returned as removed. A rule whose port survives but whose
// target changed swaps in place: no server round trip is needed because the
// public port stays the same.
func (r *ProxyRegistry) Apply(rules []config.Proxy, build func(config.Proxy) *UnifiedHandler) (added []config.Proxy, removed []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[int]config.Proxy, len(rules))
	for _, rule := range rules {
		next[rule.RemotePort] = rule
	}
	for port, rule := range next {
		current, ok := r.rules[port]
		if !ok {
			r.rules[port] = rule
			r.handlers[port] = build(rule)
			added = append(added, rule)
			continue
		}
		if current.Hash() != rule.Hash() {
			r.rules[port] = rule
			r.handlers[port].SetRule(rule)
		}
	}
	for port := range r.rules {
		if _, keep := next[port]; !keep {
			delete(r.rules, port)
			delete(r.handlers, port)
			delete(r.registered, port)
			removed = append(removed, port)
		}
	}

	sort.Slice(added, func(i, j int) bool { return added[i].RemotePort < added[j].RemotePort })
	sort.Ints(removed)
	return added, removed
}

// Rules snapshots the desired rules sorted by public port.
func (r *ProxyRegistry) Rules() []config.Proxy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules := make([]config.Proxy, 0, len(r.rules))
	for _, rule := range r.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].RemotePort < rules[j].RemotePort })
	return rules
}

// Handler resolves the handler serving a public port.
func (r *ProxyRegistry) Handler(port int) *UnifiedHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[port]
}

// MarkRegistered records the server's ack for a port.
func (r *ProxyRegistry) MarkRegistered(port int, remoteURL string) {
	r.mu.Lock()
	r.registered[port] = remoteURL
	r.mu.Unlock()
}

// ClearRegistered forgets all acks; called when the session drops so the next
// session re-registers everything.
func (r *ProxyRegistry) ClearRegistered() {
	r.mu.Lock()
	r.registered = make(map[int]string)
	r.mu.Unlock()
}

// RegisteredPorts lists ports the current session has acked, sorted.
func (r *ProxyRegistry) RegisteredPorts() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ports := make([]int, 0, len(r.registered))
	for port := range r.registered {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

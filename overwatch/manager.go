// Package overwatch supervises long-running listener services. The server
// registers one service per public proxy port; replacing a registration
// shuts the old listener down before the new one starts.
package overwatch

// Service is the required functions for an object to be managed by the
// overwatch Manager.
type Service interface {
	Name() string
	Type() string
	Hash() string
	Shutdown()
	Run() error
}

// Manager is the base type to manage running services.
type Manager interface {
	Add(Service)
	Remove(string)
	Services() []Service
}

package overwatch

import "sync"

// ServiceCallback is how a service notifies that its runloop finished.
// The parameters are the service type, the service name, and an optional
// error if the service failed.
type ServiceCallback func(string, string, error)

// AppManager is the default implementation of overwatch service management.
// Registrations and removals arrive from concurrent control links, so the
// service map is guarded.
type AppManager struct {
	mu       sync.Mutex
	services map[string]Service
	callback ServiceCallback
}

// NewAppManager creates a new overwatch manager.
func NewAppManager(callback ServiceCallback) Manager {
	return &AppManager{services: make(map[string]Service), callback: callback}
}

// Add takes in a new service to manage. It stops any existing service of
// the same name unless it hashes identically, then starts the new one.
func (m *AppManager) Add(service Service) {
	m.mu.Lock()
	if currentService, ok := m.services[service.Name()]; ok {
		if currentService.Hash() == service.Hash() {
			m.mu.Unlock()
			return // the exact same service, no changes, so move along
		}
		currentService.Shutdown()
	}
	m.services[service.Name()] = service
	m.mu.Unlock()

	go m.serviceRun(service)
}

// Remove shuts down the service by name and removes it from its current
// management list.
func (m *AppManager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if currentService, ok := m.services[name]; ok {
		currentService.Shutdown()
	}
	delete(m.services, name)
}

// Services returns all the current Services being managed.
func (m *AppManager) Services() []Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	values := make([]Service, 0, len(m.services))
	for _, value := range m.services {
		values = append(values, value)
	}
	return values
}

func (m *AppManager) serviceRun(service Service) {
	err := service.Run()
	if m.callback != nil {
		m.callback(service.Type(), service.Name(), err)
	}
}

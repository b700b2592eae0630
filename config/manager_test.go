package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuantou/chuantou/watcher"
)

type mockNotifier struct {
	configs []*ClientConfig
}

func (n *mockNotifier) ConfigDidUpdate(c *ClientConfig) {
	n.configs = append(n.configs, c)
}

type mockFileWatcher struct {
	path     string
	notifier watcher.Notification
	started  chan struct{}
}

func (w *mockFileWatcher) Start(n watcher.Notification) {
	w.notifier = n
	close(w.started)
}

func (w *mockFileWatcher) Add(string) error {
	return nil
}

func (w *mockFileWatcher) Shutdown() {
}

func (w *mockFileWatcher) TriggerChange() {
	w.notifier.WatcherItemDidChange(w.path)
}

func TestConfigChanged(t *testing.T) {
	filePath := "client.yaml"
	current := &ClientConfig{
		ServerURL: "ws://localhost:7000",
		Proxies: []Proxy{
			{RemotePort: 8080, LocalPort: 3000},
		},
	}
	configRead := func(string) (*ClientConfig, error) {
		snapshot := *current
		snapshot.Proxies = append([]Proxy(nil), current.Proxies...)
		return &snapshot, nil
	}
	w := &mockFileWatcher{path: filePath, started: make(chan struct{})}

	log := zerolog.Nop()
	service, err := NewFileManager(w, filePath, &log)
	require.NoError(t, err)
	service.ReadConfig = configRead

	n := &mockNotifier{}
	require.NoError(t, service.Start(n))

	<-w.started
	current.Proxies = append(current.Proxies, Proxy{RemotePort: 2222, LocalPort: 22})
	w.TriggerChange()

	service.Shutdown()

	require.Len(t, n.configs, 2, "did not get 2 config updates as expected")
	assert.Len(t, n.configs[0].Proxies, 1)
	assert.Len(t, n.configs[1].Proxies, 2)
	assert.Equal(t, n.configs[0].Proxies[0].Hash(), n.configs[1].Proxies[0].Hash())
}

func TestConfigManagerKeepsOldConfigOnReadError(t *testing.T) {
	w := &mockFileWatcher{path: "client.yaml", started: make(chan struct{})}
	log := zerolog.Nop()
	service, err := NewFileManager(w, "client.yaml", &log)
	require.NoError(t, err)

	good := &ClientConfig{ServerURL: "ws://localhost:7000"}
	fail := false
	service.ReadConfig = func(string) (*ClientConfig, error) {
		if fail {
			return nil, assert.AnError
		}
		return good, nil
	}

	n := &mockNotifier{}
	require.NoError(t, service.Start(n))
	<-w.started

	fail = true
	w.TriggerChange()
	service.Shutdown()

	assert.Len(t, n.configs, 1, "a bad config must not reach the notifier")
}

//go:build !windows

package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	mu        sync.Mutex
	eventPath string
}

func (n *mockNotifier) WatcherItemDidChange(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.eventPath = path
}

func (n *mockNotifier) WatcherDidError(err error) {
}

func (n *mockNotifier) lastEventPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.eventPath
}

func TestFileChanged(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "client.yml")
	f, err := os.Create(filePath)
	require.NoError(t, err)
	defer f.Close()

	service, err := NewFile()
	require.NoError(t, err)
	require.NoError(t, service.Add(filePath))

	n := &mockNotifier{}
	go service.Start(n)

	_, err = f.WriteString("proxies: []\n")
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	// give the event time to trigger
	deadline := time.After(2 * time.Second)
	for n.lastEventPath() == "" {
		select {
		case <-deadline:
			t.Fatal("notifier didn't get a file write event")
		case <-time.After(10 * time.Millisecond):
		}
	}
	service.Shutdown()

	assert.Equal(t, filePath, n.lastEventPath())
}

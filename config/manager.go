package config

import (
	"github.com/rs/zerolog"

	"github.com/chuantou/chuantou/watcher"
)

// Notifier receives config updates from the file manager.
type Notifier interface {
	ConfigDidUpdate(*ClientConfig)
}

// Manager is the base functions of the config manager.
type Manager interface {
	Start(Notifier) error
	Shutdown()
}

// FileManager watches the client YAML for changes and sends updates to the
// notifier so it can re-register proxies to match the edited file.
type FileManager struct {
	watcher    watcher.Notifier
	notifier   Notifier
	configPath string
	log        *zerolog.Logger
	ReadConfig func(string) (*ClientConfig, error)
}

// NewFileManager creates a config manager watching configPath.
func NewFileManager(watcher watcher.Notifier, configPath string, log *zerolog.Logger) (*FileManager, error) {
	m := &FileManager{
		watcher:    watcher,
		configPath: configPath,
		log:        log,
		ReadConfig: ReadClientConfig,
	}
	err := watcher.Add(configPath)
	return m, err
}

// Start reads the config once, hands it to the notifier, then begins the
// watch runloop.
func (m *FileManager) Start(notifier Notifier) error {
	m.notifier = notifier

	config, err := m.GetConfig()
	if err != nil {
		return err
	}
	notifier.ConfigDidUpdate(config)

	go m.watcher.Start(m)
	return nil
}

// GetConfig reads the yaml file from the disk.
func (m *FileManager) GetConfig() (*ClientConfig, error) {
	return m.ReadConfig(m.configPath)
}

// Shutdown stops the watcher.
func (m *FileManager) Shutdown() {
	m.watcher.Shutdown()
}

// WatcherItemDidChange triggers when the yaml config is updated and sends
// the new config to the notifier. A file mid-edit may fail to parse or
// validate; the previous config stays in effect.
func (m *FileManager) WatcherItemDidChange(filepath string) {
	config, err := m.GetConfig()
	if err != nil {
		m.log.Err(err).Msg("Failed to read new config")
		return
	}
	m.log.Info().Msg("Config file has been updated")
	m.notifier.ConfigDidUpdate(config)
}

// WatcherDidError notifies of errors with the file watcher.
func (m *FileManager) WatcherDidError(err error) {
	m.log.Err(err).Msg("Config watcher encountered an error")
}

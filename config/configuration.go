// Package config reads and validates the YAML configuration files for both
// roles and watches the client file for live edits.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v3"

	"github.com/chuantou/chuantou/validation"
)

var (
	// DefaultConfigFiles is the file names from which we attempt to read
	// configuration, per role.
	DefaultServerConfigFiles = []string{"server.yml", "server.yaml"}
	DefaultClientConfigFiles = []string{"client.yml", "client.yaml"}

	// Launchd and systemd don't set user env variables, so search fixed
	// locations after the user's own directory.
	defaultConfigDirs = []string{"~/.chuantou", "/etc/chuantou", "/usr/local/etc/chuantou"}

	ErrNoConfigFile = fmt.Errorf("cannot determine default configuration path, no config file in %v", defaultConfigDirs)
)

// FindDefaultConfigPath returns the first existing config file for the
// given role's default file names, or empty when none exists.
func FindDefaultConfigPath(fileNames []string) string {
	for _, configDir := range defaultConfigDirs {
		for _, configFile := range fileNames {
			dirPath, err := homedir.Expand(configDir)
			if err != nil {
				continue
			}
			path := filepath.Join(dirPath, configFile)
			if ok, _ := fileExists(path); ok {
				return path
			}
		}
	}
	return ""
}

func fileExists(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	_ = f.Close()
	return true, nil
}

// ReadServerConfig loads, normalizes and validates a server config file.
func ReadServerConfig(path string) (*ServerConfig, error) {
	var config ServerConfig
	if err := readYAML(path, &config); err != nil {
		return nil, err
	}
	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ReadClientConfig loads, normalizes and validates a client config file.
func ReadClientConfig(path string) (*ClientConfig, error) {
	var config ClientConfig
	if err := readYAML(path, &config); err != nil {
		return nil, err
	}
	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func readYAML(path string, out interface{}) error {
	if path == "" {
		return ErrNoConfigFile
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return errors.Wrapf(err, "expand config path %s", path)
	}
	file, err := os.Open(expanded)
	if err != nil {
		return errors.Wrapf(err, "open config file %s", expanded)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(out); err != nil {
		return errors.Wrapf(err, "error parsing YAML in config file at %s", expanded)
	}
	return nil
}

// Normalize fills defaults for unset fields.
func (c *ServerConfig) Normalize() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.ControlPort == 0 {
		c.ControlPort = DefaultControlPort
	}
	if c.PublicHost == "" {
		c.PublicHost = c.Host
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = Duration(DefaultSessionTimeout)
	}
}

// Validate rejects configurations the server cannot run with.
func (c *ServerConfig) Validate() error {
	if c.ControlPort < 1 || c.ControlPort > validation.MaxPublicPort {
		return errors.Errorf("controlPort %d out of range", c.ControlPort)
	}
	if _, err := validation.ValidateHostname(c.PublicHost); err != nil {
		return errors.Wrap(err, "publicHost")
	}
	if timeout := c.SessionTimeout.Duration(); timeout < MinSessionTimeout || timeout > MaxSessionTimeout {
		return errors.Errorf("sessionTimeout %s out of range (%s-%s)", timeout, MinSessionTimeout, MaxSessionTimeout)
	}
	if c.HeartbeatInterval.Duration() <= 0 {
		return errors.New("heartbeatInterval must be positive")
	}
	if c.TLS != nil && (c.TLS.Cert == "" || c.TLS.Key == "") {
		return errors.New("tls requires both cert and key")
	}
	return nil
}

// Normalize fills defaults for unset fields.
func (c *ClientConfig) Normalize() {
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = Duration(DefaultReconnectInterval)
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultReconnectAttempts
	}
	for i := range c.Proxies {
		if c.Proxies[i].LocalHost == "" {
			c.Proxies[i].LocalHost = "127.0.0.1"
		}
	}
}

// Validate rejects configurations the client cannot run with.
func (c *ClientConfig) Validate() error {
	if _, err := validation.ValidateControlURL(c.ServerURL); err != nil {
		return err
	}
	seen := make(map[int]struct{}, len(c.Proxies))
	for _, proxy := range c.Proxies {
		if err := validation.ValidatePublicPort(proxy.RemotePort); err != nil {
			return err
		}
		if _, err := validation.ValidateLocalTarget(proxy.LocalHost, proxy.LocalPort); err != nil {
			return err
		}
		if _, dup := seen[proxy.RemotePort]; dup {
			return errors.Errorf("duplicate remotePort %d in proxies", proxy.RemotePort)
		}
		seen[proxy.RemotePort] = struct{}{}
	}
	return nil
}

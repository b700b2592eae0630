package config

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Normalize. Times follow the protocol contract: the
// client heartbeats every 30s and the server evicts sessions quiet for
// longer than the session timeout.
const (
	DefaultControlPort       = 7000
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSessionTimeout    = 90 * time.Second
	DefaultReconnectInterval = time.Second
	DefaultReconnectAttempts = 10

	MinSessionTimeout = 60 * time.Second
	MaxSessionTimeout = 120 * time.Second
)

// Duration wraps time.Duration so YAML configs can say "90s" or "2m".
type Duration time.Duration

// UnmarshalYAML accepts either a Go duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// TLS points at the certificate pair wrapping the server's control port.
type TLS struct {
	Cert string `yaml:"cert" json:"cert"`
	Key  string `yaml:"key" json:"key"`
}

// ServerConfig is the YAML surface for the server role.
type ServerConfig struct {
	// Host is the bind address for the control and proxy listeners.
	Host string `yaml:"host" json:"host"`
	// ControlPort carries the control websocket, the TCP data channel and
	// (as a UDP socket of the same number) the UDP data channel.
	ControlPort int `yaml:"controlPort" json:"controlPort"`
	// PublicHost is the hostname announced to clients in remote URLs.
	// Defaults to Host when unset.
	PublicHost string `yaml:"publicHost,omitempty" json:"publicHost,omitempty"`
	// AuthTokens lists accepted bearer tokens. Empty accepts any token;
	// that mode is for development only.
	AuthTokens []string `yaml:"authTokens,omitempty" json:"authTokens,omitempty"`

	HeartbeatInterval Duration `yaml:"heartbeatInterval,omitempty" json:"heartbeatInterval,omitempty"`
	SessionTimeout    Duration `yaml:"sessionTimeout,omitempty" json:"sessionTimeout,omitempty"`

	TLS *TLS `yaml:"tls,omitempty" json:"tls,omitempty"`

	// MetricsAddr binds the status and prometheus server; empty disables it.
	MetricsAddr string `yaml:"metricsAddr,omitempty" json:"metricsAddr,omitempty"`

	LogLevel     string `yaml:"logLevel,omitempty" json:"logLevel,omitempty"`
	LogFile      string `yaml:"logFile,omitempty" json:"logFile,omitempty"`
	LogDirectory string `yaml:"logDirectory,omitempty" json:"logDirectory,omitempty"`
}

// Proxy is one client-side forwarding rule: a public port on the server
// spliced to a local service.
type Proxy struct {
	RemotePort int    `yaml:"remotePort" json:"remotePort"`
	LocalPort  int    `yaml:"localPort" json:"localPort"`
	LocalHost  string `yaml:"localHost,omitempty" json:"localHost,omitempty"`
	// Protocol is an advisory hint (http, tcp); the server sniffs the
	// real protocol per connection.
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
}

// Hash fingerprints a proxy rule so config reloads can tell a changed rule
// from an identical one.
func (p Proxy) Hash() string {
	h := sha256.New()
	_, _ = io.WriteString(h, strconv.Itoa(p.RemotePort))
	_, _ = io.WriteString(h, strconv.Itoa(p.LocalPort))
	_, _ = io.WriteString(h, p.LocalHost)
	_, _ = io.WriteString(h, p.Protocol)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ClientConfig is the YAML surface for the client role.
type ClientConfig struct {
	// ServerURL is the control-link target, ws:// or wss://.
	ServerURL string `yaml:"serverUrl" json:"serverUrl"`
	Token     string `yaml:"token" json:"token"`

	// ReconnectInterval is the base delay for exponential backoff after
	// the control link drops.
	ReconnectInterval Duration `yaml:"reconnectInterval,omitempty" json:"reconnectInterval,omitempty"`
	// MaxReconnectAttempts caps the backoff schedule before the client
	// gives up and surfaces a terminal error.
	MaxReconnectAttempts uint `yaml:"maxReconnectAttempts,omitempty" json:"maxReconnectAttempts,omitempty"`

	Proxies []Proxy `yaml:"proxies,omitempty" json:"proxies,omitempty"`

	// RootCA pins a private CA for wss and TLS data channels.
	RootCA string `yaml:"rootCA,omitempty" json:"rootCA,omitempty"`
	// InsecureSkipVerify disables server certificate verification.
	// Development only.
	InsecureSkipVerify bool `yaml:"insecureSkipVerify,omitempty" json:"insecureSkipVerify,omitempty"`

	// MetricsAddr binds the client's prometheus endpoint; empty disables it.
	MetricsAddr string `yaml:"metricsAddr,omitempty" json:"metricsAddr,omitempty"`

	// DebugTraffic logs the first N payload events of each proxied stream
	// at debug level. Zero disables the tee.
	DebugTraffic uint64 `yaml:"debugTraffic,omitempty" json:"debugTraffic,omitempty"`

	LogLevel     string `yaml:"logLevel,omitempty" json:"logLevel,omitempty"`
	LogFile      string `yaml:"logFile,omitempty" json:"logFile,omitempty"`
	LogDirectory string `yaml:"logDirectory,omitempty" json:"logDirectory,omitempty"`
}

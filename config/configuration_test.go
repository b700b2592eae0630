package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestReadServerConfig(t *testing.T) {
	path := writeConfig(t, `
host: 0.0.0.0
controlPort: 7000
publicHost: tunnel.example.com
authTokens:
  - secret-token
heartbeatInterval: 30s
sessionTimeout: 90s
tls:
  cert: /etc/chuantou/cert.pem
  key: /etc/chuantou/key.pem
`)
	config, err := ReadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", config.Host)
	assert.Equal(t, 7000, config.ControlPort)
	assert.Equal(t, "tunnel.example.com", config.PublicHost)
	assert.Equal(t, []string{"secret-token"}, config.AuthTokens)
	assert.Equal(t, 30*time.Second, config.HeartbeatInterval.Duration())
	assert.Equal(t, 90*time.Second, config.SessionTimeout.Duration())
	require.NotNil(t, config.TLS)
	assert.Equal(t, "/etc/chuantou/cert.pem", config.TLS.Cert)
}

func TestServerConfigDefaults(t *testing.T) {
	config, err := ReadServerConfig(writeConfig(t, `{}`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", config.Host)
	assert.Equal(t, DefaultControlPort, config.ControlPort)
	assert.Equal(t, config.Host, config.PublicHost)
	assert.Empty(t, config.AuthTokens)
	assert.Equal(t, DefaultHeartbeatInterval, config.HeartbeatInterval.Duration())
	assert.Equal(t, DefaultSessionTimeout, config.SessionTimeout.Duration())
}

func TestServerConfigRejectsBadSessionTimeout(t *testing.T) {
	_, err := ReadServerConfig(writeConfig(t, `sessionTimeout: 5s`))
	assert.Error(t, err)

	_, err = ReadServerConfig(writeConfig(t, `sessionTimeout: 10m`))
	assert.Error(t, err)
}

func TestServerConfigRejectsHalfTLS(t *testing.T) {
	_, err := ReadServerConfig(writeConfig(t, `
tls:
  cert: /etc/chuantou/cert.pem
`))
	assert.Error(t, err)
}

func TestReadClientConfig(t *testing.T) {
	path := writeConfig(t, `
serverUrl: ws://tunnel.example.com:7000
token: secret-token
reconnectInterval: 2s
maxReconnectAttempts: 5
proxies:
  - remotePort: 8080
    localPort: 3000
  - remotePort: 2222
    localPort: 22
    localHost: 10.0.0.5
`)
	config, err := ReadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://tunnel.example.com:7000", config.ServerURL)
	assert.Equal(t, "secret-token", config.Token)
	assert.Equal(t, 2*time.Second, config.ReconnectInterval.Duration())
	assert.Equal(t, uint(5), config.MaxReconnectAttempts)
	require.Len(t, config.Proxies, 2)
	assert.Equal(t, "127.0.0.1", config.Proxies[0].LocalHost)
	assert.Equal(t, "10.0.0.5", config.Proxies[1].LocalHost)
}

func TestClientConfigDurationAsSeconds(t *testing.T) {
	path := writeConfig(t, `
serverUrl: ws://localhost:7000
reconnectInterval: 3
`)
	config, err := ReadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, config.ReconnectInterval.Duration())
}

func TestClientConfigRejectsBadServerURL(t *testing.T) {
	_, err := ReadClientConfig(writeConfig(t, `serverUrl: http://tunnel.example.com`))
	assert.Error(t, err)

	_, err = ReadClientConfig(writeConfig(t, `{}`))
	assert.Error(t, err)
}

func TestClientConfigRejectsBadProxies(t *testing.T) {
	_, err := ReadClientConfig(writeConfig(t, `
serverUrl: ws://localhost:7000
proxies:
  - remotePort: 80
    localPort: 3000
`))
	assert.Error(t, err, "privileged remote port must be rejected")

	_, err = ReadClientConfig(writeConfig(t, `
serverUrl: ws://localhost:7000
proxies:
  - remotePort: 8080
    localPort: 3000
  - remotePort: 8080
    localPort: 3001
`))
	assert.Error(t, err, "duplicate remote ports must be rejected")
}

func TestProxyHashChangesWithTarget(t *testing.T) {
	a := Proxy{RemotePort: 8080, LocalPort: 3000}
	b := Proxy{RemotePort: 8080, LocalPort: 3001}
	c := Proxy{RemotePort: 8080, LocalPort: 3000}
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Equal(t, a.Hash(), c.Hash())
}

func TestFindDefaultConfigPathMissing(t *testing.T) {
	// The test environment has no chuantou config dirs; the search must
	// come back empty rather than erroring.
	assert.Equal(t, "", FindDefaultConfigPath([]string{"definitely-not-a-config.yml"}))
}

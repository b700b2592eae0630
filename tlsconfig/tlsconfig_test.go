package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestKeyPair(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "tunnel.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"tunnel.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func TestNewServerConfig(t *testing.T) {
	certPath, keyPath := writeTestKeyPair(t, t.TempDir())

	config, err := NewServerConfig(certPath, keyPath)
	require.NoError(t, err)
	assert.Len(t, config.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), config.MinVersion)
}

func TestNewServerConfigMissingFiles(t *testing.T) {
	_, err := NewServerConfig("/nonexistent/cert.pem", "/nonexistent/key.pem")
	assert.Error(t, err)
}

func TestNewClientConfigWithRootCA(t *testing.T) {
	certPath, _ := writeTestKeyPair(t, t.TempDir())

	config, err := NewClientConfig(certPath, "tunnel.test", false)
	require.NoError(t, err)
	assert.NotNil(t, config.RootCAs)
	assert.Equal(t, "tunnel.test", config.ServerName)
	assert.False(t, config.InsecureSkipVerify)
}

func TestNewClientConfigInsecure(t *testing.T) {
	config, err := NewClientConfig("", "", true)
	require.NoError(t, err)
	assert.Nil(t, config.RootCAs)
	assert.True(t, config.InsecureSkipVerify)
}

func TestLoadCertPoolRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a pem"), 0o600))
	_, err := LoadCertPool(path)
	assert.Error(t, err)
}

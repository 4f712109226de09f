package tlsutil

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.NotEmpty(t, cfg.CipherSuites)
	for _, cs := range cfg.CipherSuites {
		assert.True(t, IsAEAD(cs), "unexpected cipher suite %s", tls.CipherSuiteName(cs))
	}
}

func TestDefaultTLSConfig_Independent(t *testing.T) {
	a := DefaultTLSConfig()
	a.CipherSuites[0] = tls.TLS_RSA_WITH_AES_128_CBC_SHA
	a.ServerName = "redis.internal"

	b := DefaultTLSConfig()
	assert.True(t, IsAEAD(b.CipherSuites[0]))
	assert.Empty(t, b.ServerName)
}

func TestIsAEAD(t *testing.T) {
	assert.True(t, IsAEAD(tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256))
	assert.False(t, IsAEAD(tls.TLS_RSA_WITH_AES_128_CBC_SHA))
}

package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafOf(t *testing.T, c *tls.Certificate) *x509.Certificate {
	t.Helper()
	leaf, err := x509.ParseCertificate(c.Certificate[0])
	require.NoError(t, err)
	return leaf
}

func TestSetup_Disabled(t *testing.T) {
	cfg, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetup_NoSource(t *testing.T) {
	_, err := Setup(Config{Enabled: true})
	assert.Error(t, err)

	_, err = Setup(Config{Enabled: true, Dir: t.TempDir()})
	assert.ErrorContains(t, err, "auto_generate is off")
}

func TestSetup_AutoGenerateOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	cfg, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, DNSNames: []string{"teller.local"}})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)

	info, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	ca, err := os.ReadFile(filepath.Join(dir, tlsCaCrt))
	require.NoError(t, err)
	crt, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	assert.Equal(t, crt, ca)

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf := leafOf(t, cert)
	assert.Equal(t, []string{"teller.local"}, leaf.DNSNames)
	assert.Equal(t, "localhost", leaf.Subject.CommonName)
	assert.Len(t, leaf.IPAddresses, 2)

	_, err = Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	again, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	assert.Equal(t, crt, again, "existing pair must be reused")
}

func TestSelfSigned_PEM(t *testing.T) {
	certPEM, keyPEM, err := SelfSigned{CommonName: "n", ValidFor: time.Hour}.PEM()
	require.NoError(t, err)

	block, _ := pem.Decode(keyPEM)
	require.NotNil(t, block)
	assert.Equal(t, "PRIVATE KEY", block.Type)

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	leaf := leafOf(t, &pair)
	assert.True(t, leaf.IsCA)
	assert.WithinDuration(t, time.Now().Add(time.Hour), leaf.NotAfter, time.Minute)
}

func TestSetup_ExplicitFilesReload(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")
	write := func(cn string, mod time.Time) {
		c, k, err := SelfSigned{CommonName: cn, ValidFor: time.Hour}.PEM()
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(certPath, c, 0o644))
		require.NoError(t, os.WriteFile(keyPath, k, 0o600))
		require.NoError(t, os.Chtimes(certPath, mod, mod))
		require.NoError(t, os.Chtimes(keyPath, mod, mod))
	}
	write("first", time.Now().Add(-time.Hour))

	cfg, err := Setup(Config{Enabled: true, CertFile: certPath, KeyFile: keyPath, MinVersion: "1.3"})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)

	c1, err := cfg.GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, "first", leafOf(t, c1).Subject.CommonName)
	c1b, err := cfg.GetCertificate(nil)
	require.NoError(t, err)
	assert.Same(t, c1, c1b, "unchanged files are served from cache")

	write("second", time.Now())
	c2, err := cfg.GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, "second", leafOf(t, c2).Subject.CommonName)
}

func TestSetup_MissingOrBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "a.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("junk"), 0o600))

	_, err := Setup(Config{Enabled: true, CertFile: filepath.Join(dir, "missing.crt"), KeyFile: keyPath})
	assert.ErrorContains(t, err, "not found")

	certPath := filepath.Join(dir, "a.crt")
	require.NoError(t, os.WriteFile(certPath, []byte("junk"), 0o644))
	_, err = Setup(Config{Enabled: true, CertFile: certPath, KeyFile: keyPath})
	assert.ErrorContains(t, err, "load key pair")
}

func TestVersionRange(t *testing.T) {
	lo, hi := versionRange(Config{})
	assert.Equal(t, uint16(tls.VersionTLS12), lo)
	assert.Equal(t, uint16(tls.VersionTLS13), hi)

	lo, hi = versionRange(Config{MinVersion: "1.3", MaxVersion: "TLS1.2"})
	assert.Equal(t, uint16(tls.VersionTLS13), lo)
	assert.Equal(t, uint16(tls.VersionTLS13), hi)

	assert.True(t, ValidVersion(""))
	assert.True(t, ValidVersion("tls1.3"))
	assert.False(t, ValidVersion("ssl3"))
}

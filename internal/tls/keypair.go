package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// SelfSigned describes a generated certificate. The certificate is its own
// CA, so clients trust it by pinning tls_ca.crt.
type SelfSigned struct {
	CommonName string
	DNSNames   []string
	IPs        []net.IP
	ValidFor   time.Duration
}

// PEM returns the encoded certificate and PKCS#8 key.
func (s SelfSigned) PEM() (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: s.CommonName, Organization: []string{"banco"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(s.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              s.DNSNames,
		IPAddresses:           s.IPs,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), nil
}

// WriteDir stores tls.crt, tls.key and tls_ca.crt under dir.
func (s SelfSigned) WriteDir(dir string) error {
	certPEM, keyPEM, err := s.PEM()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{tlsKey, keyPEM, 0o600},
		{tlsCrt, certPEM, 0o644},
		{tlsCaCrt, certPEM, 0o644},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.perm); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}

func selfSignedFor(cfg Config) SelfSigned {
	s := SelfSigned{
		CommonName: cfg.CommonName,
		DNSNames:   cfg.DNSNames,
		IPs:        []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		ValidFor:   time.Duration(cfg.ValidDays) * 24 * time.Hour,
	}
	if s.CommonName == "" {
		s.CommonName = "localhost"
	}
	if len(s.DNSNames) == 0 {
		s.DNSNames = []string{"localhost"}
	}
	if cfg.ValidDays <= 0 {
		s.ValidFor = 365 * 24 * time.Hour
	}
	return s
}

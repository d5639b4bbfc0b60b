// Package tls builds the TLS configuration of the admin HTTP listener.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Config selects the certificate source. Explicit files win over Dir;
// with AutoGenerate a self-signed pair is written to Dir when missing.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	CommonName   string   `mapstructure:"common_name"`
	DNSNames     []string `mapstructure:"dns_names"`
	ValidDays    int      `mapstructure:"valid_days"`
	MinVersion   string   `mapstructure:"min_version"` // "1.2" or "1.3"
	MaxVersion   string   `mapstructure:"max_version"`
}

var versions = map[string]uint16{
	"1.2": tls.VersionTLS12, "tls1.2": tls.VersionTLS12, "TLS1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13, "tls1.3": tls.VersionTLS13, "TLS1.3": tls.VersionTLS13,
}

// ValidVersion reports whether v is empty or a known version string.
func ValidVersion(v string) bool {
	_, ok := versions[v]
	return v == "" || ok
}

// versionRange defaults to 1.2..1.3 and never returns max below min.
func versionRange(cfg Config) (lo, hi uint16) {
	lo, hi = tls.VersionTLS12, tls.VersionTLS13
	if v, ok := versions[cfg.MinVersion]; ok {
		lo = v
	}
	if v, ok := versions[cfg.MaxVersion]; ok {
		hi = v
	}
	return lo, max(lo, hi)
}

// Setup returns nil when TLS is disabled.
func Setup(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	certPath, keyPath, err := locate(cfg)
	if err != nil {
		return nil, err
	}
	r := &reloader{certPath: certPath, keyPath: keyPath}
	if _, err := r.load(); err != nil {
		return nil, err
	}
	lo, hi := versionRange(cfg)
	return &tls.Config{GetCertificate: r.get, MinVersion: lo, MaxVersion: hi}, nil
}

func locate(cfg Config) (string, string, error) {
	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		if !exists(cfg.CertFile) || !exists(cfg.KeyFile) {
			return "", "", fmt.Errorf("certificate %s or key %s not found", cfg.CertFile, cfg.KeyFile)
		}
		return cfg.CertFile, cfg.KeyFile, nil
	case cfg.Dir != "":
		certPath, keyPath := filepath.Join(cfg.Dir, tlsCrt), filepath.Join(cfg.Dir, tlsKey)
		if exists(certPath) && exists(keyPath) {
			return certPath, keyPath, nil
		}
		if !cfg.AutoGenerate {
			return "", "", fmt.Errorf("no certificate in %s and auto_generate is off", cfg.Dir)
		}
		if err := selfSignedFor(cfg).WriteDir(cfg.Dir); err != nil {
			return "", "", fmt.Errorf("certificate generation failed: %w", err)
		}
		return certPath, keyPath, nil
	default:
		return "", "", errors.New("TLS enabled but no valid certificate configuration found")
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// reloader serves the pair from disk and re-reads it when either file's
// modification time changes, so a rotated certificate needs no restart.
type reloader struct {
	certPath, keyPath string

	mu      sync.Mutex
	cert    *tls.Certificate
	certMod time.Time
	keyMod  time.Time
}

func (r *reloader) get(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.load()
}

func (r *reloader) load() (*tls.Certificate, error) {
	cs, err := os.Stat(r.certPath)
	if err != nil {
		return nil, err
	}
	ks, err := os.Stat(r.keyPath)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cert != nil && cs.ModTime().Equal(r.certMod) && ks.ModTime().Equal(r.keyMod) {
		return r.cert, nil
	}
	pair, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	r.cert, r.certMod, r.keyMod = &pair, cs.ModTime(), ks.ModTime()
	return r.cert, nil
}

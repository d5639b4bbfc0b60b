package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/loykin/banco/internal/node"
)

const defaultBaseURL = "http://localhost:8080/api"

// Admin talks to the teller's HTTP admin API.
type Admin struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds admin client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool
	CACert     string // CA certificate file path
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// NewAdmin creates an admin API client. A broken TLS setup is logged and
// the client falls back to the default transport settings.
func NewAdmin(config Config) *Admin {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Admin{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

func (a *Admin) ListNodes(ctx context.Context) (map[string]node.Node, error) {
	var out listResponse
	if err := a.do(ctx, http.MethodGet, "/nodes", nil, &out); err != nil {
		return nil, err
	}
	if out.Nodes == nil {
		out.Nodes = map[string]node.Node{}
	}
	return out.Nodes, nil
}

// StartNode registers and spawns a node and returns its entry.
func (a *Admin) StartNode(ctx context.Context, req StartRequest) (NodeInfo, error) {
	a.logger.Debug("Starting node", "name", req.Name, "path", req.ExecutablePath)
	var info NodeInfo
	if err := a.do(ctx, http.MethodPost, "/nodes", req, &info); err != nil {
		return NodeInfo{}, err
	}
	return info, nil
}

func (a *Admin) Describe(ctx context.Context, name string) (NodeInfo, error) {
	var info NodeInfo
	if err := a.do(ctx, http.MethodGet, nodePath(name), nil, &info); err != nil {
		return NodeInfo{}, err
	}
	return info, nil
}

// RemoveNode drops a stopped node. Removing a live node fails with an
// error matching node.ErrNodeActive.
func (a *Admin) RemoveNode(ctx context.Context, name string) error {
	return a.do(ctx, http.MethodDelete, nodePath(name), nil, nil)
}

func (a *Admin) Heartbeat(ctx context.Context, name string) error {
	return a.do(ctx, http.MethodPost, nodePath(name)+"/heartbeat", nil, nil)
}

func nodePath(name string) string { return "/nodes/" + url.PathEscape(name) }

func (a *Admin) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Error("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return a.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (a *Admin) errorFrom(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		a.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	a.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	if config.TLS.SkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

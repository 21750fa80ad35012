// Package client talks to a renderd daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// DefaultBaseURL matches the daemon's default listen address and base path.
const DefaultBaseURL = "http://127.0.0.1:8089/api"

// Client provides HTTP client functionality to communicate with the renderd daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each request; ensure and stop block server-side for
	// the startup window and the stop timeout.
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError for a missing key.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsPoolExhausted reports whether err means every port is taken.
func IsPoolExhausted(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// New creates a renderd API client. TLS setup errors are returned rather
// than silently falling back to an unverified transport.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, err := c.send(ctx, http.MethodGet, "/servers", nil, nil)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug("Daemon reachability check", "status", resp.StatusCode)
	return resp.StatusCode == http.StatusOK
}

// Ensure asks the daemon for a running render server for key. On launch
// failure or pool exhaustion the daemon still returns a result, which is
// returned together with an *APIError.
func (c *Client) Ensure(ctx context.Context, key, casePath string) (EnsureResult, error) {
	var res EnsureResult
	err := c.doJSON(ctx, http.MethodPost, "/ensure", nil, EnsureRequest{Key: key, CasePath: casePath}, &res)
	return res, err
}

// Stop stops key's render server. Stopping an already stopped key succeeds.
func (c *Client) Stop(ctx context.Context, key string) (StopResult, error) {
	var res StopResult
	err := c.doJSON(ctx, http.MethodPost, "/stop", url.Values{"key": {key}}, nil, &res)
	return res, err
}

// Touch records activity for key so the inactive sweep leaves it alone.
func (c *Client) Touch(ctx context.Context, key string) error {
	return c.doJSON(ctx, http.MethodPost, "/touch", url.Values{"key": {key}}, nil, nil)
}

// Remove stops key's server if needed and deletes its record.
func (c *Client) Remove(ctx context.Context, key string) error {
	return c.doJSON(ctx, http.MethodDelete, "/servers/"+url.PathEscape(key), nil, nil, nil)
}

func (c *Client) List(ctx context.Context) (Listing, error) {
	var l Listing
	err := c.doJSON(ctx, http.MethodGet, "/servers", nil, nil, &l)
	return l, err
}

func (c *Client) Get(ctx context.Context, key string) (Record, error) {
	var r Record
	err := c.doJSON(ctx, http.MethodGet, "/servers/"+url.PathEscape(key), nil, nil, &r)
	return r, err
}

// CleanupDead triggers a dead-process sweep and returns the stopped keys.
func (c *Client) CleanupDead(ctx context.Context) ([]string, error) {
	var r keysResponse
	err := c.doJSON(ctx, http.MethodPost, "/cleanup/dead", nil, nil, &r)
	return r.Keys, err
}

// CleanupInactive stops servers idle longer than maxAge; zero uses the
// daemon's configured default.
func (c *Client) CleanupInactive(ctx context.Context, maxAge time.Duration) ([]string, error) {
	var q url.Values
	if maxAge > 0 {
		q = url.Values{"max_age": {maxAge.String()}}
	}
	var r keysResponse
	err := c.doJSON(ctx, http.MethodPost, "/cleanup/inactive", q, nil, &r)
	return r.Keys, err
}

// ReleasePort kills whatever holds port and reports whether anything was released.
func (c *Client) ReleasePort(ctx context.Context, port int) (bool, error) {
	var r releaseResponse
	err := c.doJSON(ctx, http.MethodPost, "/ports/"+strconv.Itoa(port)+"/release", nil, nil, &r)
	return r.Released, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
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

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// doJSON performs the request and decodes a JSON answer into out. Error
// answers are decoded into out too when they carry a result body, and
// into an *APIError either way.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return c.apiError(resp.StatusCode, data, out)
}

func (c *Client) apiError(code int, data []byte, out any) error {
	var probe struct {
		Error        string `json:"error"`
		ErrorMessage string `json:"error_message"`
		Message      string `json:"message"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.logger.Debug("Failed to decode error response", "status", code)
		return &APIError{StatusCode: code, Message: http.StatusText(code)}
	}
	msg := probe.Error
	if msg == "" && (probe.ErrorMessage != "" || probe.Message != "") {
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		msg = probe.ErrorMessage
		if msg == "" {
			msg = probe.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	c.logger.Debug("API request failed", "error", msg, "status", code)
	return &APIError{StatusCode: code, Message: msg}
}

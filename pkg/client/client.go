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
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Client talks to the devilcloud HTTP API.
type Client struct {
	baseURL string
	tenant  string
	admin   bool
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Tenant   string // sent as X-Tenant
	Admin    bool   // sent as X-Admin: true
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

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. An invalid TLS setup is returned as an error rather
// than silently falling back to plain defaults.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
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
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		tenant:  config.Tenant,
		admin:   config.Admin,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, "", nil); err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

// Submit registers a bot and returns its id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	var out submitResponse
	if err := c.do(ctx, http.MethodPost, "/bots", nil, bytes.NewReader(data), "application/json", &out); err != nil {
		return "", err
	}
	c.logger.Debug("Bot submitted", "id", out.ID, "executable", req.Executable)
	return out.ID, nil
}

// Upload sends a local script as a multipart upload and returns the new bot id.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (string, error) {
	// #nosec G304 -- the caller names the file to upload
	f, err := os.Open(req.Path)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range map[string]string{"owner": req.Owner, "runtime": req.Runtime, "name": req.Name} {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return "", err
		}
	}
	part, err := w.CreateFormFile("file", filepath.Base(req.Path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	var out submitResponse
	if err := c.do(ctx, http.MethodPost, "/bots", nil, &body, w.FormDataContentType(), &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// List returns the caller's bots. Administrators get every bot, or only
// owner's when owner is set.
func (c *Client) List(ctx context.Context, owner string) ([]Bot, error) {
	var q url.Values
	if owner != "" {
		q = url.Values{"owner": {owner}}
	}
	var out []Bot
	if err := c.do(ctx, http.MethodGet, "/bots", q, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one bot with its live resource usage.
func (c *Client) Get(ctx context.Context, id string) (Bot, error) {
	var out Bot
	err := c.do(ctx, http.MethodGet, botPath(id), nil, nil, "", &out)
	return out, err
}

func (c *Client) Start(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, botPath(id)+"/start", nil, nil, "", nil)
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, botPath(id)+"/stop", nil, nil, "", nil)
}

func (c *Client) Restart(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, botPath(id)+"/restart", nil, nil, "", nil)
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, botPath(id), nil, nil, "", nil)
}

// Logs returns the last lines of the bot's log; lines <= 0 uses the server default.
func (c *Client) Logs(ctx context.Context, id string, lines int) (Logs, error) {
	var q url.Values
	if lines > 0 {
		q = url.Values{"lines": {strconv.Itoa(lines)}}
	}
	var out Logs
	err := c.do(ctx, http.MethodGet, botPath(id)+"/logs", q, nil, "", &out)
	return out, err
}

// Events returns the bot's lifecycle history, newest first.
func (c *Client) Events(ctx context.Context, id string, limit int) ([]Event, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out []Event
	if err := c.do(ctx, http.MethodGet, botPath(id)+"/events", q, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reconcile asks the daemon for an immediate crash-monitor pass. Admin only.
func (c *Client) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var out ReconcileResult
	err := c.do(ctx, http.MethodPost, "/debug/reconcile", nil, nil, "", &out)
	return out, err
}

func botPath(id string) string { return "/bots/" + url.PathEscape(id) }

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		// #nosec G402 -- explicitly requested by the operator
		tlsConfig.InsecureSkipVerify = true
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
	caCert, err := os.ReadFile(filepath.Clean(caCertPath))
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

// do performs one API call. out, when non-nil, receives the decoded 2xx body.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant", c.tenant)
	}
	if c.admin {
		req.Header.Set("X-Admin", "true")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}

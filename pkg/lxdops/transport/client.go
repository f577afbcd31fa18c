package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

const unixBaseURL = "http://unix.socket"

// Options configures a Client. Either URL or UnixSocket must be set.
type Options struct {
	URL        string
	UnixSocket string

	// TLS material, paths on disk. Only used for https URLs.
	ClientCert         string
	ClientKey          string
	ServerCert         string
	InsecureSkipVerify bool

	UserAgent  string
	HTTPClient *http.Client
	Logger     core.Logger
}

// Client issues REST calls and decodes their envelopes. It never retries.
type Client struct {
	baseURL   string
	http      *http.Client
	userAgent string
	logger    core.Logger
}

// New builds a client from options
func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = core.NopLogger{}
	}

	c := &Client{
		userAgent: opts.UserAgent,
		logger:    logger,
		http:      opts.HTTPClient,
	}
	if c.userAgent == "" {
		c.userAgent = "lxdops"
	}

	switch {
	case opts.UnixSocket != "":
		c.baseURL = unixBaseURL
		if c.http == nil {
			c.http = unixHTTPClient(opts.UnixSocket)
		}
	case opts.URL != "":
		c.baseURL = strings.TrimSuffix(opts.URL, "/")
		if c.http == nil {
			tlsConfig, err := buildTLSConfig(opts)
			if err != nil {
				return nil, err
			}
			c.http = &http.Client{Transport: &http.Transport{
				TLSClientConfig:     tlsConfig,
				Proxy:               http.ProxyFromEnvironment,
				TLSHandshakeTimeout: 10 * time.Second,
			}}
		}
	default:
		return nil, fmt.Errorf("either a URL or a unix socket path is required")
	}

	return c, nil
}

// BaseURL returns the scheme and host requests are sent to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient exposes the underlying client, for instance to dial websockets
// through the same transport.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// URL joins path onto the base URL. A query already present in path is
// kept verbatim; extra parameters are appended after it.
func (c *Client) URL(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) == 0 {
		return u
	}
	if strings.Contains(path, "?") {
		return u + "&" + query.Encode()
	}
	return u + "?" + query.Encode()
}

// Do sends a JSON request and decodes the envelope
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body interface{}) (*core.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, query, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(resp)
}

// Get issues a GET request
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*core.Response, error) {
	return c.Do(ctx, http.MethodGet, path, query, nil)
}

// Post issues a POST request with a JSON body
func (c *Client) Post(ctx context.Context, path string, query url.Values, body interface{}) (*core.Response, error) {
	return c.Do(ctx, http.MethodPost, path, query, body)
}

// Put issues a PUT request with a JSON body
func (c *Client) Put(ctx context.Context, path string, query url.Values, body interface{}) (*core.Response, error) {
	return c.Do(ctx, http.MethodPut, path, query, body)
}

// Patch issues a PATCH request with a JSON body
func (c *Client) Patch(ctx context.Context, path string, query url.Values, body interface{}) (*core.Response, error) {
	return c.Do(ctx, http.MethodPatch, path, query, body)
}

// Delete issues a DELETE request
func (c *Client) Delete(ctx context.Context, path string, query url.Values) (*core.Response, error) {
	return c.Do(ctx, http.MethodDelete, path, query, nil)
}

// GetText fetches a raw text body, e.g. an instance console buffer
func (c *Client) GetText(ctx context.Context, path string, query url.Values) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.send(req)
	if err != nil {
		return "", err
	}
	return DecodeText(resp)
}

// Upload streams body as application/octet-stream. Cancelling ctx aborts the
// transfer; it does not cancel any operation the server already created.
func (c *Client) Upload(ctx context.Context, path string, query url.Values, body io.Reader, headers http.Header) (*core.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, query, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(resp)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path, query), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request for %s: %w", method, path, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Err(err).
			Msg("request failed")
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("request completed")

	return resp, nil
}

func unixHTTPClient(socket string) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socket)
		},
	}}
}

func buildTLSConfig(opts Options) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed hypervisors
	}

	if opts.ClientCert != "" || opts.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCert, opts.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if opts.ServerCert != "" {
		pem, err := os.ReadFile(opts.ServerCert)
		if err != nil {
			return nil, fmt.Errorf("failed to read server certificate %s: %w", opts.ServerCert, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", opts.ServerCert)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

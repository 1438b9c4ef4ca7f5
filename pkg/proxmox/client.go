// Package proxmox is a small client for the Proxmox VE REST API: it logs in
// with username/password to obtain a ticket and CSRF token, then issues
// authenticated GETs against /api2/json paths.
package proxmox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/jxucoder/pveprov/internal/metrics"
)

const (
	apiPrefix  = "/api2/json/"
	ticketPath = "access/ticket"

	// AuthCookie is the cookie that carries the ticket.
	AuthCookie = "PVEAuthCookie"
	// CSRFHeader is the header that carries the CSRF prevention token.
	CSRFHeader = "CSRFPreventionToken"

	maxErrorBody = 512
)

// Client talks to one Proxmox VE endpoint. It holds no session state and is
// safe for concurrent use.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	log     *zap.SugaredLogger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client (and therefore the TLS settings).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBaseURL overrides the derived https://host:port/api2/json/ base.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		c.baseURL = u
	}
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a client from cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tc, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tc

	c := &Client{
		cfg:     cfg,
		baseURL: fmt.Sprintf("https://%s:%d%s", cfg.Host, cfg.Port, apiPrefix),
		http:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.InsecureSkipVerify {
		c.log.Warnw("TLS certificate verification is disabled", "host", cfg.Host)
	}
	return c, nil
}

// BaseURL returns the API root all paths are appended to.
func (c *Client) BaseURL() string { return c.baseURL }

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

type ticketResponse struct {
	Data *struct {
		Ticket              string `json:"ticket"`
		CSRFPreventionToken string `json:"CSRFPreventionToken"`
		Username            string `json:"username"`
	} `json:"data"`
}

// Authenticate logs in and returns a new Session. It does not retry.
func (c *Client) Authenticate(ctx context.Context) (*Session, error) {
	start := time.Now()
	endpoint := c.baseURL + ticketPath

	form := url.Values{}
	form.Set("username", c.cfg.QualifiedUsername())
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "building ticket request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveProxmox("login", "connection", time.Since(start))
		c.log.Errorw("ticket request failed", "url", endpoint, "error", err)
		return nil, &ConnectionError{Op: "login", URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveProxmox("login", "connection", time.Since(start))
		return nil, &ConnectionError{Op: "login", URL: endpoint, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		metrics.ObserveProxmox("login", "auth", time.Since(start))
		c.log.Warnw("authentication rejected", "status", resp.StatusCode, "username", c.cfg.QualifiedUsername())
		return nil, &AuthenticationError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var tr ticketResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		metrics.ObserveProxmox("login", "protocol", time.Since(start))
		return nil, &ProtocolError{Op: "login", Reason: "unable to parse JSON response", Err: err}
	}
	if tr.Data == nil || tr.Data.Ticket == "" || tr.Data.CSRFPreventionToken == "" {
		metrics.ObserveProxmox("login", "protocol", time.Since(start))
		return nil, &ProtocolError{Op: "login", Reason: "response lacks data.ticket or data.CSRFPreventionToken"}
	}

	metrics.ObserveProxmox("login", "ok", time.Since(start))
	username := tr.Data.Username
	if username == "" {
		username = c.cfg.QualifiedUsername()
	}
	c.log.Debugw("authenticated", "username", username)

	return &Session{
		Ticket:    tr.Data.Ticket,
		CSRFToken: tr.Data.CSRFPreventionToken,
		Username:  username,
		IssuedAt:  time.Now().UTC(),
	}, nil
}

// FetchRaw issues an authenticated GET for path and returns the body bytes
// after checking they are JSON.
func (c *Client) FetchRaw(ctx context.Context, sess *Session, path string) (json.RawMessage, error) {
	if !sess.Valid() {
		return nil, ErrNoSession
	}
	start := time.Now()
	path = strings.TrimPrefix(path, "/")
	endpoint := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %s", path)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(CSRFHeader, sess.CSRFToken)
	req.AddCookie(&http.Cookie{Name: AuthCookie, Value: sess.Ticket})

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveProxmox("fetch", "connection", time.Since(start))
		c.log.Errorw("API request failed", "path", path, "error", err)
		return nil, &ConnectionError{Op: "fetch", URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveProxmox("fetch", "connection", time.Since(start))
		return nil, &ConnectionError{Op: "fetch", URL: endpoint, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		metrics.ObserveProxmox("fetch", "status", time.Since(start))
		c.log.Warnw("API request failed", "path", path, "status", resp.StatusCode)
		return nil, &RequestError{
			Path:       path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       truncate(strings.TrimSpace(string(body)), maxErrorBody),
		}
	}

	if !json.Valid(body) {
		metrics.ObserveProxmox("fetch", "protocol", time.Since(start))
		return nil, &ProtocolError{Op: "fetch", Reason: fmt.Sprintf("response for %s is not valid JSON", path)}
	}

	metrics.ObserveProxmox("fetch", "ok", time.Since(start))
	c.log.Debugw("fetched", "path", path, "status", resp.StatusCode, "bytes", len(body))
	return json.RawMessage(body), nil
}

// Fetch returns the decoded body of path exactly as the server sent it.
// Numbers decode as json.Number so VM IDs and byte counts keep precision.
func (c *Client) Fetch(ctx context.Context, sess *Session, path string) (any, error) {
	raw, err := c.FetchRaw(ctx, sess, path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &ProtocolError{Op: "fetch", Reason: "decoding response", Err: err}
	}
	return v, nil
}

// FetchData decodes the "data" member of the response envelope into out.
func (c *Client) FetchData(ctx context.Context, sess *Session, path string, out any) error {
	raw, err := c.FetchRaw(ctx, sess, path)
	if err != nil {
		return err
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return &ProtocolError{Op: "fetch", Reason: "decoding response envelope", Err: err}
	}
	if len(env.Data) == 0 {
		return &ProtocolError{Op: "fetch", Reason: fmt.Sprintf("response for %s has no data member", strings.TrimPrefix(path, "/"))}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &ProtocolError{Op: "fetch", Reason: fmt.Sprintf("decoding data for %s", strings.TrimPrefix(path, "/")), Err: err}
	}
	return nil
}

// truncate shortens s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

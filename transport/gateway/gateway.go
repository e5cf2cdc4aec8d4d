// Package gateway implements the transport interfaces against an external chat
// gateway process. Authentication, identity lookups, credential export and
// side-channel requests are plain HTTP calls; each listen loop is a WebSocket
// carrying JSON frames. Outbound messages travel on the most recently opened
// listen socket and are correlated with their ack frame by a uuid.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/botfleet/transport"
	"github.com/gorilla/websocket"
)

// ErrNotListening is returned by Send when the account has no open listen loop.
var ErrNotListening = errors.New("gateway: no open listen loop")

// Client is a transport.Authenticator backed by a gateway at a base URL.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	log    *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New returns a Client for the gateway at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("gateway: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: websocket.DefaultDialer,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type authRequest struct {
	Snapshot json.RawMessage `json:"snapshot"`
}

type authResponse struct {
	Token     string `json:"token"`
	AccountID string `json:"accountId"`
}

// Authenticate exchanges the credential snapshot for a gateway session.
func (c *Client) Authenticate(ctx context.Context, creds transport.Credentials) (transport.Capability, error) {
	var resp authResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/auth", "", authRequest{Snapshot: creds.Snapshot}, &resp)
	if err != nil {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, fmt.Errorf("%w: %v", transport.ErrInvalidCredentials, err)
		}
		return nil, err
	}
	if resp.Token == "" || resp.AccountID == "" {
		return nil, fmt.Errorf("%w: incomplete auth response", transport.ErrInvalidCredentials)
	}
	return &capability{c: c, token: resp.Token, accountID: resp.AccountID}, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = c.base.Path + path
	return u.String()
}

// do issues a JSON request and decodes a JSON response into out. out may be a
// *[]byte to receive the raw body.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("gateway: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return res.StatusCode, fmt.Errorf("gateway: read %s: %w", path, err)
	}
	if res.StatusCode >= 300 {
		return res.StatusCode, fmt.Errorf("gateway: %s %s: status %d: %s", method, path, res.StatusCode, bytes.TrimSpace(raw))
	}
	switch o := out.(type) {
	case nil:
	case *[]byte:
		*o = raw
	default:
		if err := json.Unmarshal(raw, out); err != nil {
			return res.StatusCode, fmt.Errorf("gateway: decode %s: %w", path, err)
		}
	}
	return res.StatusCode, nil
}

type capability struct {
	c         *Client
	token     string
	accountID string

	mu      sync.Mutex
	options transport.Options
	active  *handle
}

func (p *capability) AccountID() string { return p.accountID }

func (p *capability) Identity(ctx context.Context, accountID string) (transport.Identity, error) {
	var id transport.Identity
	status, err := p.c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(accountID), p.token, nil, &id)
	if status == http.StatusNotFound {
		return transport.Identity{}, transport.ErrIdentityNotFound
	}
	if err != nil {
		return transport.Identity{}, err
	}
	return id, nil
}

func (p *capability) ExportCredentials(ctx context.Context) (json.RawMessage, error) {
	var resp authRequest
	if _, err := p.c.do(ctx, http.MethodGet, "/v1/credentials", p.token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Snapshot, nil
}

// SetOptions records opts; they are sent as the first frame of every listen
// loop opened afterwards.
func (p *capability) SetOptions(opts transport.Options) {
	p.mu.Lock()
	p.options = opts
	p.mu.Unlock()
}

type sideChannelRequest struct {
	Endpoint string            `json:"endpoint"`
	Form     map[string]string `json:"form"`
}

func (p *capability) SideChannel(ctx context.Context, req transport.SideChannelRequest) ([]byte, error) {
	var raw []byte
	if _, err := p.c.do(ctx, http.MethodPost, "/v1/side-channel", p.token, sideChannelRequest(req), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (p *capability) Listen(ctx context.Context) (transport.ListenHandle, error) {
	u := *p.c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = p.c.base.Path + "/v1/listen"

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+p.token)
	conn, res, err := p.c.dialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if res != nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: listen: %v", transport.ErrInvalidCredentials, err)
		}
		return nil, fmt.Errorf("gateway: dial listen: %w", err)
	}

	h := newHandle(conn, p.c.log.With(slog.String("account_id", p.accountID)))
	p.mu.Lock()
	opts := p.options
	p.mu.Unlock()
	if opts != nil {
		if err := h.write(frame{Kind: kindOptions, Options: opts}); err != nil {
			h.abort()
			return nil, fmt.Errorf("gateway: send options: %w", err)
		}
	}
	p.mu.Lock()
	p.active = h
	p.mu.Unlock()
	go h.readPump()
	go h.pingPump()
	return h, nil
}

func (p *capability) Send(ctx context.Context, msg transport.OutboundMessage) (string, error) {
	p.mu.Lock()
	h := p.active
	p.mu.Unlock()
	if h == nil {
		return "", ErrNotListening
	}
	return h.send(ctx, msg)
}

var (
	_ transport.Authenticator = (*Client)(nil)
	_ transport.Capability    = (*capability)(nil)
)

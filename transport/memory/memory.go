// Package memory provides an in-process implementation of the transport
// interfaces. A Network holds a set of registered accounts; tests and local
// demos deliver events into it and observe what the supervisor sends back.
// State is local to the process.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/botfleet/transport"
	"github.com/google/uuid"
)

const inboundBuffer = 256

// SideChannelFunc answers side-channel requests issued by an account.
type SideChannelFunc func(accountID string, req transport.SideChannelRequest) ([]byte, error)

// Network is an in-memory chat network implementing transport.Authenticator.
type Network struct {
	mu         sync.RWMutex
	accounts   map[string]*account
	bySnapshot map[string]string // normalized snapshot -> account id
	sideFn     SideChannelFunc
	msgCounter atomic.Int64
}

type account struct {
	id       string
	identity transport.Identity
	snapshot json.RawMessage

	mu      sync.Mutex
	handles map[*handle]struct{}
	sent    []transport.OutboundMessage
	listens int
	dropped int
	options transport.Options
	sides   []transport.SideChannelRequest
}

// New creates an empty network.
func New() *Network {
	return &Network{
		accounts:   make(map[string]*account),
		bySnapshot: make(map[string]string),
	}
}

// Register adds an account reachable with the given credential snapshot. An
// identity with an empty Name makes Identity lookups fail with
// transport.ErrIdentityNotFound.
func (n *Network) Register(accountID string, identity transport.Identity, snapshot json.RawMessage) {
	key := normalize(snapshot)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts[accountID] = &account{
		id:       accountID,
		identity: identity,
		snapshot: append(json.RawMessage(nil), snapshot...),
		handles:  make(map[*handle]struct{}),
	}
	n.bySnapshot[key] = accountID
}

// Revoke makes the account's snapshot unusable for future authentications.
func (n *Network) Revoke(accountID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, id := range n.bySnapshot {
		if id == accountID {
			delete(n.bySnapshot, k)
		}
	}
}

// SetSideChannel installs the responder used for side-channel requests. With no
// responder installed side-channel requests fail.
func (n *Network) SetSideChannel(fn SideChannelFunc) {
	n.mu.Lock()
	n.sideFn = fn
	n.mu.Unlock()
}

// Authenticate implements transport.Authenticator.
func (n *Network) Authenticate(ctx context.Context, creds transport.Credentials) (transport.Capability, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.RLock()
	id, ok := n.bySnapshot[normalize(creds.Snapshot)]
	acct := n.accounts[id]
	n.mu.RUnlock()
	if !ok || acct == nil {
		return nil, transport.ErrInvalidCredentials
	}
	return &capability{n: n, acct: acct}, nil
}

// Deliver pushes an event to every open listen loop of the account and returns
// how many loops received it.
func (n *Network) Deliver(accountID string, ev transport.Event) int {
	e := ev
	if e.MessageID == "" && e.IsMessage() {
		e.MessageID = n.nextMessageID()
	}
	return n.push(accountID, transport.Inbound{Event: &e})
}

// Fail surfaces an in-band error on every open listen loop of the account.
func (n *Network) Fail(accountID string, err error) int {
	return n.push(accountID, transport.Inbound{Err: err})
}

// Drop closes every open listen loop of the account as if the connection ended.
func (n *Network) Drop(accountID string) {
	acct := n.lookup(accountID)
	if acct == nil {
		return
	}
	acct.mu.Lock()
	hs := make([]*handle, 0, len(acct.handles))
	for h := range acct.handles {
		hs = append(hs, h)
	}
	acct.mu.Unlock()
	for _, h := range hs {
		_ = h.Close()
	}
}

// ListenCount reports how many listen loops were ever opened for the account.
func (n *Network) ListenCount(accountID string) int {
	acct := n.lookup(accountID)
	if acct == nil {
		return 0
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.listens
}

// OpenHandles reports how many listen loops are currently open for the account.
func (n *Network) OpenHandles(accountID string) int {
	acct := n.lookup(accountID)
	if acct == nil {
		return 0
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return len(acct.handles)
}

// Sent returns a copy of the messages the account sent.
func (n *Network) Sent(accountID string) []transport.OutboundMessage {
	acct := n.lookup(accountID)
	if acct == nil {
		return nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return append([]transport.OutboundMessage(nil), acct.sent...)
}

// SideChannelRequests returns a copy of the side-channel requests the account issued.
func (n *Network) SideChannelRequests(accountID string) []transport.SideChannelRequest {
	acct := n.lookup(accountID)
	if acct == nil {
		return nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return append([]transport.SideChannelRequest(nil), acct.sides...)
}

// Options returns the runtime options last applied by the account.
func (n *Network) Options(accountID string) transport.Options {
	acct := n.lookup(accountID)
	if acct == nil {
		return nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.options
}

func (n *Network) lookup(accountID string) *account {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.accounts[accountID]
}

func (n *Network) push(accountID string, in transport.Inbound) int {
	acct := n.lookup(accountID)
	if acct == nil {
		return 0
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	delivered := 0
	for h := range acct.handles {
		select {
		case h.ch <- in:
			delivered++
		default:
			// Consumer is not keeping up; the item is lost like on a real socket.
			acct.dropped++
		}
	}
	return delivered
}

func (n *Network) nextMessageID() string {
	return "mid." + strconv.FormatInt(n.msgCounter.Add(1), 10)
}

func normalize(snapshot json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, snapshot); err != nil {
		return string(snapshot)
	}
	return buf.String()
}

type capability struct {
	n    *Network
	acct *account
}

func (c *capability) AccountID() string { return c.acct.id }

func (c *capability) Identity(ctx context.Context, accountID string) (transport.Identity, error) {
	if err := ctx.Err(); err != nil {
		return transport.Identity{}, err
	}
	acct := c.n.lookup(accountID)
	if acct == nil || acct.identity.Name == "" {
		return transport.Identity{}, transport.ErrIdentityNotFound
	}
	return acct.identity, nil
}

func (c *capability) ExportCredentials(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append(json.RawMessage(nil), c.acct.snapshot...), nil
}

func (c *capability) SetOptions(opts transport.Options) {
	c.acct.mu.Lock()
	c.acct.options = opts
	c.acct.mu.Unlock()
}

func (c *capability) Listen(ctx context.Context) (transport.ListenHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := &handle{id: uuid.NewString(), acct: c.acct, ch: make(chan transport.Inbound, inboundBuffer)}
	c.acct.mu.Lock()
	c.acct.handles[h] = struct{}{}
	c.acct.listens++
	c.acct.mu.Unlock()
	return h, nil
}

func (c *capability) SideChannel(ctx context.Context, req transport.SideChannelRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.acct.mu.Lock()
	c.acct.sides = append(c.acct.sides, req)
	c.acct.mu.Unlock()

	c.n.mu.RLock()
	fn := c.n.sideFn
	c.n.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("side channel %s: no responder", req.Endpoint)
	}
	return fn(c.acct.id, req)
}

func (c *capability) Send(ctx context.Context, msg transport.OutboundMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.acct.mu.Lock()
	c.acct.sent = append(c.acct.sent, msg)
	c.acct.mu.Unlock()
	return c.n.nextMessageID(), nil
}

type handle struct {
	id     string
	acct   *account
	ch     chan transport.Inbound
	closed bool // guarded by acct.mu
}

func (h *handle) ID() string                        { return h.id }
func (h *handle) Inbound() <-chan transport.Inbound { return h.ch }

func (h *handle) Close() error {
	h.acct.mu.Lock()
	defer h.acct.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	delete(h.acct.handles, h)
	close(h.ch)
	return nil
}

// Compile-time interface checks
var (
	_ transport.Authenticator = (*Network)(nil)
	_ transport.Capability    = (*capability)(nil)
	_ transport.ListenHandle  = (*handle)(nil)
)

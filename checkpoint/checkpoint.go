// Package checkpoint detects the in-band security checkpoint a chat network
// may raise during listening and resolves it through a side-channel request.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/botfleet/transport"
)

const (
	DefaultSignature = "601051028565049"
	DefaultOperation = "FBScrapingWarningMutation"
	DefaultDocID     = "6339492849481770"
	DefaultEndpoint  = "https://www.facebook.com/api/graphql/"
)

// ErrRejected is returned when the network does not confirm the checkpoint
// was cleared.
var ErrRejected = errors.New("checkpoint rejected")

// Handler matches checkpoint errors and resolves them.
type Handler struct {
	signature string
	operation string
	docID     string
	endpoint  string
	log       *slog.Logger
}

type Option func(*Handler)

func WithSignature(sig string) Option { return func(h *Handler) { h.signature = sig } }
func WithOperation(op string) Option  { return func(h *Handler) { h.operation = op } }
func WithDocID(id string) Option      { return func(h *Handler) { h.docID = id } }
func WithEndpoint(u string) Option    { return func(h *Handler) { h.endpoint = u } }

func WithLogger(log *slog.Logger) Option { return func(h *Handler) { h.log = log } }

func New(opts ...Option) *Handler {
	h := &Handler{
		signature: DefaultSignature,
		operation: DefaultOperation,
		docID:     DefaultDocID,
		endpoint:  DefaultEndpoint,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Matches reports whether err carries the checkpoint signature, either in its
// text or in the raw payload of a transport.InBandError.
func (h *Handler) Matches(err error) bool {
	if err == nil || h.signature == "" {
		return false
	}
	var ib *transport.InBandError
	if errors.As(err, &ib) && bytes.Contains(ib.Payload, []byte(h.signature)) {
		return true
	}
	return strings.Contains(err.Error(), h.signature)
}

type response struct {
	Errors json.RawMessage `json:"errors"`
	Data   struct {
		Clear *struct {
			Success bool `json:"success"`
		} `json:"fb_scraping_warning_clear"`
	} `json:"data"`
}

// Resolve issues the clearing request for the account behind capab. It returns
// nil only when the response reports success without errors.
func (h *Handler) Resolve(ctx context.Context, capab transport.Capability) error {
	start := time.Now()
	accountID := capab.AccountID()
	req := transport.SideChannelRequest{
		Endpoint: h.endpoint,
		Form: map[string]string{
			"av":                     accountID,
			"fb_api_caller_class":    "RelayModern",
			"fb_api_req_modern_name": h.operation,
			"variables":              "{}",
			"server_timestamps":      "true",
			"doc_id":                 h.docID,
		},
	}
	body, err := capab.SideChannel(ctx, req)
	if err != nil {
		h.log.WarnContext(ctx, "checkpoint.rejected", slog.String("account_id", accountID), slog.String("err", err.Error()))
		return fmt.Errorf("%w: side channel: %w", ErrRejected, err)
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		h.log.WarnContext(ctx, "checkpoint.rejected", slog.String("account_id", accountID), slog.String("err", err.Error()))
		return fmt.Errorf("%w: decode response: %v", ErrRejected, err)
	}
	if hasErrors(resp.Errors) {
		h.log.WarnContext(ctx, "checkpoint.rejected", slog.String("account_id", accountID), slog.String("errors", string(resp.Errors)))
		return fmt.Errorf("%w: %s", ErrRejected, resp.Errors)
	}
	if resp.Data.Clear == nil || !resp.Data.Clear.Success {
		h.log.WarnContext(ctx, "checkpoint.rejected", slog.String("account_id", accountID), slog.String("reason", "no success acknowledgement"))
		return fmt.Errorf("%w: no success acknowledgement", ErrRejected)
	}

	h.log.InfoContext(ctx, "checkpoint.resolved", slog.String("account_id", accountID), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return nil
}

func hasErrors(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != "[]"
}

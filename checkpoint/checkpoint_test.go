package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/ggoodman/botfleet/transport"
	"github.com/ggoodman/botfleet/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	h := New()
	assert.True(t, h.Matches(errors.New("error 601051028565049 checkpoint")))
	assert.True(t, h.Matches(fmt.Errorf("listen: %w", &transport.InBandError{
		Message: "mqtt error",
		Payload: json.RawMessage(`{"error":601051028565049}`),
	})))
	assert.False(t, h.Matches(errors.New("connection reset")))
	assert.False(t, h.Matches(nil))

	custom := New(WithSignature("X-42"))
	assert.True(t, custom.Matches(errors.New("got X-42")))
	assert.False(t, custom.Matches(errors.New("601051028565049")))
}

func newCapability(t *testing.T, respond memory.SideChannelFunc) (transport.Capability, *memory.Network) {
	t.Helper()
	n := memory.New()
	n.Register("A2", transport.Identity{Name: "A2"}, json.RawMessage(`"a2"`))
	n.SetSideChannel(respond)
	capab, err := n.Authenticate(context.Background(), transport.Credentials{Snapshot: json.RawMessage(`"a2"`)})
	require.NoError(t, err)
	return capab, n
}

func TestResolveSuccess(t *testing.T) {
	capab, n := newCapability(t, func(string, transport.SideChannelRequest) ([]byte, error) {
		return []byte(`{"data":{"fb_scraping_warning_clear":{"success":true}}}`), nil
	})
	require.NoError(t, New().Resolve(context.Background(), capab))

	reqs := n.SideChannelRequests("A2")
	require.Len(t, reqs, 1)
	assert.Equal(t, DefaultEndpoint, reqs[0].Endpoint)
	assert.Equal(t, map[string]string{
		"av":                     "A2",
		"fb_api_caller_class":    "RelayModern",
		"fb_api_req_modern_name": DefaultOperation,
		"variables":              "{}",
		"server_timestamps":      "true",
		"doc_id":                 DefaultDocID,
	}, reqs[0].Form)
}

func TestResolveRejections(t *testing.T) {
	cases := map[string]memory.SideChannelFunc{
		"explicit errors": func(string, transport.SideChannelRequest) ([]byte, error) {
			return []byte(`{"errors":[{"message":"nope"}],"data":{"fb_scraping_warning_clear":{"success":true}}}`), nil
		},
		"success false": func(string, transport.SideChannelRequest) ([]byte, error) {
			return []byte(`{"data":{"fb_scraping_warning_clear":{"success":false}}}`), nil
		},
		"missing ack": func(string, transport.SideChannelRequest) ([]byte, error) {
			return []byte(`{"data":{}}`), nil
		},
		"garbage": func(string, transport.SideChannelRequest) ([]byte, error) {
			return []byte(`<html>`), nil
		},
		"transport error": func(string, transport.SideChannelRequest) ([]byte, error) {
			return nil, errors.New("timeout")
		},
	}
	for name, respond := range cases {
		t.Run(name, func(t *testing.T) {
			capab, _ := newCapability(t, respond)
			err := New().Resolve(context.Background(), capab)
			require.ErrorIs(t, err, ErrRejected)
		})
	}
}

func TestOptionsOverrideRequest(t *testing.T) {
	capab, n := newCapability(t, func(string, transport.SideChannelRequest) ([]byte, error) {
		return []byte(`{"errors":null,"data":{"fb_scraping_warning_clear":{"success":true}}}`), nil
	})
	h := New(WithEndpoint("https://chat.example/graphql"), WithDocID("1"), WithOperation("Clear"))
	require.NoError(t, h.Resolve(context.Background(), capab))
	req := n.SideChannelRequests("A2")[0]
	assert.Equal(t, "https://chat.example/graphql", req.Endpoint)
	assert.Equal(t, "1", req.Form["doc_id"])
	assert.Equal(t, "Clear", req.Form["fb_api_req_modern_name"])
}

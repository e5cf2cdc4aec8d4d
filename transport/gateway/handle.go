package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/botfleet/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the gateway.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from the gateway.
	pongWait = 60 * time.Second
	// Ping period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Largest frame accepted from the gateway.
	maxFrameSize = 1 << 20

	inboundBuffer = 256
)

// Frame kinds.
const (
	kindEvent   = "event"
	kindError   = "error"
	kindAck     = "ack"
	kindSend    = "send"
	kindOptions = "options"
)

type frame struct {
	Kind      string                     `json:"kind"`
	ID        string                     `json:"id,omitempty"`
	Event     *transport.Event           `json:"event,omitempty"`
	Error     *frameError                `json:"error,omitempty"`
	Message   *transport.OutboundMessage `json:"message,omitempty"`
	MessageID string                     `json:"messageId,omitempty"`
	Options   transport.Options          `json:"options,omitempty"`
}

type frameError struct {
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type handle struct {
	id   string
	conn *websocket.Conn
	ch   chan transport.Inbound
	log  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newHandle(conn *websocket.Conn, log *slog.Logger) *handle {
	return &handle{
		id:      uuid.NewString(),
		conn:    conn,
		ch:      make(chan transport.Inbound, inboundBuffer),
		log:     log,
		pending: make(map[string]chan frame),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (h *handle) ID() string                        { return h.id }
func (h *handle) Inbound() <-chan transport.Inbound { return h.ch }

// Close ends the socket and returns once the read pump has closed the
// inbound channel.
func (h *handle) Close() error {
	h.shutdown()
	<-h.done
	return nil
}

func (h *handle) shutdown() {
	h.closeOnce.Do(func() {
		close(h.closing)
		h.writeMu.Lock()
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		h.writeMu.Unlock()
		_ = h.conn.Close()
	})
}

// abort tears down a handle whose read pump was never started.
func (h *handle) abort() {
	h.shutdown()
	h.failPending()
	close(h.ch)
	close(h.done)
}

func (h *handle) write(f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return h.conn.WriteMessage(websocket.TextMessage, b)
}

func (h *handle) readPump() {
	defer close(h.done)
	defer close(h.ch)
	defer h.failPending()
	defer h.shutdown()

	h.conn.SetReadLimit(maxFrameSize)
	_ = h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		return h.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := h.conn.ReadMessage()
		if err != nil {
			select {
			case <-h.closing:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Warn("gateway.listen.closed", slog.String("listener", h.id), slog.String("err", err.Error()))
				}
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			h.log.Warn("gateway.frame.invalid", slog.String("listener", h.id), slog.String("err", err.Error()))
			continue
		}
		switch f.Kind {
		case kindEvent:
			if f.Event != nil && !h.deliver(transport.Inbound{Event: f.Event}) {
				return
			}
		case kindError:
			ib := &transport.InBandError{}
			if f.Error != nil {
				ib.Message, ib.Payload = f.Error.Message, f.Error.Payload
			}
			if !h.deliver(transport.Inbound{Err: ib}) {
				return
			}
		case kindAck:
			h.resolve(f)
		default:
			h.log.Debug("gateway.frame.unknown", slog.String("kind", f.Kind))
		}
	}
}

func (h *handle) deliver(in transport.Inbound) bool {
	select {
	case h.ch <- in:
		return true
	case <-h.closing:
		return false
	}
}

func (h *handle) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.closing:
			return
		case <-ticker.C:
			h.writeMu.Lock()
			err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			h.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *handle) send(ctx context.Context, msg transport.OutboundMessage) (string, error) {
	id := uuid.NewString()
	ack := make(chan frame, 1)
	h.mu.Lock()
	if h.pending == nil {
		h.mu.Unlock()
		return "", transport.ErrClosed
	}
	h.pending[id] = ack
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	if err := h.write(frame{Kind: kindSend, ID: id, Message: &msg}); err != nil {
		return "", fmt.Errorf("gateway: send: %w", err)
	}
	select {
	case f, ok := <-ack:
		if !ok {
			return "", transport.ErrClosed
		}
		if f.Error != nil {
			return "", errors.New(f.Error.Message)
		}
		return f.MessageID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *handle) resolve(f frame) {
	h.mu.Lock()
	ack, ok := h.pending[f.ID]
	if ok {
		delete(h.pending, f.ID)
	}
	h.mu.Unlock()
	if ok {
		ack <- f
	}
}

func (h *handle) failPending() {
	h.mu.Lock()
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()
	for _, ack := range pending {
		close(ack)
	}
}

var _ transport.ListenHandle = (*handle)(nil)

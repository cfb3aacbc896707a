package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/turnkeeper/pkg/events"
)

const (
	// subscriberBuffer is the number of messages a subscriber may lag behind
	// before it is disconnected.
	subscriberBuffer = 32

	// writeTimeout bounds a single WebSocket write.
	writeTimeout = 5 * time.Second
)

// Hub broadcasts events to WebSocket subscribers. It is an [http.Handler]
// that upgrades every request to a subscription and an [events.Sink] that
// fans each event out to all subscribers as a JSON [Record].
//
// Emit never blocks on the network: a subscriber whose buffer is full is
// disconnected with StatusPolicyViolation.
type Hub struct {
	// OriginPatterns are passed to websocket.Accept. Empty means same-origin
	// only.
	OriginPatterns []string

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	msgs chan []byte
	conn *websocket.Conn
	once sync.Once
}

func (s *subscriber) kick(code websocket.StatusCode, reason string) {
	s.once.Do(func() { _ = s.conn.Close(code, reason) })
}

var (
	_ events.Sink  = (*Hub)(nil)
	_ http.Handler = (*Hub)(nil)
)

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// ServeHTTP implements [http.Handler]. It blocks until the subscriber leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.OriginPatterns,
	})
	if err != nil {
		slog.Debug("websocket accept failed", "err", err)
		return
	}
	sub := &subscriber{msgs: make(chan []byte, subscriberBuffer), conn: conn}
	if !h.add(sub) {
		sub.kick(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(sub)

	// Subscribers only listen; CloseRead handles pings and the close frame.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			sub.kick(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-sub.msgs:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				sub.kick(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (h *Hub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[s] = struct{}{}
	return true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Emit implements [events.Sink]. Having no subscribers is not an error.
func (h *Hub) Emit(ctx context.Context, ev events.Event) error {
	msg, err := json.Marshal(newRecord(ctx, ev))
	if err != nil {
		return fmt.Errorf("sink: websocket: marshal: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	for s := range h.subs {
		select {
		case s.msgs <- msg:
		default:
			delete(h.subs, s)
			go s.kick(websocket.StatusPolicyViolation, "subscriber too slow")
		}
	}
	return nil
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.msgs)
		go s.kick(websocket.StatusGoingAway, "shutting down")
	}
	return nil
}

package status

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	subscriberQueue = 64
	writeTimeout    = 5 * time.Second
)

// hub fans stream messages out to subscribers. Each subscriber has its own
// queue and writer goroutine, so a slow client only loses its own messages.
type hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger *log.Logger
}

type subscriber struct {
	conn  *websocket.Conn
	queue chan []byte
}

func newHub(logger *log.Logger) *hub {
	return &hub{subs: make(map[*subscriber]struct{}), logger: logger}
}

func (h *hub) add(conn *websocket.Conn) *subscriber {
	sub := &subscriber{conn: conn, queue: make(chan []byte, subscriberQueue)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	h.logger.Printf("Stream client connected (total: %d)", n)
	return sub
}

func (h *hub) remove(sub *subscriber, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	_ = sub.conn.Close(code, reason)
	h.logger.Printf("Stream client disconnected (total: %d)", n)
}

// publish queues data for every subscriber without blocking.
func (h *hub) publish(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		select {
		case sub.queue <- data:
		default:
			h.logger.Println("Warning: stream client queue full, dropping message")
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) closeAll(reason string) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.remove(sub, websocket.StatusGoingAway, reason)
	}
}

// pump writes queued messages until ctx ends or a write fails.
func (sub *subscriber) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-sub.queue:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := sub.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

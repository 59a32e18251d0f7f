package plugin

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsdeck/opsdeck/hook"
)

// EventStream fans hook bus events out to websocket clients (the console's
// live activity feed). Slow clients are dropped rather than backpressuring
// the bus: dispatch on the bus side never blocks on a socket.
type EventStream struct {
	bus    *hook.Bus
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	subs    []hook.Subscription

	upgrader websocket.Upgrader
}

type streamClient struct {
	conn *websocket.Conn
	send chan hook.Event
}

// NewEventStream subscribes to every catalog event type and serves them
// over websocket.
func NewEventStream(bus *hook.Bus, logger *slog.Logger) *EventStream {
	if logger == nil {
		logger = slog.Default()
	}
	s := &EventStream{
		bus:     bus,
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, eventType := range hook.Catalog() {
		s.subs = append(s.subs, bus.On(eventType, "event-stream", s.broadcast))
	}
	return s
}

// broadcast queues an event to every connected client, dropping clients
// whose buffers are full.
func (s *EventStream) broadcast(ctx context.Context, ev hook.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- ev:
		default:
			s.logger.Warn("dropping slow event stream client")
			delete(s.clients, c)
			close(c.send)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects.
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{conn: conn, send: make(chan hook.Event, 64)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.writePump(c)
	s.readPump(c)
}

func (s *EventStream) writePump(c *streamClient) {
	defer c.conn.Close()
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// readPump discards client messages and detects disconnects.
func (s *EventStream) readPump(c *streamClient) {
	defer s.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *EventStream) drop(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// Close unsubscribes from the bus and disconnects every client.
func (s *EventStream) Close() {
	for _, sub := range s.subs {
		s.bus.Off(sub)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
		c.conn.Close()
	}
}

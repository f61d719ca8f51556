package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/NodePath81/fbspeed/internal/api"
	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 32
)

// LiveHub fans recorded results out to websocket subscribers.
type LiveHub struct {
	mu        sync.Mutex
	clients   map[*liveClient]struct{}
	broadcast chan api.LiveEvent
	metrics   *metrics.Metrics
	logger    util.Logger
}

type liveClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func NewLiveHub(m *metrics.Metrics, logger util.Logger) *LiveHub {
	return &LiveHub{
		clients:   make(map[*liveClient]struct{}),
		broadcast: make(chan api.LiveEvent, 128),
		metrics:   m,
		logger:    logger,
	}
}

// Run delivers broadcasts until ctx is done, then disconnects every client.
func (h *LiveHub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*liveClient]struct{})
			h.mu.Unlock()
			h.updateGauge()
			return nil
		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("live event encode failed", "error", err)
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					h.logger.Debug("live client too slow, event dropped")
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *LiveHub) Register(client *liveClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.updateGauge()
}

func (h *LiveHub) Unregister(client *liveClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
	h.updateGauge()
}

// Broadcast queues ev without blocking; events are dropped when the queue
// is full.
func (h *LiveHub) Broadcast(ev api.LiveEvent) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("live broadcast queue full, event dropped", "type", ev.Type)
	}
}

func (h *LiveHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *LiveHub) updateGauge() {
	if h.metrics != nil {
		h.metrics.SetLiveClients(h.Clients())
	}
}

func (c *liveClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: originAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	client := &liveClient{send: make(chan []byte, wsSendBuffer)}
	s.hub.Register(client)
	s.logger.Debug("live client connected", "client", clientIP(r))

	var closeOnce sync.Once
	done := make(chan struct{})
	cleanup := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
			s.hub.Unregister(client)
			s.logger.Debug("live client disconnected", "client", clientIP(r))
		})
	}

	// Subscribers never send anything; reading only detects closure.
	go func() {
		defer cleanup()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data, ok := <-client.send:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
						time.Now().Add(wsWriteWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

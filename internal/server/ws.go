package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ForwardClear/internal/observability"
)

// wsClient is one feed subscriber. An empty market means firehose.
type wsClient struct {
	conn   *websocket.Conn
	market string
}

// FeedHub fans processed events out to WebSocket subscribers. Slow
// consumers never stall the feed: the broadcast buffer drops on overflow
// and the drop is counted.
type FeedHub struct {
	clients    map[*wsClient]bool
	broadcast  chan feedFrame
	register   chan *wsClient
	unregister chan *wsClient
	metrics    *observability.Metrics
	logger     zerolog.Logger
	mu         sync.RWMutex
}

type feedFrame struct {
	market string
	data   []byte
}

func NewFeedHub(metrics *observability.Metrics) *FeedHub {
	return &FeedHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan feedFrame, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		metrics:    metrics,
		logger:     observability.NewLogger("feed_hub"),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *FeedHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.WSConnections.Set(float64(total))
			}
			h.logger.Info().Int("total", total).Str("market", client.market).Msg("ws client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.WSConnections.Set(float64(total))
			}

		case frame := <-h.broadcast:
			h.mu.RLock()
			var dead []*wsClient
			for client := range h.clients {
				if client.market != "" && client.market != frame.market {
					continue
				}
				if err := client.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
					dead = append(dead, client)
				}
			}
			h.mu.RUnlock()

			if len(dead) > 0 {
				h.mu.Lock()
				for _, client := range dead {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						client.conn.Close()
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Broadcast queues a serialized event for all matching subscribers,
// dropping when the buffer is full.
func (h *FeedHub) Broadcast(market string, data []byte) {
	select {
	case h.broadcast <- feedFrame{market: market, data: data}:
	default:
		if h.metrics != nil {
			h.metrics.WSDropped.Inc()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /v1/ws. The optional
// ?market= query parameter narrows the feed to one market.
func (h *FeedHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("ws upgrade failed")
		return
	}

	client := &wsClient{
		conn:   conn,
		market: r.URL.Query().Get("market"),
	}

	h.register <- client

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- client }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connections alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[client]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}

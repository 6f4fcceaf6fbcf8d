package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// EventType classifies a loop notification.
type EventType string

const (
	TypeDecision EventType = "decision"
	TypeTrade    EventType = "trade"
	TypeError    EventType = "error"
	TypeInfo     EventType = "info"
)

// Event is one notification fanned out to connected clients.
type Event struct {
	Type      EventType   `json:"type"`
	TraderID  string      `json:"trader_id,omitempty"`
	Symbol    string      `json:"symbol,omitempty"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Hub maintains the set of subscribed clients and broadcasts trader events
// to them over SSE.
type Hub struct {
	clients    map[chan []byte]bool
	broadcast  chan []byte
	register   chan chan []byte
	unregister chan chan []byte
	log        zerolog.Logger

	mu sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte),
		register:   make(chan chan []byte),
		unregister: make(chan chan []byte),
		clients:    make(map[chan []byte]bool),
		log:        zlog.With().Str("component", "events").Logger(),
	}
}

// Run serves the hub's channels; call it once in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("clients", total).Msg("client subscribed")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("clients", total).Msg("client unsubscribed")

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- message:
				default:
					// Slow consumer: drop it rather than stall the loop.
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast fans an event out to every subscribed client.
func (h *Hub) Broadcast(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to marshal event")
		return
	}
	h.broadcast <- data
}

// ServeHTTP streams events to one client over SSE until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client := make(chan []byte, 256)
	h.register <- client
	defer func() { h.unregister <- client }()

	fmt.Fprintf(w, "data: %s\n\n", `{"type":"sys","message":"connected"}`)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-client:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

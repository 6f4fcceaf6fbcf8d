// Package logger fans the process log stream out to HTTP clients, with a
// short replay buffer so a client connecting mid-run sees recent history.
package logger

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const historySize = 1000

// Line is one captured log line.
type Line struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Broadcaster is an io.Writer that buffers recent log lines and streams them
// to subscribers. Plug it into the root logger as an extra output.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[chan Line]bool
	history []Line
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[chan Line]bool),
		history: make([]Line, 0, historySize),
	}
}

// Write records one log line and fans it out. Never blocks: slow subscribers
// miss lines instead of stalling the logger.
func (b *Broadcaster) Write(p []byte) (int, error) {
	line := Line{Timestamp: time.Now(), Message: string(p)}

	b.mu.Lock()
	if len(b.history) >= historySize {
		b.history = b.history[1:]
	}
	b.history = append(b.history, line)
	for ch := range b.clients {
		select {
		case ch <- line:
		default:
		}
	}
	b.mu.Unlock()

	return len(p), nil
}

func (b *Broadcaster) subscribe() (chan Line, []Line) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Line, 200)
	b.clients[ch] = true
	history := make([]Line, len(b.history))
	copy(history, b.history)
	return ch, history
}

func (b *Broadcaster) unsubscribe(ch chan Line) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
}

// ServeHTTP streams the log to one client over SSE, replaying buffered
// history first.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch, history := b.subscribe()
	defer b.unsubscribe(ch)

	for _, line := range history {
		writeEvent(w, line)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, line)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, line Line) {
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

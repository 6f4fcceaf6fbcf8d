package logger

import (
	"bufio"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBroadcaster_HistoryReplay(t *testing.T) {
	b := NewBroadcaster()
	b.Write([]byte("first line"))
	b.Write([]byte("second line"))

	_, history := b.subscribe()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Message != "first line" || history[1].Message != "second line" {
		t.Errorf("history out of order: %v", history)
	}
}

func TestBroadcaster_HistoryCapped(t *testing.T) {
	b := NewBroadcaster()
	for i := 0; i < historySize+10; i++ {
		b.Write([]byte("line"))
	}
	_, history := b.subscribe()
	if len(history) != historySize {
		t.Errorf("history length = %d, want %d", len(history), historySize)
	}
}

func TestBroadcaster_SlowClientDoesNotBlock(t *testing.T) {
	b := NewBroadcaster()
	ch, _ := b.subscribe()
	defer b.unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < cap(ch)+50; i++ {
			b.Write([]byte("burst"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Write blocked on a slow subscriber")
	}
}

func TestBroadcaster_ServeHTTPStreamsHistory(t *testing.T) {
	b := NewBroadcaster()
	b.Write([]byte("hello from the loop"))

	req := httptest.NewRequest("GET", "/api/logs", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 200*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	scanner := bufio.NewScanner(rec.Body)
	found := false
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "hello from the loop") {
			found = true
		}
	}
	if !found {
		t.Error("replayed history missing from stream")
	}
}

package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestServeSSEStreamsUntilStreamEnd(t *testing.T) {
	bus := NewBus(8)
	handler := ServeSSE(bus, "root-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler(rec, req)
		close(done)
	}()

	// give the handler a moment to subscribe before publishing
	time.Sleep(20 * time.Millisecond)
	bus.Publish(Event{Type: TypeTaskStarted, RootID: "root-1", TaskID: "t1"})
	bus.Publish(Event{Type: TypeStreamEnd, RootID: "root-1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after StreamEnd")
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: TaskStarted") {
		t.Fatalf("expected TaskStarted frame, got body: %s", body)
	}
	if !strings.Contains(body, "event: StreamEnd") {
		t.Fatalf("expected StreamEnd frame, got body: %s", body)
	}
	if strings.Index(body, "event: StreamEnd") < strings.Index(body, "event: TaskStarted") {
		t.Fatalf("expected StreamEnd to be the last frame")
	}
}

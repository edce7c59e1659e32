package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ServeSSE subscribes to topic and streams every event as a
// "event: <type>\ndata: <json>\n\n" frame until the subscriber disconnects,
// the bus closes the topic, or the request context is cancelled.
// Grounded on the corpus's SSE handler framing (event/data blocks
// separated by a blank line) written directly against net/http, Go 1.22
// method-pattern mux registration rather than a web framework.
func ServeSSE(bus *Bus, topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch, unsubscribe := bus.Subscribe(topic)
		defer unsubscribe()

		StreamFrames(w, r.Context(), ch, flusher)
	}
}

// StreamFrames writes ch to w as SSE frames, flushing after each one, until
// ctx is done, ch closes, or a StreamEnd event is written. Exported so a
// caller that must subscribe before writing a leading non-Event frame (the
// RPC dispatcher's JSON-RPC envelope) can reuse the same framing instead of
// duplicating it.
func StreamFrames(w http.ResponseWriter, ctx context.Context, ch <-chan Event, flusher http.Flusher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := WriteFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Type == TypeStreamEnd {
				return
			}
		}
	}
}

// WriteFrame writes ev as one "event: <type>\ndata: <json>\n\n" SSE frame.
func WriteFrame(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

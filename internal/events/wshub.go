package events

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"taskforge/internal/logging"
)

// clientMessage is the inbound schema a WebSocket client sends to
// (un)subscribe to a run's topic or acknowledge liveness.
type clientMessage struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe" | "ping"
	TaskID string `json:"task_id"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// WSHub multiplexes many root-task topics over one WebSocket connection: a
// client subscribes to task ids by sending {"action":"subscribe","task_id":...}
// and receives that topic's events as JSON text frames until it
// unsubscribes or the connection closes.
type WSHub struct {
	bus    *Bus
	logger logging.Logger
}

// NewWSHub returns a hub that multiplexes bus topics over WebSocket connections.
func NewWSHub(bus *Bus, logger logging.Logger) *WSHub {
	return &WSHub{bus: bus, logger: logging.OrNop(logger)}
}

// ServeHTTP upgrades the connection and runs the hub's read/write loops
// until the client disconnects.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	subscriptions := make(map[string]func())
	defer func() {
		for _, unsubscribe := range subscriptions {
			unsubscribe()
		}
	}()

	out := make(chan Event, 64)
	done := make(chan struct{})
	go h.writeLoop(conn, out, done)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			close(done)
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			if _, already := subscriptions[msg.TaskID]; already {
				continue
			}
			ch, unsubscribe := h.bus.Subscribe(msg.TaskID)
			subscriptions[msg.TaskID] = unsubscribe
			go forward(ch, out, done)
		case "unsubscribe":
			if unsubscribe, ok := subscriptions[msg.TaskID]; ok {
				unsubscribe()
				delete(subscriptions, msg.TaskID)
			}
		case "ping":
			select {
			case out <- Event{Type: "pong", TaskID: msg.TaskID, Timestamp: time.Now()}:
			default:
			}
		}
	}
}

func forward(ch <-chan Event, out chan<- Event, done <-chan struct{}) {
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			select {
			case out <- ev:
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}

func (h *WSHub) writeLoop(conn *websocket.Conn, out <-chan Event, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case ev := <-out:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

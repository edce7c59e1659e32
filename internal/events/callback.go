package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"taskforge/internal/logging"
)

// CallbackStatus is the wire status object nested in the push-callback body.
type CallbackStatus struct {
	State   string          `json:"state"`
	Message CallbackMessage `json:"message"`
}

// CallbackMessage carries the a2a/jsonrpc payload part.
type CallbackMessage struct {
	Role  string         `json:"role"`
	Parts []CallbackPart `json:"parts"`
}

// CallbackPart is one data part of a callback message.
type CallbackPart struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data"`
}

// CallbackBody is the POST body pushed to a subscriber's webhook URL.
type CallbackBody struct {
	TaskID    string         `json:"task_id"`
	ContextID string         `json:"context_id,omitempty"`
	Status    CallbackStatus `json:"status"`
	Final     bool           `json:"final"`
}

// CallbackSubscriber pushes every event on a topic to an HTTP endpoint with
// bounded, exponential-backoff retries. A 4xx response ends retries
// immediately; retry exhaustion is logged and non-fatal to the task it
// describes.
type CallbackSubscriber struct {
	url         string
	method      string
	headers     map[string]string
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
	logger      logging.Logger
}

// CallbackOption configures a CallbackSubscriber's optional verb and headers
// (spec §4.6: a push callback may be configured "optionally with custom
// headers and verb").
type CallbackOption func(*CallbackSubscriber)

// WithCallbackMethod overrides the HTTP verb used to push events; the
// default, when no option is given, is POST.
func WithCallbackMethod(method string) CallbackOption {
	return func(c *CallbackSubscriber) {
		if method != "" {
			c.method = method
		}
	}
}

// WithCallbackHeaders sets additional request headers sent with every push,
// alongside the Content-Type header push always sets.
func WithCallbackHeaders(headers map[string]string) CallbackOption {
	return func(c *CallbackSubscriber) { c.headers = headers }
}

// NewCallbackSubscriber returns a subscriber that pushes to url, retrying
// up to maxRetries times (1+maxRetries total attempts) with exponential
// backoff starting at baseBackoff.
func NewCallbackSubscriber(url string, maxRetries int, baseBackoff time.Duration, logger logging.Logger, opts ...CallbackOption) *CallbackSubscriber {
	c := &CallbackSubscriber{
		url:         url,
		method:      http.MethodPost,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
		logger:      logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run subscribes to topic on bus and pushes every event until the bus
// closes the topic or ctx is cancelled.
func (c *CallbackSubscriber) Run(ctx context.Context, bus *Bus, topic, rootTaskID string) {
	ch, unsubscribe := bus.Subscribe(topic)
	defer unsubscribe()
	c.RunOn(ctx, ch, rootTaskID)
}

// RunOn pushes every event on an already-subscribed channel until ctx is
// cancelled, ch closes, or a StreamEnd event is pushed — mirroring
// StreamFrames's termination rule so a callback-mode run started on a
// context that outlives the request (context.Background(), per
// rpc.startCallback) still stops its subscriber goroutine and releases its
// bus subscription once the run is over, instead of blocking forever on a
// channel nothing else will ever close or send to. Callers that must
// guarantee their subscription is registered before a run starts publishing
// (the RPC dispatcher's callback-mode execute) subscribe themselves and hand
// the channel in here instead of racing bus.Subscribe against Run's own
// goroutine startup.
func (c *CallbackSubscriber) RunOn(ctx context.Context, ch <-chan Event, rootTaskID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := c.push(ctx, rootTaskID, ev); err != nil {
				c.logger.Warn("push callback to %s failed after retries: %v", c.url, err)
			}
			if ev.Type == TypeStreamEnd {
				return
			}
		}
	}
}

func (c *CallbackSubscriber) push(ctx context.Context, rootTaskID string, ev Event) error {
	body := toCallbackBody(rootTaskID, ev)
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.baseBackoff
	eb.Multiplier = 2
	policy := backoff.WithMaxRetries(eb, uint64(c.maxRetries))

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, c.method, c.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err // transient: network error, retry
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("callback endpoint returned %d", resp.StatusCode))
		default:
			return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
		}
	}, policy)
}

func toCallbackBody(rootTaskID string, ev Event) CallbackBody {
	data := map[string]any{
		"protocol":     "jsonrpc",
		"status":       string(ev.Type),
		"root_task_id": rootTaskID,
	}
	if ev.Payload != nil {
		data["payload"] = ev.Payload
	}
	return CallbackBody{
		TaskID: ev.TaskID,
		Status: CallbackStatus{
			State: string(ev.Type),
			Message: CallbackMessage{
				Role:  "agent",
				Parts: []CallbackPart{{Kind: "data", Data: data}},
			},
		},
		Final: ev.Type == TypeRunFinal || ev.Type == TypeStreamEnd,
	}
}

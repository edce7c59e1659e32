package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskforge/internal/graph"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	d, _, bus := newDispatcher(t)
	return NewServer(d, bus, WithDefaultUserID("u1"))
}

func postJSON(t *testing.T, handler http.Handler, path string, req Request) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func TestServerAgentCardDiscovery(t *testing.T) {
	s := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/.well-known/agent-card", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var card AgentCard
	if err := json.Unmarshal(w.Body.Bytes(), &card); err != nil {
		t.Fatalf("decode agent card: %v", err)
	}
	if card.Name == "" || len(card.Skills) == 0 {
		t.Fatalf("expected populated agent card, got %+v", card)
	}
}

func TestServerTasksEndpointTagsJSONRPCProtocol(t *testing.T) {
	s := newTestServer(t)
	w := postJSON(t, s.Router(), "/tasks", Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "system.health"})

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Protocol != ProtocolJSONRPC {
		t.Fatalf("expected protocol %q, got %q", ProtocolJSONRPC, resp.Protocol)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestServerRootEndpointTagsA2AProtocol(t *testing.T) {
	s := newTestServer(t)
	w := postJSON(t, s.Router(), "/", Request{JSONRPC: "2.0", Method: "system.health"})

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Protocol != ProtocolA2A {
		t.Fatalf("expected protocol %q, got %q", ProtocolA2A, resp.Protocol)
	}
}

func TestServerMalformedBodyReturns400(t *testing.T) {
	s := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", w.Code)
	}
}

func TestServerDefaultPrincipalAppliesWhenNoToken(t *testing.T) {
	s := newTestServer(t)
	w := postJSON(t, s.Router(), "/tasks", Request{
		Method: "tasks.create",
		Params: json.RawMessage(`{"tasks":[{"name":"root","user_id":"u1","status":"pending","priority":2}]}`),
	})

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("expected default principal u1 to own submitted task, got error %+v", resp.Error)
	}
}

func TestServerBearerTokenDecodesPrincipal(t *testing.T) {
	s := newTestServer(t)

	claims := map[string]any{"user_id": "owner-1", "roles": []string{}}
	data, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	token := base64.RawURLEncoding.EncodeToString(data)

	body, err := json.Marshal(Request{
		Method: "tasks.create",
		Params: rawParams(t, createParams{Tasks: []*graph.Task{{
			Name: "root", UserID: "owner-1", Status: graph.StatusPending, Priority: graph.DefaultPriority,
		}}}),
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("expected bearer-decoded principal owner-1 to own submission, got %+v", resp.Error)
	}
}


package rpc

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"taskforge/internal/events"
	"taskforge/internal/logging"
	"taskforge/internal/rpc/principal"
	"taskforge/internal/scheduler"
)

// Server mounts the dispatcher's JSON-RPC surface and the event transports
// over HTTP, using net/http.NewServeMux's Go 1.22 method-pattern route
// registration rather than a web framework.
type Server struct {
	dispatcher *Dispatcher
	bus        *events.Bus
	wsHub      *events.WSHub
	logger     logging.Logger

	defaultUserID   string
	decodePrincipal func(*http.Request) principal.Principal

	name, description, url, version string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDefaultUserID sets the principal used when a request carries no
// bearer token or cookie.
func WithDefaultUserID(userID string) ServerOption {
	return func(s *Server) { s.defaultUserID = userID }
}

// WithPrincipalDecoder overrides how a principal is extracted from a
// request, for callers with a real token-verification layer to plug in.
func WithPrincipalDecoder(decode func(*http.Request) principal.Principal) ServerOption {
	return func(s *Server) { s.decodePrincipal = decode }
}

// WithAgentCard sets the fields ServeAgentCard reports.
func WithAgentCard(name, description, url, version string) ServerOption {
	return func(s *Server) { s.name, s.description, s.url, s.version = name, description, url, version }
}

// WithServerLogger overrides the component logger.
func WithServerLogger(logger logging.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer builds a Server around an already-constructed Dispatcher and Bus.
func NewServer(dispatcher *Dispatcher, bus *events.Bus, opts ...ServerOption) *Server {
	s := &Server{
		dispatcher:    dispatcher,
		bus:           bus,
		logger:        logging.NewComponentLogger("rpc.server"),
		defaultUserID: "anonymous",
		name:          "taskforge",
		description:   "Task-tree orchestration engine",
		url:           "/",
		version:       "0.1.0",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wsHub = events.NewWSHub(bus, s.logger)
	if s.decodePrincipal == nil {
		s.decodePrincipal = s.defaultDecodePrincipal
	}
	return s
}

// Router builds the full HTTP surface: agent-card discovery, the "/" and
// "/tasks" JSON-RPC mounts, "/system", and "/ws".
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /.well-known/agent-card", ServeAgentCard(s.name, s.description, s.url, s.version))
	mux.Handle("POST /", s.withPrincipal(s.handleAgentEndpoint(ProtocolA2A)))
	mux.Handle("POST /tasks", s.withPrincipal(s.handleAgentEndpoint(ProtocolJSONRPC)))
	mux.Handle("POST /system", s.withPrincipal(s.handleAgentEndpoint(ProtocolJSONRPC)))
	mux.Handle("/ws", s.withPrincipal(http.HandlerFunc(s.wsHub.ServeHTTP)))

	var handler http.Handler = mux
	handler = loggingMiddleware(s.logger)(handler)
	return handler
}

func loggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) withPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := s.decodePrincipal(r)
		ctx := principal.WithContext(r.Context(), p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// defaultDecodePrincipal extracts {user_id, roles} from a bearer token (the
// Authorization header takes precedence over a same-named cookie); the
// payload is decoded, never cryptographically verified — signature
// verification is a pre-core concern this dispatcher never performs. Absent
// any token, defaultUserID is used.
func (s *Server) defaultDecodePrincipal(r *http.Request) principal.Principal {
	token := bearerToken(r)
	if token == "" {
		return principal.Principal{UserID: s.defaultUserID}
	}
	if p, ok := decodeTokenPrincipal(token); ok {
		return p
	}
	return principal.Principal{UserID: s.defaultUserID}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if cookie, err := r.Cookie("Authorization"); err == nil {
		return cookie.Value
	}
	return ""
}

type tokenClaims struct {
	UserID string   `json:"user_id"`
	Sub    string   `json:"sub"`
	Roles  []string `json:"roles"`
}

// decodeTokenPrincipal decodes a JWT's base64url claims segment (or, for a
// bare token, the whole thing as base64 JSON) without verifying its
// signature, extracting {user_id|sub, roles}.
func decodeTokenPrincipal(token string) (principal.Principal, bool) {
	segment := token
	if parts := strings.Split(token, "."); len(parts) == 3 {
		segment = parts[1]
	}
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return principal.Principal{}, false
	}
	var claims tokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return principal.Principal{}, false
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Sub
	}
	if userID == "" {
		return principal.Principal{}, false
	}
	return principal.Principal{UserID: userID, Roles: claims.Roles}, true
}

// handleAgentEndpoint decodes one JSON-RPC request and dispatches it,
// diverting a streaming-mode tasks.execute to handleExecuteStream before
// anything is subscribed or started.
func (s *Server) handleAgentEndpoint(protocol string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse(nil, protocol, &Error{
				Code:    CodeInvalidRequest,
				Message: "invalid JSON-RPC request: " + err.Error(),
			}))
			return
		}

		method := canonicalize(req.Method)
		if method == MethodTasksExecute {
			var params ExecuteParams
			if len(req.Params) > 0 {
				if err := json.Unmarshal(req.Params, &params); err != nil {
					writeJSON(w, http.StatusOK, ErrorResponse(req.ID, protocol, &Error{
						Code:    CodeInvalidParams,
						Message: "invalid tasks.execute params: " + err.Error(),
					}))
					return
				}
			}
			if ResolveMode(params) == ModeStream {
				s.handleExecuteStream(w, r, protocol, req, params)
				return
			}
		}

		resp := s.dispatcher.Dispatch(r.Context(), protocol, req)
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleExecuteStream serves the streaming response mode: validate/persist
// (and check ownership) first, then subscribe to the run's topic, write the
// JSON-RPC envelope as the first SSE frame, only then start the scheduler,
// and stream every subsequent event until StreamEnd.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request, protocol string, req Request, params ExecuteParams) {
	p, _ := principal.FromContext(r.Context())
	rootID, err := s.dispatcher.PrepareExecute(r.Context(), p, params)
	if err != nil {
		writeJSON(w, http.StatusOK, ErrorResponse(req.ID, protocol, mapError(err)))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, unsubscribe := s.bus.Subscribe(rootID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	envelope := Result(req.ID, protocol, map[string]any{"status": "started", "root_task_id": rootID})
	if err := events.WriteFrame(w, events.Event{Type: "envelope", RootID: rootID, Payload: envelope}); err != nil {
		return
	}
	flusher.Flush()

	s.dispatcher.StartExecute(rootID, scheduler.ExecuteOptions{Target: params.Target, ReExecute: params.ReExecute})
	events.StreamFrames(w, r.Context(), ch, flusher)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/meshbus/internal/wire"
)

// httpCallTimeout bounds how long the legacy HTTP bridge waits for a
// user-hosted endpoint to answer before responding 504.
const httpCallTimeout = 30 * time.Second

// ServeHTTPEndpoint implements the legacy request/response bridge:
// POST /api/v1/<owner>:<name> with a JSON body calls the endpoint the
// same way a WebSocket-connected app would, without requiring the
// caller to hold a persistent connection. It answers either from a
// built-in handler or by forwarding to the session that registered
// the endpoint and blocking for its reply.
func (s *Server) ServeHTTPEndpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/api/v1/")
	if key == "" || !strings.Contains(key, ":") {
		http.Error(w, "expected /api/v1/<owner>:<name>", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}

	data, callErr := s.callEndpointSync(r.Context(), key, body)
	if callErr != nil {
		status := http.StatusBadGateway
		if errors.Is(callErr, errNoSuchEndpoint) {
			status = http.StatusNotFound
		} else if errors.Is(callErr, errHTTPCallTimeout) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, callErr.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

var (
	errNoSuchEndpoint  = errors.New("server: no endpoint registered for that key")
	errHTTPCallTimeout = errors.New("server: endpoint call timed out")
)

func (s *Server) callEndpointSync(ctx context.Context, key string, body json.RawMessage) (json.RawMessage, error) {
	if handler, ok := s.builtinEndpoint(key); ok {
		return handler(ctx, nil, body)
	}

	s.mu.Lock()
	route, ok := s.endpoints[key]
	s.mu.Unlock()
	if !ok {
		return nil, errNoSuchEndpoint
	}

	ticket := s.ticketCounter.Add(1)
	reply := make(chan httpResult, 1)
	s.mu.Lock()
	s.pendingCalls[ticket] = pendingCall{httpReply: reply}
	s.mu.Unlock()

	forwarded := callEnvelope{Type: key, Key: ticket, Data: body}
	s.sendTo(route.ownerID, wire.Envelope{Type: "endpoint:call", Data: mustMarshal(forwarded)})

	select {
	case res := <-reply:
		if res.err != "" {
			return nil, errors.New(res.err)
		}
		return res.data, nil
	case <-time.After(httpCallTimeout):
		s.mu.Lock()
		delete(s.pendingCalls, ticket)
		s.mu.Unlock()
		return nil, errHTTPCallTimeout
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pendingCalls, ticket)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

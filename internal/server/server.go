// Package server implements the broker: the process every Client
// connects to. It terminates the WebSocket (and legacy HTTP POST)
// transport, tracks connected sessions, persists and fans out table
// mutations through a pluggable tablestore.Store, relays endpoint
// calls between callers and the session hosting each endpoint, and
// answers the registry extension's single-key get/set/listen
// protocol directly. Grounded in shape on the teacher's
// internal/web session/dashboard handling, generalized from an HTTP
// chat session to a persistent bidirectional broker session.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/meshbus/internal/tablestore"
	"github.com/nugget/meshbus/internal/wire"
)

// wire shapes duplicated from the endpoint/table/registry packages'
// private envelope types — these are the JSON shapes the protocol
// defines on the wire, not shared Go types, since the server
// terminates the protocol rather than participating in it as an
// extension host.
type callEnvelope struct {
	Type string          `json:"type"`
	Key  int64           `json:"key"`
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Type  string `json:"type"`
	Key   int64  `json:"key"`
	Error string `json:"error"`
}

type endpointInfo struct {
	Owner       string `json:"Owner"`
	Name        string `json:"Name"`
	Description string `json:"Description"`
}

func (i endpointInfo) key() string { return i.Owner + ":" + i.Name }

type tableInfo struct {
	Owner       string `json:"Owner"`
	Name        string `json:"Name"`
	Description string `json:"Description"`
}

func (i tableInfo) key() string { return i.Owner + ":" + i.Name }

type tableItemsEnvelope struct {
	Type  string                            `json:"type"`
	Items *wire.OrderedMap[json.RawMessage] `json:"items"`
}

type tableClearEnvelope struct {
	Type string `json:"type"`
}

type tableProxyEnvelope struct {
	Type  string                            `json:"type"`
	Key   uuid.UUID                         `json:"key"`
	Items *wire.OrderedMap[json.RawMessage] `json:"items"`
}

type tableKeyOnlyEnvelope struct {
	Type string `json:"type"`
}

type tableGetRequest struct {
	Type  string   `json:"type"`
	Items []string `json:"items"`
}

type tableFetchRequest struct {
	Type   string  `json:"type"`
	Limit  int     `json:"limit"`
	Cursor *string `json:"cursor"`
}

type tableSizeRequest struct {
	Type string `json:"type"`
}

type registryUpdateEnvelope struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type registryListenEnvelope struct {
	Key string `json:"key"`
}

type registryGetRequest struct {
	Key string `json:"key"`
}

// StoreFactory builds the persistence back end for a newly registered
// table. The default (NewDictStoreFactory) keeps everything in
// memory; cmd/omuserver always supplies a SQLite-backed factory that
// stores each table under the configured data_root.
type StoreFactory func(key string) (tablestore.Store, error)

// NewDictStoreFactory returns a StoreFactory that always builds an
// in-memory tablestore.Dict, ignoring the table key.
func NewDictStoreFactory() StoreFactory {
	return func(string) (tablestore.Store, error) { return tablestore.NewDict(), nil }
}

// Session is one connected application's live socket plus its
// subscription state, as tracked by the Server.
type Session struct {
	ID          string
	App         wire.App
	ConnectedAt time.Time

	server *Server
	ws     *websocket.Conn
	sendCh chan wire.Envelope
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *Session) send(env wire.Envelope) {
	select {
	case s.sendCh <- env:
	case <-s.done:
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case env := <-s.sendCh:
			if err := s.ws.WriteJSON(env); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.ws.Close()
}

type pendingCall struct {
	callerID    string
	originalKey int64

	// httpReply is set only for calls placed through the legacy HTTP
	// POST endpoint, which has no session of its own to reply to and
	// instead blocks the request on this channel.
	httpReply chan httpResult
}

type httpResult struct {
	data json.RawMessage
	err  string
}

type proxyBatch struct {
	mutationType string
	items        *wire.OrderedMap[json.RawMessage]
	nextProxy    int
}

// serverTable is the server-side state for one registered table: its
// persistence back end, subscriber list, write-proxy chain, and
// in-flight proxy batches.
type serverTable struct {
	info  tableInfo
	store tablestore.Store

	mu             sync.Mutex
	owner          string
	listeners      []string
	proxies        []string
	pendingProxies map[uuid.UUID]*proxyBatch
}

// Server is the broker: it owns every connected Session, every
// registered table and endpoint, and the registry's key/value store.
type Server struct {
	logger       *slog.Logger
	storeFactory StoreFactory

	mu            sync.Mutex
	sessions      map[string]*Session
	appKeys       map[string]string // app.Key() -> session id, for duplicate rejection
	endpoints     map[string]endpointRoute
	tables        map[string]*serverTable
	registryStore map[string]json.RawMessage
	registryLike  map[string][]string // registry key -> listening session ids

	pendingCalls  map[int64]pendingCall
	ticketCounter atomic.Int64

	upgrader websocket.Upgrader

	// onConnect and onDisconnect, if set, are called outside s.mu for
	// every session connect/disconnect. cmd/omuserver wires these to
	// the optional MQTT presence bridge without coupling this package
	// to the mqtt package.
	onConnect    func(app wire.App)
	onDisconnect func(app wire.App)
}

type endpointRoute struct {
	info    endpointInfo
	ownerID string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithStoreFactory overrides the table persistence back end. The
// default is an in-memory dict store for every table.
func WithStoreFactory(f StoreFactory) Option {
	return func(s *Server) { s.storeFactory = f }
}

// WithPresenceHooks registers callbacks invoked whenever a session
// connects or disconnects. Used to mirror App presence onto the
// optional MQTT bridge without this package importing it.
func WithPresenceHooks(onConnect, onDisconnect func(app wire.App)) Option {
	return func(s *Server) {
		s.onConnect = onConnect
		s.onDisconnect = onDisconnect
	}
}

// New builds an empty Server.
func New(opts ...Option) *Server {
	s := &Server{
		logger:        slog.Default(),
		storeFactory:  NewDictStoreFactory(),
		sessions:      make(map[string]*Session),
		appKeys:       make(map[string]string),
		endpoints:     make(map[string]endpointRoute),
		tables:        make(map[string]*serverTable),
		registryStore: make(map[string]json.RawMessage),
		registryLike:  make(map[string][]string),
		pendingCalls:  make(map[int64]pendingCall),
		upgrader:      websocket.Upgrader{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeWS upgrades the request to a WebSocket, performs the "connect"
// handshake, and runs the session's read loop until disconnect. The
// handshake rejects a second connection under the same App key by
// closing with status 1008 (policy violation).
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	var handshake wire.Envelope
	if err := ws.ReadJSON(&handshake); err != nil || handshake.Type != "connect" {
		ws.Close()
		return
	}
	var app wire.App
	if err := json.Unmarshal(handshake.Data, &app); err != nil {
		ws.Close()
		return
	}

	session := &Session{
		ID:          uuid.New().String(),
		App:         app,
		ConnectedAt: time.Now(),
		server:      s,
		ws:          ws,
		sendCh:      make(chan wire.Envelope, 256),
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	if existingID, dup := s.appKeys[app.Key()]; dup {
		s.mu.Unlock()
		s.logger.Warn("rejecting duplicate app key", "app", app.Key(), "existing_session", existingID)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicate app key"), nil)
		ws.Close()
		return
	}
	s.appKeys[app.Key()] = session.ID
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.logger.Info("session connected", "app", app.Key(), "session", session.ID)
	if s.onConnect != nil {
		s.onConnect(app)
	}

	go session.writeLoop()
	s.readLoop(session)
}

func (s *Server) readLoop(session *Session) {
	ctx := context.Background()
	defer s.disconnect(session)

	for {
		var env wire.Envelope
		if err := session.ws.ReadJSON(&env); err != nil {
			if !isClosedErr(err) {
				s.logger.Warn("session read failed", "session", session.ID, "error", err)
			}
			return
		}
		s.dispatch(ctx, session, env)
	}
}

func isClosedErr(err error) bool {
	return err == io.EOF || websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

func (s *Server) disconnect(session *Session) {
	session.close()
	s.mu.Lock()
	delete(s.sessions, session.ID)
	if s.appKeys[session.App.Key()] == session.ID {
		delete(s.appKeys, session.App.Key())
	}
	s.mu.Unlock()

	s.mu.Lock()
	for _, t := range s.tables {
		t.mu.Lock()
		t.listeners = removeID(t.listeners, session.ID)
		t.proxies = removeID(t.proxies, session.ID)
		t.mu.Unlock()
	}
	s.mu.Unlock()

	s.logger.Info("session disconnected", "app", session.App.Key(), "session", session.ID)
	if s.onDisconnect != nil {
		s.onDisconnect(session.App)
	}
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// dispatch routes one inbound envelope to the matching protocol
// handler by its type prefix.
func (s *Server) dispatch(ctx context.Context, session *Session, env wire.Envelope) {
	switch {
	case env.Type == "endpoint:call":
		s.handleEndpointCall(ctx, session, env)
	case env.Type == "endpoint:receive" || env.Type == "endpoint:error":
		s.handleEndpointResponse(session, env)
	case env.Type == "endpoint:register":
		s.handleEndpointRegister(session, env)
	case env.Type == "table:register":
		s.handleTableRegister(session, env)
	case env.Type == "table:listen":
		s.handleTableListen(session, env)
	case env.Type == "table:proxy_listen":
		s.handleTableProxyListen(session, env)
	case env.Type == "table:item_add" || env.Type == "table:item_update" || env.Type == "table:item_remove":
		s.handleTableMutation(ctx, session, env)
	case env.Type == "table:item_clear":
		s.handleTableClear(ctx, session, env)
	case env.Type == "registry:update":
		s.handleRegistryUpdate(session, env)
	case env.Type == "registry:listen":
		s.handleRegistryListen(session, env)
	default:
		s.logger.Debug("unhandled envelope type", "type", env.Type)
	}
}

func (s *Server) sendTo(id string, env wire.Envelope) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.send(env)
}

// Mux returns an http.Handler wiring the WebSocket transport at /ws
// and the legacy HTTP POST bridge at /api/v1/.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/api/v1/", s.ServeHTTPEndpoint)
	return mux
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("server: marshal %T: %v", v, err))
	}
	return data
}

package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/nugget/meshbus/internal/wire"
)

// toBytesMap copies a json.RawMessage ordered map into the []byte
// ordered map the Store interface trades in; json.RawMessage is
// itself a []byte, but distinct generic instantiations aren't
// assignable, so the copy is explicit.
func toBytesMap(in *wire.OrderedMap[json.RawMessage]) *wire.OrderedMap[[]byte] {
	out := wire.NewOrderedMap[[]byte]()
	in.Range(func(k string, v json.RawMessage) bool {
		out.Set(k, []byte(v))
		return true
	})
	return out
}

func toRawMap(in *wire.OrderedMap[[]byte]) *wire.OrderedMap[json.RawMessage] {
	out := wire.NewOrderedMap[json.RawMessage]()
	in.Range(func(k string, v []byte) bool {
		out.Set(k, json.RawMessage(v))
		return true
	})
	return out
}

// --- endpoint extension -----------------------------------------------

func (s *Server) handleEndpointRegister(session *Session, env wire.Envelope) {
	var info endpointInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		s.logger.Warn("endpoint:register decode failed", "error", err)
		return
	}
	s.mu.Lock()
	s.endpoints[info.key()] = endpointRoute{info: info, ownerID: session.ID}
	s.mu.Unlock()
	s.logger.Info("endpoint registered", "key", info.key(), "session", session.ID)
}

// handleEndpointCall routes an inbound call either to one of the
// server's own built-in handlers (the table and registry extensions'
// server-side operations) or, for a user-hosted endpoint, to the
// session that registered it — rewriting the call's correlation key
// to a server-minted ticket so replies from independent concurrent
// callers to the same owner can never collide.
func (s *Server) handleEndpointCall(ctx context.Context, session *Session, env wire.Envelope) {
	var call callEnvelope
	if err := json.Unmarshal(env.Data, &call); err != nil {
		s.logger.Warn("endpoint:call decode failed", "error", err)
		return
	}

	if handler, ok := s.builtinEndpoint(call.Type); ok {
		resData, err := handler(ctx, session, call.Data)
		if err != nil {
			s.replyError(session, call.Type, call.Key, err)
		} else {
			s.replyReceive(session, call.Type, call.Key, resData)
		}
		return
	}

	s.mu.Lock()
	route, ok := s.endpoints[call.Type]
	s.mu.Unlock()
	if !ok {
		s.replyError(session, call.Type, call.Key, fmt.Errorf("no endpoint registered for %q", call.Type))
		return
	}

	ticket := s.ticketCounter.Add(1)
	s.mu.Lock()
	s.pendingCalls[ticket] = pendingCall{callerID: session.ID, originalKey: call.Key}
	s.mu.Unlock()

	forwarded := callEnvelope{Type: call.Type, Key: ticket, Data: call.Data}
	s.sendTo(route.ownerID, wire.Envelope{Type: "endpoint:call", Data: mustMarshal(forwarded)})
}

// handleEndpointResponse forwards a receive/error from the session
// hosting an endpoint back to whichever session actually made the
// call, translating the ticket key back to the caller's own.
func (s *Server) handleEndpointResponse(session *Session, env wire.Envelope) {
	if env.Type == "endpoint:error" {
		var resp errorEnvelope
		if err := json.Unmarshal(env.Data, &resp); err != nil {
			return
		}
		s.mu.Lock()
		pc, ok := s.pendingCalls[resp.Key]
		if ok {
			delete(s.pendingCalls, resp.Key)
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		if pc.httpReply != nil {
			pc.httpReply <- httpResult{err: resp.Error}
			return
		}
		rewritten := errorEnvelope{Type: resp.Type, Key: pc.originalKey, Error: resp.Error}
		s.sendTo(pc.callerID, wire.Envelope{Type: "endpoint:error", Data: mustMarshal(rewritten)})
		return
	}

	var resp callEnvelope
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return
	}
	s.mu.Lock()
	pc, ok := s.pendingCalls[resp.Key]
	if ok {
		delete(s.pendingCalls, resp.Key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if pc.httpReply != nil {
		pc.httpReply <- httpResult{data: resp.Data}
		return
	}
	rewritten := callEnvelope{Type: resp.Type, Key: pc.originalKey, Data: resp.Data}
	s.sendTo(pc.callerID, wire.Envelope{Type: "endpoint:receive", Data: mustMarshal(rewritten)})
}

func (s *Server) replyReceive(session *Session, typ string, key int64, data json.RawMessage) {
	env := callEnvelope{Type: typ, Key: key, Data: data}
	session.send(wire.Envelope{Type: "endpoint:receive", Data: mustMarshal(env)})
}

func (s *Server) replyError(session *Session, typ string, key int64, err error) {
	env := errorEnvelope{Type: typ, Key: key, Error: err.Error()}
	session.send(wire.Envelope{Type: "endpoint:error", Data: mustMarshal(env)})
}

// builtinEndpointHandler answers one of the server-implemented
// endpoints (table reads and the write-proxy acknowledgement,
// registry reads) synchronously within the calling session's request.
type builtinEndpointHandler func(ctx context.Context, session *Session, req json.RawMessage) (json.RawMessage, error)

func (s *Server) builtinEndpoint(typ string) (builtinEndpointHandler, bool) {
	switch typ {
	case "table:item_get":
		return s.handleTableGetEndpoint, true
	case "table:item_fetch":
		return s.handleTableFetchEndpoint, true
	case "table:item_size":
		return s.handleTableSizeEndpoint, true
	case "table:proxy":
		return s.handleTableProxyAck, true
	case "registry:get":
		return s.handleRegistryGetEndpoint, true
	default:
		return nil, false
	}
}

// --- table extension ---------------------------------------------------

func (s *Server) tableFor(key string) (*serverTable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[key]
	return t, ok
}

func (s *Server) ensureTable(info tableInfo, ownerID string) (*serverTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[info.key()]; ok {
		return t, nil
	}
	store, err := s.storeFactory(info.key())
	if err != nil {
		return nil, fmt.Errorf("server: open store for table %s: %w", info.key(), err)
	}
	t := &serverTable{
		info:           info,
		store:          store,
		owner:          ownerID,
		pendingProxies: make(map[uuid.UUID]*proxyBatch),
	}
	s.tables[info.key()] = t
	return t, nil
}

func (s *Server) handleTableRegister(session *Session, env wire.Envelope) {
	var info tableInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		s.logger.Warn("table:register decode failed", "error", err)
		return
	}
	if _, err := s.ensureTable(info, session.ID); err != nil {
		s.logger.Warn("table:register failed", "table", info.key(), "error", err)
		return
	}
	s.logger.Info("table registered", "key", info.key(), "session", session.ID)
}

func (s *Server) handleTableListen(session *Session, env wire.Envelope) {
	var req tableKeyOnlyEnvelope
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return
	}
	t, ok := s.tableFor(req.Type)
	if !ok {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, session.ID)
	t.mu.Unlock()
}

func (s *Server) handleTableProxyListen(session *Session, env wire.Envelope) {
	var req tableKeyOnlyEnvelope
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return
	}
	t, ok := s.tableFor(req.Type)
	if !ok {
		return
	}
	t.mu.Lock()
	t.proxies = append(t.proxies, session.ID)
	t.mu.Unlock()
}

func (s *Server) handleTableMutation(ctx context.Context, session *Session, env wire.Envelope) {
	var msg tableItemsEnvelope
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		s.logger.Warn("table mutation decode failed", "type", env.Type, "error", err)
		return
	}
	t, ok := s.tableFor(msg.Type)
	if !ok {
		return
	}
	mutation := mutationKindFromEnvelope(env.Type)
	t.beginMutation(ctx, s, mutation, msg.Items)
}

func (s *Server) handleTableClear(ctx context.Context, session *Session, env wire.Envelope) {
	var msg tableClearEnvelope
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return
	}
	t, ok := s.tableFor(msg.Type)
	if !ok {
		return
	}
	t.beginMutation(ctx, s, "clear", wire.NewOrderedMap[json.RawMessage]())
}

func mutationKindFromEnvelope(envType string) string {
	switch envType {
	case "table:item_add":
		return "add"
	case "table:item_update":
		return "update"
	case "table:item_remove":
		return "remove"
	default:
		return "clear"
	}
}

// beginMutation starts the write-proxy pipeline for one mutation
// batch, or commits it straight away if no proxy is attached.
func (t *serverTable) beginMutation(ctx context.Context, s *Server, mutation string, items *wire.OrderedMap[json.RawMessage]) {
	t.mu.Lock()
	if len(t.proxies) == 0 {
		t.mu.Unlock()
		t.commit(ctx, s, mutation, items)
		return
	}
	key := uuid.New()
	t.pendingProxies[key] = &proxyBatch{mutationType: mutation, items: items, nextProxy: 0}
	t.mu.Unlock()
	t.advanceProxy(s, key)
}

// advanceProxy pushes the pending batch to the next session in the
// proxy chain, or commits it once every proxy has acknowledged.
func (t *serverTable) advanceProxy(s *Server, key uuid.UUID) {
	t.mu.Lock()
	batch, ok := t.pendingProxies[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	if batch.nextProxy >= len(t.proxies) {
		delete(t.pendingProxies, key)
		mutation, items := batch.mutationType, batch.items
		t.mu.Unlock()
		t.commit(context.Background(), s, mutation, items)
		return
	}
	targetID := t.proxies[batch.nextProxy]
	items := batch.items
	t.mu.Unlock()

	push := tableProxyEnvelope{Type: t.info.key(), Key: key, Items: items}
	s.sendTo(targetID, wire.Envelope{Type: "table:proxy", Data: mustMarshal(push)})
}

func (t *serverTable) commit(ctx context.Context, s *Server, mutation string, items *wire.OrderedMap[json.RawMessage]) {
	var err error
	switch mutation {
	case "add", "update":
		err = t.store.Set(ctx, toBytesMap(items))
	case "remove":
		err = t.store.Delete(ctx, items.Keys())
	case "clear":
		err = t.store.Clear(ctx)
	}
	if err != nil {
		s.logger.Warn("table commit failed", "table", t.info.key(), "mutation", mutation, "error", err)
		return
	}

	envType := "table:item_" + mutation
	var data json.RawMessage
	if mutation == "clear" {
		data = mustMarshal(tableClearEnvelope{Type: t.info.key()})
	} else {
		data = mustMarshal(tableItemsEnvelope{Type: t.info.key(), Items: items})
	}

	t.mu.Lock()
	listeners := append([]string(nil), t.listeners...)
	t.mu.Unlock()
	for _, id := range listeners {
		s.sendTo(id, wire.Envelope{Type: envType, Data: data})
	}
}

func (s *Server) handleTableProxyAck(ctx context.Context, session *Session, req json.RawMessage) (json.RawMessage, error) {
	var ack tableProxyEnvelope
	if err := json.Unmarshal(req, &ack); err != nil {
		return nil, fmt.Errorf("server: decode proxy ack: %w", err)
	}
	t, ok := s.tableFor(ack.Type)
	if !ok {
		return nil, fmt.Errorf("server: no such table %q", ack.Type)
	}

	t.mu.Lock()
	batch, ok := t.pendingProxies[ack.Key]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("server: no pending proxy batch %s", ack.Key)
	}
	batch.items = ack.Items
	batch.nextProxy++
	t.mu.Unlock()

	t.advanceProxy(s, ack.Key)
	return mustMarshal(ack), nil
}

func (s *Server) handleTableGetEndpoint(ctx context.Context, session *Session, req json.RawMessage) (json.RawMessage, error) {
	var get tableGetRequest
	if err := json.Unmarshal(req, &get); err != nil {
		return nil, err
	}
	t, ok := s.tableFor(get.Type)
	if !ok {
		return nil, fmt.Errorf("server: no such table %q", get.Type)
	}
	bytesOut, err := t.store.GetMany(ctx, get.Items)
	if err != nil {
		return nil, err
	}
	return mustMarshal(tableItemsEnvelope{Type: get.Type, Items: toRawMap(bytesOut)}), nil
}

func (s *Server) handleTableFetchEndpoint(ctx context.Context, session *Session, req json.RawMessage) (json.RawMessage, error) {
	var fetch tableFetchRequest
	if err := json.Unmarshal(req, &fetch); err != nil {
		return nil, err
	}
	t, ok := s.tableFor(fetch.Type)
	if !ok {
		return nil, fmt.Errorf("server: no such table %q", fetch.Type)
	}
	cursor := ""
	if fetch.Cursor != nil {
		cursor = *fetch.Cursor
	}
	bytesOut, err := t.store.Fetch(ctx, fetch.Limit, cursor)
	if err != nil {
		return nil, err
	}
	return mustMarshal(tableItemsEnvelope{Type: fetch.Type, Items: toRawMap(bytesOut)}), nil
}

func (s *Server) handleTableSizeEndpoint(ctx context.Context, session *Session, req json.RawMessage) (json.RawMessage, error) {
	var sz tableSizeRequest
	if err := json.Unmarshal(req, &sz); err != nil {
		return nil, err
	}
	t, ok := s.tableFor(sz.Type)
	if !ok {
		return nil, fmt.Errorf("server: no such table %q", sz.Type)
	}
	n, err := t.store.Size(ctx)
	if err != nil {
		return nil, err
	}
	return mustMarshal(struct {
		Size int `json:"size"`
	}{n}), nil
}

// --- registry extension --------------------------------------------------

func (s *Server) handleRegistryUpdate(session *Session, env wire.Envelope) {
	var msg registryUpdateEnvelope
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return
	}
	s.mu.Lock()
	s.registryStore[msg.Key] = msg.Value
	listeners := append([]string(nil), s.registryLike[msg.Key]...)
	s.mu.Unlock()

	for _, id := range listeners {
		s.sendTo(id, wire.Envelope{Type: "registry:update", Data: env.Data})
	}
}

func (s *Server) handleRegistryListen(session *Session, env wire.Envelope) {
	var msg registryListenEnvelope
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return
	}
	s.mu.Lock()
	s.registryLike[msg.Key] = append(s.registryLike[msg.Key], session.ID)
	s.mu.Unlock()
}

func (s *Server) handleRegistryGetEndpoint(ctx context.Context, session *Session, req json.RawMessage) (json.RawMessage, error) {
	var get registryGetRequest
	if err := json.Unmarshal(req, &get); err != nil {
		return nil, err
	}
	s.mu.Lock()
	value, ok := s.registryStore[get.Key]
	s.mu.Unlock()
	if !ok {
		value = json.RawMessage("null")
	}
	return mustMarshal(struct {
		Value json.RawMessage `json:"value"`
	}{value}), nil
}

package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fake socket
// ============================================================================

type emittedEvent struct {
	event   string
	payload any
}

type fakeSocket struct {
	mu        sync.Mutex
	emits     []emittedEvent
	handlers  map[string][]*Handler
	reconnect []func()
	err       error
	onEmit    func(event string, payload any)
	closed    bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{handlers: make(map[string][]*Handler)}
}

func (f *fakeSocket) Emit(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	f.emits = append(f.emits, emittedEvent{event, payload})
	hook, err := f.onEmit, f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(event, payload)
	}
	return nil
}

func (f *fakeSocket) On(event string, h *Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.handlers[event] {
		if existing == h {
			return
		}
	}
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeSocket) Off(event string, h *Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.handlers[event]
	for i, existing := range list {
		if existing == h {
			f.handlers[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (f *fakeSocket) OnReconnect(fn func()) {
	f.mu.Lock()
	f.reconnect = append(f.reconnect, fn)
	f.mu.Unlock()
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closed = true
	f.handlers = make(map[string][]*Handler)
	f.reconnect = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) setHook(fn func(event string, payload any)) {
	f.mu.Lock()
	f.onEmit = fn
	f.mu.Unlock()
}

func (f *fakeSocket) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// deliver simulates a server event arriving on the read loop.
func (f *fakeSocket) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	f.mu.Lock()
	handlers := append([]*Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h.fn(Event{Name: event, Payload: data})
	}
}

func (f *fakeSocket) triggerReconnect() {
	f.mu.Lock()
	fns := append([]func(){}, f.reconnect...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeSocket) emitted() []emittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emittedEvent(nil), f.emits...)
}

func (f *fakeSocket) emittedNamed(event string) []any {
	var out []any
	for _, e := range f.emitted() {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (f *fakeSocket) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, list := range f.handlers {
		n += len(list)
	}
	return n
}

// ============================================================================
// Fake REST backend
// ============================================================================

type testBackend struct {
	mu          sync.Mutex
	history     map[string][]map[string]any
	rooms       []map[string]any
	friends     []any
	sent        []SendMessagePayload
	sendStatus  int
	created     int
	historyHits int
	nextID      int
}

func newTestBackend(t *testing.T) (*testBackend, *Client) {
	t.Helper()
	b := &testBackend{history: make(map[string][]map[string]any)}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, NewClient("test-token", WithBaseURL(srv.URL+"/api"))
}

func (b *testBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer test-token" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "No token provided"})
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api")
	switch {
	case r.Method == http.MethodPost && path == "/messages/send":
		var p SendMessagePayload
		json.NewDecoder(r.Body).Decode(&p)
		b.sent = append(b.sent, p)
		if b.sendStatus != 0 {
			writeJSON(w, b.sendStatus, map[string]any{"message": "send failed"})
			return
		}
		b.nextID++
		writeJSON(w, http.StatusCreated, map[string]any{"message": map[string]any{
			"_id":       fmt.Sprintf("srv-%d", b.nextID),
			"content":   p.Content,
			"sender":    map[string]any{"id": p.Sender.ID, "name": p.Sender.Name},
			"room":      p.Room,
			"timestamp": p.Timestamp,
		}})

	case r.Method == http.MethodGet && path == "/messages/direct":
		b.historyHits++
		q := r.URL.Query()
		records, ok := b.history[DirectConversationID(q.Get("user1"), q.Get("user2"))]
		if !ok {
			records = []map[string]any{}
		}
		writeJSON(w, http.StatusOK, records)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/messages/"):
		b.historyHits++
		room := strings.TrimPrefix(path, "/messages/")
		records, ok := b.history[room]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "Room not found"})
			return
		}
		writeJSON(w, http.StatusOK, records)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/chat/user/"):
		writeJSON(w, http.StatusOK, b.rooms)

	case r.Method == http.MethodPost && path == "/chat/create":
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		b.created++
		b.nextID++
		body["_id"] = fmt.Sprintf("room-%d", b.nextID)
		b.rooms = append(b.rooms, body)
		writeJSON(w, http.StatusCreated, map[string]any{"chatroom": body})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/friendlist/"):
		writeJSON(w, http.StatusOK, map[string]any{"friendList": map[string]any{"friends": b.friends}})

	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not found"})
	}
}

func (b *testBackend) setHistory(room string, records ...map[string]any) {
	b.mu.Lock()
	b.history[room] = records
	b.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ============================================================================
// Session fixtures
// ============================================================================

var alice = Identity{ID: "u1", Name: "Alice", Role: "employee"}

func newTestSession(t *testing.T, opts ...SessionOption) (*Session, *fakeSocket, *testBackend) {
	t.Helper()
	backend, client := newTestBackend(t)
	sock := newFakeSocket()
	s := NewSession(client, sock, alice, opts...)
	t.Cleanup(func() { s.Close() })
	return s, sock, backend
}

func record(id, room, senderID, senderName, content string, at time.Time) map[string]any {
	return map[string]any{
		"_id":       id,
		"room":      room,
		"content":   content,
		"sender":    map[string]any{"id": senderID, "name": senderName},
		"timestamp": at.UTC().Format(time.RFC3339Nano),
	}
}

// echoOf builds the server broadcast for a send payload.
func echoOf(id string, p SendMessagePayload) map[string]any {
	return map[string]any{
		"_id":       id,
		"room":      p.Room,
		"content":   p.Content,
		"sender":    map[string]any{"id": p.Sender.ID, "name": p.Sender.Name},
		"timestamp": p.Timestamp,
	}
}

func checkViewInvariants(t *testing.T, msgs []Message) {
	t.Helper()
	seen := make(map[string]bool, len(msgs))
	for i, m := range msgs {
		if seen[m.ID] {
			t.Errorf("duplicate id %s in view", m.ID)
		}
		seen[m.ID] = true
		if i > 0 && msgs[i-1].CreatedAt.After(m.CreatedAt) {
			t.Errorf("view out of order at %d: %s after %s", i, msgs[i-1].CreatedAt, m.CreatedAt)
		}
	}
	if !sort.SliceIsSorted(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) }) {
		t.Error("view not sorted by CreatedAt")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

package observer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chunkclaims.ai/internal/notify"
	"chunkclaims.ai/internal/observerproto"
)

func dial(t *testing.T, srv *httptest.Server, sub observerproto.SubscribeMsg) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return conn
}

func waitSessions(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Sessions() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sessions, got %d", n, s.Sessions())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(nil, cfg)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.WSHandler())
	mux.HandleFunc("/bootstrap", s.BootstrapHandler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func sub(kinds ...string) observerproto.SubscribeMsg {
	return observerproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version, Kinds: kinds}
}

func TestStreamDeliversMatchingEvents(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	conn := dial(t, srv, sub("at_risk"))
	waitSessions(t, s, 1)

	s.Notify(notify.Event{Kind: notify.KindBankDeposit, ClaimID: 1})
	s.Notify(notify.Event{Kind: notify.KindAtRisk, ClaimID: 2, Player: "alice"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg observerproto.EventMsg
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != observerproto.TypeEvent || msg.Event.Kind != notify.KindAtRisk || msg.Event.ClaimID != 2 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", msg.Seq)
	}
}

func TestResubscribeChangesFilter(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	conn := dial(t, srv, sub("AT_RISK"))
	waitSessions(t, s, 1)

	next := sub()
	next.ClaimID = 7
	if err := conn.WriteJSON(next); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.RLock()
		var claimID int64
		for _, sess := range s.sessions {
			sess.mu.RLock()
			claimID = sess.filter.claimID
			sess.mu.RUnlock()
		}
		s.mu.RUnlock()
		if claimID == 7 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("filter not updated")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Notify(notify.Event{Kind: notify.KindAtRisk, ClaimID: 1})
	s.Notify(notify.Event{Kind: notify.KindChunkClaimed, ClaimID: 7})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg observerproto.EventMsg
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Event.ClaimID != 7 {
		t.Fatalf("expected claim 7, got %+v", msg.Event)
	}
}

func TestBadHandshakeIsRejected(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	conn := dial(t, srv, observerproto.SubscribeMsg{Type: "HELLO"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if s.Sessions() != 0 {
		t.Fatalf("rejected client must not register")
	}
}

func TestSlowClientDropsInsteadOfBlocking(t *testing.T) {
	s := NewServer(nil, Config{Buffer: 2})
	sess := &session{id: "O1", out: make(chan []byte, 2)}
	s.sessions[sess.id] = sess

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Notify(notify.Event{Kind: notify.KindUpkeepCharged})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Notify blocked on a full session")
	}
	if got := sess.dropped.Load(); got != 8 {
		t.Fatalf("expected 8 dropped, got %d", got)
	}
}

func TestBootstrap(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	resp, err := http.Get(srv.URL + "/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var b observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.ProtocolVersion != observerproto.Version || len(b.Kinds) != len(observerproto.AllKinds()) {
		t.Fatalf("unexpected bootstrap %+v", b)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5000": true,
		"[::1]:80":       true,
		"10.0.0.2:80":    false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", addr, got, want)
		}
	}
}

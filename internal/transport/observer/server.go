// Package observer streams claim notifications to websocket clients (maps, dashboards, bots).
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chunkclaims.ai/internal/notify"
	"chunkclaims.ai/internal/observerproto"
)

type Config struct {
	// Buffer is the per-session queue length. Events beyond it are dropped and reported as LAGGED.
	Buffer int
	// AllowRemote accepts non-loopback clients.
	AllowRemote bool
}

// Server is a notify.Observer. Notify never blocks on a client.
type Server struct {
	log *zap.Logger
	cfg Config

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	seq      atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]*session
}

type filter struct {
	kinds   map[notify.Kind]bool
	player  string
	claimID int64
}

func (f filter) match(e notify.Event) bool {
	if len(f.kinds) > 0 && !f.kinds[e.Kind] {
		return false
	}
	if f.player != "" && e.Player != f.player {
		return false
	}
	if f.claimID != 0 && e.ClaimID != f.claimID {
		return false
	}
	return true
}

type session struct {
	id      string
	out     chan []byte
	dropped atomic.Uint64

	mu     sync.RWMutex
	filter filter
}

func (s *session) setFilter(f filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

func (s *session) wants(e notify.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.match(e)
}

func NewServer(logger *zap.Logger, cfg Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Server{
		log: logger,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only unless AllowRemote
		},
		sessions: map[string]*session{},
	}
}

// Notify queues e for every matching session.
func (s *Server) Notify(e notify.Event) {
	seq := s.seq.Add(1)
	b, err := json.Marshal(observerproto.EventMsg{
		Type:            observerproto.TypeEvent,
		ProtocolVersion: observerproto.Version,
		Seq:             seq,
		Event:           e,
	})
	if err != nil {
		s.log.Warn("observer event encode failed", zap.String("kind", string(e.Kind)), zap.Error(err))
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if !sess.wants(e) {
			continue
		}
		select {
		case sess.out <- b:
		default:
			sess.dropped.Add(1)
		}
	}
}

func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) allowed(r *http.Request) bool {
	return s.cfg.AllowRemote || isLoopbackRemote(r.RemoteAddr)
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Kinds:           observerproto.AllKinds(),
			Sessions:        s.Sessions(),
			Seq:             s.seq.Load(),
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func parseSubscribe(msg []byte) (filter, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return filter{}, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return filter{}, false
	}
	f := filter{player: sub.Player, claimID: sub.ClaimID}
	if len(sub.Kinds) > 0 {
		f.kinds = map[notify.Kind]bool{}
		for _, k := range sub.Kinds {
			f.kinds[notify.Kind(strings.ToUpper(strings.TrimSpace(k)))] = true
		}
	}
	return f, true
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, ok := parseSubscribe(msg)
		if !ok {
			closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
			return
		}

		sess := &session{
			id:     fmt.Sprintf("O%d", s.nextID.Add(1)),
			out:    make(chan []byte, s.cfg.Buffer),
			filter: f,
		}
		s.mu.Lock()
		s.sessions[sess.id] = sess
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
		}()
		s.log.Debug("observer joined", zap.String("session", sess.id), zap.String("remote", r.RemoteAddr))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() { writeErr <- s.writeLoop(ctx, conn, sess) }()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if f, ok := parseSubscribe(msg); ok {
				sess.setFilter(f)
			}
		}

		cancel()
		closeWith(conn, websocket.CloseNormalClosure, "bye")

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session) error {
	write := func(b []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, b)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-sess.out:
			if n := sess.dropped.Swap(0); n > 0 {
				lag, _ := json.Marshal(observerproto.LaggedMsg{
					Type:            observerproto.TypeLagged,
					ProtocolVersion: observerproto.Version,
					Dropped:         n,
				})
				if err := write(lag); err != nil {
					return err
				}
			}
			if err := write(b); err != nil {
				return err
			}
		}
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

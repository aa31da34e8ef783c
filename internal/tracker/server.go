package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/coveglabs/skiff/internal/ratelimit"
	"github.com/coveglabs/skiff/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientConn wraps a websocket connection with a write mutex.
// gorilla/websocket connections do not support concurrent writers, so every
// write is serialized per connection.
type clientConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *clientConn) write(msg *wire.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Server exposes the tracker over WebSocket (wire envelopes on /ws, with
// server-pushed notifications on the same socket) and HTTP (stats/health).
// Open connections double as the connection-presence signal: a device is
// reachable while its socket is up, and a socket close triggers an immediate
// Disconnect.
type Server struct {
	tracker *Tracker

	mu       sync.RWMutex
	conns    map[string]*clientConn // canonical device key -> connection
	listener net.Listener
	httpSrv  *http.Server
}

// NewServer creates a Server and its Tracker, wiring the server in as both
// the presence signal and the notification fan-out.
func NewServer(opts ...Option) *Server {
	s := &Server{conns: make(map[string]*clientConn)}
	s.tracker = New(append(opts, WithPresence(s), WithNotifier(s))...)
	return s
}

// Tracker returns the underlying directory.
func (s *Server) Tracker() *Tracker { return s.tracker }

// Reachable implements Presence from open connections.
func (s *Server) Reachable(dk wire.DeviceKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[dk.String()]
	return ok
}

// Notify implements Notifier: best-effort push over the device's socket.
// Devices without a connection miss the notice and converge via their own
// sweep or the next CheckExists.
func (s *Server) Notify(dk wire.DeviceKey, typ string, n wire.Notification) {
	s.mu.RLock()
	c, ok := s.conns[dk.String()]
	s.mu.RUnlock()
	if !ok {
		return
	}
	msg, err := wire.NewMessage(typ, wire.DeviceKey{}, n)
	if err != nil {
		return
	}
	go func() {
		if err := c.write(msg); err != nil {
			log.Printf("[tracker] notify %s %s: %v", dk, typ, err)
		}
	}()
}

// Start listens on addr, serving /ws plus the HTTP API, until ctx is
// cancelled. Use port 0 for a random port; Addr reports the bound address.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)

	s.httpSrv = &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		s.httpSrv.Close()
	}()
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[tracker] serve: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleWS upgrades the connection and processes wire envelopes until the
// socket closes. The device identifies itself via the Sender field of its
// first message; identity verification belongs to the device-identity layer,
// not the tracker.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[tracker] websocket upgrade: %v", err)
		return
	}
	conn.SetReadLimit(1 << 20) // 1 MB
	defer conn.Close()

	limiter := ratelimit.New(120, time.Minute)
	c := &clientConn{conn: conn}
	var dk wire.DeviceKey

	defer func() {
		if !dk.IsZero() {
			s.mu.Lock()
			if cur, ok := s.conns[dk.String()]; ok && cur == c {
				delete(s.conns, dk.String())
			}
			s.mu.Unlock()
			s.tracker.Disconnect(dk)
		}
	}()

	for {
		var msg wire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if !wire.KnownType(msg.Type) {
			// Unknown/system message types never propagate past the boundary.
			log.Printf("[tracker] dropping unknown message type %q", msg.Type)
			continue
		}
		if !limiter.Allow() {
			s.replyError(c, &msg, "rate_limited",
				fmt.Sprintf("too many requests, retry in %s", limiter.RetryAfter().Round(time.Second)))
			continue
		}
		if msg.Sender.IsZero() {
			s.replyError(c, &msg, "bad_request", "missing sender")
			continue
		}
		if dk.IsZero() {
			dk = msg.Sender
			s.mu.Lock()
			s.conns[dk.String()] = c
			s.mu.Unlock()
		}
		s.dispatch(c, &msg)
	}
}

func (s *Server) dispatch(c *clientConn, msg *wire.Message) {
	switch msg.Type {
	case wire.MsgAnnounce:
		var req wire.AnnounceRequest
		if err := msg.Decode(&req); err != nil {
			s.replyError(c, msg, "bad_request", err.Error())
			return
		}
		req.DeviceKey = msg.Sender
		summary, err := s.tracker.Announce(req)
		if err != nil {
			s.replyTrackerErr(c, msg, err)
			return
		}
		s.reply(c, msg, summary)

	case wire.MsgReannounce:
		var req wire.ReannounceRequest
		if err := msg.Decode(&req); err != nil {
			s.replyError(c, msg, "bad_request", err.Error())
			return
		}
		req.DeviceKey = msg.Sender
		summary, err := s.tracker.Reannounce(req)
		if err != nil {
			s.replyTrackerErr(c, msg, err)
			return
		}
		s.reply(c, msg, summary)

	case wire.MsgCheckExists:
		var req wire.CheckExistsRequest
		if err := msg.Decode(&req); err != nil {
			s.replyError(c, msg, "bad_request", err.Error())
			return
		}
		exists, missing := s.tracker.CheckExists(req.FileIDs)
		s.reply(c, msg, wire.CheckExistsResponse{Exists: exists, Missing: missing})

	case wire.MsgGetAvailableChunks:
		var req wire.GetAvailableChunksRequest
		if err := msg.Decode(&req); err != nil {
			s.replyError(c, msg, "bad_request", err.Error())
			return
		}
		seeders, err := s.tracker.GetAvailableChunks(req.FileID, msg.Sender)
		if err != nil {
			s.replyTrackerErr(c, msg, err)
			return
		}
		s.reply(c, msg, wire.GetAvailableChunksResponse{Seeders: seeders})

	case wire.MsgDeleteShare:
		var req wire.DeleteShareRequest
		if err := msg.Decode(&req); err != nil {
			s.replyError(c, msg, "bad_request", err.Error())
			return
		}
		if err := s.tracker.DeleteShare(req.FileID, msg.Sender); err != nil {
			s.replyTrackerErr(c, msg, err)
			return
		}
		s.reply(c, msg, struct{}{})

	case wire.MsgRegisterLeecher:
		var req wire.RegisterLeecherRequest
		if err := msg.Decode(&req); err != nil {
			s.replyError(c, msg, "bad_request", err.Error())
			return
		}
		req.DeviceKey = msg.Sender
		if err := s.tracker.RegisterLeecher(req); err != nil {
			s.replyTrackerErr(c, msg, err)
			return
		}
		s.reply(c, msg, struct{}{})

	case wire.MsgMarkActivity:
		var req wire.MarkActivityRequest
		if err := msg.Decode(&req); err != nil {
			s.replyError(c, msg, "bad_request", err.Error())
			return
		}
		s.tracker.MarkActivity(req.FileID, msg.Sender)
		s.reply(c, msg, struct{}{})

	default:
		// Known but not a tracker operation (peer traffic sent here by
		// mistake); ignore rather than disturb the state machine.
	}
}

func (s *Server) reply(c *clientConn, req *wire.Message, payload any) {
	resp, err := req.Reply(wire.MsgResponse, wire.DeviceKey{}, payload)
	if err != nil {
		log.Printf("[tracker] build reply: %v", err)
		return
	}
	if err := c.write(resp); err != nil {
		log.Printf("[tracker] write reply: %v", err)
	}
}

func (s *Server) replyTrackerErr(c *clientConn, req *wire.Message, err error) {
	code := "internal"
	switch {
	case errors.Is(err, wire.ErrNotFound):
		code = "not_found"
	case errors.Is(err, wire.ErrUnauthorized):
		code = "unauthorized"
	}
	s.replyError(c, req, code, err.Error())
}

func (s *Server) replyError(c *clientConn, req *wire.Message, code, detail string) {
	resp, err := req.Reply(wire.MsgError, wire.DeviceKey{}, wire.ErrorResponse{Code: code, Message: detail})
	if err != nil {
		return
	}
	if err := c.write(resp); err != nil {
		log.Printf("[tracker] write error reply: %v", err)
	}
}

package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coveglabs/skiff/internal/wire"
)

// DefaultEstablishTimeout bounds how long a link may sit non-established
// before it is torn down and reported failed.
const DefaultEstablishTimeout = 15 * time.Second

// Resolver maps a device key to a dialable address. Address discovery and
// NAT traversal live behind it.
type Resolver func(peer wire.DeviceKey) (string, error)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peerConn wraps a websocket connection with a write mutex; gorilla/websocket
// connections do not support concurrent writers.
type peerConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *peerConn) write(msg *wire.Message) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteJSON(msg)
}

// WS is the WebSocket reference implementation of Transport. Outbound links
// identify themselves with a hello message; inbound links are registered once
// the remote peer identifies itself, and torn down if it never does within
// the establish timeout.
type WS struct {
	self             wire.DeviceKey
	resolve          Resolver
	establishTimeout time.Duration

	mu       sync.RWMutex
	conns    map[string]*peerConn // canonical device key -> conn
	handler  Handler
	listener net.Listener
	server   *http.Server
}

// NewWS creates a WebSocket transport for the local device.
func NewWS(self wire.DeviceKey, resolve Resolver) *WS {
	return &WS{
		self:             self,
		resolve:          resolve,
		establishTimeout: DefaultEstablishTimeout,
		conns:            make(map[string]*peerConn),
	}
}

// SetHandler registers the message/state consumer.
func (t *WS) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Listen starts accepting inbound peer connections on /peer. Port 0 picks a
// random port; Addr reports the bound address.
func (t *WS) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/peer", t.handleInbound)
	t.server = &http.Server{Handler: mux}
	go t.server.Serve(ln) //nolint:errcheck
	return nil
}

// Addr returns the bound listen address.
func (t *WS) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Shutdown closes the listener and every peer link.
func (t *WS) Shutdown() {
	if t.server != nil {
		t.server.Close()
	}
	t.mu.Lock()
	for key, pc := range t.conns {
		pc.conn.Close()
		delete(t.conns, key)
	}
	t.mu.Unlock()
}

func (t *WS) handleInbound(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 21) // 2 MB: chunk payloads are larger than control traffic

	// The remote must identify itself before the establish timeout, or the
	// link is stuck non-established and gets torn down.
	conn.SetReadDeadline(time.Now().Add(t.establishTimeout))
	var hello wire.Message
	if err := conn.ReadJSON(&hello); err != nil || hello.Sender.IsZero() {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	peer := hello.Sender
	pc := &peerConn{conn: conn}
	t.register(peer, pc)
	t.notifyState(peer, StateEstablished)
	t.readLoop(peer, pc)
}

// Connect dials the peer, resolved through the Resolver, and identifies this
// device with a hello. The link reports failed if it cannot reach established
// within the establish timeout.
func (t *WS) Connect(ctx context.Context, peer wire.DeviceKey) error {
	t.mu.RLock()
	_, exists := t.conns[peer.String()]
	t.mu.RUnlock()
	if exists {
		return nil
	}

	t.notifyState(peer, StateConnecting)

	addr, err := t.resolve(peer)
	if err != nil {
		t.notifyState(peer, StateFailed)
		return fmt.Errorf("resolve %s: %w", peer, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.establishTimeout)
	defer cancel()
	url := fmt.Sprintf("ws://%s/peer", addr)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		t.notifyState(peer, StateFailed)
		if dialCtx.Err() != nil {
			return fmt.Errorf("connect %s: %w", peer, wire.ErrTimeout)
		}
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	conn.SetReadLimit(1 << 21)

	pc := &peerConn{conn: conn}
	hello, err := wire.NewMessage(wire.MsgResponse, t.self, struct{}{})
	if err != nil {
		conn.Close()
		t.notifyState(peer, StateFailed)
		return err
	}
	if err := pc.write(hello); err != nil {
		conn.Close()
		t.notifyState(peer, StateFailed)
		return fmt.Errorf("hello %s: %w", peer, err)
	}

	t.register(peer, pc)
	t.notifyState(peer, StateEstablished)
	go t.readLoop(peer, pc)
	return nil
}

// Send delivers a message over the established link to peer.
func (t *WS) Send(peer wire.DeviceKey, msg *wire.Message) error {
	t.mu.RLock()
	pc, ok := t.conns[peer.String()]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer %s: %w", peer, wire.ErrNotFound)
	}
	return pc.write(msg)
}

// Close tears down the link to peer.
func (t *WS) Close(peer wire.DeviceKey) {
	t.mu.Lock()
	pc, ok := t.conns[peer.String()]
	if ok {
		delete(t.conns, peer.String())
	}
	t.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

// Peers returns the device keys of all established links.
func (t *WS) Peers() []wire.DeviceKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]wire.DeviceKey, 0, len(t.conns))
	for key := range t.conns {
		dk, err := wire.ParseDeviceKey(key)
		if err != nil {
			continue
		}
		out = append(out, dk)
	}
	return out
}

func (t *WS) register(peer wire.DeviceKey, pc *peerConn) {
	t.mu.Lock()
	if old, ok := t.conns[peer.String()]; ok {
		old.conn.Close()
	}
	t.conns[peer.String()] = pc
	t.mu.Unlock()
}

func (t *WS) readLoop(peer wire.DeviceKey, pc *peerConn) {
	for {
		var msg wire.Message
		if err := pc.conn.ReadJSON(&msg); err != nil {
			t.mu.Lock()
			if cur, ok := t.conns[peer.String()]; ok && cur == pc {
				delete(t.conns, peer.String())
			}
			t.mu.Unlock()
			pc.conn.Close()
			t.notifyState(peer, StateFailed)
			return
		}
		if !wire.KnownType(msg.Type) {
			log.Printf("[transport] dropping unknown message type %q from %s", msg.Type, peer)
			continue
		}
		t.notifyMessage(peer, &msg)
	}
}

func (t *WS) notifyState(peer wire.DeviceKey, s State) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h != nil {
		h.HandleState(peer, s)
	}
}

func (t *WS) notifyMessage(peer wire.DeviceKey, msg *wire.Message) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h != nil {
		h.HandleMessage(peer, msg)
	}
}

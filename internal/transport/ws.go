package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/lanlink/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WS is the websocket transport: every peer runs a server, and dials
// out to peers it discovers. Both directions yield the same kind of
// handle, the remote host:port.
type WS struct {
	mu     sync.Mutex
	conns  map[string]*wsConn
	events chan Event
	srv    *http.Server
	closed bool
}

type wsConn struct {
	handle string
	ws     *websocket.Conn
	wmu    sync.Mutex // websocket allows one concurrent writer
}

func NewWS() *WS {
	return &WS{
		conns:  map[string]*wsConn{},
		events: make(chan Event, 64),
	}
}

// Start listens for inbound websocket connections on port.
func (t *WS) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleInbound)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}

	t.mu.Lock()
	t.srv = srv
	if t.closed {
		// Restart after Stop: the old event channel was closed.
		t.closed = false
		t.events = make(chan Event, 64)
	}
	t.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("WS: server stopped: %v", err)
		}
	}()
	log.Printf("WS: listening on %s", srv.Addr)
	return nil
}

func (t *WS) handleInbound(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS: upgrade failed: %v", err)
		return
	}
	t.adopt(ws.RemoteAddr().String(), ws)
}

// Connect dials a remote peer's websocket server. The handle is the
// dialed ip:port, so its embedded address matches what discovery saw.
func (t *WS) Connect(ip string, port int) (string, error) {
	handle := net.JoinHostPort(ip, fmt.Sprintf("%d", port))

	t.mu.Lock()
	if _, ok := t.conns[handle]; ok {
		t.mu.Unlock()
		return handle, nil // already connected
	}
	t.mu.Unlock()

	u := url.URL{Scheme: "ws", Host: handle, Path: "/ws"}
	dialer := websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout}
	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", u.String(), err)
	}
	t.adopt(handle, ws)
	return handle, nil
}

// adopt registers a live websocket under handle and starts its read loop.
func (t *WS) adopt(handle string, ws *websocket.Conn) {
	c := &wsConn{handle: handle, ws: ws}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ws.Close()
		return
	}
	if old, ok := t.conns[handle]; ok {
		old.ws.Close()
	}
	t.conns[handle] = c
	t.mu.Unlock()

	t.emit(Event{Kind: Connected, Conn: handle})
	log.Printf("WS: connection %s open", handle)
	go t.readLoop(c)
}

func (t *WS) readLoop(c *wsConn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		t.emit(Event{Kind: Data, Conn: c.handle, Data: data})
	}
	c.ws.Close()

	t.mu.Lock()
	gone := t.conns[c.handle] == c
	if gone {
		delete(t.conns, c.handle)
	}
	stopped := t.closed
	t.mu.Unlock()

	if gone && !stopped {
		log.Printf("WS: connection %s closed", c.handle)
		t.emit(Event{Kind: Disconnected, Conn: c.handle})
	}
}

// Send writes one frame to a single connection.
func (t *WS) Send(handle string, data []byte) error {
	t.mu.Lock()
	c, ok := t.conns[handle]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection %s", handle)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(util.ShortTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to %s: %w", handle, err)
	}
	return nil
}

// Broadcast writes one frame to every live connection.
func (t *WS) Broadcast(data []byte) error {
	t.mu.Lock()
	conns := make([]*wsConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		if err := t.Send(c.handle, data); err != nil {
			log.Printf("WS: broadcast to %s failed: %v", c.handle, err)
		}
	}
	return nil
}

// Disconnect closes one connection. Idempotent.
func (t *WS) Disconnect(handle string) error {
	t.mu.Lock()
	c, ok := t.conns[handle]
	t.mu.Unlock()
	if ok {
		c.ws.Close()
	}
	return nil
}

// Clients returns all live connection handles.
func (t *WS) Clients() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.conns))
	for h := range t.conns {
		out = append(out, h)
	}
	return out
}

// Events returns the transport event stream. Call again after a
// restart: Stop closes the previous channel.
func (t *WS) Events() <-chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

// emit delivers an event under the lock so it can never race the
// channel close in Stop. Non-blocking: a consumer that has fallen 64
// events behind loses frames rather than wedging the read loops.
func (t *WS) emit(evt Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- evt:
	default:
		log.Printf("WS: event buffer full, dropping %s for %s", evt.Kind, evt.Conn)
	}
}

// Stop closes all connections and the event channel. Idempotent.
func (t *WS) Stop() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = map[string]*wsConn{}
	srv := t.srv
	t.srv = nil
	close(t.events)
	t.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		srv.Shutdown(ctx)
	}
	log.Printf("WS: stopped")
	return nil
}

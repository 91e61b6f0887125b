// Package transport holds the LAN-direct reconnection listeners: a WebSocket
// server for same-network phones and a framed-UDP server for VPN overlays.
// Both authenticate with an HMAC proof under the device's auth key and then
// hand the live link to the connection manager.
package transport

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/mbucko/remote-agent-shell/internal/conns"
	"github.com/mbucko/remote-agent-shell/internal/devices"
	"github.com/mbucko/remote-agent-shell/internal/keys"
	"github.com/mbucko/remote-agent-shell/internal/signal"
)

var log = logging.Logger("transport")

const (
	// authDeadline bounds how long an upgraded socket may sit unauthenticated.
	authDeadline = 10 * time.Second

	// closeAuthFailed is the WebSocket close code sent on a rejected proof.
	closeAuthFailed = 4001

	wsWriteTimeout = 10 * time.Second
)

// Register is called with every authenticated link. The daemon wires this to
// the connection manager.
type Register func(deviceID, transport string, link conns.Link)

// LanDirectAuthRequest is the first binary frame on a LAN WebSocket. The
// signature is hex(HMAC(auth_key, device_id ∥ be64(timestamp))).
type LanDirectAuthRequest struct {
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// LanDirectAuthResponse acknowledges a successful proof.
type LanDirectAuthResponse struct {
	Status string `json:"status"`
}

var errAuthFailed = errors.New("authentication failed")

// WSServer accepts LAN-direct WebSocket reconnections at GET /ws/{device_id}.
type WSServer struct {
	devices  *devices.Store
	register Register
	srv      *http.Server
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewWSServer builds the listener. Call Serve to start it.
func NewWSServer(addr string, store *devices.Store, register Register) *WSServer {
	s := &WSServer{
		devices:  store,
		register: register,
		now:      time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The phone connects from an app, not a browser page.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{device_id}", s.handleWS)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Serve blocks until the listener is shut down.
func (s *WSServer) Serve() error {
	log.Infof("LAN websocket listener on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting and closes the listener.
func (s *WSServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	dev, ok := s.devices.Get(deviceID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	authKey := keys.AuthKey(dev.MasterSecret)
	defer keys.Zero(authKey)

	if err := s.authenticate(ws, deviceID, authKey); err != nil {
		log.Warnf("websocket auth for %s from %s: %v", deviceID, r.RemoteAddr, err)
		msg := websocket.FormatCloseMessage(closeAuthFailed, "authentication failed")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
		ws.Close()
		return
	}

	link := newWSLink(ws)
	s.register(deviceID, "websocket", link)
	link.readPump()
}

// authenticate reads and verifies the first frame, then acknowledges it.
func (s *WSServer) authenticate(ws *websocket.Conn, deviceID string, authKey []byte) error {
	ws.SetReadDeadline(s.now().Add(authDeadline))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth frame: %w", err)
	}
	var req LanDirectAuthRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return errAuthFailed
	}
	if err := verifyLanAuth(req, deviceID, authKey, s.now()); err != nil {
		return err
	}

	ws.SetReadDeadline(time.Time{})
	ws.SetWriteDeadline(s.now().Add(wsWriteTimeout))
	ack, _ := json.Marshal(LanDirectAuthResponse{Status: "authenticated"})
	if err := ws.WriteMessage(websocket.BinaryMessage, ack); err != nil {
		return fmt.Errorf("write auth response: %w", err)
	}
	ws.SetWriteDeadline(time.Time{})
	return nil
}

// verifyLanAuth checks the device id binding, the freshness window and the
// HMAC proof. All failures collapse into one error so the wire response does
// not distinguish them.
func verifyLanAuth(req LanDirectAuthRequest, deviceID string, authKey []byte, now time.Time) error {
	if req.DeviceID != deviceID {
		return errAuthFailed
	}
	ts := time.Unix(req.Timestamp, 0)
	if d := now.Sub(ts); d > signal.TimestampSkew || d < -signal.TimestampSkew {
		return errAuthFailed
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return errAuthFailed
	}
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], uint64(req.Timestamp))
	if !keys.VerifyHMAC(authKey, sig, []byte(req.DeviceID), be[:]) {
		return errAuthFailed
	}
	return nil
}

// wsLink adapts a websocket connection to the Link interface. Gorilla allows
// one concurrent writer, so Send serializes under a mutex; reads happen on
// the single readPump goroutine.
type wsLink struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func()
	closed    bool
}

func newWSLink(ws *websocket.Conn) *wsLink {
	return &wsLink{ws: ws}
}

func (l *wsLink) Send(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return l.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (l *wsLink) OnMessage(fn func(data []byte)) {
	l.mu.Lock()
	l.onMessage = fn
	l.mu.Unlock()
}

func (l *wsLink) OnClose(fn func()) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

func (l *wsLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.ws.Close()
}

// readPump delivers frames until the socket dies, then fires the close
// callback. Runs on the handler goroutine.
func (l *wsLink) readPump() {
	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			break
		}
		l.mu.Lock()
		fn := l.onMessage
		l.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
	l.Close()
	l.mu.Lock()
	fn := l.onClose
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

package transport

import (
	"crypto/hmac"
	"encoding/binary"
	"net"
	"sync"

	"github.com/mbucko/remote-agent-shell/internal/devices"
	"github.com/mbucko/remote-agent-shell/internal/keys"
	"github.com/mbucko/remote-agent-shell/internal/signal"
)

// Handshake packet layout: magic(4) ∥ version(4), both big-endian on the
// wire. The magic keeps stray VPN traffic from creating logical connections.
const (
	udpMagic   = "RASD"
	udpVersion = uint32(1)

	// maxDatagram bounds one framed packet. WireGuard-class overlays carry
	// well under this.
	maxDatagram = 65535

	// queueDepth is the per-peer packet queue. The read loop never blocks on
	// a slow consumer; overflow drops the packet.
	queueDepth = 256

	udpAuthOK     = byte(0x01)
	udpAuthFailed = byte(0x00)
)

// UDPServer accepts VPN-direct connections on one shared socket. Each remote
// address that completes the magic handshake gets a logical connection; data
// packets are length-prefixed frames multiplexed by source address.
type UDPServer struct {
	pc       *net.UDPConn
	devices  *devices.Store
	register Register

	mu     sync.Mutex
	peers  map[string]*udpLink
	closed bool
}

// NewUDPServer binds the shared socket.
func NewUDPServer(addr string, store *devices.Store, register Register) (*UDPServer, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	return &UDPServer{
		pc:       pc,
		devices:  store,
		register: register,
		peers:    make(map[string]*udpLink),
	}, nil
}

// Addr returns the bound socket address.
func (s *UDPServer) Addr() net.Addr { return s.pc.LocalAddr() }

// Serve reads datagrams until the socket is closed.
func (s *UDPServer) Serve() error {
	log.Infof("VPN udp listener on %s", s.pc.LocalAddr())
	buf := make([]byte, maxDatagram)
	for {
		n, remote, err := s.pc.ReadFromUDP(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.handlePacket(remote, pkt)
	}
}

// Close shuts the shared socket and every logical connection.
func (s *UDPServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := make([]*udpLink, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	return s.pc.Close()
}

func (s *UDPServer) handlePacket(remote *net.UDPAddr, pkt []byte) {
	if isHandshake(pkt) {
		s.handleHandshake(remote)
		return
	}

	s.mu.Lock()
	peer := s.peers[remote.String()]
	s.mu.Unlock()
	if peer == nil {
		// Data before a handshake. Drop silently.
		return
	}

	payload, ok := unframe(pkt)
	if !ok {
		return
	}
	peer.enqueue(payload)
}

// handleHandshake creates the logical connection for a remote address. A
// repeat handshake from the same address is idempotent.
func (s *UDPServer) handleHandshake(remote *net.UDPAddr) {
	key := remote.String()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, exists := s.peers[key]; exists {
		s.mu.Unlock()
		return
	}
	peer := newUDPLink(s, remote)
	s.peers[key] = peer
	s.mu.Unlock()

	log.Debugf("udp handshake from %s", key)
	go peer.run()
}

// dropPeer removes a logical connection from the mux table. The shared
// socket stays open.
func (s *UDPServer) dropPeer(peer *udpLink) {
	key := peer.remote.String()
	s.mu.Lock()
	if s.peers[key] == peer {
		delete(s.peers, key)
	}
	s.mu.Unlock()
}

// authenticate checks an auth payload: device_id ∥ auth_key(32). Returns the
// device id on success.
func (s *UDPServer) authenticate(payload []byte) (string, bool) {
	if len(payload) <= keys.MasterSecretLen {
		return "", false
	}
	idLen := len(payload) - 32
	if idLen > signal.MaxDeviceIDLen {
		return "", false
	}
	deviceID := string(payload[:idLen])
	proof := payload[idLen:]

	dev, ok := s.devices.Get(deviceID)
	if !ok {
		return "", false
	}
	authKey := keys.AuthKey(dev.MasterSecret)
	defer keys.Zero(authKey)
	if !hmac.Equal(proof, authKey) {
		return "", false
	}
	return deviceID, true
}

func isHandshake(pkt []byte) bool {
	if len(pkt) != 8 {
		return false
	}
	return string(pkt[:4]) == udpMagic && binary.BigEndian.Uint32(pkt[4:]) == udpVersion
}

// unframe strips the len:uint32 prefix. The declared length must match the
// datagram exactly; UDP never fragments our frames.
func unframe(pkt []byte) ([]byte, bool) {
	if len(pkt) < 4 {
		return nil, false
	}
	n := binary.BigEndian.Uint32(pkt[:4])
	if int(n) != len(pkt)-4 {
		return nil, false
	}
	return pkt[4:], true
}

func frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// udpLink is one logical connection over the shared socket. The first framed
// packet must authenticate; everything after flows to the message callback.
type udpLink struct {
	server *UDPServer
	remote *net.UDPAddr
	queue  chan []byte
	done   chan struct{}

	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func()
	closed    bool
}

func newUDPLink(s *UDPServer, remote *net.UDPAddr) *udpLink {
	return &udpLink{
		server: s,
		remote: remote,
		queue:  make(chan []byte, queueDepth),
		done:   make(chan struct{}),
	}
}

// enqueue hands a frame to the peer goroutine. Called from the socket read
// loop, so it must never block.
func (l *udpLink) enqueue(payload []byte) {
	select {
	case l.queue <- payload:
	case <-l.done:
	default:
		log.Warnf("udp peer %s queue full, dropping packet", l.remote)
	}
}

// run authenticates and then pumps data frames. One goroutine per peer.
func (l *udpLink) run() {
	var auth []byte
	select {
	case auth = <-l.queue:
	case <-l.done:
		return
	}

	deviceID, ok := l.server.authenticate(auth)
	if !ok {
		log.Warnf("udp auth from %s rejected", l.remote)
		l.server.pc.WriteToUDP([]byte{udpAuthFailed}, l.remote)
		l.Close()
		return
	}
	if _, err := l.server.pc.WriteToUDP([]byte{udpAuthOK}, l.remote); err != nil {
		l.Close()
		return
	}

	log.Infof("udp peer %s authenticated as %s", l.remote, deviceID)
	l.server.register(deviceID, "udp", l)

	for {
		select {
		case payload := <-l.queue:
			l.mu.Lock()
			fn := l.onMessage
			l.mu.Unlock()
			if fn != nil {
				// Handlers may block on their own I/O; keep the pump moving.
				go fn(payload)
			}
		case <-l.done:
			return
		}
	}
}

func (l *udpLink) Send(data []byte) error {
	select {
	case <-l.done:
		return net.ErrClosed
	default:
	}
	_, err := l.server.pc.WriteToUDP(frame(data), l.remote)
	return err
}

func (l *udpLink) OnMessage(fn func(data []byte)) {
	l.mu.Lock()
	l.onMessage = fn
	l.mu.Unlock()
}

func (l *udpLink) OnClose(fn func()) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

// Close tears down the logical connection only. The shared socket belongs to
// the server.
func (l *udpLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	fn := l.onClose
	l.mu.Unlock()

	close(l.done)
	l.server.dropPeer(l)
	if fn != nil {
		fn()
	}
	return nil
}

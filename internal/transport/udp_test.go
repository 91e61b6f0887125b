package transport

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mbucko/remote-agent-shell/internal/keys"
)

func startUDPServer(t *testing.T, reg *registry) *UDPServer {
	t.Helper()
	store := testStore(t, "dev-1")
	srv, err := NewUDPServer("127.0.0.1:0", store, reg.add)
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dialUDP(t *testing.T, srv *UDPServer) *net.UDPConn {
	t.Helper()
	c, err := net.DialUDP("udp", nil, srv.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func handshakePacket() []byte {
	pkt := make([]byte, 8)
	copy(pkt, udpMagic)
	binary.BigEndian.PutUint32(pkt[4:], udpVersion)
	return pkt
}

func authPayload(deviceID string, authKey []byte) []byte {
	return append([]byte(deviceID), authKey...)
}

// authUDP runs the handshake and auth exchange and returns the reply byte.
func authUDP(t *testing.T, c *net.UDPConn, payload []byte) byte {
	t.Helper()
	if _, err := c.Write(handshakePacket()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Write(frame(payload)); err != nil {
		t.Fatal(err)
	}
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 16)
	n, err := c.Read(reply)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("auth reply was %d bytes", n)
	}
	return reply[0]
}

func TestUDPAuthAndTraffic(t *testing.T) {
	reg := &registry{}
	srv := startUDPServer(t, reg)
	c := dialUDP(t, srv)

	authKey := keys.AuthKey(testMaster)
	if got := authUDP(t, c, authPayload("dev-1", authKey)); got != udpAuthOK {
		t.Fatalf("auth reply = %#x", got)
	}

	got := reg.wait(t)
	if got.deviceID != "dev-1" || got.transport != "udp" {
		t.Fatalf("registered %+v", got)
	}

	// Phone → daemon: all N framed packets arrive on the one logical link.
	var mu sync.Mutex
	var received [][]byte
	got.link.OnMessage(func(data []byte) {
		mu.Lock()
		received = append(received, data)
		mu.Unlock()
	})
	const n = 5
	for i := 0; i < n; i++ {
		if _, err := c.Write(frame([]byte{byte('a' + i)})); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		count := len(received)
		mu.Unlock()
		if count == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d of %d packets", count, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if reg.count() != 1 {
		t.Fatalf("%d logical links for one remote", reg.count())
	}

	// Daemon → phone, length-prefixed.
	if err := got.link.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	rn, err := c.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	payload, ok := unframe(buf[:rn])
	if !ok || string(payload) != "hello" {
		t.Fatalf("got %q", buf[:rn])
	}
}

func TestUDPAuthRejected(t *testing.T) {
	reg := &registry{}
	srv := startUDPServer(t, reg)
	c := dialUDP(t, srv)

	wrong := make([]byte, 32)
	if got := authUDP(t, c, authPayload("dev-1", wrong)); got != udpAuthFailed {
		t.Fatalf("auth reply = %#x", got)
	}
	if reg.count() != 0 {
		t.Fatal("rejected peer was registered")
	}

	// Unknown device fails the same way.
	c2 := dialUDP(t, srv)
	authKey := keys.AuthKey(testMaster)
	if got := authUDP(t, c2, authPayload("dev-unknown", authKey)); got != udpAuthFailed {
		t.Fatal("unknown device accepted")
	}
}

func TestUDPDataBeforeHandshakeDropped(t *testing.T) {
	reg := &registry{}
	srv := startUDPServer(t, reg)
	c := dialUDP(t, srv)

	// Framed data with no handshake: silently dropped, no logical conn.
	if _, err := c.Write(frame([]byte("stray"))); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	srv.mu.Lock()
	peers := len(srv.peers)
	srv.mu.Unlock()
	if peers != 0 {
		t.Fatalf("%d peers from unhandshaken traffic", peers)
	}

	// The same socket can still handshake afterwards.
	authKey := keys.AuthKey(testMaster)
	if got := authUDP(t, c, authPayload("dev-1", authKey)); got != udpAuthOK {
		t.Fatal("handshake after stray data failed")
	}
}

func TestUDPLogicalCloseKeepsSocket(t *testing.T) {
	reg := &registry{}
	srv := startUDPServer(t, reg)
	authKey := keys.AuthKey(testMaster)

	c1 := dialUDP(t, srv)
	if got := authUDP(t, c1, authPayload("dev-1", authKey)); got != udpAuthOK {
		t.Fatal("first peer auth failed")
	}
	first := reg.wait(t)

	closed := make(chan struct{})
	first.link.OnClose(func() { close(closed) })
	first.link.Close()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close callback never fired")
	}
	if err := first.link.Close(); err != nil {
		t.Fatalf("second close errored: %v", err)
	}

	// A fresh remote address can still connect over the shared socket.
	c2 := dialUDP(t, srv)
	if got := authUDP(t, c2, authPayload("dev-1", authKey)); got != udpAuthOK {
		t.Fatal("handshake after logical close failed")
	}
}

func TestUDPBadFrameDropped(t *testing.T) {
	reg := &registry{}
	srv := startUDPServer(t, reg)
	c := dialUDP(t, srv)

	authKey := keys.AuthKey(testMaster)
	if got := authUDP(t, c, authPayload("dev-1", authKey)); got != udpAuthOK {
		t.Fatal("auth failed")
	}
	got := reg.wait(t)

	var mu sync.Mutex
	var received int
	got.link.OnMessage(func([]byte) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	// Declared length disagrees with the datagram: dropped.
	bad := frame([]byte("xxxx"))
	binary.BigEndian.PutUint32(bad, 99)
	c.Write(bad)
	// Too short to hold a length prefix: dropped.
	c.Write([]byte{0x01})
	// A valid frame still gets through.
	c.Write(frame([]byte("ok")))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := received
		mu.Unlock()
		if n >= 1 {
			if n > 1 {
				t.Fatalf("%d frames delivered, want 1", n)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("valid frame never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandshakeDetection(t *testing.T) {
	if !isHandshake(handshakePacket()) {
		t.Fatal("valid handshake not recognized")
	}
	cases := [][]byte{
		[]byte("RASD"),                 // truncated
		[]byte("XXXX\x00\x00\x00\x01"), // wrong magic
		[]byte("RASD\x00\x00\x00\x02"), // wrong version
		append(handshakePacket(), 0),   // trailing bytes
	}
	for _, pkt := range cases {
		if isHandshake(pkt) {
			t.Fatalf("%q accepted as handshake", pkt)
		}
	}
}

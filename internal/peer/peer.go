// Package peer wraps a Pion PeerConnection carrying one pre-negotiated
// control data channel. Exactly one component owns a Peer at any time; the
// owner is the only one allowed to close it, and ownership moves explicitly
// when a connection is handed from pairing or signaling to the connection
// manager.
package peer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("peer")

// ControlChannelLabel is the label of the negotiated data channel. Both sides
// create it with the same id, so no in-band channel negotiation happens.
const ControlChannelLabel = "ras-control"

// ReadyTimeout bounds how long a peer may take to reach connected with the
// channel open.
const ReadyTimeout = 30 * time.Second

// gatherTimeout bounds local ICE candidate gathering.
const gatherTimeout = 10 * time.Second

// Owner identifies which component currently holds a Peer.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerSignaling
	OwnerPairing
	OwnerConnections
	OwnerDisposed
)

func (o Owner) String() string {
	switch o {
	case OwnerNone:
		return "none"
	case OwnerSignaling:
		return "signaling"
	case OwnerPairing:
		return "pairing"
	case OwnerConnections:
		return "connections"
	case OwnerDisposed:
		return "disposed"
	}
	return fmt.Sprintf("owner(%d)", int(o))
}

var (
	ErrNotOwner     = errors.New("peer: caller does not own this peer")
	ErrDisposed     = errors.New("peer: already disposed")
	ErrChannelDown  = errors.New("peer: control channel not open")
	ErrNotConnected = errors.New("peer: never reached connected state")
)

// Peer is one WebRTC connection with its control channel.
type Peer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mu        sync.Mutex
	owner     Owner
	onMessage func([]byte)
	onClose   func()
	closed    bool

	ready  chan struct{}
	failed chan struct{}

	readyOnce  sync.Once
	failedOnce sync.Once
	dcOpen     bool
	connected  bool
}

// Config carries the pieces a new Peer needs.
type Config struct {
	STUNServers []string
	// VPNAddresses are extra local addresses advertised as host candidates
	// in the answer, for phones reachable only over a VPN such as Tailscale.
	VPNAddresses []string
}

// NewAnswering creates the answering side of a connection: a PeerConnection
// with the negotiated control channel already in place, owned by owner.
func NewAnswering(cfg Config, owner Owner) (*Peer, error) {
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{s}})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	negotiated := true
	dc, err := pc.CreateDataChannel(ControlChannelLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         new(uint16),
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create control channel: %w", err)
	}

	p := &Peer{
		pc:     pc,
		dc:     dc,
		owner:  owner,
		ready:  make(chan struct{}),
		failed: make(chan struct{}),
	}

	dc.OnOpen(func() {
		log.Debugf("control channel open")
		p.mu.Lock()
		p.dcOpen = true
		conn := p.connected
		p.mu.Unlock()
		if conn {
			p.signalReady()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.mu.Lock()
		fn := p.onMessage
		p.mu.Unlock()
		if fn != nil {
			go fn(msg.Data)
		}
	})
	dc.OnClose(func() {
		p.fireClose()
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("peer connection state: %s", s)
		switch s {
		case webrtc.PeerConnectionStateConnected:
			p.mu.Lock()
			p.connected = true
			open := p.dcOpen
			p.mu.Unlock()
			if open {
				p.signalReady()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.signalFailed()
			p.fireClose()
		case webrtc.PeerConnectionStateDisconnected:
			// Transient; pion recovers or moves to failed on its own.
		}
	})

	return p, nil
}

func (p *Peer) signalReady()  { p.readyOnce.Do(func() { close(p.ready) }) }
func (p *Peer) signalFailed() { p.failedOnce.Do(func() { close(p.failed) }) }

func (p *Peer) fireClose() {
	p.mu.Lock()
	fn := p.onClose
	p.onClose = nil
	p.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

// AcceptOffer applies a remote offer and produces a complete answer SDP with
// all local candidates gathered, plus any configured VPN host candidates.
func (p *Peer) AcceptOffer(ctx context.Context, offerSDP string, cfg Config) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(gatherTimeout):
		// Use whatever candidates arrived so far.
		log.Warnf("ice gathering still incomplete after %s, answering anyway", gatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("peer: no local description after gathering")
	}
	sdp := local.SDP
	if len(cfg.VPNAddresses) > 0 {
		sdp = injectHostCandidates(sdp, cfg.VPNAddresses)
	}
	return sdp, nil
}

// WaitReady blocks until the connection is established and the control
// channel is open. The caller's ctx bounds the wait; ReadyTimeout is the
// conventional bound.
func (p *Peer) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-p.failed:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes one binary message to the control channel.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrDisposed
	}
	if p.dc == nil || p.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelDown
	}
	return p.dc.Send(data)
}

// OnMessage sets the inbound message callback. Messages are delivered on
// spawned goroutines.
func (p *Peer) OnMessage(fn func([]byte)) {
	p.mu.Lock()
	p.onMessage = fn
	p.mu.Unlock()
}

// OnClose sets the close callback. It fires at most once.
func (p *Peer) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = fn
	p.mu.Unlock()
}

// Owner returns the current owner.
func (p *Peer) Owner() Owner {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owner
}

// TransferOwnership moves the peer from one owner to another. The call fails
// unless from matches the current owner, so a stale holder cannot steal a
// peer back after handing it off.
func (p *Peer) TransferOwnership(from, to Owner) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owner == OwnerDisposed {
		return ErrDisposed
	}
	if p.owner != from {
		return fmt.Errorf("%w: held by %s, not %s", ErrNotOwner, p.owner, from)
	}
	p.owner = to
	return nil
}

// CloseByOwner closes the peer only if owner still holds it. A component that
// already transferred the peer away gets ErrNotOwner and must not touch it.
func (p *Peer) CloseByOwner(owner Owner) error {
	p.mu.Lock()
	if p.owner != owner {
		held := p.owner
		p.mu.Unlock()
		return fmt.Errorf("%w: held by %s, not %s", ErrNotOwner, held, owner)
	}
	p.owner = OwnerDisposed
	p.mu.Unlock()
	return p.close()
}

// Close tears the peer down regardless of ownership. Reserved for daemon
// shutdown paths.
func (p *Peer) Close() error {
	p.mu.Lock()
	p.owner = OwnerDisposed
	p.mu.Unlock()
	return p.close()
}

func (p *Peer) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.signalFailed()
	if p.dc != nil {
		p.dc.Close()
	}
	if p.pc != nil {
		return p.pc.Close()
	}
	return nil
}

// injectHostCandidates appends host candidate lines for extra addresses,
// reusing the port of an existing UDP host candidate. The remote side then
// tries VPN addresses alongside the gathered ones.
func injectHostCandidates(sdp string, addrs []string) string {
	lines := strings.Split(sdp, "\r\n")
	port := ""
	insertAt := -1
	for i, line := range lines {
		if !strings.HasPrefix(line, "a=candidate:") || !strings.Contains(line, " typ host") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 || !strings.EqualFold(fields[2], "udp") {
			continue
		}
		port = fields[5]
		insertAt = i
		break
	}
	if insertAt < 0 {
		return sdp
	}

	extra := make([]string, 0, len(addrs))
	for i, addr := range addrs {
		// Priority just below gathered host candidates keeps normal paths
		// preferred when both work.
		extra = append(extra, fmt.Sprintf("a=candidate:vpn%d 1 udp 2113937150 %s %s typ host generation 0", i, addr, port))
	}

	out := make([]string, 0, len(lines)+len(extra))
	out = append(out, lines[:insertAt+1]...)
	out = append(out, extra...)
	out = append(out, lines[insertAt+1:]...)
	return strings.Join(out, "\r\n")
}

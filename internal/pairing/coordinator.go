package pairing

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbucko/remote-agent-shell/internal/devices"
	"github.com/mbucko/remote-agent-shell/internal/keys"
	"github.com/mbucko/remote-agent-shell/internal/peer"
	"github.com/mbucko/remote-agent-shell/internal/relay"
	"github.com/mbucko/remote-agent-shell/internal/signal"
	"github.com/mbucko/remote-agent-shell/internal/signaling"
)

// Config wires a pairing coordinator.
type Config struct {
	// DaemonDeviceID identifies this daemon in AuthSuccess and PairResponse.
	DaemonDeviceID string
	Hostname       string
	RelayServer    string
	// ListenAddr binds the direct HTTP signaling endpoint. Empty disables it.
	ListenAddr string
	Peer       peer.Config
	Devices    *devices.Store

	// OnPaired receives the authenticated peer after ownership moved to the
	// connection-manager side.
	OnPaired func(p *peer.Peer, deviceID, deviceName string)
}

var (
	ErrPairingActive = errors.New("a pairing session is already active")
	ErrNoPairing     = errors.New("no pairing session active")
)

// Coordinator runs at most one pairing session at a time.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	session *Session
	qr      string
	relay   *relay.Client
	handler *signaling.Handler
	http    *httpServer
	cancel  context.CancelFunc
}

// NewCoordinator builds an idle coordinator. If ListenAddr is set the direct
// HTTP endpoint starts with the first pairing session.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg}
}

// StartPairing mints a fresh master secret, opens the relay topic and the
// direct endpoint, and returns the QR payload to show the user.
func (c *Coordinator) StartPairing(ctx context.Context) (qrPayload string, session *Session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && !c.session.State().terminal() {
		return "", nil, ErrPairingActive
	}

	master, err := keys.NewMasterSecret()
	if err != nil {
		return "", nil, fmt.Errorf("minting master secret: %w", err)
	}
	s := newSession(master, func() { c.teardown() })
	signingKey := keys.SignalingKey(master)

	// The relay client and handler reference each other; the closure reads h
	// after both are built and before Subscribe starts delivery.
	var h *signaling.Handler
	rc := relay.NewClient(c.cfg.RelayServer, s.Topic, func(payload string) {
		s.Advance(StateSignaling)
		h.HandleMessage(context.Background(), payload)
	})
	h = signaling.New(signaling.Config{
		Mode:       signaling.ModePairing,
		SessionID:  s.ID,
		SigningKey: signingKey,
		Publisher:  rc,
		Peer:       c.cfg.Peer,
		TransferTo: peer.OwnerPairing,
		OnConnected: func(p *peer.Peer, deviceID, deviceName string) {
			c.authenticatePeer(s, p, deviceID, deviceName)
		},
		OnPairRequest: func(req *signal.PairRequest) (*signal.PairResponse, error) {
			return c.handlePairRequest(s, req)
		},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	rc.Subscribe(runCtx)

	c.session = s
	c.qr = signal.EncodeQR(master)
	c.relay = rc
	c.handler = h
	c.cancel = cancel

	if c.cfg.ListenAddr != "" {
		c.http = newHTTPServer(c.cfg.ListenAddr, c.lookupSession, c.acceptDirectOffer)
		go func() {
			if err := c.http.serve(); err != nil {
				log.Errorf("direct signaling endpoint: %v", err)
			}
		}()
	}

	log.Infof("pairing session %s started, relay topic %s", s.ID, s.Topic)
	return c.qr, s, nil
}

// StopPairing aborts the active session and releases its endpoints.
func (c *Coordinator) StopPairing() {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil {
		s.Fail()
	}
	c.teardown()
}

// Session returns the active pairing session, nil when idle.
func (c *Coordinator) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Coordinator) lookupSession(sessionID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.ID != sessionID {
		return nil
	}
	return c.session
}

// acceptDirectOffer serves the HTTP signaling path: same peer setup as the
// relay path, but the answer returns synchronously in the response body.
func (c *Coordinator) acceptDirectOffer(ctx context.Context, sessionID, sdp, deviceID, deviceName string) (string, error) {
	s := c.lookupSession(sessionID)
	if s == nil {
		return "", ErrNoPairing
	}
	if err := s.Advance(StateSignaling); err != nil {
		return "", err
	}

	p, err := peer.NewAnswering(c.cfg.Peer, peer.OwnerPairing)
	if err != nil {
		return "", err
	}
	answer, err := p.AcceptOffer(ctx, sdp, c.cfg.Peer)
	if err != nil {
		p.CloseByOwner(peer.OwnerPairing)
		return "", err
	}
	s.SetPeer(p)
	s.Advance(StateConnecting)

	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), peer.ReadyTimeout)
		defer cancel()
		if err := p.WaitReady(waitCtx); err != nil {
			log.Debugf("direct-path peer never connected: %v", err)
			s.Fail()
			return
		}
		c.authenticatePeer(s, p, deviceID, deviceName)
	}()
	return answer, nil
}

// authenticatePeer drives the data-channel handshake and finalizes on
// success. Called with a connected peer owned by the pairing side.
func (c *Coordinator) authenticatePeer(s *Session, p *peer.Peer, deviceID, deviceName string) {
	s.SetPeer(p)
	s.SetDevice(deviceID, deviceName)
	if err := s.Advance(StateAuthenticating); err != nil {
		log.Debugf("cannot authenticate: %v", err)
		p.CloseByOwner(peer.OwnerPairing)
		return
	}

	if err := runAuthHandshake(context.Background(), p, s.AuthKey(), c.cfg.DaemonDeviceID); err != nil {
		log.Warnf("auth handshake with %s failed: %v", deviceID, err)
		s.Fail()
		c.teardown()
		return
	}
	s.Advance(StateAuthenticated)

	if err := c.finalize(s, p, deviceID, deviceName); err != nil {
		log.Errorf("finalizing pairing: %v", err)
		s.Fail()
		c.teardown()
	}
}

// finalize persists the device, hands the peer to the connection side, and
// completes the session. The transferred flag flips before the completed
// state is observable.
func (c *Coordinator) finalize(s *Session, p *peer.Peer, deviceID, deviceName string) error {
	secret := make([]byte, len(s.MasterSecret()))
	copy(secret, s.MasterSecret())
	if err := c.cfg.Devices.Put(devices.Device{
		DeviceID:     deviceID,
		DisplayName:  deviceName,
		MasterSecret: secret,
		PairedAt:     time.Now(),
	}); err != nil {
		return fmt.Errorf("writing device record: %w", err)
	}

	if p != nil {
		if err := p.TransferOwnership(peer.OwnerPairing, peer.OwnerConnections); err != nil {
			return err
		}
	}
	if err := s.Complete(); err != nil {
		return err
	}

	log.Infof("paired device %s (%s)", deviceID, deviceName)
	if p != nil && c.cfg.OnPaired != nil {
		c.cfg.OnPaired(p, deviceID, deviceName)
	}
	c.teardown()
	return nil
}

// handlePairRequest serves the credential-only exchange: no peer, just a
// proof swap and a device-store write.
func (c *Coordinator) handlePairRequest(s *Session, req *signal.PairRequest) (*signal.PairResponse, error) {
	if req.SessionID != s.ID {
		return nil, errors.New("session mismatch")
	}
	if len(req.Nonce) != authNonceLen {
		return nil, errors.New("bad nonce length")
	}
	want := keys.PairRequestProof(s.AuthKey(), s.ID, req.DeviceID, req.Nonce)
	if !hmac.Equal(req.AuthProof, want) {
		return nil, errors.New("proof rejected")
	}

	resp := &signal.PairResponse{
		DaemonDeviceID: c.cfg.DaemonDeviceID,
		Hostname:       c.cfg.Hostname,
		AuthProof:      keys.PairResponseProof(s.AuthKey(), req.Nonce),
	}
	s.SetDevice(req.DeviceID, signal.SanitizeDeviceName(req.DeviceName))
	if err := c.finalize(s, nil, req.DeviceID, signal.SanitizeDeviceName(req.DeviceName)); err != nil {
		return nil, err
	}
	return resp, nil
}

// teardown releases the relay subscription, the handler state, and the
// direct endpoint. Idempotent; safe from timer callbacks.
func (c *Coordinator) teardown() {
	c.mu.Lock()
	rc := c.relay
	h := c.handler
	srv := c.http
	cancel := c.cancel
	c.relay = nil
	c.handler = nil
	c.http = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if rc != nil {
		rc.Stop()
	}
	if h != nil {
		h.ClearReplayState()
		h.Stop()
	}
	if srv != nil {
		ctx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		srv.shutdown(ctx)
		cancelShutdown()
	}
}

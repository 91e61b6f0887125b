// Package signaling turns validated signaling envelopes into WebRTC
// connections. One Handler serves one session: either a pairing exchange or a
// reconnection topic for an already-paired device.
package signaling

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mbucko/remote-agent-shell/internal/peer"
	"github.com/mbucko/remote-agent-shell/internal/signal"
)

var log = logging.Logger("signaling")

// Mode selects which envelope types a handler accepts.
type Mode int

const (
	// ModePairing serves a fresh pairing session: offers, capability
	// announcements and pair requests, all bound to one session id.
	ModePairing Mode = iota
	// ModeReconnection serves a paired device's topic: offers only, any
	// well-formed session id.
	ModeReconnection
)

// Publisher sends a sealed envelope back to the remote device.
type Publisher interface {
	Publish(ctx context.Context, payload string) error
}

// Config wires a Handler.
type Config struct {
	Mode Mode
	// SessionID pins envelopes to one session in pairing mode. Empty in
	// reconnection mode.
	SessionID string
	// SigningKey seals and opens envelopes (keys.SignalingKey of the device
	// master secret).
	SigningKey []byte
	Publisher  Publisher
	Peer       peer.Config

	// OnConnected receives each peer that reached ready state. Ownership has
	// already been transferred to the callback's side; the handler will not
	// touch the peer again.
	OnConnected func(p *peer.Peer, deviceID, deviceName string)
	// OnCapabilities, if set, receives the capability list a device
	// announced for this session.
	OnCapabilities func(caps []string)
	// OnPairRequest, if set, answers PAIR_REQUEST envelopes. Returning an
	// error drops the request silently.
	OnPairRequest func(req *signal.PairRequest) (*signal.PairResponse, error)

	// TransferTo is the owner the peer is handed to once connected.
	TransferTo peer.Owner
}

// Handler consumes inbound relay payloads for one session.
type Handler struct {
	cfg       Config
	validator *signal.Validator

	mu      sync.Mutex
	current *peer.Peer
	stopped bool
}

// New creates a handler. TransferTo defaults to the connection manager.
func New(cfg Config) *Handler {
	if cfg.TransferTo == peer.OwnerNone {
		cfg.TransferTo = peer.OwnerConnections
	}
	return &Handler{cfg: cfg, validator: signal.NewValidator()}
}

// HandleMessage processes one base64 relay payload. Invalid input of any kind
// is dropped without a response; an attacker probing the topic learns nothing.
func (h *Handler) HandleMessage(ctx context.Context, payload string) {
	env, err := signal.OpenEnvelope(h.cfg.SigningKey, payload)
	if err != nil {
		log.Debugf("discarding undecryptable payload: %v", err)
		return
	}

	switch env.Type {
	case signal.TypeOffer:
		h.handleOffer(ctx, &env)
	case signal.TypeCapabilities:
		h.handleCapabilities(&env)
	case signal.TypePairRequest:
		h.handlePairRequest(ctx, &env)
	case signal.TypeAnswer:
		// Daemons answer, they never receive answers.
		log.Debugf("discarding unexpected %s envelope", env.Type)
	default:
		log.Debugf("discarding envelope with unknown type %q", env.Type)
	}
}

func (h *Handler) handleOffer(ctx context.Context, env *signal.Envelope) {
	if err := h.validator.Validate(*env, h.expectedSession(), signal.TypeOffer); err != nil {
		log.Debugf("discarding offer: %v", err)
		return
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	// A new offer for the session supersedes any half-built peer.
	if h.current != nil {
		h.current.CloseByOwner(peer.OwnerSignaling)
		h.current = nil
	}
	h.mu.Unlock()

	p, err := peer.NewAnswering(h.cfg.Peer, peer.OwnerSignaling)
	if err != nil {
		log.Errorf("peer setup failed: %v", err)
		return
	}

	answerSDP, err := p.AcceptOffer(ctx, env.SDP, h.cfg.Peer)
	if err != nil {
		log.Debugf("offer from %s rejected: %v", env.DeviceID, err)
		p.CloseByOwner(peer.OwnerSignaling)
		return
	}

	answer := signal.NewEnvelope(signal.TypeAnswer, env.SessionID)
	answer.SDP = answerSDP
	sealed, err := answer.Seal(h.cfg.SigningKey)
	if err != nil {
		log.Errorf("sealing answer: %v", err)
		p.CloseByOwner(peer.OwnerSignaling)
		return
	}
	if err := h.cfg.Publisher.Publish(ctx, sealed); err != nil {
		log.Warnf("publishing answer for session %s: %v", env.SessionID, err)
		p.CloseByOwner(peer.OwnerSignaling)
		return
	}

	h.mu.Lock()
	h.current = p
	h.mu.Unlock()

	deviceID := env.DeviceID
	deviceName := signal.SanitizeDeviceName(env.DeviceName)
	go h.awaitReady(p, deviceID, deviceName)
}

// awaitReady waits for the peer to connect, then hands it off. On timeout or
// failure the handler still owns the peer and tears it down itself.
func (h *Handler) awaitReady(p *peer.Peer, deviceID, deviceName string) {
	ctx, cancel := context.WithTimeout(context.Background(), peer.ReadyTimeout)
	defer cancel()

	if err := p.WaitReady(ctx); err != nil {
		log.Debugf("peer for device %s never connected: %v", deviceID, err)
		h.dropCurrent(p)
		return
	}

	if err := p.TransferOwnership(peer.OwnerSignaling, h.cfg.TransferTo); err != nil {
		// Stopped concurrently; whoever disposed it wins.
		log.Debugf("handoff failed: %v", err)
		return
	}

	h.mu.Lock()
	if h.current == p {
		h.current = nil
	}
	h.mu.Unlock()

	if h.cfg.OnConnected != nil {
		h.cfg.OnConnected(p, deviceID, deviceName)
	}
}

func (h *Handler) dropCurrent(p *peer.Peer) {
	h.mu.Lock()
	if h.current == p {
		h.current = nil
	}
	h.mu.Unlock()
	p.CloseByOwner(peer.OwnerSignaling)
}

func (h *Handler) handleCapabilities(env *signal.Envelope) {
	if err := h.validator.Validate(*env, h.expectedSession(), signal.TypeCapabilities); err != nil {
		log.Debugf("discarding capabilities: %v", err)
		return
	}
	if h.cfg.OnCapabilities != nil {
		h.cfg.OnCapabilities(env.Capabilities)
	}
}

func (h *Handler) handlePairRequest(ctx context.Context, env *signal.Envelope) {
	if h.cfg.Mode != ModePairing || h.cfg.OnPairRequest == nil {
		log.Debugf("discarding pair request outside pairing mode")
		return
	}
	if err := h.validator.Validate(*env, h.expectedSession(), signal.TypePairRequest); err != nil {
		log.Debugf("discarding pair request: %v", err)
		return
	}
	if env.PairRequest == nil {
		log.Debugf("discarding pair request without body")
		return
	}

	resp, err := h.cfg.OnPairRequest(env.PairRequest)
	if err != nil {
		log.Debugf("pair request from %s refused: %v", env.PairRequest.DeviceID, err)
		return
	}

	out := signal.NewEnvelope(signal.TypePairResponse, env.SessionID)
	out.PairResponse = resp
	sealed, err := out.Seal(h.cfg.SigningKey)
	if err != nil {
		log.Errorf("sealing pair response: %v", err)
		return
	}
	if err := h.cfg.Publisher.Publish(ctx, sealed); err != nil {
		log.Warnf("publishing pair response: %v", err)
	}
}

func (h *Handler) expectedSession() string {
	if h.cfg.Mode == ModeReconnection {
		return ""
	}
	return h.cfg.SessionID
}

// TakePeer removes and returns the in-flight peer, if any. Used by pairing
// when it wants to drive the handshake itself before the ready handoff.
func (h *Handler) TakePeer() *peer.Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.current
	h.current = nil
	return p
}

// Stop discards the in-flight peer and refuses further offers.
func (h *Handler) Stop() {
	h.mu.Lock()
	h.stopped = true
	p := h.current
	h.current = nil
	h.mu.Unlock()
	if p != nil {
		p.CloseByOwner(peer.OwnerSignaling)
	}
}

// ClearReplayState empties the nonce cache. Called when a session's keys are
// rotated so old nonces cannot collide with the new key space.
func (h *Handler) ClearReplayState() {
	h.validator.ClearNonces()
}

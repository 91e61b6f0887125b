// Package pairing drives the QR pairing flow: mint a master secret, show the
// QR, accept the phone's offer over the relay or the direct HTTP endpoint,
// authenticate the data channel, and persist the paired device.
package pairing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mbucko/remote-agent-shell/internal/keys"
	"github.com/mbucko/remote-agent-shell/internal/peer"
)

var log = logging.Logger("pairing")

// State is a pairing session's lifecycle position.
type State int

const (
	StatePending State = iota
	StateSignaling
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateCompleted
	StateFailed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSignaling:
		return "signaling"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateExpired
}

// Per-state deadlines. Each advance restarts the clock with the allowance
// of the state being entered.
var stateTimeouts = map[State]time.Duration{
	StatePending:        5 * time.Minute,
	StateSignaling:      30 * time.Second,
	StateConnecting:     30 * time.Second,
	StateAuthenticating: 10 * time.Second,
	StateAuthenticated:  10 * time.Second,
}

var (
	ErrBadTransition = errors.New("invalid pairing state transition")
	ErrSessionDone   = errors.New("pairing session already finished")
)

// Session is one pairing attempt. It owns the secret material and, between
// offer acceptance and handoff, the WebRTC peer.
type Session struct {
	ID    string
	Topic string

	mu              sync.Mutex
	master          []byte
	authKey         []byte
	state           State
	createdAt       time.Time
	expiresAt       time.Time
	deviceID        string
	deviceName      string
	peer            *peer.Peer
	peerTransferred bool
	timer           *time.Timer
	onExpired       func()
}

// newSession derives the session identity from a fresh master secret and
// starts the pending-state clock.
func newSession(master []byte, onExpired func()) *Session {
	s := &Session{
		ID:        keys.SessionID(master),
		Topic:     keys.Topic(master),
		master:    master,
		authKey:   keys.AuthKey(master),
		state:     StatePending,
		createdAt: time.Now(),
		onExpired: onExpired,
	}
	s.expiresAt = s.createdAt.Add(stateTimeouts[StatePending])
	s.timer = time.AfterFunc(stateTimeouts[StatePending], s.expire)
	return s
}

// Advance moves to the next non-terminal state and restarts the deadline.
// Transitions may only move forward; a repeat of the current state is a
// no-op so concurrent paths (relay and direct HTTP) cannot trip each other.
func (s *Session) Advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return ErrSessionDone
	}
	if next == s.state {
		return nil
	}
	if next.terminal() || next < s.state {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, s.state, next)
	}
	s.state = next
	d := stateTimeouts[next]
	s.expiresAt = time.Now().Add(d)
	s.timer.Reset(d)
	return nil
}

// SetPeer records the in-flight peer so cleanup can reach it.
func (s *Session) SetPeer(p *peer.Peer) {
	s.mu.Lock()
	s.peer = p
	s.mu.Unlock()
}

// SetDevice records the identity claimed during signaling.
func (s *Session) SetDevice(id, name string) {
	s.mu.Lock()
	s.deviceID = id
	s.deviceName = name
	s.mu.Unlock()
}

// Complete finishes a successful pairing. The transferred flag is set before
// the state flips so an observer of "completed" never sees an owned peer.
func (s *Session) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return ErrSessionDone
	}
	s.timer.Stop()
	s.peerTransferred = true
	s.peer = nil
	s.state = StateCompleted
	keys.Zero(s.master)
	keys.Zero(s.authKey)
	return nil
}

// Fail ends the session, closing the peer only if it was never handed off,
// and wipes the secret material.
func (s *Session) Fail() {
	s.finish(StateFailed)
}

func (s *Session) expire() {
	s.finish(StateExpired)
	if s.onExpired != nil {
		s.onExpired()
	}
}

func (s *Session) finish(state State) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.timer.Stop()
	s.state = state
	p := s.peer
	transferred := s.peerTransferred
	s.peer = nil
	keys.Zero(s.master)
	keys.Zero(s.authKey)
	s.mu.Unlock()

	log.Infof("pairing session %s %s", s.ID, state)
	if p != nil && !transferred {
		p.CloseByOwner(peer.OwnerPairing)
	}
}

// State returns the current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerTransferred reports whether ownership left the pairing session.
func (s *Session) PeerTransferred() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerTransferred
}

// Peer returns the currently owned peer, nil after handoff or cleanup.
func (s *Session) Peer() *peer.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// AuthKey exposes the derived auth key for the handshake drivers.
func (s *Session) AuthKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authKey
}

// MasterSecret exposes the root secret for the device-store write.
func (s *Session) MasterSecret() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

// ExpiresAt reports the current deadline.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

package signal

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Validation bounds. TimestampSkew is inclusive: exactly ±30 s passes.
const (
	TimestampSkew    = 30 * time.Second
	MaxSessionIDLen  = 64
	MaxSDPLen        = 64 * 1024
	MaxDeviceIDLen   = 100
	MaxDeviceNameLen = 64
)

var (
	ErrWrongType       = errors.New("unexpected message type")
	ErrBadSessionID    = errors.New("invalid session id")
	ErrSessionMismatch = errors.New("session id mismatch")
	ErrStaleTimestamp  = errors.New("timestamp outside freshness window")
	ErrBadNonce        = errors.New("invalid nonce")
	ErrReplayedNonce   = errors.New("replayed nonce")
	ErrBadSDP          = errors.New("invalid sdp")
	ErrMissingDeviceID = errors.New("missing device id")
	ErrBadDeviceName   = errors.New("invalid device name")
	ErrDeviceIDTooLong = errors.New("device id too long")
)

// Validator applies the per-message checks to decoded envelopes. Each
// long-lived signaling handler owns one validator; its nonce cache scopes
// replay defense to that handler's lifetime.
type Validator struct {
	nonces *NonceCache
	now    func() time.Time
}

// NewValidator creates a validator with a fresh nonce cache.
func NewValidator() *Validator {
	return &Validator{nonces: NewNonceCache(), now: time.Now}
}

// ClearNonces drops the replay cache (secret-hygiene cleanup path).
func (v *Validator) ClearNonces() { v.nonces.Clear() }

// Validate checks a decoded envelope against the expected session id and
// message type. expectedSession is empty in reconnection mode, where any
// well-formed session id is accepted.
func (v *Validator) Validate(e Envelope, expectedSession, expectedType string) error {
	if e.Type != expectedType {
		return ErrWrongType
	}
	if err := ValidateSessionID(e.SessionID); err != nil {
		return err
	}
	if expectedSession != "" && e.SessionID != expectedSession {
		return ErrSessionMismatch
	}

	age := v.now().Sub(time.Unix(e.Timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > TimestampSkew {
		return ErrStaleTimestamp
	}

	if len(e.Nonce) != EnvelopeNonceLen {
		return ErrBadNonce
	}
	if !v.nonces.CheckAndAdd(e.Nonce) {
		return ErrReplayedNonce
	}

	if e.Type == TypeOffer {
		if err := validateSDP(e.SDP); err != nil {
			return err
		}
		if e.DeviceID == "" {
			return ErrMissingDeviceID
		}
		if len(e.DeviceID) > MaxDeviceIDLen {
			return ErrDeviceIDTooLong
		}
		if len(e.DeviceName) > 4*MaxDeviceNameLen {
			return ErrBadDeviceName
		}
	}
	return nil
}

// ValidateSessionID enforces the session id character class and length.
func ValidateSessionID(id string) error {
	if id == "" || len(id) > MaxSessionIDLen {
		return ErrBadSessionID
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return ErrBadSessionID
		}
	}
	return nil
}

func validateSDP(sdp string) error {
	if sdp == "" || len(sdp) > MaxSDPLen {
		return ErrBadSDP
	}
	if !strings.HasPrefix(sdp, "v=0") {
		return ErrBadSDP
	}
	if !strings.Contains(sdp, "\nm=") && !strings.HasPrefix(sdp, "m=") {
		return ErrBadSDP
	}
	return nil
}

// SanitizeDeviceName normalizes a client-supplied display name: control
// bytes become spaces, whitespace runs collapse, invalid UTF-8 becomes the
// replacement character, and the result is trimmed and truncated to 64
// characters. An empty name passes through as an empty string.
func SanitizeDeviceName(name string) string {
	if !utf8.ValidString(name) {
		name = strings.ToValidUTF8(name, "�")
	}
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7F {
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	fields := strings.Fields(b.String())
	out := strings.Join(fields, " ")
	if utf8.RuneCountInString(out) > MaxDeviceNameLen {
		runes := []rune(out)
		out = string(runes[:MaxDeviceNameLen])
	}
	return out
}

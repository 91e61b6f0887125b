// Package signal defines the encrypted signaling envelope exchanged over the
// relay topic and the direct HTTP endpoint, plus the validation rules applied
// to every inbound envelope.
package signal

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbucko/remote-agent-shell/internal/keys"
)

// Envelope types.
const (
	TypeOffer        = "OFFER"
	TypeAnswer       = "ANSWER"
	TypeCapabilities = "CAPABILITIES"
	TypePairRequest  = "PAIR_REQUEST"
	TypePairResponse = "PAIR_RESPONSE"
)

// EnvelopeNonceLen is the replay-protection nonce carried by every envelope.
const EnvelopeNonceLen = 16

// Envelope is the signaling message. It is JSON-serialized, sealed with the
// signaling key, and base64-transported over the relay.
type Envelope struct {
	Type         string        `json:"type"`
	SessionID    string        `json:"session_id"`
	SDP          string        `json:"sdp,omitempty"`
	DeviceID     string        `json:"device_id,omitempty"`
	DeviceName   string        `json:"device_name,omitempty"`
	Timestamp    int64         `json:"timestamp"` // unix seconds
	Nonce        []byte        `json:"nonce"`
	Capabilities []string      `json:"capabilities,omitempty"`
	PairRequest  *PairRequest  `json:"pair_request,omitempty"`
	PairResponse *PairResponse `json:"pair_response,omitempty"`
}

// PairRequest is the credential-only pairing exchange: the client proves
// possession of the auth key without any peer negotiation.
type PairRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Nonce      []byte `json:"nonce"` // 32 bytes
	AuthProof  []byte `json:"auth_proof"`
	SessionID  string `json:"session_id"`
}

// PairResponse completes the credential-only exchange.
type PairResponse struct {
	DaemonDeviceID string `json:"daemon_device_id"`
	Hostname       string `json:"hostname"`
	AuthProof      []byte `json:"auth_proof"`
}

// NewEnvelope builds an envelope stamped with the current time and a fresh
// 16-byte nonce.
func NewEnvelope(typ, sessionID string) Envelope {
	nonce := make([]byte, EnvelopeNonceLen)
	_, _ = rand.Read(nonce)
	return Envelope{
		Type:      typ,
		SessionID: sessionID,
		Timestamp: time.Now().Unix(),
		Nonce:     nonce,
	}
}

// Seal serializes the envelope, encrypts it with the signaling key, and
// base64-encodes the result for the relay.
func (e Envelope) Seal(signalingKey []byte) (string, error) {
	plain, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	ct, err := keys.Seal(signalingKey, plain)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// OpenEnvelope reverses Seal.
func OpenEnvelope(signalingKey []byte, b64 string) (Envelope, error) {
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Envelope{}, err
	}
	plain, err := keys.Open(signalingKey, ct)
	if err != nil {
		return Envelope{}, err
	}
	var e Envelope
	if err := json.Unmarshal(plain, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// QR payload: version(1) ∥ master_secret(32), base64. The relay topic and
// session id are derived from the master secret, never transmitted.
const qrVersion = 1

var ErrBadQRPayload = errors.New("malformed QR payload")

// EncodeQR renders the QR payload for a master secret.
func EncodeQR(masterSecret []byte) string {
	buf := make([]byte, 1+len(masterSecret))
	buf[0] = qrVersion
	copy(buf[1:], masterSecret)
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeQR parses a QR payload back into the master secret.
func DecodeQR(payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrBadQRPayload
	}
	if len(raw) != 1+keys.MasterSecretLen || raw[0] != qrVersion {
		return nil, ErrBadQRPayload
	}
	return raw[1:], nil
}

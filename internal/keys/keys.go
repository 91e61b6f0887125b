// Package keys holds the key schedule shared with the mobile client. Every
// key and identifier in the protocol derives from the 32-byte master secret
// minted at pairing, so both sides can recompute the full schedule from the
// QR scan alone.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MasterSecretLen is the size of the pairing master secret.
	MasterSecretLen = 32

	// NonceLen is the GCM IV size; TagLen the GCM tag size.
	NonceLen = 12
	TagLen   = 16

	// MinCiphertextLen is the smallest decryptable message: IV + tag.
	MinCiphertextLen = NonceLen + TagLen

	// TopicPrefix prefixes every relay topic derived from a master secret.
	TopicPrefix = "ras-"
)

// HKDF purpose labels. These are wire contracts: the mobile client derives
// the same keys with the same labels.
const (
	PurposeAuth      = "auth"
	PurposeEncrypt   = "encrypt"
	PurposeNtfy      = "ntfy"
	PurposeSignaling = "signaling"
	purposeSession   = "session"
)

// Domain separation prefixes for the pair-exchange proofs.
const (
	pairRequestDomain  = "ras-pair-request:"
	pairResponseDomain = "ras-pair-response:"
)

var (
	ErrCiphertextTooShort = errors.New("ciphertext shorter than IV+tag")
	ErrDecryptFailed      = errors.New("decryption failed")
)

// NewMasterSecret mints a fresh 32-byte master secret.
func NewMasterSecret() ([]byte, error) {
	ms := make([]byte, MasterSecretLen)
	if _, err := rand.Read(ms); err != nil {
		return nil, err
	}
	return ms, nil
}

// Derive derives a 32-byte key from the master secret for the given purpose
// label, using HKDF-SHA256 with an empty salt and the label as info.
func Derive(master []byte, purpose string) []byte {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF-SHA256 cannot fail for a 32-byte read.
		panic(err)
	}
	return out
}

// AuthKey derives the HMAC authentication key.
func AuthKey(master []byte) []byte { return Derive(master, PurposeAuth) }

// EncryptKey derives the symmetric data key.
func EncryptKey(master []byte) []byte { return Derive(master, PurposeEncrypt) }

// NtfyKey derives the notification key.
func NtfyKey(master []byte) []byte { return Derive(master, PurposeNtfy) }

// SignalingKey derives the key that seals relay signaling envelopes.
func SignalingKey(master []byte) []byte { return Derive(master, PurposeSignaling) }

// SessionID derives the pairing session identifier: the first 12 bytes of
// HKDF(master, "session"), hex encoded. The 24-character rendering is the
// on-wire form the mobile clients send back.
func SessionID(master []byte) string {
	return hex.EncodeToString(Derive(master, purposeSession)[:12])
}

// Topic derives the relay topic for a master secret:
// "ras-" + hex of the first 6 bytes of SHA256(master).
func Topic(master []byte) string {
	sum := sha256.Sum256(master)
	return TopicPrefix + hex.EncodeToString(sum[:6])
}

// ComputeHMAC computes HMAC-SHA256 over the concatenation of the parts.
func ComputeHMAC(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// VerifyHMAC reports whether sig is the HMAC of the parts under key,
// in constant time.
func VerifyHMAC(key []byte, sig []byte, parts ...[]byte) bool {
	return hmac.Equal(sig, ComputeHMAC(key, parts...))
}

// ComputeSignalingHMAC signs a direct-HTTP signaling request. The input
// order (UTF-8 session id, big-endian 64-bit timestamp, body) is a wire
// contract with the mobile clients.
func ComputeSignalingHMAC(key []byte, sessionID string, timestamp int64, body []byte) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	return ComputeHMAC(key, []byte(sessionID), ts[:], body)
}

// PairRequestProof computes the client's proof for the credential-only pair
// exchange. The request and response proofs are domain-separated by distinct
// prefixes bound into the HMAC input.
func PairRequestProof(authKey []byte, sessionID, deviceID string, nonce []byte) []byte {
	return ComputeHMAC(authKey, []byte(pairRequestDomain), []byte(sessionID), []byte(deviceID), nonce)
}

// PairResponseProof computes the daemon's proof for the pair exchange.
func PairResponseProof(authKey []byte, nonce []byte) []byte {
	return ComputeHMAC(authKey, []byte(pairResponseDomain), nonce)
}

// Seal encrypts plaintext with AES-256-GCM under key. The output is
// IV ∥ ciphertext ∥ tag with a fresh random 12-byte IV.
func Seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, NonceLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	return gcm.Seal(iv, iv, plaintext, nil), nil
}

// Open decrypts a Seal output. Anything shorter than IV+tag fails before
// touching the cipher.
func Open(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < MinCiphertextLen {
		return nil, ErrCiphertextTooShort
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, ciphertext[:NonceLen], ciphertext[NonceLen:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// Zero overwrites a secret buffer. Call before discarding master secrets
// and derived keys.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

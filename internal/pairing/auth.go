package pairing

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbucko/remote-agent-shell/internal/keys"
)

// AuthTimeout bounds the whole data-channel handshake.
const AuthTimeout = 10 * time.Second

const authNonceLen = 32

// Handshake message types on the fresh data channel.
const (
	authChallenge = "auth_challenge"
	authResponse  = "auth_response"
	authVerify    = "auth_verify"
	authSuccess   = "auth_success"
	authFailure   = "auth_error"
)

// AuthError codes. Sent to the phone before the channel closes.
const (
	AuthErrInvalidHMAC   = "INVALID_HMAC"
	AuthErrInvalidNonce  = "INVALID_NONCE"
	AuthErrProtocolError = "PROTOCOL_ERROR"
	AuthErrTimeout       = "TIMEOUT"
)

// authMessage is the single frame shape for all five handshake messages.
type authMessage struct {
	Type     string `json:"type"`
	Nonce    []byte `json:"nonce,omitempty"`
	HMAC     []byte `json:"hmac,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Code     string `json:"code,omitempty"`
}

// authChannel is the slice of the peer surface the handshake needs.
type authChannel interface {
	Send(data []byte) error
	OnMessage(fn func(data []byte))
}

type authFailedError struct {
	code string
	err  error
}

func (e *authFailedError) Error() string { return fmt.Sprintf("%s: %v", e.code, e.err) }
func (e *authFailedError) Unwrap() error { return e.err }

// runAuthHandshake proves mutual possession of the auth key over the data
// channel. The daemon challenges first; the phone answers with its proof and
// a counter-nonce; the daemon verifies, proves itself back, and announces
// its own device id. Any failure sends an AuthError frame before returning.
func runAuthHandshake(ctx context.Context, ch authChannel, authKey []byte, daemonDeviceID string) error {
	ctx, cancel := context.WithTimeout(ctx, AuthTimeout)
	defer cancel()

	inbox := make(chan []byte, 4)
	ch.OnMessage(func(data []byte) {
		select {
		case inbox <- data:
		default:
		}
	})

	err := driveHandshake(ctx, ch, inbox, authKey, daemonDeviceID)
	if err != nil {
		code := AuthErrProtocolError
		var afe *authFailedError
		if errors.As(err, &afe) {
			code = afe.code
		} else if errors.Is(err, context.DeadlineExceeded) {
			code = AuthErrTimeout
		}
		frame, _ := json.Marshal(authMessage{Type: authFailure, Code: code})
		ch.Send(frame)
	}
	return err
}

func driveHandshake(ctx context.Context, ch authChannel, inbox <-chan []byte, authKey []byte, daemonDeviceID string) error {
	serverNonce := make([]byte, authNonceLen)
	if _, err := rand.Read(serverNonce); err != nil {
		return err
	}
	if err := sendAuth(ch, authMessage{Type: authChallenge, Nonce: serverNonce}); err != nil {
		return err
	}

	var resp authMessage
	select {
	case data := <-inbox:
		if err := json.Unmarshal(data, &resp); err != nil || resp.Type != authResponse {
			return &authFailedError{AuthErrProtocolError, errors.New("expected auth_response")}
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if len(resp.Nonce) != authNonceLen {
		return &authFailedError{AuthErrInvalidNonce, fmt.Errorf("client nonce is %d bytes", len(resp.Nonce))}
	}
	if !keys.VerifyHMAC(authKey, resp.HMAC, serverNonce) {
		return &authFailedError{AuthErrInvalidHMAC, errors.New("client proof rejected")}
	}

	if err := sendAuth(ch, authMessage{
		Type: authVerify,
		HMAC: keys.ComputeHMAC(authKey, resp.Nonce),
	}); err != nil {
		return err
	}
	return sendAuth(ch, authMessage{Type: authSuccess, DeviceID: daemonDeviceID})
}

func sendAuth(ch authChannel, msg authMessage) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ch.Send(frame)
}

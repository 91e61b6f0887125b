package pairing

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/mbucko/remote-agent-shell/internal/keys"
)

const testOfferSDP = "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n"

func startSignalServer(t *testing.T, s *Session) (*httpServer, *httptest.Server) {
	t.Helper()
	srv := newHTTPServer("127.0.0.1:0",
		func(id string) *Session {
			if s != nil && id == s.ID {
				return s
			}
			return nil
		},
		func(_ context.Context, _, _, _, _ string) (string, error) {
			return "v=0 answer", nil
		})
	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func signalRequest(t *testing.T, url string, s *Session, body []byte, ts int64) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/signal/"+s.ID, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-RAS-Timestamp", strconv.FormatInt(ts, 10))
	sig := keys.ComputeSignalingHMAC(s.AuthKey(), s.ID, ts, body)
	req.Header.Set("X-RAS-Signature", hex.EncodeToString(sig))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func signalBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(SignalRequest{
		SDPOffer:   testOfferSDP,
		DeviceID:   "phone-1",
		DeviceName: "Test Phone",
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func wantSignalError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	var se SignalError
	if err := json.NewDecoder(resp.Body).Decode(&se); err != nil {
		t.Fatal(err)
	}
	if se.Code != code {
		t.Fatalf("code = %s, want %s", se.Code, code)
	}
}

func TestSignalEndpointAcceptsValidOffer(t *testing.T) {
	s := newSession(testMasterSecret(), nil)
	defer s.Fail()
	_, ts := startSignalServer(t, s)

	resp := signalRequest(t, ts.URL, s, signalBody(t), time.Now().Unix())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var sr SignalResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		t.Fatal(err)
	}
	if sr.SDPAnswer != "v=0 answer" {
		t.Fatalf("answer %q", sr.SDPAnswer)
	}
}

func TestSignalEndpointRejectsBadSignature(t *testing.T) {
	s := newSession(testMasterSecret(), nil)
	defer s.Fail()
	_, ts := startSignalServer(t, s)

	body := signalBody(t)
	now := time.Now().Unix()
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/signal/"+s.ID, bytes.NewReader(body))
	req.Header.Set("X-RAS-Timestamp", strconv.FormatInt(now, 10))
	req.Header.Set("X-RAS-Signature", hex.EncodeToString(make([]byte, 32)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	wantSignalError(t, resp, http.StatusBadRequest, codeAuthFailed)
}

func TestSignalEndpointRejectsStaleTimestamp(t *testing.T) {
	s := newSession(testMasterSecret(), nil)
	defer s.Fail()
	_, ts := startSignalServer(t, s)

	resp := signalRequest(t, ts.URL, s, signalBody(t), time.Now().Add(-31*time.Second).Unix())
	wantSignalError(t, resp, http.StatusBadRequest, codeAuthFailed)
}

func TestSignalEndpointRejectsUnknownSession(t *testing.T) {
	s := newSession(testMasterSecret(), nil)
	defer s.Fail()
	_, ts := startSignalServer(t, nil) // lookup finds nothing

	resp := signalRequest(t, ts.URL, s, signalBody(t), time.Now().Unix())
	wantSignalError(t, resp, http.StatusBadRequest, codeInvalidSession)
}

func TestSignalEndpointRejectsFinishedSession(t *testing.T) {
	s := newSession(testMasterSecret(), nil)
	authKey := make([]byte, 32)
	copy(authKey, s.AuthKey())
	_, ts := startSignalServer(t, s)
	s.Fail()

	body := signalBody(t)
	now := time.Now().Unix()
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/signal/"+s.ID, bytes.NewReader(body))
	req.Header.Set("X-RAS-Timestamp", strconv.FormatInt(now, 10))
	sig := keys.ComputeSignalingHMAC(authKey, s.ID, now, body)
	req.Header.Set("X-RAS-Signature", hex.EncodeToString(sig))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	wantSignalError(t, resp, http.StatusBadRequest, codeInvalidSession)
}

func TestSignalEndpointRejectsMalformedBody(t *testing.T) {
	s := newSession(testMasterSecret(), nil)
	defer s.Fail()
	_, ts := startSignalServer(t, s)

	resp := signalRequest(t, ts.URL, s, []byte("{not json"), time.Now().Unix())
	wantSignalError(t, resp, http.StatusBadRequest, codeInvalidRequest)
}

func TestSignalEndpointSessionRateLimit(t *testing.T) {
	s := newSession(testMasterSecret(), nil)
	defer s.Fail()
	_, ts := startSignalServer(t, s)

	body := signalBody(t)
	for i := 0; i < sessionRateLimit; i++ {
		resp := signalRequest(t, ts.URL, s, body, time.Now().Unix())
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status %d", i, resp.StatusCode)
		}
		resp.Body.Close()
	}
	resp := signalRequest(t, ts.URL, s, body, time.Now().Unix())
	wantSignalError(t, resp, http.StatusTooManyRequests, codeRateLimited)
}

func TestSignalEndpointHealth(t *testing.T) {
	s := newSession(testMasterSecret(), nil)
	defer s.Fail()
	_, ts := startSignalServer(t, s)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	l := newRateLimiter()
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		if !l.allow("k", 3, base.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("request %d denied", i)
		}
	}
	if l.allow("k", 3, base.Add(3*time.Second)) {
		t.Fatal("over-limit request allowed")
	}
	// A minute later the window has emptied.
	if !l.allow("k", 3, base.Add(62*time.Second)) {
		t.Fatal("request denied after window slid")
	}
	// Keys are independent.
	if !l.allow("other", 3, base.Add(3*time.Second)) {
		t.Fatal("unrelated key denied")
	}
}

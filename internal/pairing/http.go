package pairing

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbucko/remote-agent-shell/internal/keys"
	"github.com/mbucko/remote-agent-shell/internal/signal"
)

var signalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ras_signal_http_requests_total",
	Help: "Direct HTTP signaling requests by outcome.",
}, []string{"outcome"})

// Rate limits for the direct signaling endpoint.
const (
	sessionRateLimit = 10  // per session per minute
	ipRateLimit      = 100 // per remote address per minute
	rateWindow       = time.Minute

	maxSignalBody = 128 << 10
)

// Generic wire error codes. Deliberately indistinguishable beyond coarse
// classes so a prober cannot map internal state.
const (
	codeInvalidSession = "INVALID_SESSION"
	codeAuthFailed     = "AUTHENTICATION_FAILED"
	codeRateLimited    = "RATE_LIMITED"
	codeInvalidRequest = "INVALID_REQUEST"
	codeInternalError  = "INTERNAL_ERROR"
)

// SignalRequest is the direct-HTTP offer body.
type SignalRequest struct {
	SDPOffer   string `json:"sdp_offer"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// SignalResponse carries the answer SDP back.
type SignalResponse struct {
	SDPAnswer string `json:"sdp_answer"`
}

// SignalError is the generic error body.
type SignalError struct {
	Code string `json:"code"`
}

// offerFunc accepts a validated offer and returns the answer SDP.
type offerFunc func(ctx context.Context, sessionID, sdp, deviceID, deviceName string) (string, error)

// httpServer is the direct signaling endpoint bound next to the relay path.
type httpServer struct {
	srv         *http.Server
	lookup      func(sessionID string) *Session
	acceptOffer offerFunc
	limiter     *rateLimiter
	now         func() time.Time
}

func newHTTPServer(addr string, lookup func(string) *Session, accept offerFunc) *httpServer {
	s := &httpServer{
		lookup:      lookup,
		acceptOffer: accept,
		limiter:     newRateLimiter(),
		now:         time.Now,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /signal/{session_id}", s.handleSignal)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	s.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *httpServer) serve() error {
	log.Infof("direct signaling endpoint on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *httpServer) shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *httpServer) handleSignal(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if !s.limiter.allow("ip:"+ip, ipRateLimit, s.now()) ||
		!s.limiter.allow("session:"+sessionID, sessionRateLimit, s.now()) {
		writeSignalError(w, http.StatusTooManyRequests, codeRateLimited)
		return
	}

	if signal.ValidateSessionID(sessionID) != nil {
		writeSignalError(w, http.StatusBadRequest, codeInvalidSession)
		return
	}
	session := s.lookup(sessionID)
	if session == nil || session.State().terminal() {
		writeSignalError(w, http.StatusBadRequest, codeInvalidSession)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignalBody))
	if err != nil {
		writeSignalError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	if !s.verifySignature(r, session, sessionID, body) {
		writeSignalError(w, http.StatusBadRequest, codeAuthFailed)
		return
	}

	var req SignalRequest
	if err := json.Unmarshal(body, &req); err != nil ||
		req.SDPOffer == "" || req.DeviceID == "" {
		writeSignalError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	answer, err := s.acceptOffer(r.Context(), sessionID, req.SDPOffer,
		req.DeviceID, signal.SanitizeDeviceName(req.DeviceName))
	if err != nil {
		log.Warnf("direct offer for session %s failed: %v", sessionID, err)
		writeSignalError(w, http.StatusBadRequest, codeInternalError)
		return
	}

	signalRequests.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SignalResponse{SDPAnswer: answer})
}

// verifySignature checks X-RAS-Timestamp freshness and the X-RAS-Signature
// HMAC over session id ∥ be64(timestamp) ∥ body.
func (s *httpServer) verifySignature(r *http.Request, session *Session, sessionID string, body []byte) bool {
	ts, err := strconv.ParseInt(r.Header.Get("X-RAS-Timestamp"), 10, 64)
	if err != nil {
		return false
	}
	if d := s.now().Sub(time.Unix(ts, 0)); d > signal.TimestampSkew || d < -signal.TimestampSkew {
		return false
	}
	sig, err := hex.DecodeString(r.Header.Get("X-RAS-Signature"))
	if err != nil {
		return false
	}
	want := keys.ComputeSignalingHMAC(session.AuthKey(), sessionID, ts, body)
	return hmac.Equal(sig, want)
}

func writeSignalError(w http.ResponseWriter, status int, code string) {
	signalRequests.WithLabelValues(code).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(SignalError{Code: code})
}

// rateLimiter is a sliding-window counter per key.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{windows: make(map[string][]time.Time)}
}

func (l *rateLimiter) allow(key string, limit int, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-rateWindow)
	recent := l.windows[key][:0]
	for _, t := range l.windows[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= limit {
		l.windows[key] = recent
		return false
	}
	l.windows[key] = append(recent, now)
	return true
}

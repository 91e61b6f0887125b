// Package relay talks to an ntfy-style pub/sub server. The daemon subscribes
// to a topic derived from a master secret and receives base64 signaling
// payloads; responses are published back to the same topic.
package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var log = logging.Logger("relay")

var (
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ras_relay_reconnects_total",
		Help: "Relay SSE reconnection attempts.",
	})
	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ras_relay_publish_failures_total",
		Help: "Relay publish attempts that failed after all retries.",
	})
	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ras_relay_messages_total",
		Help: "Relay message events received.",
	})
)

// Health and retry tuning. An idle stream draws a warning at WarnAfter and a
// forced reconnect at ReconnectAfter.
const (
	WarnAfter      = 120 * time.Second
	ReconnectAfter = 180 * time.Second
	reconnectDelay = 5 * time.Second

	publishAttempts = 3
	publishTimeout  = 10 * time.Second
)

var publishBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// event is the JSON envelope the relay delivers on the SSE stream. Only
// event == "message" carries a payload; everything else (open, keepalive,
// unknown) counts as liveness evidence.
type event struct {
	ID      string `json:"id"`
	Time    int64  `json:"time"`
	Event   string `json:"event"`
	Topic   string `json:"topic"`
	Message string `json:"message,omitempty"`
}

// Client subscribes to one relay topic and publishes responses to it.
// Inbound messages are handed to the callback on a spawned goroutine so slow
// processing never blocks the receive loop.
type Client struct {
	server string
	topic  string
	http   *http.Client

	onMessage func(payload string)

	mu           sync.Mutex
	cancel       context.CancelFunc
	cancelStream context.CancelFunc
	stopped      bool
	lastEvent    time.Time
}

// NewClient creates a relay client for server/topic. onMessage receives the
// base64 payload of each "message" event.
func NewClient(server, topic string, onMessage func(payload string)) *Client {
	return &Client{
		server:    strings.TrimRight(server, "/"),
		topic:     topic,
		http:      &http.Client{Timeout: publishTimeout},
		onMessage: onMessage,
	}
}

// Topic returns the subscribed topic.
func (c *Client) Topic() string { return c.topic }

// Subscribe starts the SSE reader and its health monitor. It returns once
// both loops are running; they exit when ctx is cancelled or Stop is called.
func (c *Client) Subscribe(ctx context.Context) {
	c.mu.Lock()
	if c.stopped || c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.lastEvent = time.Now()
	c.mu.Unlock()

	go c.run(ctx)
	go c.monitorHealth(ctx)
}

// Stop tears down the subscription. Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.subscribeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warnf("relay stream %s dropped: %v", c.topic, err)
		}
		reconnects.Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) subscribeOnce(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancelStream = cancel
	c.mu.Unlock()

	url := fmt.Sprintf("%s/%s/sse", c.server, c.topic)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	// No client timeout for the SSE stream; ctx handles cancellation and
	// the health monitor handles silent stalls.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("subscribe status %s", resp.Status)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		// Anything parseable counts as liveness, message or not.
		c.touch()

		var ev event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		if ev.Event != "message" || ev.Message == "" {
			continue
		}
		messagesReceived.Inc()
		go c.onMessage(ev.Message)
	}
	return sc.Err()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastEvent = time.Now()
	c.mu.Unlock()
}

func (c *Client) idle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastEvent)
}

// monitorHealth watches the time since the last inbound event. Past
// WarnAfter it logs; past ReconnectAfter it tears down the active stream so
// the outer loop reconnects.
func (c *Client) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := c.idle()
			switch {
			case idle > ReconnectAfter:
				log.Warnf("relay stream %s idle %s, forcing reconnect", c.topic, idle.Truncate(time.Second))
				c.forceReconnect()
				c.touch()
				warned = false
			case idle > WarnAfter && !warned:
				log.Warnf("relay stream %s idle %s", c.topic, idle.Truncate(time.Second))
				warned = true
			case idle <= WarnAfter:
				warned = false
			}
		}
	}
}

// forceReconnect interrupts the in-flight SSE request. The run loop survives
// a single interruption and dials again after the reconnect delay.
func (c *Client) forceReconnect() {
	c.http.CloseIdleConnections()
	c.mu.Lock()
	cancel := c.cancelStream
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Publish POSTs a base64 payload to the topic as text/plain, with up to
// three attempts. Network failures and any non-200 status count as a failed
// attempt.
func (c *Client) Publish(ctx context.Context, payload string) error {
	url := fmt.Sprintf("%s/%s", c.server, c.topic)

	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(publishBackoff[attempt-1]):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, strings.NewReader(payload))
		if err != nil {
			cancel()
			return err
		}
		req.Header.Set("Content-Type", "text/plain")

		resp, err := c.http.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			log.Debugf("publish attempt %d to %s failed: %v", attempt+1, c.topic, err)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		cancel()

		if resp.StatusCode == http.StatusOK {
			return nil
		}
		lastErr = fmt.Errorf("publish status %s", resp.Status)
		log.Debugf("publish attempt %d to %s: %v", attempt+1, c.topic, lastErr)
	}
	publishFailures.Inc()
	return fmt.Errorf("publish to %s failed after %d attempts: %w", c.topic, publishAttempts, lastErr)
}

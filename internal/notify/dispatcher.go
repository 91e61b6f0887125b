package notify

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mbucko/remote-agent-shell/internal/proto"
)

var notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ras_notifications_total",
	Help: "Notifications broadcast to devices, by kind.",
}, []string{"kind"})

// Cooldown suppresses a repeat of the session's most recent notification
// kind. A different kind fires immediately and becomes the one on cooldown.
const Cooldown = 5 * time.Second

// Broadcast delivers one event to every connected device.
type Broadcast func(evt proto.Event)

// lastNotification remembers what a session fired most recently.
type lastNotification struct {
	kind string
	at   time.Time
}

// Dispatcher runs one matcher per session and rate-limits what it fires.
type Dispatcher struct {
	broadcast Broadcast

	mu       sync.Mutex
	matchers map[string]*Matcher
	lastSent map[string]lastNotification // by session id
	now      func() time.Time
}

func NewDispatcher(broadcast Broadcast) *Dispatcher {
	return &Dispatcher{
		broadcast: broadcast,
		matchers:  make(map[string]*Matcher),
		lastSent:  make(map[string]lastNotification),
		now:       time.Now,
	}
}

// HandleOutput feeds one captured chunk through the session's matcher.
// Plugs straight into the terminal manager's output hook.
func (d *Dispatcher) HandleOutput(sessionID string, chunk []byte) {
	d.mu.Lock()
	m, ok := d.matchers[sessionID]
	if !ok {
		m = NewMatcher()
		d.matchers[sessionID] = m
	}
	res := m.Feed(chunk)
	if res == nil {
		d.mu.Unlock()
		return
	}

	now := d.now()
	if last, ok := d.lastSent[sessionID]; ok && last.kind == res.Kind && now.Sub(last.at) < Cooldown {
		d.mu.Unlock()
		return
	}
	d.lastSent[sessionID] = lastNotification{kind: res.Kind, at: now}
	d.mu.Unlock()

	notificationsSent.WithLabelValues(res.Kind).Inc()
	log.Infof("session %s: %s notification", sessionID, res.Kind)
	d.broadcast(proto.Event{Type: proto.EvtNotification, Payload: proto.Notification{
		SessionID:   sessionID,
		Kind:        res.Kind,
		Title:       title(res.Kind),
		Body:        res.Snippet,
		Snippet:     res.Snippet,
		TimestampMS: now.UnixMilli(),
	}})
}

// SessionClosed drops per-session state.
func (d *Dispatcher) SessionClosed(sessionID string) {
	d.mu.Lock()
	delete(d.matchers, sessionID)
	delete(d.lastSent, sessionID)
	d.mu.Unlock()
}

func title(kind string) string {
	switch kind {
	case KindApproval:
		return "Agent needs approval"
	case KindError:
		return "Agent hit an error"
	case KindCompletion:
		return "Agent finished"
	}
	return "Agent activity"
}

package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbucko/remote-agent-shell/internal/conns"
	"github.com/mbucko/remote-agent-shell/internal/proto"
	"github.com/mbucko/remote-agent-shell/internal/session"
)

type fakeTermMux struct {
	mu       sync.Mutex
	has      map[string]bool
	snapshot []byte
	pipeErr  error
	piped    map[string]string
	stopped  []string
	sent     [][]byte
	resizes  [][2]int
}

func newFakeTermMux() *fakeTermMux {
	return &fakeTermMux{has: map[string]bool{"ras-claude-proj": true}, piped: map[string]string{}}
}

func (f *fakeTermMux) HasSession(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.has[name]
}

func (f *fakeTermMux) PipePane(_ context.Context, name, path string) error {
	if f.pipeErr != nil {
		return f.pipeErr
	}
	f.mu.Lock()
	f.piped[name] = path
	f.mu.Unlock()
	return nil
}

func (f *fakeTermMux) StopPipePane(_ context.Context, name string) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeTermMux) SendKeys(_ context.Context, name string, data []byte, literal bool) error {
	if !literal {
		return errors.New("expected literal send")
	}
	f.mu.Lock()
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeTermMux) ResizeWindow(_ context.Context, name string, cols, rows int) error {
	f.mu.Lock()
	f.resizes = append(f.resizes, [2]int{cols, rows})
	f.mu.Unlock()
	return nil
}

func (f *fakeTermMux) CapturePane(context.Context, string) ([]byte, error) {
	return f.snapshot, nil
}

type fakeSessions struct {
	mu      sync.Mutex
	recs    map[string]session.Record
	touched []string
}

func (f *fakeSessions) Get(id string) (session.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[id]
	return r, ok
}

func (f *fakeSessions) Touch(id string) {
	f.mu.Lock()
	f.touched = append(f.touched, id)
	f.mu.Unlock()
}

// recordingLink collects decoded events sent to one device.
type recordingLink struct {
	mu     sync.Mutex
	events []proto.Event
}

func (l *recordingLink) Send(data []byte) error {
	var evt proto.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
	return nil
}
func (l *recordingLink) OnMessage(func([]byte)) {}
func (l *recordingLink) OnClose(func())         {}
func (l *recordingLink) Close() error           { return nil }

func (l *recordingLink) all() []proto.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]proto.Event(nil), l.events...)
}

func (l *recordingLink) byType(typ string) []proto.Event {
	var out []proto.Event
	for _, e := range l.all() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func payloadField(t *testing.T, evt proto.Event, field string) any {
	t.Helper()
	m, ok := evt.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload is %T, not an object", evt.Payload)
	}
	return m[field]
}

func setup(t *testing.T) (*Manager, *fakeTermMux, *conns.Manager) {
	t.Helper()
	mux := newFakeTermMux()
	sessions := &fakeSessions{recs: map[string]session.Record{
		"sess-1": {ID: "sess-1", MuxName: "ras-claude-proj", Status: session.StatusActive},
		"sess-k": {ID: "sess-k", MuxName: "ras-claude-dead", Status: session.StatusKilling},
	}}
	cm := conns.NewManager(nil, nil)
	t.Cleanup(cm.Shutdown)
	m := NewManager(mux, sessions, t.TempDir())
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, mux, cm
}

func attach(t *testing.T, m *Manager, cm *conns.Manager, device string, fromSeq *uint64) (*conns.Connection, *recordingLink) {
	t.Helper()
	link := &recordingLink{}
	conn := cm.Add(device, "webrtc", link)
	m.Attach(context.Background(), conn, "sess-1", fromSeq)
	return conn, link
}

func (m *Manager) state(t *testing.T, sessionID string) *terminalState {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.terms[sessionID]
	if !ok {
		t.Fatalf("no terminal state for %s", sessionID)
	}
	return st
}

func TestAttachErrors(t *testing.T) {
	m, mux, cm := setup(t)

	cases := []struct {
		name    string
		session string
		prep    func()
		want    string
	}{
		{"unknown session", "nope", nil, proto.CodeSessionNotFound},
		{"killing session", "sess-k", nil, proto.CodeSessionKilling},
		{"gone from mux", "sess-1", func() { mux.has["ras-claude-proj"] = false }, proto.CodeSessionGone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.prep != nil {
				tc.prep()
			}
			link := &recordingLink{}
			conn := cm.Add("dev-"+tc.name, "webrtc", link)
			m.Attach(context.Background(), conn, tc.session, nil)
			errs := link.byType(proto.EvtError)
			if len(errs) != 1 {
				t.Fatalf("error events = %+v", link.all())
			}
			if got := payloadField(t, errs[0], "code"); got != tc.want {
				t.Fatalf("code = %v, want %s", got, tc.want)
			}
		})
	}
}

func TestAttachPipeFailure(t *testing.T) {
	m, mux, cm := setup(t)
	mux.pipeErr = errors.New("pipe-pane refused")

	_, link := attach(t, m, cm, "dev-1", nil)
	errs := link.byType(proto.EvtError)
	if len(errs) != 1 || payloadField(t, errs[0], "code") != proto.CodePipeSetupFailed {
		t.Fatalf("events = %+v", link.all())
	}
}

func TestAttachSeedsSnapshotAndReplays(t *testing.T) {
	m, mux, cm := setup(t)
	mux.snapshot = []byte("$ claude\n")

	_, link := attach(t, m, cm, "dev-1", nil)

	att := link.byType(proto.EvtTerminalAttached)
	if len(att) != 1 {
		t.Fatalf("attached events = %+v", link.all())
	}
	if got := payloadField(t, att[0], "buffer_start_sequence"); got != float64(1) {
		t.Fatalf("buffer_start_sequence = %v", got)
	}
	if got := payloadField(t, att[0], "current_sequence"); got != float64(1) {
		t.Fatalf("current_sequence = %v", got)
	}
	out := link.byType(proto.EvtTerminalOutput)
	if len(out) != 1 || payloadField(t, out[0], "sequence") != float64(1) {
		t.Fatalf("replayed output = %+v", out)
	}
}

func TestLiveOutputFanout(t *testing.T) {
	m, _, cm := setup(t)
	_, link1 := attach(t, m, cm, "dev-1", nil)
	_, link2 := attach(t, m, cm, "dev-2", nil)

	st := m.state(t, "sess-1")
	m.handleOutput(st, []byte("line one\n"))
	m.handleOutput(st, []byte("line two\n"))

	for i, link := range []*recordingLink{link1, link2} {
		out := link.byType(proto.EvtTerminalOutput)
		if len(out) != 2 {
			t.Fatalf("device %d saw %d outputs", i+1, len(out))
		}
		if payloadField(t, out[0], "sequence") != float64(1) || payloadField(t, out[1], "sequence") != float64(2) {
			t.Fatalf("device %d sequences wrong: %+v", i+1, out)
		}
	}
}

func TestReconnectWithStaleSequenceGetsGapMarker(t *testing.T) {
	m, _, cm := setup(t)
	_, _ = attach(t, m, cm, "dev-1", nil)

	st := m.state(t, "sess-1")
	big := make([]byte, 10<<10)
	for i := 0; i < 15; i++ {
		m.handleOutput(st, big)
	}
	start := st.buf.StartSeq()
	if start <= 1 {
		t.Fatal("buffer never evicted; test premise broken")
	}

	from := uint64(2)
	_, link2 := attach(t, m, cm, "dev-2", &from)

	skips := link2.byType(proto.EvtOutputSkipped)
	if len(skips) != 1 {
		t.Fatalf("skip events = %+v", link2.all())
	}
	if payloadField(t, skips[0], "from") != float64(2) || payloadField(t, skips[0], "to") != float64(start-1) {
		t.Fatalf("skip range = %+v", skips[0].Payload)
	}
	out := link2.byType(proto.EvtTerminalOutput)
	if len(out) == 0 || payloadField(t, out[0], "sequence") != float64(start) {
		t.Fatal("replay did not start at the oldest retained chunk")
	}
}

func TestInputRequiresAttachment(t *testing.T) {
	m, mux, cm := setup(t)
	link := &recordingLink{}
	conn := cm.Add("dev-1", "webrtc", link)

	m.Input(context.Background(), conn, "sess-1", []proto.KeyInput{{Type: "enter"}})
	errs := link.byType(proto.EvtError)
	if len(errs) != 1 || payloadField(t, errs[0], "code") != proto.CodeNotAttached {
		t.Fatalf("events = %+v", link.all())
	}
	if len(mux.sent) != 0 {
		t.Fatal("input reached the multiplexer without attachment")
	}
}

func TestInputEncodesAndSends(t *testing.T) {
	m, mux, cm := setup(t)
	conn, _ := attach(t, m, cm, "dev-1", nil)

	m.Input(context.Background(), conn, "sess-1", []proto.KeyInput{
		{Type: "text", Text: "ls"},
		{Type: "enter"},
	})

	mux.mu.Lock()
	defer mux.mu.Unlock()
	if len(mux.sent) != 1 || string(mux.sent[0]) != "ls\r" {
		t.Fatalf("sent = %q", mux.sent)
	}
}

func TestAttachAndInputMarkSessionActivity(t *testing.T) {
	mux := newFakeTermMux()
	sessions := &fakeSessions{recs: map[string]session.Record{
		"sess-1": {ID: "sess-1", MuxName: "ras-claude-proj", Status: session.StatusActive},
	}}
	cm := conns.NewManager(nil, nil)
	t.Cleanup(cm.Shutdown)
	m := NewManager(mux, sessions, t.TempDir())
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	link := &recordingLink{}
	conn := cm.Add("dev-1", "webrtc", link)
	m.Attach(context.Background(), conn, "sess-1", nil)
	m.Input(context.Background(), conn, "sess-1", []proto.KeyInput{{Type: "enter"}})

	sessions.mu.Lock()
	touched := append([]string(nil), sessions.touched...)
	sessions.mu.Unlock()
	if len(touched) != 2 || touched[0] != "sess-1" || touched[1] != "sess-1" {
		t.Fatalf("activity touches = %v", touched)
	}
}

func TestResizeToLargestViewport(t *testing.T) {
	m, mux, cm := setup(t)
	conn1, _ := attach(t, m, cm, "dev-1", nil)
	conn2, _ := attach(t, m, cm, "dev-2", nil)

	m.Resize(context.Background(), conn1, "sess-1", 80, 24)
	m.Resize(context.Background(), conn2, "sess-1", 120, 40)

	mux.mu.Lock()
	last := mux.resizes[len(mux.resizes)-1]
	mux.mu.Unlock()
	if last != [2]int{120, 40} {
		t.Fatalf("window sized to %v, want [120 40]", last)
	}

	// Large viewer leaves; window shrinks back to the remaining viewer.
	m.Detach(context.Background(), conn2, "sess-1")
	mux.mu.Lock()
	last = mux.resizes[len(mux.resizes)-1]
	mux.mu.Unlock()
	if last != [2]int{80, 24} {
		t.Fatalf("window sized to %v after detach, want [80 24]", last)
	}
}

func TestSessionKilledDetachesEveryone(t *testing.T) {
	m, mux, cm := setup(t)
	_, link1 := attach(t, m, cm, "dev-1", nil)
	_, link2 := attach(t, m, cm, "dev-2", nil)

	m.SessionKilled(context.Background(), "sess-1")

	for i, link := range []*recordingLink{link1, link2} {
		det := link.byType(proto.EvtTerminalDetached)
		if len(det) != 1 || payloadField(t, det[0], "reason") != proto.DetachSessionKilled {
			t.Fatalf("device %d detach events = %+v", i+1, link.all())
		}
	}

	deadline := time.Now().Add(time.Second)
	for {
		mux.mu.Lock()
		n := len(mux.stopped)
		mux.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("capture never stopped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectionClosedDetachesSilently(t *testing.T) {
	m, _, cm := setup(t)
	conn1, link1 := attach(t, m, cm, "dev-1", nil)
	_, _ = attach(t, m, cm, "dev-2", nil)

	m.ConnectionClosed(context.Background(), conn1.DeviceID)

	if det := link1.byType(proto.EvtTerminalDetached); len(det) != 0 {
		t.Fatalf("closed connection still got detach events: %+v", det)
	}
	st := m.state(t, "sess-1")
	st2 := st
	m.mu.Lock()
	_, stillAttached := st2.attached["dev-1"]
	m.mu.Unlock()
	if stillAttached {
		t.Fatal("dev-1 still attached after its connection closed")
	}
}

func TestLastDetachStopsCapture(t *testing.T) {
	m, mux, cm := setup(t)
	conn, link := attach(t, m, cm, "dev-1", nil)

	m.Detach(context.Background(), conn, "sess-1")

	det := link.byType(proto.EvtTerminalDetached)
	if len(det) != 1 || payloadField(t, det[0], "reason") != proto.DetachUserRequest {
		t.Fatalf("detach events = %+v", link.all())
	}
	mux.mu.Lock()
	stopped := len(mux.stopped)
	mux.mu.Unlock()
	if stopped != 1 {
		t.Fatal("capture not stopped after last viewer left")
	}
	// The buffer outlives the viewers so sequences keep running.
	st := m.state(t, "sess-1")
	m.mu.Lock()
	capGone := st.cap == nil
	m.mu.Unlock()
	if !capGone {
		t.Fatal("capture pipeline lingers after last detach")
	}
}

func TestSequencesSurviveDetachCycle(t *testing.T) {
	m, mux, cm := setup(t)
	mux.snapshot = []byte("$ claude\n")

	conn1, _ := attach(t, m, cm, "dev-1", nil) // snapshot seeds sequence 1
	st := m.state(t, "sess-1")
	m.handleOutput(st, []byte("building...\n")) // sequence 2
	m.Detach(context.Background(), conn1, "sess-1")

	_, link2 := attach(t, m, cm, "dev-2", nil)
	st = m.state(t, "sess-1")
	m.handleOutput(st, []byte("done\n"))

	out := link2.byType(proto.EvtTerminalOutput)
	if len(out) != 3 {
		t.Fatalf("replay + live outputs = %d, want 3", len(out))
	}
	// Replay covers the history captured before the detach, and the live
	// chunk continues the same numbering rather than restarting at 1.
	if payloadField(t, out[0], "sequence") != float64(1) || payloadField(t, out[2], "sequence") != float64(3) {
		t.Fatalf("sequences = %+v", out)
	}

	att := link2.byType(proto.EvtTerminalAttached)
	if len(att) != 1 || payloadField(t, att[0], "current_sequence") != float64(2) {
		t.Fatalf("attached events = %+v", att)
	}

	// Capture restarted for the new viewer; the buffer was not re-seeded
	// with a second snapshot.
	mux.mu.Lock()
	piped := mux.piped["ras-claude-proj"]
	mux.mu.Unlock()
	if piped == "" {
		t.Fatal("capture did not restart on re-attach")
	}
}

func TestSessionKilledDropsBuffer(t *testing.T) {
	m, _, cm := setup(t)
	conn, _ := attach(t, m, cm, "dev-1", nil)
	st := m.state(t, "sess-1")
	m.handleOutput(st, []byte("output\n"))
	m.Detach(context.Background(), conn, "sess-1")

	m.SessionKilled(context.Background(), "sess-1")

	m.mu.Lock()
	_, exists := m.terms["sess-1"]
	m.mu.Unlock()
	if exists {
		t.Fatal("terminal state survived session kill")
	}
}

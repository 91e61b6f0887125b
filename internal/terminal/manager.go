// Package terminal streams multiplexer output to attached devices and feeds
// device key input back, with a sequenced replay buffer per session.
package terminal

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mbucko/remote-agent-shell/internal/conns"
	"github.com/mbucko/remote-agent-shell/internal/dispatch"
	"github.com/mbucko/remote-agent-shell/internal/proto"
	"github.com/mbucko/remote-agent-shell/internal/session"
)

var log = logging.Logger("terminal")

// Mux is the multiplexer surface the terminal manager needs.
type Mux interface {
	PipeMux
	HasSession(ctx context.Context, name string) bool
	SendKeys(ctx context.Context, name string, data []byte, literal bool) error
	ResizeWindow(ctx context.Context, name string, cols, rows int) error
	CapturePane(ctx context.Context, name string) ([]byte, error)
}

// Sessions is the session-manager surface the terminal manager needs.
type Sessions interface {
	Get(id string) (session.Record, bool)
	Touch(id string)
}

// terminalState is the live capture plus attachments for one session.
type terminalState struct {
	sessionID string
	muxName   string
	buf       *Buffer
	cap       *capture

	attached map[string]*conns.Connection // device id -> connection
	sizes    map[string][2]int            // device id -> cols, rows
}

// Manager tracks which device watches which session.
type Manager struct {
	mux      Mux
	sessions Sessions
	tmpDir   string

	// OnOutput, if set, observes every captured chunk. The notification
	// matcher hangs off this hook.
	OnOutput func(sessionID string, data []byte)

	mu    sync.Mutex
	terms map[string]*terminalState // by session id
}

// NewManager creates a terminal manager. tmpDir holds capture FIFOs.
func NewManager(mux Mux, sessions Sessions, tmpDir string) *Manager {
	return &Manager{
		mux:      mux,
		sessions: sessions,
		tmpDir:   tmpDir,
		terms:    make(map[string]*terminalState),
	}
}

// Attach subscribes a connection to a session's output. fromSeq, when set,
// requests replay from that sequence; output older than the retention window
// is acknowledged with an output_skipped event before the replay.
func (m *Manager) Attach(ctx context.Context, conn *conns.Connection, sessionID string, fromSeq *uint64) {
	rec, ok := m.sessions.Get(sessionID)
	if !ok {
		m.sendErr(conn, sessionID, proto.CodeSessionNotFound, "no such session")
		return
	}
	if rec.Status == session.StatusKilling {
		m.sendErr(conn, sessionID, proto.CodeSessionKilling, "session is shutting down")
		return
	}
	if !m.mux.HasSession(ctx, rec.MuxName) {
		m.sendErr(conn, sessionID, proto.CodeSessionGone, "session process is gone")
		return
	}

	m.mu.Lock()
	t, ok := m.terms[sessionID]
	if !ok {
		t = &terminalState{
			sessionID: sessionID,
			muxName:   rec.MuxName,
			buf:       NewBuffer(),
			attached:  make(map[string]*conns.Connection),
			sizes:     make(map[string][2]int),
		}
		m.terms[sessionID] = t
	}
	captureDown := t.cap == nil
	m.mu.Unlock()

	if captureDown {
		// Seed the buffer with the current screen so a fresh attach is not
		// blank. A buffer surviving a detach cycle keeps its history and its
		// sequence counter; re-seeding it would duplicate the screen.
		if t.buf.CurrentSeq() == 0 {
			if snapshot, err := m.mux.CapturePane(ctx, rec.MuxName); err == nil && len(snapshot) > 0 {
				t.buf.Append(snapshot)
			}
		}
		capt, err := startCapture(ctx, m.mux, rec.MuxName, m.tmpDir, func(data []byte) {
			m.handleOutput(t, data)
		})
		if err != nil {
			m.mu.Lock()
			if t.buf.CurrentSeq() == 0 {
				delete(m.terms, sessionID)
			}
			m.mu.Unlock()
			m.sendErr(conn, sessionID, proto.CodePipeSetupFailed, "could not capture session output")
			return
		}
		m.mu.Lock()
		t.cap = capt
		m.mu.Unlock()
	}

	m.mu.Lock()
	t.attached[conn.DeviceID] = conn
	m.mu.Unlock()
	m.sessions.Touch(sessionID)

	dispatch.SendEvent(conn, proto.Event{Type: proto.EvtTerminalAttached, Payload: proto.TerminalAttached{
		SessionID:           sessionID,
		BufferStartSequence: t.buf.StartSeq(),
		CurrentSequence:     t.buf.CurrentSeq(),
	}})

	start := uint64(1)
	if fromSeq != nil && *fromSeq > 0 {
		start = *fromSeq
	}
	chunks, skipFrom, skipTo, skipped := t.buf.Since(start)
	if skipped && fromSeq != nil {
		dispatch.SendEvent(conn, proto.Event{Type: proto.EvtOutputSkipped, Payload: proto.OutputSkipped{
			SessionID: sessionID,
			From:      skipFrom,
			To:        skipTo,
		}})
	}
	for _, c := range chunks {
		dispatch.SendEvent(conn, proto.Event{Type: proto.EvtTerminalOutput, Payload: proto.TerminalOutput{
			SessionID: sessionID,
			Data:      c.Data,
			Sequence:  c.Seq,
		}})
	}
	log.Debugf("device %s attached to session %s", conn.DeviceID, sessionID)
}

// handleOutput buffers one captured chunk and fans it out.
func (m *Manager) handleOutput(t *terminalState, data []byte) {
	seq := t.buf.Append(data)

	if m.OnOutput != nil {
		m.OnOutput(t.sessionID, data)
	}

	m.mu.Lock()
	targets := make([]*conns.Connection, 0, len(t.attached))
	for _, c := range t.attached {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	evt := proto.Event{Type: proto.EvtTerminalOutput, Payload: proto.TerminalOutput{
		SessionID: t.sessionID,
		Data:      data,
		Sequence:  seq,
	}}
	for _, c := range targets {
		dispatch.SendEvent(c, evt)
	}
}

// Detach unsubscribes a connection at its own request.
func (m *Manager) Detach(ctx context.Context, conn *conns.Connection, sessionID string) {
	m.detachDevice(ctx, sessionID, conn.DeviceID, proto.DetachUserRequest)
}

// Input encodes device keys and writes them into the session. The device
// must be attached.
func (m *Manager) Input(ctx context.Context, conn *conns.Connection, sessionID string, keys []proto.KeyInput) {
	m.mu.Lock()
	t, ok := m.terms[sessionID]
	var attached bool
	if ok {
		_, attached = t.attached[conn.DeviceID]
	}
	m.mu.Unlock()
	if !attached {
		m.sendErr(conn, sessionID, proto.CodeNotAttached, "attach before sending input")
		return
	}

	data, err := EncodeKeys(keys)
	if err != nil {
		m.sendErr(conn, sessionID, proto.CodeInvalidFormat, err.Error())
		return
	}
	if len(data) == 0 {
		return
	}
	if err := m.mux.SendKeys(ctx, t.muxName, data, true); err != nil {
		m.sendErr(conn, sessionID, proto.CodeTmuxError, "input delivery failed")
		return
	}
	m.sessions.Touch(sessionID)
}

// Resize records a device's viewport and sizes the window to the largest
// attached viewport so nobody's view is cropped.
func (m *Manager) Resize(ctx context.Context, conn *conns.Connection, sessionID string, cols, rows int) {
	if cols <= 0 || rows <= 0 {
		m.sendErr(conn, sessionID, proto.CodeInvalidFormat, "cols and rows must be positive")
		return
	}
	m.mu.Lock()
	t, ok := m.terms[sessionID]
	var attached bool
	if ok {
		_, attached = t.attached[conn.DeviceID]
	}
	if !attached {
		m.mu.Unlock()
		m.sendErr(conn, sessionID, proto.CodeNotAttached, "attach before resizing")
		return
	}
	t.sizes[conn.DeviceID] = [2]int{cols, rows}
	target := largestSize(t.sizes)
	muxName := t.muxName
	m.mu.Unlock()

	if err := m.mux.ResizeWindow(ctx, muxName, target[0], target[1]); err != nil {
		log.Debugf("resize %s: %v", muxName, err)
	}
}

// SessionKilled force-detaches everyone from a killed session.
func (m *Manager) SessionKilled(ctx context.Context, sessionID string) {
	m.closeTerminal(ctx, sessionID, proto.DetachSessionKilled)
}

// ConnectionClosed detaches a vanished device from every session and
// re-sizes windows to the remaining viewers.
func (m *Manager) ConnectionClosed(ctx context.Context, deviceID string) {
	m.mu.Lock()
	var ids []string
	for id, t := range m.terms {
		if _, ok := t.attached[deviceID]; ok {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.detachDevice(ctx, id, deviceID, proto.DetachConnectionClosed)
	}
}

// Shutdown stops every capture.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	terms := make([]*terminalState, 0, len(m.terms))
	for _, t := range m.terms {
		terms = append(terms, t)
	}
	m.terms = make(map[string]*terminalState)
	m.mu.Unlock()
	for _, t := range terms {
		if t.cap != nil {
			t.cap.stop(ctx)
		}
	}
}

// detachDevice removes one attachment, notifies the device unless its
// connection is gone, and stops capture once nobody is watching. The buffer
// stays: sequence numbers run for the session's whole lifetime, so a later
// re-attach replays from where the last viewer left off.
func (m *Manager) detachDevice(ctx context.Context, sessionID, deviceID, reason string) {
	m.mu.Lock()
	t, ok := m.terms[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	conn, attached := t.attached[deviceID]
	if !attached {
		m.mu.Unlock()
		return
	}
	delete(t.attached, deviceID)
	delete(t.sizes, deviceID)
	empty := len(t.attached) == 0
	remaining := largestSize(t.sizes)
	muxName := t.muxName
	capt := t.cap
	if empty {
		t.cap = nil
	}
	m.mu.Unlock()

	if reason != proto.DetachConnectionClosed {
		dispatch.SendEvent(conn, proto.Event{Type: proto.EvtTerminalDetached, Payload: proto.TerminalDetached{
			SessionID: sessionID,
			Reason:    reason,
		}})
	}

	if empty {
		if capt != nil {
			capt.stop(ctx)
		}
		log.Debugf("last viewer left session %s, capture stopped", sessionID)
	} else if remaining[0] > 0 {
		if err := m.mux.ResizeWindow(ctx, muxName, remaining[0], remaining[1]); err != nil {
			log.Debugf("resize after detach: %v", err)
		}
	}
}

// closeTerminal detaches all viewers with the given reason and stops capture.
func (m *Manager) closeTerminal(ctx context.Context, sessionID, reason string) {
	m.mu.Lock()
	t, ok := m.terms[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.terms, sessionID)
	targets := make([]*conns.Connection, 0, len(t.attached))
	for _, c := range t.attached {
		targets = append(targets, c)
	}
	capt := t.cap
	m.mu.Unlock()

	for _, c := range targets {
		dispatch.SendEvent(c, proto.Event{Type: proto.EvtTerminalDetached, Payload: proto.TerminalDetached{
			SessionID: sessionID,
			Reason:    reason,
		}})
	}
	if capt != nil {
		capt.stop(ctx)
	}
}

func (m *Manager) sendErr(conn *conns.Connection, sessionID, code, msg string) {
	dispatch.SendEvent(conn, proto.Event{Type: proto.EvtError, Payload: proto.ErrorEvent{
		SessionID: sessionID,
		Code:      code,
		Message:   msg,
	}})
}

func largestSize(sizes map[string][2]int) [2]int {
	var out [2]int
	for _, s := range sizes {
		if s[0] > out[0] {
			out[0] = s[0]
		}
		if s[1] > out[1] {
			out[1] = s[1]
		}
	}
	return out
}

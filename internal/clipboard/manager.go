// Package clipboard receives image and text payloads from devices and lands
// them on the workstation: into the clipboard, or straight into an agent
// session.
package clipboard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mbucko/remote-agent-shell/internal/conns"
	"github.com/mbucko/remote-agent-shell/internal/dispatch"
	"github.com/mbucko/remote-agent-shell/internal/proto"
)

var log = logging.Logger("clipboard")

// Transfer states.
const (
	stateIdle       = "idle"
	stateReceiving  = "receiving"
	stateAssembling = "assembling"
)

const (
	// InactivityTimeout fails a transfer that stops making progress.
	InactivityTimeout = 30 * time.Second

	// ApprovalTimeout drops a large paste nobody confirmed.
	ApprovalTimeout = 2 * time.Minute

	// tempPrefix marks our temp files for startup cleanup.
	tempPrefix = "ras-image-"

	// tempMaxAge is how old an orphaned temp file may get before cleanup
	// deletes it.
	tempMaxAge = time.Hour

	previewLen = 100
)

var imageFormats = map[string]string{
	"png":  ".png",
	"jpeg": ".jpg",
	"jpg":  ".jpg",
	"gif":  ".gif",
	"webp": ".webp",
}

// Backend lands content on the local clipboard.
type Backend interface {
	CopyText(ctx context.Context, text string) error
	CopyImage(ctx context.Context, path string) error
}

// TermInput types bytes into a session's terminal.
type TermInput func(ctx context.Context, sessionID string, data []byte) error

// UnavailableBackend reports the probe failure on every use. Lets the daemon
// start without a clipboard tool; session-targeted pastes still work.
func UnavailableBackend(cause error) Backend { return unavailableBackend{cause} }

type unavailableBackend struct{ cause error }

func (b unavailableBackend) CopyText(context.Context, string) error  { return b.cause }
func (b unavailableBackend) CopyImage(context.Context, string) error { return b.cause }

// transfer is one in-flight image reception.
type transfer struct {
	id          string
	format      string
	totalSize   int64
	totalChunks int
	chunks      map[int][]byte
	received    int64
	sessionID   string
	conn        *conns.Connection
	timer       *time.Timer
}

// pendingText is a paste awaiting user approval.
type pendingText struct {
	text      string
	sessionID string
	conn      *conns.Connection
	timer     *time.Timer
}

// Manager is the clipboard state machine. One transfer at a time.
type Manager struct {
	backend   Backend
	termInput TermInput
	tmpDir    string
	maxImage  int64
	approval  int

	mu      sync.Mutex
	state   string
	current *transfer
	pending *pendingText
}

// NewManager builds a clipboard manager. maxImage caps one image transfer;
// approvalBytes is the text size above which pasting needs confirmation.
func NewManager(backend Backend, termInput TermInput, tmpDir string, maxImage int64, approvalBytes int) *Manager {
	return &Manager{
		backend:   backend,
		termInput: termInput,
		tmpDir:    tmpDir,
		maxImage:  maxImage,
		approval:  approvalBytes,
		state:     stateIdle,
	}
}

// ImageStart begins a chunked image transfer.
func (m *Manager) ImageStart(ctx context.Context, conn *conns.Connection, cmd proto.ClipboardCommand) {
	m.mu.Lock()
	if m.state != stateIdle {
		m.mu.Unlock()
		m.sendErr(conn, cmd.TransferID, proto.CodeTransferInProgress, "another transfer is active")
		return
	}
	if cmd.TotalSize <= 0 || cmd.TotalSize > m.maxImage {
		m.mu.Unlock()
		m.sendErr(conn, cmd.TransferID, proto.CodeSizeExceeded,
			fmt.Sprintf("size %d exceeds the %d byte limit", cmd.TotalSize, m.maxImage))
		return
	}
	format := strings.ToLower(cmd.Format)
	if _, ok := imageFormats[format]; !ok {
		m.mu.Unlock()
		m.sendErr(conn, cmd.TransferID, proto.CodeInvalidFormat, "unsupported image format "+cmd.Format)
		return
	}
	if cmd.TotalChunks <= 0 || int64(cmd.TotalChunks) > cmd.TotalSize {
		m.mu.Unlock()
		m.sendErr(conn, cmd.TransferID, proto.CodeInvalidChunk, "bad chunk count")
		return
	}

	t := &transfer{
		id:          cmd.TransferID,
		format:      format,
		totalSize:   cmd.TotalSize,
		totalChunks: cmd.TotalChunks,
		chunks:      make(map[int][]byte),
		sessionID:   cmd.SessionID,
		conn:        conn,
	}
	t.timer = time.AfterFunc(InactivityTimeout, func() { m.timeout(t) })
	m.state = stateReceiving
	m.current = t
	m.mu.Unlock()

	log.Infof("receiving image %s: %d bytes in %d chunks", t.id, t.totalSize, t.totalChunks)
}

// ImageChunk stores one chunk. Chunks may arrive in any order; a chunk for a
// different transfer id is silently ignored, it is usually a straggler from
// a transfer that already finished or failed.
func (m *Manager) ImageChunk(ctx context.Context, conn *conns.Connection, cmd proto.ClipboardCommand) {
	m.mu.Lock()
	t := m.current
	if t == nil || m.state != stateReceiving {
		m.mu.Unlock()
		m.sendErr(conn, cmd.TransferID, proto.CodeInvalidChunk, "no transfer receiving chunks")
		return
	}
	if t.id != cmd.TransferID {
		m.mu.Unlock()
		return
	}
	if cmd.ChunkIndex < 0 || cmd.ChunkIndex >= t.totalChunks {
		m.mu.Unlock()
		m.fail(t, proto.CodeInvalidChunk, fmt.Sprintf("chunk index %d out of range", cmd.ChunkIndex))
		return
	}
	if _, dup := t.chunks[cmd.ChunkIndex]; dup {
		m.mu.Unlock()
		return
	}
	if t.received+int64(len(cmd.Data)) > t.totalSize {
		m.mu.Unlock()
		m.fail(t, proto.CodeInvalidChunk,
			fmt.Sprintf("chunk %d overruns the declared size %d", cmd.ChunkIndex, t.totalSize))
		return
	}
	data := make([]byte, len(cmd.Data))
	copy(data, cmd.Data)
	t.chunks[cmd.ChunkIndex] = data
	t.received += int64(len(data))
	t.timer.Reset(InactivityTimeout)
	done := len(t.chunks) == t.totalChunks
	if done {
		m.state = stateAssembling
	}
	received := len(t.chunks)
	m.mu.Unlock()

	dispatch.SendEvent(conn, proto.Event{Type: proto.EvtProgress, Payload: proto.TransferProgress{
		TransferID: t.id,
		Received:   received,
		Total:      t.totalChunks,
	}})

	if done {
		m.assemble(ctx, t)
	}
}

// ImageCancel aborts the device's own transfer.
func (m *Manager) ImageCancel(ctx context.Context, conn *conns.Connection, cmd proto.ClipboardCommand) {
	m.mu.Lock()
	t := m.current
	if t == nil || t.id != cmd.TransferID {
		m.mu.Unlock()
		return
	}
	t.timer.Stop()
	m.reset()
	m.mu.Unlock()

	log.Infof("transfer %s cancelled by device", t.id)
	dispatch.SendEvent(conn, proto.Event{Type: proto.EvtCancelled, Payload: proto.TransferCancelled{
		TransferID: t.id,
	}})
}

// assemble joins chunks in index order, verifies the size and delivers.
func (m *Manager) assemble(ctx context.Context, t *transfer) {
	t.timer.Stop()

	indexes := make([]int, 0, len(t.chunks))
	for i := range t.chunks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	data := make([]byte, 0, t.totalSize)
	for _, i := range indexes {
		data = append(data, t.chunks[i]...)
	}
	if int64(len(data)) != t.totalSize {
		m.fail(t, proto.CodeChunkMissing,
			fmt.Sprintf("assembled %d bytes, expected %d", len(data), t.totalSize))
		return
	}

	path := filepath.Join(m.tmpDir, tempPrefix+shortID(t.id)+imageFormats[t.format])
	if err := os.WriteFile(path, data, 0o600); err != nil {
		m.fail(t, proto.CodeClipboardFailed, "could not store image")
		return
	}

	if t.sessionID != "" && m.termInput != nil {
		// Hand the agent the file path, the way a user would drop a file
		// onto the terminal.
		if err := m.termInput(ctx, t.sessionID, []byte(path+" ")); err != nil {
			m.fail(t, proto.CodePasteFailed, "could not type path into session")
			return
		}
	} else if err := m.backend.CopyImage(ctx, path); err != nil {
		m.fail(t, proto.CodeClipboardFailed, "clipboard copy failed")
		return
	}

	m.mu.Lock()
	m.reset()
	m.mu.Unlock()

	log.Infof("transfer %s complete (%d bytes)", t.id, len(data))
	dispatch.SendEvent(t.conn, proto.Event{Type: proto.EvtComplete, Payload: proto.TransferComplete{
		TransferID:  t.id,
		ContentType: proto.ContentImage,
	}})
}

// TextPaste pastes text, or requests approval first when it is large.
func (m *Manager) TextPaste(ctx context.Context, conn *conns.Connection, cmd proto.ClipboardCommand) {
	if cmd.Text == "" {
		m.sendErr(conn, "", proto.CodePasteFailed, "text is empty")
		return
	}
	if len(cmd.Text) > m.approval {
		p := &pendingText{text: cmd.Text, sessionID: cmd.SessionID, conn: conn}
		p.timer = time.AfterFunc(ApprovalTimeout, func() { m.expirePending(p) })
		m.mu.Lock()
		if m.pending != nil {
			m.pending.timer.Stop()
		}
		m.pending = p
		m.mu.Unlock()

		preview := cmd.Text
		if len(preview) > previewLen {
			preview = preview[:previewLen]
		}
		dispatch.SendEvent(conn, proto.Event{Type: proto.EvtApprovalRequired, Payload: proto.ApprovalRequired{
			Size:    len(cmd.Text),
			Preview: preview,
		}})
		return
	}
	m.paste(ctx, conn, cmd.Text, cmd.SessionID)
}

// TextPasteApproved pastes the pending large text.
func (m *Manager) TextPasteApproved(ctx context.Context, conn *conns.Connection, cmd proto.ClipboardCommand) {
	m.mu.Lock()
	p := m.pending
	m.pending = nil
	m.mu.Unlock()
	if p == nil {
		m.sendErr(conn, "", proto.CodePasteFailed, "no paste awaiting approval")
		return
	}
	p.timer.Stop()
	m.paste(ctx, conn, p.text, p.sessionID)
}

// expirePending fires when nobody approves a large paste in time.
func (m *Manager) expirePending(p *pendingText) {
	m.mu.Lock()
	if m.pending != p {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	m.mu.Unlock()
	log.Infof("pending paste expired without approval")
	m.sendErr(p.conn, "", proto.CodePasteFailed, "approval not received in time")
}

func (m *Manager) paste(ctx context.Context, conn *conns.Connection, text, sessionID string) {
	if sessionID != "" && m.termInput != nil {
		// Bracketed paste so multi-line text does not execute line by line.
		payload := append([]byte("\x1b[200~"), text...)
		payload = append(payload, []byte("\x1b[201~")...)
		if err := m.termInput(ctx, sessionID, payload); err != nil {
			m.sendErr(conn, "", proto.CodePasteFailed, "could not type into session")
			return
		}
	} else if err := m.backend.CopyText(ctx, text); err != nil {
		m.sendErr(conn, "", proto.CodeClipboardFailed, "clipboard copy failed")
		return
	}
	dispatch.SendEvent(conn, proto.Event{Type: proto.EvtComplete, Payload: proto.TransferComplete{
		ContentType: "TEXT",
	}})
}

// timeout fires when a transfer stalls.
func (m *Manager) timeout(t *transfer) {
	m.mu.Lock()
	if m.current != t {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.fail(t, proto.CodeTransferTimeout,
		fmt.Sprintf("no chunk received for %s", InactivityTimeout))
}

// fail reports an error to the initiating device and returns to idle.
func (m *Manager) fail(t *transfer, code, msg string) {
	m.mu.Lock()
	if m.current == t {
		t.timer.Stop()
		m.reset()
	}
	m.mu.Unlock()
	log.Warnf("transfer %s failed: %s (%s)", t.id, msg, code)
	m.sendErr(t.conn, t.id, code, msg)
}

// reset returns to idle. Callers hold m.mu.
func (m *Manager) reset() {
	m.state = stateIdle
	m.current = nil
}

func (m *Manager) sendErr(conn *conns.Connection, transferID, code, msg string) {
	dispatch.SendEvent(conn, proto.Event{Type: proto.EvtClipboardError, Payload: proto.ErrorEvent{
		TransferID: transferID,
		Code:       code,
		Message:    msg,
	}})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// CleanupTempFiles removes stale image temp files left behind by crashes.
func CleanupTempFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-tempMaxAge)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err == nil {
			log.Debugf("removed stale temp file %s", path)
		}
	}
}

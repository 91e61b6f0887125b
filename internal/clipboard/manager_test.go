package clipboard

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbucko/remote-agent-shell/internal/conns"
	"github.com/mbucko/remote-agent-shell/internal/proto"
)

type fakeBackend struct {
	mu     sync.Mutex
	texts  []string
	images []string
}

func (f *fakeBackend) CopyText(_ context.Context, text string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) CopyImage(_ context.Context, path string) error {
	f.mu.Lock()
	f.images = append(f.images, path)
	f.mu.Unlock()
	return nil
}

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

func (l *recordingLink) byType(typ string) []proto.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []proto.Event
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func field(t *testing.T, evt proto.Event, name string) any {
	t.Helper()
	m, ok := evt.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload is %T", evt.Payload)
	}
	return m[name]
}

type fixture struct {
	m       *Manager
	backend *fakeBackend
	conn    *conns.Connection
	link    *recordingLink
	tmpDir  string
	typed   *[][]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := &fakeBackend{}
	tmpDir := t.TempDir()
	var typed [][]byte
	var typedMu sync.Mutex
	term := func(_ context.Context, sessionID string, data []byte) error {
		typedMu.Lock()
		typed = append(typed, data)
		typedMu.Unlock()
		return nil
	}
	m := NewManager(backend, term, tmpDir, 1<<20, 100<<10)

	cm := conns.NewManager(nil, nil)
	t.Cleanup(cm.Shutdown)
	link := &recordingLink{}
	conn := cm.Add("dev-1", "webrtc", link)
	return &fixture{m: m, backend: backend, conn: conn, link: link, tmpDir: tmpDir, typed: &typed}
}

func startCmd(id string, size int64, chunks int) proto.ClipboardCommand {
	return proto.ClipboardCommand{
		Action:      proto.ClipboardImageStart,
		TransferID:  id,
		TotalSize:   size,
		Format:      "png",
		TotalChunks: chunks,
	}
}

// Chunks arriving out of order still assemble in index order.
func TestImageTransferOutOfOrderChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := []byte("abcdefghij") // 10 bytes, 3 chunks: abcd efgh ij
	f.m.ImageStart(ctx, f.conn, startCmd("tr-1", 10, 3))

	chunks := [][]byte{payload[0:4], payload[4:8], payload[8:10]}
	for _, idx := range []int{2, 0, 1} {
		f.m.ImageChunk(ctx, f.conn, proto.ClipboardCommand{
			Action:     proto.ClipboardImageChunk,
			TransferID: "tr-1",
			ChunkIndex: idx,
			Data:       chunks[idx],
		})
	}

	done := f.link.byType(proto.EvtComplete)
	if len(done) != 1 || field(t, done[0], "content_type") != proto.ContentImage {
		t.Fatalf("complete events = %+v", done)
	}

	f.backend.mu.Lock()
	images := f.backend.images
	f.backend.mu.Unlock()
	if len(images) != 1 {
		t.Fatalf("backend received %d images", len(images))
	}
	data, err := os.ReadFile(images[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "abcdefghij" {
		t.Fatalf("assembled %q", data)
	}
	if !strings.HasPrefix(filepath.Base(images[0]), tempPrefix) {
		t.Fatalf("temp file name %q", images[0])
	}

	if prog := f.link.byType(proto.EvtProgress); len(prog) != 3 {
		t.Fatalf("progress events = %d, want 3", len(prog))
	}
}

func TestImageStartValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  proto.ClipboardCommand
		want string
	}{
		{"too big", startCmd("t", 2<<20, 4), proto.CodeSizeExceeded},
		{"zero size", startCmd("t", 0, 1), proto.CodeSizeExceeded},
		{"bad format", func() proto.ClipboardCommand {
			c := startCmd("t", 10, 1)
			c.Format = "tiff"
			return c
		}(), proto.CodeInvalidFormat},
		{"zero chunks", startCmd("t", 10, 0), proto.CodeInvalidChunk},
		{"more chunks than bytes", startCmd("t", 2, 5), proto.CodeInvalidChunk},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := len(f.link.byType(proto.EvtClipboardError))
			f.m.ImageStart(ctx, f.conn, tc.cmd)
			errs := f.link.byType(proto.EvtClipboardError)
			if len(errs) != before+1 {
				t.Fatalf("no error event for %s", tc.name)
			}
			if got := field(t, errs[len(errs)-1], "code"); got != tc.want {
				t.Fatalf("code = %v, want %s", got, tc.want)
			}
		})
	}
}

func TestSecondTransferRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.m.ImageStart(ctx, f.conn, startCmd("tr-1", 10, 2))
	f.m.ImageStart(ctx, f.conn, startCmd("tr-2", 10, 2))

	errs := f.link.byType(proto.EvtClipboardError)
	if len(errs) != 1 || field(t, errs[0], "code") != proto.CodeTransferInProgress {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestForeignChunkIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.m.ImageStart(ctx, f.conn, startCmd("tr-1", 4, 1))
	f.m.ImageChunk(ctx, f.conn, proto.ClipboardCommand{
		TransferID: "tr-OTHER", ChunkIndex: 0, Data: []byte("zzzz"),
	})
	if len(f.link.byType(proto.EvtProgress)) != 0 {
		t.Fatal("foreign chunk produced progress")
	}
	// The real chunk still completes the transfer.
	f.m.ImageChunk(ctx, f.conn, proto.ClipboardCommand{
		TransferID: "tr-1", ChunkIndex: 0, Data: []byte("abcd"),
	})
	if len(f.link.byType(proto.EvtComplete)) != 1 {
		t.Fatal("transfer did not complete")
	}
}

func TestChunkIndexOutOfRangeFailsTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.m.ImageStart(ctx, f.conn, startCmd("tr-1", 10, 2))
	f.m.ImageChunk(ctx, f.conn, proto.ClipboardCommand{
		TransferID: "tr-1", ChunkIndex: 5, Data: []byte("x"),
	})

	errs := f.link.byType(proto.EvtClipboardError)
	if len(errs) != 1 || field(t, errs[0], "code") != proto.CodeInvalidChunk {
		t.Fatalf("errors = %+v", errs)
	}
	// Manager is idle again: a new transfer is accepted.
	f.m.ImageStart(ctx, f.conn, startCmd("tr-2", 4, 1))
	if got := len(f.link.byType(proto.EvtClipboardError)); got != 1 {
		t.Fatal("manager not idle after failed transfer")
	}
}

func TestSizeMismatchReportsMissingData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.m.ImageStart(ctx, f.conn, startCmd("tr-1", 100, 2))
	f.m.ImageChunk(ctx, f.conn, proto.ClipboardCommand{TransferID: "tr-1", ChunkIndex: 0, Data: []byte("ab")})
	f.m.ImageChunk(ctx, f.conn, proto.ClipboardCommand{TransferID: "tr-1", ChunkIndex: 1, Data: []byte("cd")})

	errs := f.link.byType(proto.EvtClipboardError)
	if len(errs) != 1 || field(t, errs[0], "code") != proto.CodeChunkMissing {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestCancelAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.m.ImageStart(ctx, f.conn, startCmd("tr-1", 10, 2))
	f.m.ImageCancel(ctx, f.conn, proto.ClipboardCommand{TransferID: "tr-1"})

	if got := f.link.byType(proto.EvtCancelled); len(got) != 1 || field(t, got[0], "transfer_id") != "tr-1" {
		t.Fatalf("cancel events = %+v", got)
	}
	// Idle again.
	f.m.ImageStart(ctx, f.conn, startCmd("tr-2", 10, 2))
	if len(f.link.byType(proto.EvtClipboardError)) != 0 {
		t.Fatal("manager not idle after cancel")
	}
}

func TestImageToSessionTypesPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd := startCmd("tr-1", 4, 1)
	cmd.SessionID = "sess-9"
	f.m.ImageStart(ctx, f.conn, cmd)
	f.m.ImageChunk(ctx, f.conn, proto.ClipboardCommand{TransferID: "tr-1", ChunkIndex: 0, Data: []byte("abcd")})

	if len(*f.typed) != 1 {
		t.Fatalf("typed %d payloads", len(*f.typed))
	}
	if !strings.Contains(string((*f.typed)[0]), tempPrefix) {
		t.Fatalf("typed %q, want image path", (*f.typed)[0])
	}
	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	if len(f.backend.images) != 0 {
		t.Fatal("image also went to the clipboard")
	}
}

func TestSmallTextPastesDirectly(t *testing.T) {
	f := newFixture(t)
	f.m.TextPaste(context.Background(), f.conn, proto.ClipboardCommand{Text: "hello"})

	f.backend.mu.Lock()
	texts := f.backend.texts
	f.backend.mu.Unlock()
	if len(texts) != 1 || texts[0] != "hello" {
		t.Fatalf("texts = %v", texts)
	}
	if len(f.link.byType(proto.EvtComplete)) != 1 {
		t.Fatal("no completion event")
	}
}

func TestTextToSessionUsesBracketedPaste(t *testing.T) {
	f := newFixture(t)
	f.m.TextPaste(context.Background(), f.conn, proto.ClipboardCommand{Text: "echo hi\necho bye", SessionID: "sess-1"})

	if len(*f.typed) != 1 {
		t.Fatalf("typed %d payloads", len(*f.typed))
	}
	got := string((*f.typed)[0])
	if !strings.HasPrefix(got, "\x1b[200~") || !strings.HasSuffix(got, "\x1b[201~") {
		t.Fatalf("payload %q not bracketed", got)
	}
}

func TestEmptyTextRejected(t *testing.T) {
	f := newFixture(t)
	f.m.TextPaste(context.Background(), f.conn, proto.ClipboardCommand{Text: ""})
	errs := f.link.byType(proto.EvtClipboardError)
	if len(errs) != 1 || field(t, errs[0], "code") != proto.CodePasteFailed {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestLargeTextNeedsApproval(t *testing.T) {
	backend := &fakeBackend{}
	m := NewManager(backend, nil, t.TempDir(), 1<<20, 10) // approve anything over 10 bytes
	cm := conns.NewManager(nil, nil)
	t.Cleanup(cm.Shutdown)
	link := &recordingLink{}
	conn := cm.Add("dev-1", "webrtc", link)
	ctx := context.Background()

	text := strings.Repeat("a", 200)
	m.TextPaste(ctx, conn, proto.ClipboardCommand{Text: text})

	appr := link.byType(proto.EvtApprovalRequired)
	if len(appr) != 1 {
		t.Fatalf("approval events = %+v", appr)
	}
	if field(t, appr[0], "size") != float64(200) {
		t.Fatalf("size = %v", field(t, appr[0], "size"))
	}
	preview := field(t, appr[0], "preview").(string)
	if len(preview) != previewLen {
		t.Fatalf("preview length = %d", len(preview))
	}
	backend.mu.Lock()
	if len(backend.texts) != 0 {
		t.Fatal("pasted before approval")
	}
	backend.mu.Unlock()

	m.TextPasteApproved(ctx, conn, proto.ClipboardCommand{})
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.texts) != 1 || backend.texts[0] != text {
		t.Fatal("approved paste did not land")
	}
}

func TestApprovalWithoutPending(t *testing.T) {
	f := newFixture(t)
	f.m.TextPasteApproved(context.Background(), f.conn, proto.ClipboardCommand{})
	errs := f.link.byType(proto.EvtClipboardError)
	if len(errs) != 1 || field(t, errs[0], "code") != proto.CodePasteFailed {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestInactivityTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.m.ImageStart(ctx, f.conn, startCmd("tr-1", 10, 2))

	// Fire the timer by hand instead of waiting 30 s.
	f.m.mu.Lock()
	tr := f.m.current
	tr.timer.Stop()
	f.m.mu.Unlock()
	f.m.timeout(tr)

	errs := f.link.byType(proto.EvtClipboardError)
	if len(errs) != 1 || field(t, errs[0], "code") != proto.CodeTransferTimeout {
		t.Fatalf("errors = %+v", errs)
	}
	// Late chunks for the dead transfer are rejected, not buffered.
	f.m.ImageChunk(ctx, f.conn, proto.ClipboardCommand{TransferID: "tr-1", ChunkIndex: 0, Data: []byte("abcde")})
	if len(f.link.byType(proto.EvtProgress)) != 0 {
		t.Fatal("dead transfer accepted a chunk")
	}
	errs = f.link.byType(proto.EvtClipboardError)
	if len(errs) != 2 || field(t, errs[1], "code") != proto.CodeInvalidChunk {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestChunkWithoutTransferRejected(t *testing.T) {
	f := newFixture(t)
	f.m.ImageChunk(context.Background(), f.conn, proto.ClipboardCommand{
		TransferID: "tr-1", ChunkIndex: 0, Data: []byte("abcd"),
	})
	errs := f.link.byType(proto.EvtClipboardError)
	if len(errs) != 1 || field(t, errs[0], "code") != proto.CodeInvalidChunk {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestOversizedChunkFailsTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.m.ImageStart(ctx, f.conn, startCmd("tr-1", 4, 2))
	f.m.ImageChunk(ctx, f.conn, proto.ClipboardCommand{
		TransferID: "tr-1", ChunkIndex: 0, Data: []byte("way more than four bytes"),
	})

	errs := f.link.byType(proto.EvtClipboardError)
	if len(errs) != 1 || field(t, errs[0], "code") != proto.CodeInvalidChunk {
		t.Fatalf("errors = %+v", errs)
	}
	// Idle again after the failure.
	f.m.ImageStart(ctx, f.conn, startCmd("tr-2", 4, 1))
	if got := len(f.link.byType(proto.EvtClipboardError)); got != 1 {
		t.Fatal("manager not idle after oversized chunk")
	}
}

func TestApprovalExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := NewManager(f.backend, nil, f.tmpDir, 1<<20, 10)
	text := strings.Repeat("a", 50)
	m.TextPaste(ctx, f.conn, proto.ClipboardCommand{Text: text})

	// Fire the timer by hand instead of waiting out the approval window.
	m.mu.Lock()
	p := m.pending
	p.timer.Stop()
	m.mu.Unlock()
	m.expirePending(p)

	errs := f.link.byType(proto.EvtClipboardError)
	if len(errs) != 1 || field(t, errs[0], "code") != proto.CodePasteFailed {
		t.Fatalf("errors = %+v", errs)
	}
	// A late approval finds nothing to paste.
	m.TextPasteApproved(ctx, f.conn, proto.ClipboardCommand{})
	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	if len(f.backend.texts) != 0 {
		t.Fatal("expired paste still landed")
	}
}

func TestCleanupTempFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, tempPrefix+"old.png")
	fresh := filepath.Join(dir, tempPrefix+"new.png")
	other := filepath.Join(dir, "unrelated.png")
	for _, p := range []string{stale, fresh, other} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	os.Chtimes(stale, old, old)

	CleanupTempFiles(dir)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale temp file survived")
	}
	for _, p := range []string{fresh, other} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s was removed", p)
		}
	}
}

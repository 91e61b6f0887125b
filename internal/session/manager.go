// Package session tracks agent sessions: daemon-side records kept in sync
// with the multiplexer sessions that actually host the agents.
package session

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

	"github.com/mbucko/remote-agent-shell/internal/config"
	"github.com/mbucko/remote-agent-shell/internal/proto"
	"github.com/mbucko/remote-agent-shell/internal/tmux"
	"github.com/mbucko/remote-agent-shell/internal/util"
)

var log = logging.Logger("session")

// Session lifecycle states.
const (
	StatusCreating = "creating"
	StatusActive   = "active"
	StatusKilling  = "killing"
)

const (
	muxPrefix = "ras-"
	idLen     = 12

	// Create rate limit per device.
	createBurst  = 10
	createWindow = time.Minute

	// Grace between Ctrl-C and the hard kill.
	killGrace = 500 * time.Millisecond

	maxDisplayName = 64
	maxRecentDirs  = 10
)

// Error carries a stable protocol code alongside the message.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func codeErr(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Record is one tracked session.
type Record struct {
	ID             string    `json:"id"`
	MuxName        string    `json:"mux_name"`
	DisplayName    string    `json:"display_name"`
	Directory      string    `json:"directory"`
	Agent          string    `json:"agent"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Status         string    `json:"status"`
}

// Mux is the slice of the multiplexer the manager drives. *tmux.Client
// satisfies it; tests substitute a fake.
type Mux interface {
	ListSessions(ctx context.Context) ([]tmux.Session, error)
	HasSession(ctx context.Context, name string) bool
	NewSession(ctx context.Context, name, dir, command string) error
	KillSession(ctx context.Context, name string) error
	SendKeys(ctx context.Context, name string, data []byte, literal bool) error
}

// Emitter broadcasts a lifecycle event to every connected device.
type Emitter func(evt proto.Event)

// state is the persisted shape of sessions.json.
type state struct {
	Sessions   []Record `json:"sessions"`
	RecentDirs []string `json:"recent_dirs"`
}

// Manager owns session records and reconciles them with the multiplexer.
type Manager struct {
	mux  Mux
	cfg  config.Sessions
	root string
	path string
	emit Emitter

	mu       sync.Mutex
	sessions map[string]*Record // by id
	recent   []string

	createTimes map[string][]time.Time // device id -> recent create times
	now         func() time.Time
}

// NewManager builds a manager persisting to dataDir/sessions.json. The
// sessions root defaults to the user's home directory.
func NewManager(mux Mux, cfg config.Sessions, dataDir string, emit Emitter) (*Manager, error) {
	root := cfg.Root
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		root = home
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if emit == nil {
		emit = func(proto.Event) {}
	}
	return &Manager{
		mux:         mux,
		cfg:         cfg,
		root:        root,
		path:        filepath.Join(dataDir, "sessions.json"),
		emit:        emit,
		sessions:    make(map[string]*Record),
		createTimes: make(map[string][]time.Time),
		now:         time.Now,
	}, nil
}

// Initialize loads persisted records and reconciles them against the live
// multiplexer state.
func (m *Manager) Initialize(ctx context.Context) error {
	var st state
	err := util.ReadJSONFile(m.path, &st)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", m.path, err)
	}

	m.mu.Lock()
	for i := range st.Sessions {
		r := st.Sessions[i]
		// A daemon restart interrupts creates and kills; neither state is
		// trustworthy after the fact.
		r.Status = StatusActive
		if r.LastActivityAt.IsZero() {
			r.LastActivityAt = r.CreatedAt
		}
		m.sessions[r.ID] = &r
	}
	m.recent = st.RecentDirs
	m.mu.Unlock()

	if err := m.reconcile(ctx); err != nil {
		return err
	}
	log.Infof("initialized with %d sessions", m.Count())
	return nil
}

// reconcile drops records whose multiplexer session vanished and adopts
// any multiplexer session nobody is tracking. The daemon runs its own
// multiplexer server socket, so every session on it belongs to us even
// when someone started it by hand.
func (m *Manager) reconcile(ctx context.Context) error {
	live, err := m.mux.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list multiplexer sessions: %w", err)
	}
	liveNames := make(map[string]bool, len(live))
	for _, s := range live {
		liveNames[s.Name] = true
	}

	m.mu.Lock()
	var gone []*Record
	known := make(map[string]bool)
	for id, r := range m.sessions {
		known[r.MuxName] = true
		if !liveNames[r.MuxName] && r.Status != StatusCreating {
			delete(m.sessions, id)
			gone = append(gone, r)
		}
	}
	var adopted []*Record
	for name := range liveNames {
		if known[name] {
			continue
		}
		now := m.now()
		r := &Record{
			ID:             util.RandomID(idLen),
			MuxName:        name,
			DisplayName:    strings.TrimPrefix(name, muxPrefix),
			Agent:          "unknown",
			CreatedAt:      now,
			LastActivityAt: now,
			Status:         StatusActive,
		}
		m.sessions[r.ID] = r
		adopted = append(adopted, r)
	}
	m.mu.Unlock()

	for _, r := range gone {
		log.Infof("session %s (%s) disappeared from multiplexer", r.ID, r.MuxName)
		m.emit(proto.Event{Type: proto.EvtSessionKilled, Payload: map[string]string{"session_id": r.ID}})
	}
	for _, r := range adopted {
		log.Infof("adopted existing multiplexer session %s as %s", r.MuxName, r.ID)
	}
	if len(gone) > 0 || len(adopted) > 0 {
		m.persist()
	}
	return nil
}

// List reconciles and returns all records, most recently active first.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	if err := m.reconcile(ctx); err != nil {
		return nil, codeErr(proto.CodeTmuxError, "%v", err)
	}
	m.mu.Lock()
	out := make([]Record, 0, len(m.sessions))
	for _, r := range m.sessions {
		out = append(out, *r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Touch marks a session as active now. The timestamp lives in memory until
// the next state change writes the file; losing a few minutes of idle
// bookkeeping on a crash is fine.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.sessions[id]; ok {
		r.LastActivityAt = m.now()
	}
}

// Get returns one record by id.
func (m *Manager) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Create validates and launches a new agent session.
func (m *Manager) Create(ctx context.Context, deviceID, displayName, directory, agent string) (Record, error) {
	if err := m.allowCreate(deviceID); err != nil {
		return Record{}, err
	}

	command, ok := m.cfg.Agents[agent]
	if !ok {
		return Record{}, codeErr(proto.CodeAgentNotFound, "agent %q is not configured", agent)
	}

	dir, err := m.validateDirectory(directory)
	if err != nil {
		return Record{}, err
	}

	displayName = sanitizeDisplayName(displayName)
	if displayName == "" {
		displayName = filepath.Base(dir)
	}

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.Max {
		m.mu.Unlock()
		return Record{}, codeErr(proto.CodeMaxSessionsReached, "limit of %d sessions reached", m.cfg.Max)
	}
	for _, r := range m.sessions {
		if strings.EqualFold(r.DisplayName, displayName) {
			m.mu.Unlock()
			return Record{}, codeErr(proto.CodeSessionExists, "a session named %q already exists", displayName)
		}
	}
	now := m.now()
	rec := &Record{
		ID:             util.RandomID(idLen),
		MuxName:        m.muxNameLocked(agent, displayName),
		DisplayName:    displayName,
		Directory:      dir,
		Agent:          agent,
		CreatedAt:      now,
		LastActivityAt: now,
		Status:         StatusCreating,
	}
	m.sessions[rec.ID] = rec
	m.mu.Unlock()

	if err := m.mux.NewSession(ctx, rec.MuxName, dir, command); err != nil {
		m.mu.Lock()
		delete(m.sessions, rec.ID)
		m.mu.Unlock()
		return Record{}, codeErr(proto.CodeTmuxError, "create session: %v", err)
	}

	m.mu.Lock()
	rec.Status = StatusActive
	snapshot := *rec
	m.rememberDirLocked(dir)
	m.mu.Unlock()
	m.persist()

	log.Infof("created session %s (%s) in %s", rec.ID, rec.MuxName, dir)
	m.emit(proto.Event{Type: proto.EvtSessionCreated, Payload: snapshot})
	return snapshot, nil
}

// Kill interrupts the agent, waits briefly, then kills the multiplexer
// session. OnKilled, if set, runs after the record is gone but before the
// broadcast, so terminal attachments can be detached first.
func (m *Manager) Kill(ctx context.Context, id string, onKilled func(Record)) error {
	m.mu.Lock()
	r, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return codeErr(proto.CodeSessionNotFound, "no session %q", id)
	}
	if r.Status == StatusKilling {
		m.mu.Unlock()
		return codeErr(proto.CodeSessionKilling, "session %q is already being killed", id)
	}
	r.Status = StatusKilling
	muxName := r.MuxName
	m.mu.Unlock()

	// Ctrl-C first so the agent can flush and exit cleanly.
	if err := m.mux.SendKeys(ctx, muxName, []byte{0x03}, true); err != nil {
		log.Debugf("interrupt before kill failed: %v", err)
	}
	select {
	case <-time.After(killGrace):
	case <-ctx.Done():
	}

	if err := m.mux.KillSession(ctx, muxName); err != nil && m.mux.HasSession(ctx, muxName) {
		m.mu.Lock()
		r.Status = StatusActive
		m.mu.Unlock()
		return codeErr(proto.CodeKillFailed, "kill session: %v", err)
	}

	m.mu.Lock()
	rec := *r
	delete(m.sessions, id)
	// Killing a session frees headroom, so the create window starts over.
	m.createTimes = make(map[string][]time.Time)
	m.mu.Unlock()
	m.persist()

	log.Infof("killed session %s (%s)", id, muxName)
	if onKilled != nil {
		onKilled(rec)
	}
	m.emit(proto.Event{Type: proto.EvtSessionKilled, Payload: map[string]string{"session_id": id}})
	return nil
}

// Rename changes a session's display name.
func (m *Manager) Rename(id, displayName string) (Record, error) {
	displayName = sanitizeDisplayName(displayName)
	if displayName == "" {
		return Record{}, codeErr(proto.CodeInvalidName, "display name is empty after sanitizing")
	}

	m.mu.Lock()
	r, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Record{}, codeErr(proto.CodeSessionNotFound, "no session %q", id)
	}
	for otherID, other := range m.sessions {
		if otherID != id && strings.EqualFold(other.DisplayName, displayName) {
			m.mu.Unlock()
			return Record{}, codeErr(proto.CodeSessionExists, "a session named %q already exists", displayName)
		}
	}
	r.DisplayName = displayName
	snapshot := *r
	m.mu.Unlock()
	m.persist()

	m.emit(proto.Event{Type: proto.EvtSessionRenamed, Payload: snapshot})
	return snapshot, nil
}

// Agents lists the configured agent names, sorted.
func (m *Manager) Agents() []string {
	out := make([]string, 0, len(m.cfg.Agents))
	for name := range m.cfg.Agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Directories returns the sessions root plus recently used directories.
func (m *Manager) Directories() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{m.root}
	for _, d := range m.recent {
		if d != m.root {
			out = append(out, d)
		}
	}
	return out
}

// allowCreate enforces the per-device create rate limit with a sliding
// window.
func (m *Manager) allowCreate(deviceID string) error {
	now := m.now()
	cutoff := now.Add(-createWindow)

	m.mu.Lock()
	defer m.mu.Unlock()
	times := m.createTimes[deviceID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= createBurst {
		m.createTimes[deviceID] = kept
		return codeErr(proto.CodeRateLimited, "too many sessions created recently")
	}
	m.createTimes[deviceID] = append(kept, now)
	return nil
}

// validateDirectory resolves and checks a requested session directory.
func (m *Manager) validateDirectory(dir string) (string, error) {
	if dir == "" {
		dir = m.root
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(m.root, dir)
	}
	dir = filepath.Clean(dir)

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", codeErr(proto.CodeDirNotFound, "directory %q does not exist", dir)
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return "", codeErr(proto.CodeDirNotFound, "%q is not a directory", dir)
	}

	rootResolved, err := filepath.EvalSymlinks(m.root)
	if err != nil {
		rootResolved = m.root
	}
	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", codeErr(proto.CodeDirNotAllowed, "%q is outside the sessions root", dir)
	}
	for _, denied := range m.cfg.DeniedDirs {
		deniedAbs := denied
		if !filepath.IsAbs(deniedAbs) {
			deniedAbs = filepath.Join(rootResolved, denied)
		}
		if resolved == deniedAbs || strings.HasPrefix(resolved, deniedAbs+string(filepath.Separator)) {
			return "", codeErr(proto.CodeDirNotAllowed, "%q is denied by configuration", dir)
		}
	}
	return resolved, nil
}

// muxNameLocked derives a unique multiplexer session name. Callers hold m.mu.
func (m *Manager) muxNameLocked(agent, displayName string) string {
	base := muxPrefix + slug(agent) + "-" + slug(displayName)
	name := base
	for i := 2; ; i++ {
		inUse := false
		for _, r := range m.sessions {
			if r.MuxName == name {
				inUse = true
				break
			}
		}
		if !inUse {
			return name
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
}

func (m *Manager) rememberDirLocked(dir string) {
	kept := []string{dir}
	for _, d := range m.recent {
		if d != dir {
			kept = append(kept, d)
		}
	}
	if len(kept) > maxRecentDirs {
		kept = kept[:maxRecentDirs]
	}
	m.recent = kept
}

func (m *Manager) persist() {
	m.mu.Lock()
	st := state{RecentDirs: m.recent}
	for _, r := range m.sessions {
		st.Sessions = append(st.Sessions, *r)
	}
	m.mu.Unlock()
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].CreatedAt.Before(st.Sessions[j].CreatedAt) })

	if err := util.WriteJSONFile(m.path, st); err != nil {
		log.Errorf("persisting %s: %v", m.path, err)
	}
}

// sanitizeDisplayName keeps printable characters, collapses whitespace and
// truncates to maxDisplayName runes.
func sanitizeDisplayName(name string) string {
	name = strings.ToValidUTF8(name, "")
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7F {
			return ' '
		}
		return r
	}, name)
	name = strings.Join(strings.Fields(name), " ")
	runes := []rune(name)
	if len(runes) > maxDisplayName {
		name = string(runes[:maxDisplayName])
	}
	return name
}

// slug lowercases a name into [a-z0-9-] for use in multiplexer session
// names.
func slug(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "s"
	}
	if len(out) > 24 {
		out = strings.TrimRight(out[:24], "-")
	}
	return out
}

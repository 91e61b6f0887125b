// Package tmux drives the terminal multiplexer through its CLI. Daemon
// sessions live on a private tmux server socket so they never mix with the
// user's interactive tmux server.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("tmux")

// MinVersion is the oldest multiplexer version the daemon supports.
const MinVersion = "2.1"

// ErrNotInstalled is returned when the tmux binary cannot be found.
var ErrNotInstalled = errors.New("tmux binary not found")

// ErrVersionTooOld is returned when the installed tmux predates MinVersion.
var ErrVersionTooOld = errors.New("tmux version too old")

// Session is one row of list-sessions.
type Session struct {
	Name     string
	Windows  int
	Attached bool
}

// Window is one row of list-windows.
type Window struct {
	Index  int
	Name   string
	Active bool
}

type runner func(ctx context.Context, bin string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("tmux %s: %s", args[0], msg)
		}
		return nil, fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return out, nil
}

// Client invokes the tmux CLI. When socket is non-empty all commands run
// against that private server (-L socket).
type Client struct {
	bin    string
	socket string
	run    runner
}

// NewClient builds a client for the given binary and private socket name.
func NewClient(bin, socket string) *Client {
	if bin == "" {
		bin = "tmux"
	}
	return &Client{bin: bin, socket: socket, run: execRunner}
}

func (c *Client) args(cmd string, rest ...string) []string {
	var out []string
	if c.socket != "" {
		out = append(out, "-L", c.socket)
	}
	out = append(out, cmd)
	return append(out, rest...)
}

// VerifyInstalled checks the binary exists and meets MinVersion.
func (c *Client) VerifyInstalled(ctx context.Context) error {
	v, err := c.Version(ctx)
	if err != nil {
		return ErrNotInstalled
	}
	if !versionAtLeast(v, MinVersion) {
		return fmt.Errorf("%w: have %s, need %s", ErrVersionTooOld, v, MinVersion)
	}
	log.Debugf("tmux %s at %s", v, c.bin)
	return nil
}

// Version returns the multiplexer version string (e.g. "3.4").
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.run(ctx, c.bin, "-V")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(out)), "tmux ")), nil
}

// ListSessions lists sessions on the daemon's server. A missing server (no
// sessions yet) is an empty list, not an error.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	out, err := c.run(ctx, c.bin, c.args("list-sessions", "-F", "#{session_name}|#{session_windows}|#{session_attached}")...)
	if err != nil {
		// tmux exits non-zero when the server is not running.
		if strings.Contains(err.Error(), "no server running") || strings.Contains(err.Error(), "error connecting") {
			return nil, nil
		}
		return nil, err
	}
	var sessions []Session
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		windows, _ := strconv.Atoi(parts[1])
		attached, _ := strconv.Atoi(parts[2])
		sessions = append(sessions, Session{Name: parts[0], Windows: windows, Attached: attached > 0})
	}
	return sessions, nil
}

// HasSession reports whether a session exists.
func (c *Client) HasSession(ctx context.Context, name string) bool {
	_, err := c.run(ctx, c.bin, c.args("has-session", "-t", "="+name)...)
	return err == nil
}

// NewSession creates a detached session running command in dir.
func (c *Client) NewSession(ctx context.Context, name, dir, command string) error {
	rest := []string{"-d", "-s", name}
	if dir != "" {
		rest = append(rest, "-c", dir)
	}
	if command != "" {
		rest = append(rest, command)
	}
	_, err := c.run(ctx, c.bin, c.args("new-session", rest...)...)
	return err
}

// KillSession kills a session.
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.run(ctx, c.bin, c.args("kill-session", "-t", "="+name)...)
	return err
}

// SendKeys sends input to a session. With literal set the text is passed
// through untranslated (-l), which also carries raw escape bytes.
func (c *Client) SendKeys(ctx context.Context, name string, data []byte, literal bool) error {
	rest := []string{"-t", "=" + name}
	if literal {
		rest = append(rest, "-l")
	}
	rest = append(rest, "--", string(data))
	_, err := c.run(ctx, c.bin, c.args("send-keys", rest...)...)
	return err
}

// ListWindows lists windows of a session.
func (c *Client) ListWindows(ctx context.Context, name string) ([]Window, error) {
	out, err := c.run(ctx, c.bin, c.args("list-windows", "-t", "="+name, "-F", "#{window_index}|#{window_name}|#{window_active}")...)
	if err != nil {
		return nil, err
	}
	var windows []Window
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		idx, _ := strconv.Atoi(parts[0])
		windows = append(windows, Window{Index: idx, Name: parts[1], Active: parts[2] == "1"})
	}
	return windows, nil
}

// NewWindow opens a new window in a session.
func (c *Client) NewWindow(ctx context.Context, name, dir string) error {
	rest := []string{"-t", "=" + name}
	if dir != "" {
		rest = append(rest, "-c", dir)
	}
	_, err := c.run(ctx, c.bin, c.args("new-window", rest...)...)
	return err
}

// SwitchWindow selects a window by index.
func (c *Client) SwitchWindow(ctx context.Context, name string, index int) error {
	_, err := c.run(ctx, c.bin, c.args("select-window", "-t", fmt.Sprintf("=%s:%d", name, index))...)
	return err
}

// WindowSize returns the current window geometry.
func (c *Client) WindowSize(ctx context.Context, name string) (cols, rows int, err error) {
	out, err := c.run(ctx, c.bin, c.args("display-message", "-p", "-t", "="+name, "#{window_width} #{window_height}")...)
	if err != nil {
		return 0, 0, err
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%d %d", &cols, &rows); err != nil {
		return 0, 0, fmt.Errorf("parse window size: %w", err)
	}
	return cols, rows, nil
}

// ResizeWindow resizes a session's window.
func (c *Client) ResizeWindow(ctx context.Context, name string, cols, rows int) error {
	_, err := c.run(ctx, c.bin, c.args("resize-window", "-t", "="+name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))...)
	return err
}

// CapturePane returns the current pane contents.
func (c *Client) CapturePane(ctx context.Context, name string) ([]byte, error) {
	return c.run(ctx, c.bin, c.args("capture-pane", "-p", "-t", "="+name)...)
}

// PipePane streams raw pane bytes into path (a FIFO the daemon reads).
func (c *Client) PipePane(ctx context.Context, name, path string) error {
	shell := fmt.Sprintf("cat >> '%s'", path)
	_, err := c.run(ctx, c.bin, c.args("pipe-pane", "-t", "="+name, "-o", shell)...)
	return err
}

// StopPipePane turns off an active pipe-pane.
func (c *Client) StopPipePane(ctx context.Context, name string) error {
	_, err := c.run(ctx, c.bin, c.args("pipe-pane", "-t", "="+name)...)
	return err
}

// versionAtLeast compares dotted version strings, tolerating suffixes like
// "3.3a" and development builds ("next-3.4", "master"), which compare high.
func versionAtLeast(have, want string) bool {
	if strings.HasPrefix(have, "next-") || have == "master" {
		return true
	}
	hp := versionParts(have)
	wp := versionParts(want)
	for i := 0; i < len(wp); i++ {
		h := 0
		if i < len(hp) {
			h = hp[i]
		}
		if h != wp[i] {
			return h > wp[i]
		}
	}
	return true
}

func versionParts(v string) []int {
	var out []int
	for _, p := range strings.Split(v, ".") {
		n := 0
		for _, r := range p {
			if r < '0' || r > '9' {
				break
			}
			n = n*10 + int(r-'0')
		}
		out = append(out, n)
	}
	return out
}

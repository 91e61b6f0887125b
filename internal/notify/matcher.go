// Package notify watches terminal output for moments the user should hear
// about while away: an agent waiting for approval, an error, or a finished
// run.
package notify

import (
	"bytes"
	"regexp"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("notify")

// Notification kinds.
const (
	KindApproval   = "approval"
	KindError      = "error"
	KindCompletion = "completion"
)

const (
	// windowBytes is the sliding window of recent output the rules see.
	windowBytes = 500

	// regexBudget bounds one rule evaluation. A pathological regex against
	// hostile output must not stall the capture pipeline.
	regexBudget = 100 * time.Millisecond

	snippetLen = 50
)

type rule struct {
	kind string
	re   *regexp.Regexp
}

// Rules ordered by priority: an approval prompt beats a generic error line.
var rules = []rule{
	{KindApproval, regexp.MustCompile(`(?i)(do you want to|allow this|proceed\?|continue\?|\(y/n\)|\[y/n\]|\[y/N\]|press enter to)`)},
	{KindError, regexp.MustCompile(`(?i)(^|\n)\s*(error|fatal|panic|failed|traceback \(most recent call last\))[:\s]`)},
	{KindCompletion, regexp.MustCompile(`(\$|>|❯|%)\s*$`)},
}

// Alternate screen switches. Full-screen programs (editors, pagers) redraw
// constantly; matching inside them is all noise.
var (
	altEnter = [][]byte{[]byte("\x1b[?1049h"), []byte("\x1b[?47h")}
	altExit  = [][]byte{[]byte("\x1b[?1049l"), []byte("\x1b[?47l")}
)

// ansiRe strips CSI sequences, OSC strings and charset selections.
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)|\x1b[()][0-9A-B]|\x1b[=>]`)

// MatchResult is one detected notification with a short context snippet.
type MatchResult struct {
	Kind    string
	Snippet string
}

// Matcher holds the per-session sliding window and screen state.
type Matcher struct {
	window        []byte
	altScreen     bool
	prevPromptEnd bool
}

func NewMatcher() *Matcher {
	return &Matcher{}
}

// Feed consumes one captured chunk and reports at most one match. Output
// written while the alternate screen is active is tracked but never matched.
func (m *Matcher) Feed(chunk []byte) *MatchResult {
	m.trackAltScreen(chunk)
	if m.altScreen {
		return nil
	}

	m.window = append(m.window, chunk...)
	if len(m.window) > windowBytes {
		m.window = m.window[len(m.window)-windowBytes:]
	}

	clean := cleanText(m.window)
	chunkClean := cleanText(chunk)

	for _, r := range rules {
		if r.kind == KindCompletion {
			// A bare prompt repainting while idle is not a completion; only
			// a prompt arriving after real output counts.
			if m.prevPromptEnd || strings.TrimSpace(chunkClean) == "" {
				continue
			}
		}
		loc, ok := matchWithBudget(r.re, clean)
		if !ok || loc == nil {
			continue
		}
		m.prevPromptEnd = endsWithPrompt(clean)
		// Drop the window so matched text cannot outrank what comes next.
		m.window = m.window[:0]
		return &MatchResult{Kind: r.kind, Snippet: snippet(clean, loc)}
	}
	m.prevPromptEnd = endsWithPrompt(clean)
	return nil
}

func (m *Matcher) trackAltScreen(chunk []byte) {
	// The last switch in the chunk wins.
	lastEnter, lastExit := -1, -1
	for _, seq := range altEnter {
		if i := bytes.LastIndex(chunk, seq); i > lastEnter {
			lastEnter = i
		}
	}
	for _, seq := range altExit {
		if i := bytes.LastIndex(chunk, seq); i > lastExit {
			lastExit = i
		}
	}
	switch {
	case lastEnter > lastExit:
		m.altScreen = true
	case lastExit > lastEnter:
		m.altScreen = false
		m.window = m.window[:0]
	}
}

// matchWithBudget runs the regex on its own goroutine with a deadline. On
// timeout the rule is skipped for this chunk.
func matchWithBudget(re *regexp.Regexp, text string) ([]int, bool) {
	done := make(chan []int, 1)
	go func() { done <- re.FindStringIndex(text) }()
	select {
	case loc := <-done:
		return loc, true
	case <-time.After(regexBudget):
		log.Warnf("pattern %q exceeded %s, skipping", re.String(), regexBudget)
		return nil, false
	}
}

// cleanText strips control sequences and lossily decodes to valid UTF-8.
func cleanText(raw []byte) string {
	out := ansiRe.ReplaceAll(raw, nil)
	out = bytes.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, out)
	return strings.ToValidUTF8(string(out), "�")
}

func endsWithPrompt(clean string) bool {
	trimmed := strings.TrimRight(clean, " ")
	for _, p := range []string{"$", ">", "❯", "%"} {
		if strings.HasSuffix(trimmed, p) {
			return true
		}
	}
	return false
}

// snippet returns ~50 characters around the match, single line.
func snippet(clean string, loc []int) string {
	start := loc[0] - snippetLen/2
	if start < 0 {
		start = 0
	}
	end := start + snippetLen
	if end > len(clean) {
		end = len(clean)
	}
	s := strings.ToValidUTF8(clean[start:end], "")
	s = strings.Join(strings.Fields(s), " ")
	return s
}

// Package proto defines the command/event envelope carried on every
// authenticated connection (WebRTC data channel, LAN WebSocket, VPN UDP).
// Messages are type-tagged JSON; dispatchers switch on the tag and unknown
// tags surface as UnknownCommand outside security boundaries.
package proto

import "encoding/json"

// Top-level command variants.
const (
	CmdSession         = "session"
	CmdTerminal        = "terminal"
	CmdClipboard       = "clipboard"
	CmdPing            = "ping"
	CmdConnectionReady = "connection_ready"
)

// Command is the envelope for client → daemon traffic.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session command actions.
const (
	SessionCreate         = "create"
	SessionKill           = "kill"
	SessionRename         = "rename"
	SessionList           = "list"
	SessionGetAgents      = "get_agents"
	SessionGetDirectories = "get_directories"
)

type SessionCommand struct {
	Action      string `json:"action"`
	SessionID   string `json:"session_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Directory   string `json:"directory,omitempty"`
	Agent       string `json:"agent,omitempty"`
}

// Terminal command actions.
const (
	TerminalAttach = "attach"
	TerminalDetach = "detach"
	TerminalInput  = "input"
	TerminalResize = "resize"
)

// KeyInput is one element of a terminal input command: either literal text
// or a named key with modifier bits (shift=1, alt=2, ctrl=4).
type KeyInput struct {
	Type      string `json:"type"` // "text" or a key name ("enter", "up", "f5", ...)
	Text      string `json:"text,omitempty"`
	Modifiers int    `json:"modifiers,omitempty"`
}

type TerminalCommand struct {
	Action       string     `json:"action"`
	SessionID    string     `json:"session_id"`
	FromSequence *uint64    `json:"from_sequence,omitempty"`
	Keys         []KeyInput `json:"keys,omitempty"`
	Cols         int        `json:"cols,omitempty"`
	Rows         int        `json:"rows,omitempty"`
}

// Clipboard command actions.
const (
	ClipboardImageStart        = "image_start"
	ClipboardImageChunk        = "image_chunk"
	ClipboardImageCancel       = "image_cancel"
	ClipboardTextPaste         = "text_paste"
	ClipboardTextPasteApproved = "text_paste_approved"
)

type ClipboardCommand struct {
	Action      string `json:"action"`
	TransferID  string `json:"transfer_id,omitempty"`
	TotalSize   int64  `json:"total_size,omitempty"`
	Format      string `json:"format,omitempty"` // "png", "jpeg", ...
	TotalChunks int    `json:"total_chunks,omitempty"`
	ChunkIndex  int    `json:"chunk_index,omitempty"`
	Data        []byte `json:"data,omitempty"`
	Text        string `json:"text,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// Event is the envelope for daemon → client traffic.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Event types.
const (
	EvtSessionCreated   = "session_created"
	EvtSessionKilled    = "session_killed"
	EvtSessionRenamed   = "session_renamed"
	EvtSessionList      = "session_list"
	EvtAgents           = "agents"
	EvtDirectories      = "directories"
	EvtTerminalOutput   = "terminal_output"
	EvtTerminalAttached = "terminal_attached"
	EvtTerminalDetached = "terminal_detached"
	EvtOutputSkipped    = "output_skipped"
	EvtNotification     = "notification"
	EvtProgress         = "clipboard_progress"
	EvtComplete         = "clipboard_complete"
	EvtApprovalRequired = "clipboard_approval_required"
	EvtCancelled        = "clipboard_cancelled"
	EvtClipboardError   = "clipboard_error"
	EvtError            = "error"
	EvtPong             = "pong"
)

type TerminalOutput struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
	Sequence  uint64 `json:"sequence"`
}

type TerminalAttached struct {
	SessionID           string `json:"session_id"`
	BufferStartSequence uint64 `json:"buffer_start_sequence"`
	CurrentSequence     uint64 `json:"current_sequence"`
}

// Detach reasons.
const (
	DetachUserRequest      = "user_request"
	DetachSessionKilled    = "session_killed"
	DetachConnectionClosed = "connection_closed"
)

type TerminalDetached struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// OutputSkipped tells the client a sequence range was dropped from the
// retention window so it can render a gap marker.
type OutputSkipped struct {
	SessionID string `json:"session_id"`
	From      uint64 `json:"from"`
	To        uint64 `json:"to"`
}

type Notification struct {
	SessionID   string `json:"session_id"`
	Kind        string `json:"kind"` // "approval", "error", "completion"
	Title       string `json:"title"`
	Body        string `json:"body"`
	Snippet     string `json:"snippet"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type TransferProgress struct {
	TransferID string `json:"transfer_id"`
	Received   int    `json:"received"`
	Total      int    `json:"total"`
}

// Transfer content types.
const ContentImage = "IMAGE"

type TransferComplete struct {
	TransferID  string `json:"transfer_id"`
	ContentType string `json:"content_type"`
}

type TransferCancelled struct {
	TransferID string `json:"transfer_id"`
}

type ApprovalRequired struct {
	Size    int    `json:"size"`
	Preview string `json:"preview"`
}

// ErrorEvent carries a stable code and a short human-readable message.
// Codes are stable; messages may change.
type ErrorEvent struct {
	TransferID string `json:"transfer_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message,omitempty"`
}

// Session lifecycle error codes.
const (
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionGone        = "SESSION_GONE"
	CodeSessionKilling     = "SESSION_KILLING"
	CodeSessionExists      = "SESSION_EXISTS"
	CodeMaxSessionsReached = "MAX_SESSIONS_REACHED"
	CodeInvalidName        = "INVALID_NAME"
	CodeInvalidSessionID   = "INVALID_SESSION_ID"
	CodeDirNotFound        = "DIR_NOT_FOUND"
	CodeDirNotAllowed      = "DIR_NOT_ALLOWED"
	CodeAgentNotFound      = "AGENT_NOT_FOUND"
	CodeTmuxError          = "TMUX_ERROR"
	CodeKillFailed         = "KILL_FAILED"
	CodeRateLimited        = "RATE_LIMITED"
)

// Terminal error codes.
const (
	CodeNotAttached     = "NOT_ATTACHED"
	CodePipeSetupFailed = "PIPE_SETUP_FAILED"
)

// Clipboard error codes.
const (
	CodeTransferInProgress = "TRANSFER_IN_PROGRESS"
	CodeSizeExceeded       = "SIZE_EXCEEDED"
	CodeInvalidFormat      = "INVALID_FORMAT"
	CodeInvalidChunk       = "INVALID_CHUNK"
	CodeChunkMissing       = "CHUNK_MISSING"
	CodeTransferTimeout    = "TRANSFER_TIMEOUT"
	CodeClipboardFailed    = "CLIPBOARD_FAILED"
	CodePasteFailed        = "PASTE_FAILED"
)

// Dispatcher error code for unregistered command tags.
const CodeUnknownCommand = "UNKNOWN_COMMAND"

// Marshal encodes an event for the wire.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Package protocol defines the JSON wire messages exchanged between the
// termlink daemon, remote clients, and terminal wrapper processes.
//
// Every message is a single JSON object carrying a "type" discriminator.
// Field names are snake_case on the wire. Binary payloads (terminal bytes,
// file contents) travel base64-encoded inside string fields.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators, client to server.
const (
	TypeHello               = "hello"
	TypePing                = "ping"
	TypeGetSessions         = "get_sessions"
	TypeSubscribe           = "subscribe"
	TypeUnsubscribe         = "unsubscribe"
	TypeSendInput           = "send_input"
	TypePTYResize           = "pty_resize"
	TypeRenameSession       = "rename_session"
	TypeSpawnSession        = "spawn_session"
	TypeToolApproval        = "tool_approval"
	TypeGetSessionHistory   = "get_session_history"
	TypeRegisterPushToken   = "register_push_token"
	TypeUnregisterPushToken = "unregister_push_token"

	TypeListDirectory    = "list_directory"
	TypeReadFile         = "read_file"
	TypeReadFileChunk    = "read_file_chunk"
	TypeWriteFile        = "write_file"
	TypeUploadFile       = "upload_file"
	TypeCreateDirectory  = "create_directory"
	TypeDeletePath       = "delete_path"
	TypeRenamePath       = "rename_path"
	TypeCopyPath         = "copy_path"
	TypeGetFileInfo      = "get_file_info"
	TypeSearchFiles      = "search_files"
	TypeWatchDirectory   = "watch_directory"
	TypeUnwatchDirectory = "unwatch_directory"
	TypeGetHomeDirectory = "get_home_directory"
	TypeGetAllowedRoots  = "get_allowed_roots"
)

// Message type discriminators, server to client.
const (
	TypeWelcome         = "welcome"
	TypeError           = "error"
	TypePong            = "pong"
	TypeSessions        = "sessions"
	TypeSessionInfo     = "session_info"
	TypeSessionEnded    = "session_ended"
	TypeSessionRenamed  = "session_renamed"
	TypePTYBytes        = "pty_bytes"
	TypePTYResized      = "pty_resized"
	TypeWaitingForInput = "waiting_for_input"
	TypeWaitingCleared  = "waiting_cleared"
	TypeSessionHistory  = "session_history"
	TypeSpawnResult     = "spawn_result"

	TypeDirectoryListing = "directory_listing"
	TypeFileContent      = "file_content"
	TypeFileChunk        = "file_chunk"
	TypeFileInfo         = "file_info"
	TypeOperationSuccess = "operation_success"
	TypeOperationError   = "operation_error"
	TypeSearchResults    = "search_results"
	TypeFileChanged      = "file_changed"
	TypeHomeDirectory    = "home_directory"
	TypeAllowedRoots     = "allowed_roots"
)

// Message type discriminators, wrapper connections.
const (
	TypeRegisterPTY = "register_pty"
	TypePTYOutput   = "pty_output"
	TypeRegistered  = "registered"
	TypeInput       = "input"
	TypeResize      = "resize"
)

// Envelope is the minimal decode used to dispatch on the discriminator
// before unmarshaling the full message.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// PeekType returns the "type" field of a raw message without decoding the rest.
func PeekType(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed message: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("message missing type field")
	}
	return env, nil
}

// --- Client to server ---

// Hello identifies a remote client after connecting.
type Hello struct {
	Type          string `json:"type"`
	ClientVersion string `json:"client_version"`
	DeviceID      string `json:"device_id,omitempty"`
	DeviceName    string `json:"device_name,omitempty"`
	AuthToken     string `json:"auth_token,omitempty"`
}

type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type GetSessions struct {
	Type string `json:"type"`
}

type Subscribe struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type Unsubscribe struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SendInput carries keystrokes for a session. Data is base64 so control
// bytes and partial escape sequences survive JSON transport.
type SendInput struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type PTYResize struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

type RenameSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

// SpawnSession asks the daemon to launch a new wrapped command.
type SpawnSession struct {
	Type       string   `json:"type"`
	RequestID  string   `json:"request_id"`
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	WorkingDir string   `json:"working_dir"`
	Name       string   `json:"name,omitempty"`
}

// ToolApproval answers a pending tool/plan approval prompt.
// Decision is one of "yes", "yes_always", "no".
type ToolApproval struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Decision  string `json:"decision"`
}

type GetSessionHistory struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type RegisterPushToken struct {
	Type       string `json:"type"`
	PushToken  string `json:"push_token"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
}

type UnregisterPushToken struct {
	Type      string `json:"type"`
	PushToken string `json:"push_token"`
}

// --- Filesystem requests (all carry request_id for response correlation) ---

type ListDirectory struct {
	Type          string    `json:"type"`
	RequestID     string    `json:"request_id"`
	Path          string    `json:"path"`
	IncludeHidden bool      `json:"include_hidden,omitempty"`
	SortBy        SortField `json:"sort_by,omitempty"`
	SortOrder     SortOrder `json:"sort_order,omitempty"`
}

type ReadFile struct {
	Type      string   `json:"type"`
	RequestID string   `json:"request_id"`
	Path      string   `json:"path"`
	Offset    int64    `json:"offset,omitempty"`
	Length    int64    `json:"length,omitempty"`
	Encoding  Encoding `json:"encoding,omitempty"`
}

type ReadFileChunk struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	Path       string `json:"path"`
	ChunkIndex int64  `json:"chunk_index"`
	ChunkSize  int64  `json:"chunk_size,omitempty"`
}

type WriteFile struct {
	Type          string   `json:"type"`
	RequestID     string   `json:"request_id"`
	Path          string   `json:"path"`
	Content       string   `json:"content"`
	Encoding      Encoding `json:"encoding,omitempty"`
	CreateParents bool     `json:"create_parents,omitempty"`
}

// UploadFile stores client-supplied content under the uploads directory of
// an allowed root. The daemon derives the final name; the client never
// controls the destination path directly.
type UploadFile struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Root      string `json:"root"`
	FileName  string `json:"file_name"`
	Content   string `json:"content"` // base64
}

type CreateDirectory struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

type DeletePath struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

type RenamePath struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	OldPath   string `json:"old_path"`
	NewPath   string `json:"new_path"`
}

type CopyPath struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	SourcePath string `json:"source_path"`
	DestPath   string `json:"dest_path"`
	Recursive  bool   `json:"recursive,omitempty"`
}

type GetFileInfo struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
}

type SearchFiles struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id"`
	Path           string `json:"path"`
	NamePattern    string `json:"name_pattern"`
	ContentPattern string `json:"content_pattern,omitempty"`
	MaxDepth       int    `json:"max_depth,omitempty"`
	MaxResults     int    `json:"max_results,omitempty"`
}

type WatchDirectory struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
}

type UnwatchDirectory struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
}

type GetHomeDirectory struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

type GetAllowedRoots struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// --- Server to client ---

// Welcome acknowledges a hello and describes the daemon.
type Welcome struct {
	Type          string `json:"type"`
	ServerVersion string `json:"server_version"`
	DaemonName    string `json:"daemon_name"`
	Protocol      int    `json:"protocol"`
}

// Error reports a request-independent protocol failure (malformed JSON,
// unknown type, auth rejection). Filesystem failures use OperationError.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// SessionSummary is the per-session record in a Sessions message.
type SessionSummary struct {
	SessionID  string `json:"session_id"`
	Name       string `json:"name"`
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir"`
	PID        int    `json:"pid"`
	CLIType    string `json:"cli_type"`
	State      string `json:"state"` // running, waiting, ended
	StartedAt  int64  `json:"started_at"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

type Sessions struct {
	Type     string           `json:"type"`
	Sessions []SessionSummary `json:"sessions"`
}

type SessionInfo struct {
	Type    string         `json:"type"`
	Session SessionSummary `json:"session"`
}

type SessionEnded struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}

type SessionRenamed struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

// PTYBytes streams terminal output for a subscribed session. Data is base64.
type PTYBytes struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type PTYResized struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// WaitingForInput announces that a session appears blocked on a human.
type WaitingForInput struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	WaitType      string `json:"wait_type"`
	CLIType       string `json:"cli_type"`
	Prompt        string `json:"prompt"`
	ApprovalModel string `json:"approval_model,omitempty"`
	DetectedAt    int64  `json:"detected_at"`
}

type WaitingCleared struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SessionHistory replays the scrollback ring buffer. Data is base64.
type SessionHistory struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type SpawnResult struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// --- Filesystem responses ---

// FileEntry describes one filesystem object in listings, search results and
// file-info responses. Timestamps are unix milliseconds.
type FileEntry struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	IsDirectory   bool   `json:"is_directory"`
	IsSymlink     bool   `json:"is_symlink"`
	IsHidden      bool   `json:"is_hidden"`
	Size          int64  `json:"size"`
	Modified      int64  `json:"modified"`
	Created       int64  `json:"created,omitempty"`
	MimeType      string `json:"mime_type,omitempty"`
	Permissions   string `json:"permissions"`
	SymlinkTarget string `json:"symlink_target,omitempty"`
}

type DirectoryListing struct {
	Type       string      `json:"type"`
	RequestID  string      `json:"request_id"`
	Path       string      `json:"path"`
	Entries    []FileEntry `json:"entries"`
	TotalCount int         `json:"total_count"`
	Truncated  bool        `json:"truncated,omitempty"`
}

type FileContent struct {
	Type        string   `json:"type"`
	RequestID   string   `json:"request_id"`
	Path        string   `json:"path"`
	Content     string   `json:"content"`
	Encoding    Encoding `json:"encoding"`
	Size        int64    `json:"size"`
	MimeType    string   `json:"mime_type,omitempty"`
	TruncatedAt int64    `json:"truncated_at,omitempty"`
}

type FileChunk struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id"`
	Path        string `json:"path"`
	ChunkIndex  int64  `json:"chunk_index"`
	TotalChunks int64  `json:"total_chunks"`
	TotalSize   int64  `json:"total_size"`
	Data        string `json:"data"` // base64
	Checksum    string `json:"checksum"`
	IsLast      bool   `json:"is_last"`
}

type FileInfo struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id"`
	Info      FileEntry `json:"info"`
}

// OperationSuccess acknowledges a mutation that returns no payload.
type OperationSuccess struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Path      string `json:"path,omitempty"`
	Message   string `json:"message,omitempty"`
}

// OperationError carries the typed filesystem failure for a request.
type OperationError struct {
	Type         string    `json:"type"`
	RequestID    string    `json:"request_id"`
	Code         ErrorCode `json:"code"`
	Message      string    `json:"message"`
	Path         string    `json:"path,omitempty"`
	RetryAfterMs int64     `json:"retry_after_ms,omitempty"`
}

// SearchMatch is one hit in a SearchResults message.
type SearchMatch struct {
	Entry          FileEntry      `json:"entry"`
	ContentMatches []ContentMatch `json:"content_matches,omitempty"`
}

// ContentMatch locates a content-pattern hit inside a file.
type ContentMatch struct {
	LineNumber int    `json:"line_number"`
	Line       string `json:"line"`
	Column     int    `json:"column"`
}

type SearchResults struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id"`
	Matches   []SearchMatch `json:"matches"`
	Truncated bool          `json:"truncated,omitempty"`
}

// FileChanged is the unsolicited watch notification.
type FileChanged struct {
	Type       string     `json:"type"`
	Path       string     `json:"path"`
	ChangeType ChangeType `json:"change_type"`
	Timestamp  int64      `json:"timestamp"`
}

type HomeDirectory struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
}

type AllowedRoots struct {
	Type      string   `json:"type"`
	RequestID string   `json:"request_id"`
	Roots     []string `json:"roots"`
}

// --- Wrapper connections ---

// RegisterPTY is the first message on a wrapper connection. Only accepted
// from loopback addresses.
type RegisterPTY struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Name       string `json:"name"`
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir"`
	PID        int    `json:"pid"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

type Registered struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// PTYOutput carries raw terminal bytes from the wrapper. Data is base64.
type PTYOutput struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// Input relays keystrokes to the wrapper. Data is base64.
type Input struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type Resize struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// WrapperSessionEnded reports the wrapped process exit to the daemon.
// Shares the session_ended discriminator with the client-facing message.
type WrapperSessionEnded struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}

// --- Enumerations ---

// SortField orders directory listings.
type SortField string

const (
	SortByName     SortField = "name"
	SortBySize     SortField = "size"
	SortByModified SortField = "modified"
	SortByType     SortField = "type"
)

// SortOrder is ascending or descending.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Encoding names the content transfer encoding for file payloads.
type Encoding string

const (
	EncodingUTF8   Encoding = "utf8"
	EncodingBase64 Encoding = "base64"
)

// ChangeType classifies a watch notification.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

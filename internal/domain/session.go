package domain

import (
	"context"
	"time"
)

// FailedCommand records a tool call that failed, for repeat detection.
type FailedCommand struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Result    string         `json:"result"`
	Iteration int            `json:"iteration"`
}

// ExecutedCommand is one shell command run during the session.
type ExecutedCommand struct {
	Command   string    `json:"command"`
	Dir       string    `json:"dir"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionState is the per-conversation working context. It is written by the
// tool loop and read when building the context message for the model.
type SessionState struct {
	CWD              string            `json:"cwd"`
	InitialDirectory string            `json:"initial_directory"`
	PathHistory      []string          `json:"path_history"`
	ExecutedCommands []ExecutedCommand `json:"executed_commands"`
	UsedTools        []string          `json:"used_tools"`
	FailedCommands   []FailedCommand   `json:"failed_commands"`
	CreatedFiles     []string          `json:"created_files"`
}

// NewSessionState starts a session rooted at dir.
func NewSessionState(dir string) *SessionState {
	return &SessionState{
		CWD:              dir,
		InitialDirectory: dir,
		PathHistory:      []string{dir},
	}
}

// ChangeDirectory moves the session to dir. The path history never holds the
// same directory twice in a row.
func (s *SessionState) ChangeDirectory(dir string) {
	s.CWD = dir
	if n := len(s.PathHistory); n > 0 && s.PathHistory[n-1] == dir {
		return
	}
	s.PathHistory = append(s.PathHistory, dir)
}

// PreviousDirectory returns the entry before the current one, if any.
func (s *SessionState) PreviousDirectory() (string, bool) {
	if len(s.PathHistory) < 2 {
		return "", false
	}
	return s.PathHistory[len(s.PathHistory)-2], true
}

// MarkToolUsed appends name to UsedTools once.
func (s *SessionState) MarkToolUsed(name string) {
	for _, t := range s.UsedTools {
		if t == name {
			return
		}
	}
	s.UsedTools = append(s.UsedTools, name)
}

// Conversation is an append-only message log.
type Conversation interface {
	Append(ctx context.Context, msg Message) error
	Messages(ctx context.Context) ([]Message, error)
}

// Chat is one stored conversation, scoped to a project directory.
type Chat struct {
	ID          string    `json:"id"`
	ProjectPath string    `json:"project_path"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChatStore persists chats and their messages.
type ChatStore interface {
	CreateChat(ctx context.Context, chat Chat) error
	AppendMessage(ctx context.Context, chatID string, msg Message) error
	LoadMessages(ctx context.Context, chatID string) ([]Message, error)
	// LatestChat returns the most recently updated chat for a project, or ErrNotFound.
	LatestChat(ctx context.Context, projectPath string) (*Chat, error)
	Close() error
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"supernova/internal/domain"
)

// Session is the conversation of one chat. Messages live in memory and are
// written through to a ChatStore when one is attached.
type Session struct {
	mu          sync.RWMutex
	ID          string
	ProjectPath string
	Msgs        []domain.Message
	CreatedAt   time.Time
	UpdatedAt   time.Time

	store domain.ChatStore
}

var _ domain.Conversation = (*Session)(nil)

// NewSession creates a new empty in-memory session with a generated ULID.
func NewSession(projectPath string) *Session {
	now := time.Now()
	return &Session{
		ID:          generateULID(now),
		ProjectPath: projectPath,
		Msgs:        make([]domain.Message, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// OpenSession creates a persisted session. With resume set, the latest chat
// of the project is loaded instead when one exists.
func OpenSession(ctx context.Context, store domain.ChatStore, projectPath string, resume bool) (*Session, error) {
	if resume {
		chat, err := store.LatestChat(ctx, projectPath)
		switch {
		case err == nil:
			msgs, err := store.LoadMessages(ctx, chat.ID)
			if err != nil {
				return nil, domain.NewDomainError("OpenSession", domain.ErrConversationStore, err.Error())
			}
			return &Session{
				ID:          chat.ID,
				ProjectPath: chat.ProjectPath,
				Msgs:        msgs,
				CreatedAt:   chat.CreatedAt,
				UpdatedAt:   chat.UpdatedAt,
				store:       store,
			}, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, domain.NewDomainError("OpenSession", domain.ErrConversationStore, err.Error())
		}
	}

	s := NewSession(projectPath)
	s.store = store
	err := store.CreateChat(ctx, domain.Chat{
		ID:          s.ID,
		ProjectPath: projectPath,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	})
	if err != nil {
		return nil, domain.NewDomainError("OpenSession", domain.ErrConversationStore, err.Error())
	}
	return s, nil
}

// Append adds a message. The in-memory log only changes when the store
// accepted the message.
func (s *Session) Append(ctx context.Context, msg domain.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil {
		if err := s.store.AppendMessage(ctx, s.ID, msg); err != nil {
			return fmt.Errorf("persist message: %w", err)
		}
	}
	s.Msgs = append(s.Msgs, msg)
	s.UpdatedAt = time.Now()
	return nil
}

// Messages returns a copy of the message history.
func (s *Session) Messages(context.Context) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.Message, len(s.Msgs))
	copy(cp, s.Msgs)
	return cp, nil
}

// Len returns the number of messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Msgs)
}

// Truncate keeps only the last N in-memory messages. Stored history is untouched.
func (s *Session) Truncate(maxMessages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxMessages <= 0 || len(s.Msgs) <= maxMessages {
		return
	}
	s.Msgs = s.Msgs[len(s.Msgs)-maxMessages:]
}

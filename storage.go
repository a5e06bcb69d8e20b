package chatcore

import (
	"sync"
	"time"
)

// ============================================================================
// Records
// ============================================================================

// ConversationRecord is one row of the conversations table.
type ConversationRecord struct {
	ID          int64
	WorkspaceID string
	Data        Conversation
	Timestamp   time.Time
}

// MessageRecord is the cached message list of one conversation.
type MessageRecord struct {
	ConversationID int64
	WorkspaceID    string
	Messages       []Message
	Timestamp      time.Time
}

// Storage is a record-level persistence backend. It holds no policy: sorting,
// workspace checks and fail-soft behaviour live in Cache.
type Storage interface {
	Init() error
	Close() error

	ConversationsByWorkspace(workspaceID string) ([]ConversationRecord, error)
	PutConversations(recs []ConversationRecord) error
	DeleteConversations(ids []int64) error

	// GetMessageRecord returns nil without error when nothing is stored.
	GetMessageRecord(conversationID int64) (*MessageRecord, error)
	PutMessageRecord(rec MessageRecord) error

	DeleteWorkspace(workspaceID string) error
	DeleteAllExcept(workspaceID string) error
	DeleteOlderThan(cutoff time.Time) (int, error)
	Count() (conversations, messageLists int, err error)
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage. Records are copied on
// the way in and out so callers never share slices with the store.
type MemoryStorage struct {
	mu            sync.RWMutex
	conversations map[int64]ConversationRecord
	messages      map[int64]MessageRecord
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		conversations: make(map[int64]ConversationRecord),
		messages:      make(map[int64]MessageRecord),
	}
}

func (s *MemoryStorage) Init() error  { return nil }
func (s *MemoryStorage) Close() error { return nil }

// ── Conversations ────────────────────────────────────────

func (s *MemoryStorage) ConversationsByWorkspace(workspaceID string) ([]ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []ConversationRecord
	for _, r := range s.conversations {
		if r.WorkspaceID == workspaceID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *MemoryStorage) PutConversations(recs []ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.conversations[r.ID] = r
	}
	return nil
}

func (s *MemoryStorage) DeleteConversations(ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.conversations, id)
	}
	return nil
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStorage) GetMessageRecord(conversationID int64) (*MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.messages[conversationID]
	if !ok {
		return nil, nil
	}
	r.Messages = append([]Message(nil), r.Messages...)
	return &r, nil
}

func (s *MemoryStorage) PutMessageRecord(rec MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Messages = append([]Message(nil), rec.Messages...)
	s.messages[rec.ConversationID] = rec
	return nil
}

// ── Eviction ─────────────────────────────────────────────

func (s *MemoryStorage) DeleteWorkspace(workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.conversations {
		if r.WorkspaceID == workspaceID {
			delete(s.conversations, id)
		}
	}
	for id, r := range s.messages {
		if r.WorkspaceID == workspaceID {
			delete(s.messages, id)
		}
	}
	return nil
}

func (s *MemoryStorage) DeleteAllExcept(workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.conversations {
		if r.WorkspaceID != workspaceID {
			delete(s.conversations, id)
		}
	}
	for id, r := range s.messages {
		if r.WorkspaceID != workspaceID {
			delete(s.messages, id)
		}
	}
	return nil
}

func (s *MemoryStorage) DeleteOlderThan(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.conversations {
		if r.Timestamp.Before(cutoff) {
			delete(s.conversations, id)
			n++
		}
	}
	for id, r := range s.messages {
		if r.Timestamp.Before(cutoff) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStorage) Count() (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations), len(s.messages), nil
}

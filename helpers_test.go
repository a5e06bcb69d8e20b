package chatcore

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// fakeAPI is an in-memory ChatAPI. The zero value is an empty provider.
type fakeAPI struct {
	mu            sync.Mutex
	conversations []Conversation
	messages      map[int64][]Message

	listErr error
	msgErr  error
	sendErr error
	markErr error

	// sendFn, when set, replaces the default send behaviour.
	sendFn func(SendRequest) (*Message, error)
	// msgGate, when set, blocks ListMessages until it is closed or receives.
	msgGate chan struct{}

	nextID       int64
	queries      []ConversationQuery
	messageCalls []int64
	sent         []SendRequest
	marks        []markCall
}

type markCall struct {
	ConversationID int64
	Watermark      int64
	WorkspaceID    string
}

var errOffline = errors.New("network unreachable")

func (f *fakeAPI) setConversations(list ...Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations = slices.Clone(list)
}

func (f *fakeAPI) setMessages(conversationID int64, list ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[int64][]Message)
	}
	f.messages[conversationID] = slices.Clone(list)
}

func (f *fakeAPI) setErr(target *error, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*target = err
}

func (f *fakeAPI) ListConversations(ctx context.Context, q ConversationQuery) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Conversation
	for _, c := range f.conversations {
		if q.Status != "" && q.Status != StatusAll && c.Status != q.Status {
			continue
		}
		if q.InboxID != 0 && c.InboxID != q.InboxID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, conversationID int64, workspaceID string) ([]Message, error) {
	f.mu.Lock()
	gate := f.msgGate
	f.messageCalls = append(f.messageCalls, conversationID)
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgErr != nil {
		return nil, f.msgErr
	}
	return slices.Clone(f.messages[conversationID]), nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	fn, sendErr := f.sendFn, f.sendErr
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	if sendErr != nil {
		return nil, sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m := Message{
		ID:             1000 + f.nextID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		CreatedAt:      time.Now().Unix(),
		ConversationID: req.ConversationID,
	}
	if f.messages == nil {
		f.messages = make(map[int64][]Message)
	}
	f.messages[req.ConversationID] = append(f.messages[req.ConversationID], m)
	return &m, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, conversationID, agentLastSeenAt int64, workspaceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marks = append(f.marks, markCall{conversationID, agentLastSeenAt, workspaceID})
	return nil
}

func (f *fakeAPI) markCalls() []markCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.marks)
}

func (f *fakeAPI) sentRequests() []SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

func (f *fakeAPI) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

// failingStorage fails every operation.
type failingStorage struct{}

var errDisk = errors.New("disk on fire")

func (failingStorage) Init() error  { return nil }
func (failingStorage) Close() error { return nil }
func (failingStorage) ConversationsByWorkspace(string) ([]ConversationRecord, error) {
	return nil, errDisk
}
func (failingStorage) PutConversations([]ConversationRecord) error    { return errDisk }
func (failingStorage) DeleteConversations([]int64) error              { return errDisk }
func (failingStorage) GetMessageRecord(int64) (*MessageRecord, error) { return nil, errDisk }
func (failingStorage) PutMessageRecord(MessageRecord) error           { return errDisk }
func (failingStorage) DeleteWorkspace(string) error                   { return errDisk }
func (failingStorage) DeleteAllExcept(string) error                   { return errDisk }
func (failingStorage) DeleteOlderThan(time.Time) (int, error)         { return 0, errDisk }
func (failingStorage) Count() (int, int, error)                       { return 0, 0, errDisk }

func msg(id, createdAt int64) Message {
	return Message{ID: id, CreatedAt: createdAt, ConversationID: 1, Content: "m"}
}

func ids(list []Message) []int64 {
	out := make([]int64, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

func convIDs(list []Conversation) []int64 {
	out := make([]int64, 0, len(list))
	for _, c := range list {
		out = append(out, c.ID)
	}
	return out
}

func (f *fakeAPI) messageCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messageCalls)
}

// snapshotRecorder collects timeline snapshots.
type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []TimelineSnapshot
}

func (r *snapshotRecorder) record(s TimelineSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *snapshotRecorder) all() []TimelineSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.snaps)
}

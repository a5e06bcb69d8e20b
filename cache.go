package chatcore

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cache is the workspace-scoped local store for conversations and message
// lists. It is an optimization, never the source of truth: reads fail soft to
// nil and writes log and swallow storage errors.
//
// Every write reads the latest record, computes the new one and replaces it
// whole while holding the cache mutex, so concurrent writers never interleave
// partial state.
type Cache struct {
	storage Storage
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu sync.Mutex
}

type CacheOption func(*Cache)

func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// WithCacheClock overrides the clock used for record timestamps.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a cache over storage. Call Init before use.
func NewCache(storage Storage, opts ...CacheOption) *Cache {
	c := &Cache{
		storage: storage,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Init() error  { return c.storage.Init() }
func (c *Cache) Close() error { return c.storage.Close() }

func (c *Cache) fail(op string, err error, fields ...zap.Field) {
	c.metrics.cacheError(op)
	c.logger.Warn("cache "+op+" failed", append(fields, zap.Error(err))...)
}

// ============================================================================
// Conversations
// ============================================================================

// GetConversations returns the cached list of a workspace, most recent first,
// or nil when nothing is cached.
func (c *Cache) GetConversations(workspaceID string) []Conversation {
	recs, err := c.storage.ConversationsByWorkspace(workspaceID)
	if err != nil {
		c.fail("get_conversations", err, zap.String("workspace_id", workspaceID))
		return nil
	}
	c.metrics.cacheLookup("conversations", len(recs) > 0)
	if len(recs) == 0 {
		return nil
	}
	list := make([]Conversation, 0, len(recs))
	for _, r := range recs {
		list = append(list, r.Data)
	}
	return SortConversations(list)
}

// SyncConversations makes the workspace's cached conversations exactly match
// fresh: entries missing from fresh are deleted, the rest upserted.
func (c *Cache) SyncConversations(fresh []Conversation, workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.storage.ConversationsByWorkspace(workspaceID)
	if err != nil {
		c.fail("sync_conversations", err, zap.String("workspace_id", workspaceID))
		return
	}
	keep := make(map[int64]bool, len(fresh))
	for _, conv := range fresh {
		keep[conv.ID] = true
	}
	var stale []int64
	for _, r := range existing {
		if !keep[r.ID] {
			stale = append(stale, r.ID)
		}
	}
	if err := c.storage.DeleteConversations(stale); err != nil {
		c.fail("sync_conversations", err, zap.String("workspace_id", workspaceID))
		return
	}

	now := c.now()
	recs := make([]ConversationRecord, 0, len(fresh))
	for _, conv := range fresh {
		recs = append(recs, ConversationRecord{ID: conv.ID, WorkspaceID: workspaceID, Data: conv, Timestamp: now})
	}
	if err := c.storage.PutConversations(recs); err != nil {
		c.fail("sync_conversations", err, zap.String("workspace_id", workspaceID))
		return
	}
	c.logger.Debug("conversations synced",
		zap.String("workspace_id", workspaceID),
		zap.Int("upserted", len(recs)),
		zap.Int("deleted", len(stale)))
}

// ============================================================================
// Messages
// ============================================================================

// GetMessages returns the cached messages of a conversation in timeline
// order. It returns nil when nothing is cached or when the cached record
// belongs to another workspace.
func (c *Cache) GetMessages(conversationID int64, workspaceID string) []Message {
	rec := c.messageRecord("get_messages", conversationID, workspaceID)
	c.metrics.cacheLookup("messages", rec != nil)
	if rec == nil {
		return nil
	}
	if rec.Messages == nil {
		return []Message{}
	}
	return SortMessages(rec.Messages)
}

// messageRecord loads a record and enforces workspace isolation.
func (c *Cache) messageRecord(op string, conversationID int64, workspaceID string) *MessageRecord {
	rec, err := c.storage.GetMessageRecord(conversationID)
	if err != nil {
		c.fail(op, err, zap.Int64("conversation_id", conversationID), zap.String("workspace_id", workspaceID))
		return nil
	}
	if rec == nil {
		return nil
	}
	if rec.WorkspaceID != workspaceID {
		c.logger.Warn("discarding cross-workspace cache entry",
			zap.Int64("conversation_id", conversationID),
			zap.String("workspace_id", workspaceID),
			zap.String("cached_workspace_id", rec.WorkspaceID))
		return nil
	}
	return rec
}

func (c *Cache) putMessages(op string, conversationID int64, msgs []Message, workspaceID string) {
	err := c.storage.PutMessageRecord(MessageRecord{
		ConversationID: conversationID,
		WorkspaceID:    workspaceID,
		Messages:       msgs,
		Timestamp:      c.now(),
	})
	if err != nil {
		c.fail(op, err, zap.Int64("conversation_id", conversationID), zap.String("workspace_id", workspaceID))
	}
}

// CacheMessages replaces the cached list of a conversation.
func (c *Cache) CacheMessages(conversationID int64, msgs []Message, workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putMessages("cache_messages", conversationID, SortMessages(msgs), workspaceID)
}

// AddOptimisticMessage appends an optimistic message to an existing cached
// list. Without a cached list it does nothing, so the cache never holds a
// partial timeline.
func (c *Cache) AddOptimisticMessage(conversationID int64, msg Message, workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.messageRecord("add_optimistic", conversationID, workspaceID)
	if rec == nil {
		return
	}
	next, changed := MergeMessage(rec.Messages, msg)
	if changed {
		c.putMessages("add_optimistic", conversationID, next, workspaceID)
	}
}

// UpdateMessageStatus replaces the optimistic entry tempID with the
// confirmed message, keeping its position.
func (c *Cache) UpdateMessageStatus(conversationID int64, tempID string, real Message, workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.messageRecord("update_status", conversationID, workspaceID)
	if rec == nil {
		return
	}
	next := ReplaceOptimistic(rec.Messages, tempID, real)
	c.putMessages("update_status", conversationID, next, workspaceID)
}

// AddMessageToCache appends msg unless a message with its id is already
// cached. Like AddOptimisticMessage it never creates a list.
func (c *Cache) AddMessageToCache(conversationID int64, msg Message, workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.messageRecord("add_message", conversationID, workspaceID)
	if rec == nil {
		return
	}
	next, changed := MergeMessage(rec.Messages, msg)
	if changed {
		c.putMessages("add_message", conversationID, next, workspaceID)
	}
}

// RemoveMessage drops a rolled-back optimistic message.
func (c *Cache) RemoveMessage(conversationID int64, tempID string, workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.messageRecord("remove_message", conversationID, workspaceID)
	if rec == nil {
		return
	}
	next := RemoveOptimistic(rec.Messages, tempID)
	if len(next) != len(rec.Messages) {
		c.putMessages("remove_message", conversationID, next, workspaceID)
	}
}

// ============================================================================
// Eviction
// ============================================================================

// ClearWorkspaceCache drops everything cached for workspaceID.
func (c *Cache) ClearWorkspaceCache(workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.storage.DeleteWorkspace(workspaceID); err != nil {
		c.fail("clear_workspace", err, zap.String("workspace_id", workspaceID))
	}
}

// ClearOtherWorkspaces drops everything not cached for keepID.
func (c *Cache) ClearOtherWorkspaces(keepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.storage.DeleteAllExcept(keepID); err != nil {
		c.fail("clear_other_workspaces", err, zap.String("workspace_id", keepID))
	}
}

// PruneOlderThan drops records written more than maxAge ago and returns how
// many were removed.
func (c *Cache) PruneOlderThan(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.storage.DeleteOlderThan(c.now().Add(-maxAge))
	if err != nil {
		c.fail("prune", err)
	}
	return n
}

// CacheStats counts stored records.
type CacheStats struct {
	Conversations int `json:"conversations"`
	MessageLists  int `json:"message_lists"`
}

func (c *Cache) Stats() CacheStats {
	convs, msgs, err := c.storage.Count()
	if err != nil {
		c.fail("stats", err)
		return CacheStats{}
	}
	return CacheStats{Conversations: convs, MessageLists: msgs}
}

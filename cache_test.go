package chatcore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// storages runs fn against every Storage backend.
func storages(t *testing.T, fn func(t *testing.T, s Storage)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStorage())
	})
	t.Run("sqlite", func(t *testing.T) {
		s := NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
		require.NoError(t, s.Init())
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func TestCacheWorkspaceIsolation(t *testing.T) {
	storages(t, func(t *testing.T, s Storage) {
		core, logs := observer.New(zap.WarnLevel)
		c := NewCache(s, WithCacheLogger(zap.New(core)))

		c.CacheMessages(42, []Message{msg(1, 100)}, "ws-b")

		assert.Nil(t, c.GetMessages(42, "ws-a"))
		assert.Equal(t, 1, logs.FilterMessage("discarding cross-workspace cache entry").Len())
		assert.Equal(t, []int64{1}, ids(c.GetMessages(42, "ws-b")))
	})
}

func TestCacheSyncConversationsIsFullReconciliation(t *testing.T) {
	storages(t, func(t *testing.T, s Storage) {
		c := NewCache(s)
		c.SyncConversations([]Conversation{{ID: 1, Timestamp: 1}, {ID: 2, Timestamp: 2}, {ID: 3, Timestamp: 3}}, "ws")
		c.SyncConversations([]Conversation{{ID: 2, Timestamp: 2}, {ID: 3, Timestamp: 3}, {ID: 4, Timestamp: 4}}, "ws")

		assert.Equal(t, []int64{4, 3, 2}, convIDs(c.GetConversations("ws")))
		assert.Nil(t, c.GetConversations("other"))
	})
}

func TestCacheMessagesSortsBeforeStoring(t *testing.T) {
	storages(t, func(t *testing.T, s Storage) {
		c := NewCache(s)
		c.CacheMessages(1, []Message{msg(3, 300), msg(2, 100), msg(1, 100)}, "ws")
		assert.Equal(t, []int64{1, 2, 3}, ids(c.GetMessages(1, "ws")))

		c.CacheMessages(2, nil, "ws")
		got := c.GetMessages(2, "ws")
		assert.NotNil(t, got, "an empty cached list is not a miss")
		assert.Empty(t, got)
	})
}

func TestCacheOptimisticReconciliation(t *testing.T) {
	storages(t, func(t *testing.T, s Storage) {
		c := NewCache(s)
		c.CacheMessages(1, []Message{msg(1, 100), msg(2, 300)}, "ws")

		c.AddOptimisticMessage(1, Message{TempID: "temp-t", CreatedAt: 200, ConversationID: 1, Sending: true}, "ws")
		before := c.GetMessages(1, "ws")
		require.Len(t, before, 3)
		assert.Equal(t, "temp-t", before[1].TempID)

		c.UpdateMessageStatus(1, "temp-t", Message{ID: 9, CreatedAt: 200, ConversationID: 1}, "ws")
		after := c.GetMessages(1, "ws")
		assert.Equal(t, []int64{1, 9, 2}, ids(after))
		for _, m := range after {
			assert.NotEqual(t, "temp-t", m.TempID)
			assert.False(t, m.Sending)
		}
	})
}

func TestCacheOptimisticWithoutListIsNoop(t *testing.T) {
	c := NewCache(NewMemoryStorage())
	c.AddOptimisticMessage(1, Message{TempID: "temp-t", CreatedAt: 1}, "ws")
	c.AddMessageToCache(1, msg(5, 1), "ws")

	assert.Nil(t, c.GetMessages(1, "ws"))
	assert.Equal(t, CacheStats{}, c.Stats())
}

func TestCacheAddMessageDeduplicates(t *testing.T) {
	c := NewCache(NewMemoryStorage())
	c.CacheMessages(1, []Message{msg(1, 100)}, "ws")
	c.AddMessageToCache(1, msg(99, 200), "ws")
	c.AddMessageToCache(1, msg(99, 200), "ws")

	assert.Equal(t, []int64{1, 99}, ids(c.GetMessages(1, "ws")))
}

func TestCacheRemoveMessage(t *testing.T) {
	c := NewCache(NewMemoryStorage())
	c.CacheMessages(1, []Message{msg(1, 100)}, "ws")
	c.AddOptimisticMessage(1, Message{TempID: "temp-x", CreatedAt: 200}, "ws")
	c.RemoveMessage(1, "temp-x", "ws")

	assert.Equal(t, []int64{1}, ids(c.GetMessages(1, "ws")))
}

func TestCacheEviction(t *testing.T) {
	storages(t, func(t *testing.T, s Storage) {
		c := NewCache(s)
		for _, ws := range []string{"a", "b", "c"} {
			c.SyncConversations([]Conversation{{ID: int64(len(ws) + int(ws[0]))}}, ws)
			c.CacheMessages(int64(ws[0]), []Message{msg(1, 1)}, ws)
		}
		require.Equal(t, CacheStats{Conversations: 3, MessageLists: 3}, c.Stats())

		c.ClearWorkspaceCache("a")
		assert.Nil(t, c.GetConversations("a"))
		assert.Equal(t, CacheStats{Conversations: 2, MessageLists: 2}, c.Stats())

		c.ClearOtherWorkspaces("b")
		assert.Nil(t, c.GetConversations("c"))
		assert.Nil(t, c.GetMessages(int64('c'), "c"))
		assert.NotNil(t, c.GetMessages(int64('b'), "b"))
		assert.Equal(t, CacheStats{Conversations: 1, MessageLists: 1}, c.Stats())
	})
}

func TestCachePruneOlderThan(t *testing.T) {
	storages(t, func(t *testing.T, s Storage) {
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		c := NewCache(s, WithCacheClock(func() time.Time { return now }))

		c.CacheMessages(1, []Message{msg(1, 1)}, "ws")
		c.SyncConversations([]Conversation{{ID: 1}}, "ws")
		now = now.Add(48 * time.Hour)
		c.CacheMessages(2, []Message{msg(2, 2)}, "ws")

		assert.Equal(t, 2, c.PruneOlderThan(24*time.Hour))
		assert.Nil(t, c.GetMessages(1, "ws"))
		assert.NotNil(t, c.GetMessages(2, "ws"))
	})
}

func TestCacheFailsSoft(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := NewCache(failingStorage{}, WithCacheLogger(zap.New(core)))

	assert.Nil(t, c.GetConversations("ws"))
	assert.Nil(t, c.GetMessages(1, "ws"))
	assert.NotPanics(t, func() {
		c.SyncConversations([]Conversation{{ID: 1}}, "ws")
		c.CacheMessages(1, []Message{msg(1, 1)}, "ws")
		c.AddOptimisticMessage(1, Message{TempID: "t"}, "ws")
		c.ClearOtherWorkspaces("ws")
	})
	assert.Zero(t, c.PruneOlderThan(time.Hour))
	assert.Equal(t, CacheStats{}, c.Stats())
	assert.GreaterOrEqual(t, logs.Len(), 6)
}

func TestSQLiteStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s := NewSQLiteStorage(path)
	require.NoError(t, s.Init())
	c := NewCache(s)
	c.SyncConversations([]Conversation{{ID: 7, Status: StatusOpen, Labels: []string{"vip"}}}, "ws")
	c.CacheMessages(7, []Message{{
		ID: 1, CreatedAt: 10, ConversationID: 7, Content: "photo",
		Attachments: []Attachment{{Kind: AttachmentImage, URL: "https://cdn/x.png"}},
	}}, "ws")
	require.NoError(t, c.Close())

	reopened := NewCache(NewSQLiteStorage(path))
	require.NoError(t, reopened.Init())
	defer reopened.Close()

	convs := reopened.GetConversations("ws")
	require.Len(t, convs, 1)
	assert.Equal(t, []string{"vip"}, convs[0].Labels)

	msgs := reopened.GetMessages(7, "ws")
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Attachments, 1)
	assert.Equal(t, AttachmentImage, msgs[0].Attachments[0].Kind)
}

package chatcore

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertTimelineOrdered(t *testing.T, list []Message) {
	t.Helper()
	seen := make(map[int64]bool)
	for i, m := range list {
		if m.ID != 0 {
			require.False(t, seen[m.ID], "duplicate id %d", m.ID)
			seen[m.ID] = true
		}
		if i == 0 {
			continue
		}
		prev := list[i-1]
		require.LessOrEqual(t, prev.CreatedAt, m.CreatedAt, "createdAt out of order at %d", i)
		if prev.CreatedAt == m.CreatedAt && prev.ID != 0 && m.ID != 0 {
			require.Less(t, prev.ID, m.ID, "tie not broken by id at %d", i)
		}
	}
}

func TestSortMessages(t *testing.T) {
	in := []Message{msg(3, 300), msg(2, 100), msg(1, 100), {TempID: "temp-a", CreatedAt: 100}}
	out := SortMessages(in)

	assert.Equal(t, []int64{1, 2, 0, 3}, ids(out))
	assert.Equal(t, int64(3), in[0].ID, "input must not be reordered")
}

func TestMergeMessageOrderingUnderInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		var ops []Message
		for i := int64(1); i <= 20; i++ {
			m := msg(i, int64(rng.Intn(10))*10)
			ops = append(ops, m)
			if rng.Intn(3) == 0 {
				ops = append(ops, m)
			}
		}
		rng.Shuffle(len(ops), func(i, j int) { ops[i], ops[j] = ops[j], ops[i] })

		var list []Message
		for _, m := range ops {
			list, _ = MergeMessage(list, m)
		}
		assertTimelineOrdered(t, list)
		assert.Len(t, list, 20)
	}
}

func TestMergeMessageIdempotent(t *testing.T) {
	base := []Message{msg(1, 100), msg(3, 300)}
	ev := msg(99, 200)

	once, changed := MergeMessage(base, ev)
	require.True(t, changed)
	twice, changed := MergeMessage(once, ev)

	assert.False(t, changed)
	assert.Equal(t, once, twice)
	assert.Equal(t, []int64{1, 99, 3}, ids(twice))
}

func TestMergeMessageConfirmsOptimistic(t *testing.T) {
	list := []Message{msg(1, 100), {TempID: "temp-1", CreatedAt: 150, Sending: true}}

	t.Run("echo with tempId replaces the optimistic entry", func(t *testing.T) {
		out, changed := MergeMessage(list, Message{ID: 5, TempID: "temp-1", CreatedAt: 151})
		require.True(t, changed)
		assert.Equal(t, []int64{1, 5}, ids(out))
		assert.False(t, out[1].Sending)
	})

	t.Run("optimistic duplicate is ignored", func(t *testing.T) {
		out, changed := MergeMessage(list, Message{TempID: "temp-1", CreatedAt: 150})
		assert.False(t, changed)
		assert.Len(t, out, 2)
	})
}

func TestReplaceOptimistic(t *testing.T) {
	list := []Message{msg(1, 100), {TempID: "temp-1", CreatedAt: 200, Sending: true}, msg(3, 300)}

	t.Run("keeps position", func(t *testing.T) {
		out := ReplaceOptimistic(list, "temp-1", Message{ID: 7, CreatedAt: 201})
		assert.Equal(t, []int64{1, 7, 3}, ids(out))
		assert.False(t, out[1].Sending)
		for _, m := range out {
			assert.NotEqual(t, "temp-1", m.TempID)
		}
	})

	t.Run("real message already present", func(t *testing.T) {
		withEcho := append(append([]Message(nil), list...), msg(7, 201))
		out := ReplaceOptimistic(withEcho, "temp-1", Message{ID: 7, CreatedAt: 201})
		assert.Equal(t, []int64{1, 3, 7}, ids(out))
	})

	t.Run("unknown tempId", func(t *testing.T) {
		out := ReplaceOptimistic(list, "temp-x", msg(9, 1))
		assert.Equal(t, list, out)
	})
}

func TestRemoveOptimistic(t *testing.T) {
	list := []Message{msg(1, 100), {TempID: "temp-1", CreatedAt: 200}}
	assert.Equal(t, []int64{1}, ids(RemoveOptimistic(list, "temp-1")))
	assert.Len(t, RemoveOptimistic(list, "temp-2"), 2)
	assert.Len(t, list, 2)
}

func TestSortConversations(t *testing.T) {
	out := SortConversations([]Conversation{
		{ID: 1, Timestamp: 100},
		{ID: 2, Timestamp: 300},
		{ID: 3, Timestamp: 100},
	})
	assert.Equal(t, []int64{2, 3, 1}, convIDs(out))
}

func TestUnreadAfter(t *testing.T) {
	conv := Conversation{ID: 1, UnreadCount: 2, LastMessage: &MessagePreview{ID: 10}}
	incoming := Message{ID: 11, MessageType: MessageIncoming}

	tests := []struct {
		name   string
		msg    Message
		active bool
		want   int
	}{
		{"incoming to active resets", incoming, true, 0},
		{"incoming to inactive increments", incoming, false, 3},
		{"outgoing to inactive resets", Message{ID: 11, MessageType: MessageOutgoing}, false, 0},
		{"outgoing to active resets", Message{ID: 11, MessageType: MessageOutgoing}, true, 0},
		{"template counts as outgoing", Message{ID: 11, MessageType: MessageTemplate}, false, 0},
		{"activity leaves count", Message{ID: 11, MessageType: MessageActivity}, false, 2},
		{"already seen message leaves count", Message{ID: 10, MessageType: MessageIncoming}, false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UnreadAfter(conv, tt.msg, tt.active))
		})
	}
}

func TestMergeConversationEvent(t *testing.T) {
	list := []Conversation{
		{ID: 1, Timestamp: 300, Status: StatusOpen},
		{ID: 2, Timestamp: 200, Status: StatusOpen, UnreadCount: 1},
	}

	t.Run("message bumps and re-sorts", func(t *testing.T) {
		ev := MessageCreated{ConversationID: 2, Message: Message{ID: 50, CreatedAt: 400, Content: "hi", ConversationID: 2}}
		next, reload := MergeConversationEvent(list, ev, 0)
		require.False(t, reload)
		assert.Equal(t, []int64{2, 1}, convIDs(next))
		assert.Equal(t, 2, next[0].UnreadCount)
		assert.Equal(t, "hi", next[0].LastMessage.Content)
		assert.Equal(t, int64(400), next[0].Timestamp)

		again, _ := MergeConversationEvent(next, ev, 0)
		assert.Equal(t, 2, again[0].UnreadCount, "duplicate delivery must not double count")
	})

	t.Run("message to active conversation resets", func(t *testing.T) {
		ev := MessageCreated{ConversationID: 2, Message: Message{ID: 51, CreatedAt: 400}}
		next, _ := MergeConversationEvent(list, ev, 2)
		assert.Equal(t, 0, next[0].UnreadCount)
	})

	t.Run("message for unknown conversation asks for reload", func(t *testing.T) {
		next, reload := MergeConversationEvent(list, MessageCreated{ConversationID: 9}, 0)
		assert.True(t, reload)
		assert.Equal(t, list, next)
	})

	t.Run("created is deduplicated", func(t *testing.T) {
		next, _ := MergeConversationEvent(list, ConversationCreated{Conversation: Conversation{ID: 3, Timestamp: 250}}, 0)
		assert.Equal(t, []int64{1, 3, 2}, convIDs(next))
		again, _ := MergeConversationEvent(next, ConversationCreated{Conversation: Conversation{ID: 3, Timestamp: 250}}, 0)
		assert.Equal(t, next, again)
	})

	t.Run("update and status change patch in place", func(t *testing.T) {
		unread := 0
		next, _ := MergeConversationEvent(list, ConversationUpdated{ConversationID: 2, Patch: ConversationPatch{UnreadCount: &unread, Labels: []string{"vip"}}}, 0)
		assert.Equal(t, 0, next[1].UnreadCount)
		assert.Equal(t, []string{"vip"}, next[1].Labels)

		next, _ = MergeConversationEvent(next, ConversationStatusChanged{ConversationID: 1, Status: StatusResolved}, 0)
		assert.Equal(t, StatusResolved, next[0].Status)
		assert.Equal(t, StatusOpen, list[0].Status, "input must not be mutated")
	})
}

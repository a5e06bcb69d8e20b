package chatcore

import (
	"cmp"
	"slices"
)

// ============================================================================
// Messages
// ============================================================================

// compareMessages orders by createdAt, then id. Optimistic entries (no id yet)
// sort after confirmed ones with the same createdAt.
func compareMessages(a, b Message) int {
	if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
		return c
	}
	if (a.ID == 0) != (b.ID == 0) {
		if a.ID == 0 {
			return 1
		}
		return -1
	}
	if c := cmp.Compare(a.ID, b.ID); c != 0 {
		return c
	}
	return cmp.Compare(a.TempID, b.TempID)
}

// SortMessages returns a sorted copy of list.
func SortMessages(list []Message) []Message {
	out := slices.Clone(list)
	slices.SortStableFunc(out, compareMessages)
	return out
}

func indexByID(list []Message, id int64) int {
	if id == 0 {
		return -1
	}
	return slices.IndexFunc(list, func(m Message) bool { return m.ID == id })
}

func indexByTempID(list []Message, tempID string) int {
	if tempID == "" {
		return -1
	}
	return slices.IndexFunc(list, func(m Message) bool { return m.ID == 0 && m.TempID == tempID })
}

// MergeMessage inserts incoming into list and re-sorts. A message whose id is
// already present is a duplicate and leaves list untouched. A confirmed
// message that still carries the tempId of an optimistic entry replaces it.
// The returned bool reports whether the list changed.
func MergeMessage(list []Message, incoming Message) ([]Message, bool) {
	if indexByID(list, incoming.ID) >= 0 {
		return list, false
	}
	out := slices.Clone(list)
	if i := indexByTempID(out, incoming.TempID); i >= 0 {
		if incoming.ID == 0 {
			return list, false
		}
		incoming.Sending = false
		out[i] = incoming
	} else {
		out = append(out, incoming)
	}
	slices.SortStableFunc(out, compareMessages)
	return out, true
}

// ReplaceOptimistic swaps the entry keyed by tempID for real, keeping its
// position. If real already arrived through another path the optimistic entry
// is dropped instead, so the id never appears twice. Unknown tempIDs leave the
// list unchanged.
func ReplaceOptimistic(list []Message, tempID string, real Message) []Message {
	i := indexByTempID(list, tempID)
	if i < 0 {
		return list
	}
	if indexByID(list, real.ID) >= 0 {
		return RemoveOptimistic(list, tempID)
	}
	out := slices.Clone(list)
	real.Sending = false
	out[i] = real
	return out
}

// RemoveOptimistic drops the entry keyed by tempID.
func RemoveOptimistic(list []Message, tempID string) []Message {
	i := indexByTempID(list, tempID)
	if i < 0 {
		return list
	}
	out := make([]Message, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}

// ============================================================================
// Conversations
// ============================================================================

// SortConversations returns a copy of list ordered by most recent activity.
func SortConversations(list []Conversation) []Conversation {
	out := slices.Clone(list)
	slices.SortStableFunc(out, func(a, b Conversation) int {
		if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

// UnreadAfter is the single unread-count rule shared by live and polled
// events. Outbound messages and incoming messages to the active conversation
// reset the count; an incoming message to an inactive conversation adds one
// unless the conversation already reflects it. Activity messages leave the
// count alone.
func UnreadAfter(conv Conversation, msg Message, active bool) int {
	switch {
	case msg.MessageType.IsOutbound():
		return 0
	case msg.MessageType == MessageActivity:
		return conv.UnreadCount
	case active:
		return 0
	case alreadySeen(conv, msg):
		return conv.UnreadCount
	}
	return conv.UnreadCount + 1
}

// alreadySeen reports whether msg is not newer than the conversation's last
// message. Provider ids grow monotonically within an account.
func alreadySeen(conv Conversation, msg Message) bool {
	lm := conv.LastMessage
	return lm != nil && lm.ID != 0 && msg.ID != 0 && msg.ID <= lm.ID
}

// applyMessage folds a new message into its conversation's list entry.
func applyMessage(conv Conversation, msg Message, active bool) Conversation {
	conv.UnreadCount = UnreadAfter(conv, msg, active)
	if msg.MessageType != MessageActivity && !alreadySeen(conv, msg) {
		conv.LastMessage = msg.Preview()
	}
	conv.Timestamp = max(conv.Timestamp, msg.CreatedAt)
	return conv
}

func conversationIndex(list []Conversation, id int64) int {
	return slices.IndexFunc(list, func(c Conversation) bool { return c.ID == id })
}

// MergeConversationEvent applies ev to the conversation list and re-sorts it.
// reload is true when ev refers to a conversation the list does not know,
// which means a ConversationCreated was missed and the caller should refetch.
func MergeConversationEvent(list []Conversation, ev Event, activeID int64) (next []Conversation, reload bool) {
	switch e := ev.(type) {
	case MessageCreated:
		i := conversationIndex(list, e.ConversationID)
		if i < 0 {
			return list, true
		}
		next = slices.Clone(list)
		next[i] = applyMessage(next[i], e.Message, e.ConversationID == activeID)

	case ConversationCreated:
		if conversationIndex(list, e.Conversation.ID) >= 0 {
			return list, false
		}
		next = make([]Conversation, 0, len(list)+1)
		next = append(next, e.Conversation)
		next = append(next, list...)

	case ConversationUpdated:
		i := conversationIndex(list, e.ConversationID)
		if i < 0 {
			return list, false
		}
		next = slices.Clone(list)
		next[i] = e.Patch.Apply(next[i])

	case ConversationStatusChanged:
		i := conversationIndex(list, e.ConversationID)
		if i < 0 {
			return list, false
		}
		next = slices.Clone(list)
		next[i].Status = e.Status

	default:
		return list, false
	}
	return SortConversations(next), false
}

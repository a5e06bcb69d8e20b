package chatcore

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ============================================================================
// Conversations
// ============================================================================

// ConversationStatus is the provider-side lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusOpen     ConversationStatus = "open"
	StatusResolved ConversationStatus = "resolved"
	StatusPending  ConversationStatus = "pending"
	StatusSnoozed  ConversationStatus = "snoozed"

	// StatusAll is only meaningful as a list query filter.
	StatusAll ConversationStatus = "all"
)

// Valid reports whether s is a status a conversation can actually be in.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusResolved, StatusPending, StatusSnoozed:
		return true
	}
	return false
}

// Contact is the sender metadata attached to conversations and messages.
type Contact struct {
	ID          int64  `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Email       string `json:"email,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}

// ConversationMeta carries the sender and channel of a conversation.
type ConversationMeta struct {
	Sender  Contact `json:"sender"`
	Channel string  `json:"channel,omitempty"`
}

// MessagePreview is the short form of the latest non-activity message.
type MessagePreview struct {
	ID          int64       `json:"id,omitempty"`
	Content     string      `json:"content"`
	CreatedAt   int64       `json:"created_at"`
	MessageType MessageType `json:"message_type"`
}

// CustomerLink references the CRM customer record bound to a conversation.
type CustomerLink struct {
	CustomerID     string `json:"customer_id"`
	ConversationID int64  `json:"conversation_id,omitempty"`
}

// Conversation is a provider conversation as rendered in the inbox list.
type Conversation struct {
	ID              int64              `json:"id"`
	InboxID         int64              `json:"inbox_id,omitempty"`
	AccountID       int64              `json:"account_id,omitempty"`
	Status          ConversationStatus `json:"status"`
	Timestamp       int64              `json:"timestamp"`
	UnreadCount     int                `json:"unread_count"`
	LastMessage     *MessagePreview    `json:"last_non_activity_message,omitempty"`
	Meta            ConversationMeta   `json:"meta"`
	Labels          []string           `json:"labels,omitempty"`
	CustomerLink    *CustomerLink      `json:"customer_link,omitempty"`
	CreatedAt       int64              `json:"created_at,omitempty"`
	AgentLastSeenAt int64              `json:"agent_last_seen_at,omitempty"`
}

// ConversationPatch is a partial update delivered by a ConversationUpdated event.
// Nil fields are left untouched.
type ConversationPatch struct {
	Status          *ConversationStatus `json:"status,omitempty"`
	UnreadCount     *int                `json:"unread_count,omitempty"`
	Timestamp       *int64              `json:"timestamp,omitempty"`
	LastMessage     *MessagePreview     `json:"last_non_activity_message,omitempty"`
	Labels          []string            `json:"labels,omitempty"`
	Meta            *ConversationMeta   `json:"meta,omitempty"`
	CustomerLink    *CustomerLink       `json:"customer_link,omitempty"`
	AgentLastSeenAt *int64              `json:"agent_last_seen_at,omitempty"`
}

// Apply returns c with the non-nil fields of p written over it.
func (p ConversationPatch) Apply(c Conversation) Conversation {
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.UnreadCount != nil && *p.UnreadCount >= 0 {
		c.UnreadCount = *p.UnreadCount
	}
	if p.Timestamp != nil {
		c.Timestamp = *p.Timestamp
	}
	if p.LastMessage != nil {
		lm := *p.LastMessage
		c.LastMessage = &lm
	}
	if p.Labels != nil {
		c.Labels = append([]string(nil), p.Labels...)
	}
	if p.Meta != nil {
		c.Meta = *p.Meta
	}
	if p.CustomerLink != nil {
		cl := *p.CustomerLink
		c.CustomerLink = &cl
	}
	if p.AgentLastSeenAt != nil {
		c.AgentLastSeenAt = *p.AgentLastSeenAt
	}
	return c
}

// Inbox is a provider inbox (one channel: WhatsApp number, e-mail address, ...).
type Inbox struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	ChannelType string `json:"channel_type,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageType is the provider's message direction.
type MessageType int

const (
	MessageIncoming MessageType = 0
	MessageOutgoing MessageType = 1
	MessageActivity MessageType = 2
	MessageTemplate MessageType = 3
)

var messageTypeNames = map[string]MessageType{
	"incoming": MessageIncoming,
	"outgoing": MessageOutgoing,
	"activity": MessageActivity,
	"template": MessageTemplate,
}

func (t MessageType) String() string {
	for name, v := range messageTypeNames {
		if v == t {
			return name
		}
	}
	return strconv.Itoa(int(t))
}

// IsOutbound reports whether the message was sent by the agent side.
func (t MessageType) IsOutbound() bool {
	return t == MessageOutgoing || t == MessageTemplate
}

// UnmarshalJSON accepts both the numeric and the named wire form.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*t = MessageType(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("message_type: %w", err)
	}
	v, ok := messageTypeNames[s]
	if !ok {
		return fmt.Errorf("message_type: unknown value %q", s)
	}
	*t = v
	return nil
}

// Message is a single timeline entry. Confirmed messages carry the provider
// ID; optimistic ones carry only a TempID until the send is reconciled.
type Message struct {
	ID             int64        `json:"id,omitempty"`
	TempID         string       `json:"temp_id,omitempty"`
	Content        string       `json:"content"`
	MessageType    MessageType  `json:"message_type"`
	CreatedAt      int64        `json:"created_at"`
	ConversationID int64        `json:"conversation_id"`
	Sender         *Contact     `json:"sender,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Sending        bool         `json:"sending,omitempty"`
}

// IsOptimistic reports whether the message is still keyed by its TempID.
func (m Message) IsOptimistic() bool {
	return m.ID == 0 && m.TempID != ""
}

// Key returns the message's current identity.
func (m Message) Key() string {
	if m.ID != 0 {
		return "id:" + strconv.FormatInt(m.ID, 10)
	}
	return "tmp:" + m.TempID
}

// Preview builds the list preview for m.
func (m Message) Preview() *MessagePreview {
	return &MessagePreview{ID: m.ID, Content: m.Content, CreatedAt: m.CreatedAt, MessageType: m.MessageType}
}

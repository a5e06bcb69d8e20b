package chatcore

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Event Types
// ============================================================================

// EventType is the wire name of a feed event.
type EventType string

const (
	EventMessageCreated            EventType = "message.created"
	EventConversationCreated       EventType = "conversation.created"
	EventConversationUpdated       EventType = "conversation.updated"
	EventConversationStatusChanged EventType = "conversation.status_changed"
)

// Event is one of MessageCreated, ConversationCreated, ConversationUpdated or
// ConversationStatusChanged.
type Event interface {
	Type() EventType
	// ConversationRef returns the id of the conversation the event refers to.
	ConversationRef() int64
}

// MessageCreated announces a new message in a conversation.
type MessageCreated struct {
	ConversationID int64
	Message        Message
}

// ConversationCreated announces a conversation the client has not seen yet.
type ConversationCreated struct {
	Conversation Conversation
}

// ConversationUpdated carries a partial update of a conversation.
type ConversationUpdated struct {
	ConversationID int64
	Patch          ConversationPatch
}

// ConversationStatusChanged announces a status transition.
type ConversationStatusChanged struct {
	ConversationID int64
	Status         ConversationStatus
}

func (MessageCreated) Type() EventType            { return EventMessageCreated }
func (ConversationCreated) Type() EventType       { return EventConversationCreated }
func (ConversationUpdated) Type() EventType       { return EventConversationUpdated }
func (ConversationStatusChanged) Type() EventType { return EventConversationStatusChanged }

func (e MessageCreated) ConversationRef() int64            { return e.ConversationID }
func (e ConversationCreated) ConversationRef() int64       { return e.Conversation.ID }
func (e ConversationUpdated) ConversationRef() int64       { return e.ConversationID }
func (e ConversationStatusChanged) ConversationRef() int64 { return e.ConversationID }

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format shared by the push stream and webhooks.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeEvent maps a raw envelope onto exactly one typed event.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Event {
	case EventMessageCreated:
		var w wireMessage
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		m, _ := w.toMessage()
		if m.ID == 0 || m.ConversationID == 0 {
			return nil, fmt.Errorf("decode %s: message without id or conversation_id", env.Event)
		}
		return MessageCreated{ConversationID: m.ConversationID, Message: m}, nil

	case EventConversationCreated:
		var c Conversation
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if c.ID == 0 {
			return nil, fmt.Errorf("decode %s: conversation without id", env.Event)
		}
		return ConversationCreated{Conversation: c}, nil

	case EventConversationUpdated:
		var p struct {
			ID int64 `json:"id"`
			ConversationPatch
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.ID == 0 {
			return nil, fmt.Errorf("decode %s: conversation without id", env.Event)
		}
		return ConversationUpdated{ConversationID: p.ID, Patch: p.ConversationPatch}, nil

	case EventConversationStatusChanged:
		var p struct {
			ID     int64              `json:"id"`
			Status ConversationStatus `json:"status"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.ID == 0 || !p.Status.Valid() {
			return nil, fmt.Errorf("decode %s: bad id or status %q", env.Event, p.Status)
		}
		return ConversationStatusChanged{ConversationID: p.ID, Status: p.Status}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// Handlers is the callback set a consumer registers with the feed. Nil
// callbacks are skipped.
type Handlers struct {
	OnMessageCreated            func(MessageCreated)
	OnConversationCreated       func(ConversationCreated)
	OnConversationUpdated       func(ConversationUpdated)
	OnConversationStatusChanged func(ConversationStatusChanged)
}

// Subscription is a registered Handlers set.
type Subscription struct {
	id int
	d  *eventDispatcher
}

// Unsubscribe deregisters the handlers. Once it returns no further callbacks
// run for this subscription.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.d == nil {
		return
	}
	s.d.remove(s.id)
}

// eventDispatcher delivers events synchronously, in arrival order. Dispatch
// and Unsubscribe share one mutex so no callback outlives its subscription;
// handlers must therefore not subscribe or unsubscribe from inside a callback.
type eventDispatcher struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]Handlers
	order    []int
	logger   *zap.Logger
	metrics  *Metrics
}

func newEventDispatcher(logger *zap.Logger, metrics *Metrics) *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[int]Handlers),
		logger:   logger,
		metrics:  metrics,
	}
}

func (d *eventDispatcher) add(h Handlers) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[d.nextID] = h
	d.order = append(d.order, d.nextID)
	return &Subscription{id: d.nextID, d: d}
}

func (d *eventDispatcher) remove(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[id]; !ok {
		return
	}
	delete(d.handlers, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i:i], d.order[i+1:]...)
			break
		}
	}
}

func (d *eventDispatcher) removeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = make(map[int]Handlers)
	d.order = nil
}

// dispatch delivers ev to every registered handler set.
func (d *eventDispatcher) dispatch(ev Event, transport string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics.event(string(ev.Type()), transport)
	for _, id := range d.order {
		d.deliver(d.handlers[id], ev)
	}
}

func (d *eventDispatcher) deliver(h Handlers, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				zap.String("event", string(ev.Type())),
				zap.Any("panic", r))
		}
	}()
	switch e := ev.(type) {
	case MessageCreated:
		if h.OnMessageCreated != nil {
			h.OnMessageCreated(e)
		}
	case ConversationCreated:
		if h.OnConversationCreated != nil {
			h.OnConversationCreated(e)
		}
	case ConversationUpdated:
		if h.OnConversationUpdated != nil {
			h.OnConversationUpdated(e)
		}
	case ConversationStatusChanged:
		if h.OnConversationStatusChanged != nil {
			h.OnConversationStatusChanged(e)
		}
	}
}

package chatcore

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PollScope is what one polling pass looks at.
type PollScope struct {
	WorkspaceID          string
	InboxIDs             []int64
	ActiveConversationID int64
}

// Poller is the pull transport. Each pass fetches the conversation list,
// diffs it against the previous completed pass and synthesizes the same four
// events the push stream delivers. The first pass in a workspace only records
// a baseline. State survives between Run calls, so a poller restarted after
// a push outage reports what changed while it was stopped.
//
// Passes are serialized.
type Poller struct {
	api      ChatAPI
	interval time.Duration
	scope    func() PollScope
	emit     func(Event)
	logger   *zap.Logger
	metrics  *Metrics

	mu        sync.Mutex
	workspace string
	seeded    bool
	convs     map[int64]Conversation
	// lastMsg is the highest message id seen per conversation.
	lastMsg map[int64]int64
}

// NewPoller creates a poller. scope is consulted at the start of each pass.
func NewPoller(api ChatAPI, interval time.Duration, scope func() PollScope, emit func(Event), logger *zap.Logger, metrics *Metrics) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		api:      api,
		interval: interval,
		scope:    scope,
		emit:     emit,
		logger:   logger,
		metrics:  metrics,
		convs:    make(map[int64]Conversation),
		lastMsg:  make(map[int64]int64),
	}
}

// Run polls immediately and then every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs a single pass. On error or cancellation the baseline is left as
// it was, so the next pass picks up whatever this one missed.
func (p *Poller) Poll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := time.Now()
	defer func() { p.metrics.pollObserve(time.Since(start).Seconds()) }()

	sc := p.scope()
	if sc.WorkspaceID != p.workspace {
		p.reset(sc.WorkspaceID)
	}

	fresh, err := p.api.ListConversations(ctx, ConversationQuery{Status: StatusAll, WorkspaceID: sc.WorkspaceID})
	if err != nil {
		return err
	}
	fresh = filterInboxes(fresh, sc.InboxIDs)

	if !p.seeded {
		return p.seed(ctx, fresh, sc)
	}

	var changed []int64
	for _, c := range fresh {
		prev, known := p.convs[c.ID]
		if !known {
			p.emitEvent(ctx, ConversationCreated{Conversation: c})
			p.lastMsg[c.ID] = lastMessageID(c)
			continue
		}
		if c.Status != prev.Status && c.Status.Valid() {
			p.emitEvent(ctx, ConversationStatusChanged{ConversationID: c.ID, Status: c.Status})
		}
		if patch, ok := diffConversation(prev, c); ok {
			p.emitEvent(ctx, ConversationUpdated{ConversationID: c.ID, Patch: patch})
		}
		if c.ID != sc.ActiveConversationID && (c.Timestamp > prev.Timestamp || lastMessageID(c) > p.lastMsg[c.ID]) {
			changed = append(changed, c.ID)
		}
	}

	if sc.ActiveConversationID != 0 {
		changed = append(changed, sc.ActiveConversationID)
	}
	for _, id := range changed {
		if err := p.pollMessages(ctx, id, sc.WorkspaceID); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, c := range fresh {
		p.convs[c.ID] = c
	}
	return nil
}

func (p *Poller) reset(workspaceID string) {
	p.workspace = workspaceID
	p.seeded = false
	clear(p.convs)
	clear(p.lastMsg)
}

func (p *Poller) seed(ctx context.Context, fresh []Conversation, sc PollScope) error {
	for _, c := range fresh {
		p.convs[c.ID] = c
		p.lastMsg[c.ID] = lastMessageID(c)
	}
	if sc.ActiveConversationID != 0 {
		// Unknown to pollMessages, so the current messages are only recorded.
		delete(p.lastMsg, sc.ActiveConversationID)
		if err := p.pollMessages(ctx, sc.ActiveConversationID, sc.WorkspaceID); err != nil {
			return err
		}
	}
	p.seeded = true
	p.logger.Debug("poll baseline recorded",
		zap.String("workspace_id", sc.WorkspaceID),
		zap.Int("conversations", len(fresh)))
	return nil
}

// pollMessages emits MessageCreated for every message newer than the last one
// seen. A conversation seen for the first time is only recorded.
func (p *Poller) pollMessages(ctx context.Context, conversationID int64, workspaceID string) error {
	msgs, err := p.api.ListMessages(ctx, conversationID, workspaceID)
	if err != nil {
		return err
	}
	msgs = SortMessages(msgs)
	seen, known := p.lastMsg[conversationID]
	high := seen
	for _, m := range msgs {
		if m.ID > high {
			high = m.ID
		}
		if known && m.ID > seen {
			if m.ConversationID == 0 {
				m.ConversationID = conversationID
			}
			p.emitEvent(ctx, MessageCreated{ConversationID: conversationID, Message: m})
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.lastMsg[conversationID] = high
	return nil
}

func (p *Poller) emitEvent(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}
	p.emit(ev)
}

func lastMessageID(c Conversation) int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.ID
}

func filterInboxes(list []Conversation, inboxIDs []int64) []Conversation {
	if len(inboxIDs) == 0 {
		return list
	}
	return slices.DeleteFunc(slices.Clone(list), func(c Conversation) bool {
		return !slices.Contains(inboxIDs, c.InboxID)
	})
}

// diffConversation builds a patch of the metadata that changed between two
// snapshots. Status, timestamp, unread count and last message are carried by
// their own events and the shared unread rule instead.
func diffConversation(prev, cur Conversation) (ConversationPatch, bool) {
	var patch ConversationPatch
	changed := false
	if !slices.Equal(prev.Labels, cur.Labels) {
		patch.Labels = cur.Labels
		if patch.Labels == nil {
			patch.Labels = []string{}
		}
		changed = true
	}
	if prev.Meta != cur.Meta {
		meta := cur.Meta
		patch.Meta = &meta
		changed = true
	}
	if cur.CustomerLink != nil && (prev.CustomerLink == nil || *prev.CustomerLink != *cur.CustomerLink) {
		link := *cur.CustomerLink
		patch.CustomerLink = &link
		changed = true
	}
	if cur.AgentLastSeenAt > prev.AgentLastSeenAt {
		seen := cur.AgentLastSeenAt
		patch.AgentLastSeenAt = &seen
		changed = true
	}
	return patch, changed
}

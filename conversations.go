package chatcore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"
)

// ListFilter selects which conversations the list fetches.
type ListFilter struct {
	Status  ConversationStatus
	InboxID int64
}

func (f ListFilter) matches(c Conversation) bool {
	if f.Status != "" && f.Status != StatusAll && c.Status != f.Status {
		return false
	}
	return f.InboxID == 0 || c.InboxID == f.InboxID
}

// ============================================================================
// ConversationList
// ============================================================================

// ConversationList maintains the ordered conversation list of one workspace.
// It paints from the cache, replaces with the authoritative fetch and folds
// in live events. A fetch superseded by a newer Load is discarded.
type ConversationList struct {
	api    ChatAPI
	cache  *Cache
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	workspace   string
	filter      ListFilter
	list        []Conversation
	active      int64
	gen         uint64
	reloading   bool
	reloadAgain bool
	listeners   []func([]Conversation)
}

type ListOption func(*ConversationList)

func WithListLogger(logger *zap.Logger) ListOption {
	return func(l *ConversationList) { l.logger = logger }
}

// NewConversationList creates a list controller for workspaceID.
func NewConversationList(api ChatAPI, cache *Cache, workspaceID string, opts ...ListOption) *ConversationList {
	l := &ConversationList{
		api:       api,
		cache:     cache,
		logger:    zap.NewNop(),
		workspace: workspaceID,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l
}

// OnChange registers a callback receiving every new list.
func (l *ConversationList) OnChange(fn func([]Conversation)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *ConversationList) notify() {
	l.mu.Lock()
	list := slices.Clone(l.list)
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()
	for _, fn := range listeners {
		fn(list)
	}
}

// Conversations returns the current authoritative list.
func (l *ConversationList) Conversations() []Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.list)
}

// Load paints the cached list for filter, then replaces it with the fetched
// one and syncs the cache to match. A fetch error leaves the list as it was.
func (l *ConversationList) Load(ctx context.Context, filter ListFilter) error {
	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.filter = filter
	ws := l.workspace
	l.mu.Unlock()

	if cached := l.cache.GetConversations(ws); cached != nil {
		cached = slices.DeleteFunc(cached, func(c Conversation) bool { return !filter.matches(c) })
		l.mu.Lock()
		painted := l.gen == gen
		if painted {
			l.list = cached
		}
		l.mu.Unlock()
		if painted {
			l.notify()
		}
	}

	fresh, err := l.api.ListConversations(ctx, ConversationQuery{Status: filter.Status, InboxID: filter.InboxID, WorkspaceID: ws})
	if err != nil {
		l.logger.Warn("conversation fetch failed", zap.String("workspace_id", ws), zap.Error(err))
		return fmt.Errorf("load conversations: %w", err)
	}

	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		l.logger.Debug("discarding superseded conversation fetch", zap.String("workspace_id", ws))
		return nil
	}
	l.list = SortConversations(fresh)
	l.mu.Unlock()

	l.notify()
	l.cache.SyncConversations(fresh, ws)
	return nil
}

// Reload refetches with the current filter.
func (l *ConversationList) Reload(ctx context.Context) error {
	l.mu.Lock()
	filter := l.filter
	l.mu.Unlock()
	return l.Load(ctx, filter)
}

// scheduleReload runs Reload in the background. Requests arriving while a
// reload is running collapse into one follow-up reload.
func (l *ConversationList) scheduleReload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	if l.reloading {
		l.reloadAgain = true
		return
	}
	l.reloading = true
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			if err := l.Reload(l.ctx); err != nil && l.ctx.Err() == nil {
				l.logger.Debug("background reload failed", zap.Error(err))
			}
			l.mu.Lock()
			if !l.reloadAgain || l.ctx.Err() != nil {
				l.reloading = false
				l.mu.Unlock()
				return
			}
			l.reloadAgain = false
			l.mu.Unlock()
		}
	}()
}

// HandleEvent folds a feed event into the list. A message for an unknown
// conversation triggers a background reload.
func (l *ConversationList) HandleEvent(ev Event) {
	l.mu.Lock()
	if c, ok := ev.(ConversationCreated); ok && !l.filter.matches(c.Conversation) {
		l.mu.Unlock()
		return
	}
	next, reload := MergeConversationEvent(l.list, ev, l.active)
	l.list = next
	l.mu.Unlock()

	if reload {
		l.logger.Debug("message for unknown conversation, reloading",
			zap.Int64("conversation_id", ev.ConversationRef()))
		l.scheduleReload()
		return
	}
	l.notify()
}

// SetActive records which conversation the user is viewing.
func (l *ConversationList) SetActive(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = id
}

// MarkRead zeroes the unread count of a conversation after a successful read
// receipt.
func (l *ConversationList) MarkRead(id int64) {
	l.mu.Lock()
	i := conversationIndex(l.list, id)
	if i < 0 || l.list[i].UnreadCount == 0 {
		l.mu.Unlock()
		return
	}
	l.list = slices.Clone(l.list)
	l.list[i].UnreadCount = 0
	l.mu.Unlock()
	l.notify()
}

// SwitchWorkspace drops the in-memory list and loads ws with the current
// filter.
func (l *ConversationList) SwitchWorkspace(ctx context.Context, ws string) error {
	l.mu.Lock()
	l.workspace = ws
	l.list = nil
	l.active = 0
	l.gen++
	filter := l.filter
	l.mu.Unlock()
	l.notify()
	return l.Load(ctx, filter)
}

// Close stops background reloads.
func (l *ConversationList) Close() {
	l.mu.Lock()
	l.cancel()
	l.mu.Unlock()
	l.wg.Wait()
}

// ============================================================================
// Derived view
// ============================================================================

// AgeBucket filters conversations by last activity.
type AgeBucket string

const (
	AgeAny   AgeBucket = ""
	AgeToday AgeBucket = "today"
	AgeWeek  AgeBucket = "week"
	AgeMonth AgeBucket = "month"
	AgeOlder AgeBucket = "older"
)

// ViewFilter is the client-side filter applied over the authoritative list.
type ViewFilter struct {
	Search     string
	UnreadOnly bool
	Age        AgeBucket
	// Labels keeps conversations carrying at least one of the labels.
	Labels []string
}

// View returns the filtered list. The authoritative list is not modified.
func (l *ConversationList) View(vf ViewFilter) []Conversation {
	return FilterConversations(l.Conversations(), vf, time.Now())
}

// FilterConversations applies vf to list as of now.
func FilterConversations(list []Conversation, vf ViewFilter, now time.Time) []Conversation {
	out := make([]Conversation, 0, len(list))
	for _, c := range list {
		if vf.UnreadOnly && c.UnreadCount == 0 {
			continue
		}
		if !inAgeBucket(c.Timestamp, vf.Age, now) {
			continue
		}
		if len(vf.Labels) > 0 && !slices.ContainsFunc(vf.Labels, func(l string) bool { return slices.Contains(c.Labels, l) }) {
			continue
		}
		if !matchesSearch(c, vf.Search) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func inAgeBucket(ts int64, b AgeBucket, now time.Time) bool {
	t := time.Unix(ts, 0)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch b {
	case AgeToday:
		return !t.Before(startOfDay)
	case AgeWeek:
		return now.Sub(t) <= 7*24*time.Hour
	case AgeMonth:
		return now.Sub(t) <= 30*24*time.Hour
	case AgeOlder:
		return now.Sub(t) > 30*24*time.Hour
	}
	return true
}

// matchesSearch matches the sender name and e-mail case-insensitively and the
// phone number on digits only.
func matchesSearch(c Conversation, q string) bool {
	q = strings.TrimSpace(q)
	if q == "" {
		return true
	}
	s := c.Meta.Sender
	lq := strings.ToLower(q)
	if strings.Contains(strings.ToLower(s.Name), lq) || strings.Contains(strings.ToLower(s.Email), lq) {
		return true
	}
	dq := digits(q)
	return dq != "" && strings.Contains(digits(s.PhoneNumber), dq)
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

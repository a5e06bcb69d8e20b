package chatcore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TimelineState is the lifecycle of one open conversation.
type TimelineState int

const (
	TimelineIdle TimelineState = iota
	TimelineCacheHydrating
	TimelineFetching
	TimelineReady
	// TimelineNotFound is terminal: the conversation no longer exists.
	TimelineNotFound
)

func (s TimelineState) String() string {
	switch s {
	case TimelineIdle:
		return "idle"
	case TimelineCacheHydrating:
		return "cache_hydrating"
	case TimelineFetching:
		return "fetching"
	case TimelineReady:
		return "ready"
	case TimelineNotFound:
		return "not_found"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// TimelineSnapshot is what the view renders.
type TimelineSnapshot struct {
	// Version grows with every snapshot; callbacks may arrive out of order
	// across goroutines and should drop older versions.
	Version        uint64
	ConversationID int64
	WorkspaceID    string
	State          TimelineState
	Messages       []Message
	// Visible is false until the initial scroll has been performed.
	Visible        bool
	ScrollToBottom bool
}

// ============================================================================
// Timeline
// ============================================================================

// Timeline is the active conversation controller. It merges the cached list,
// the authoritative fetch, optimistic sends and live events into one ordered
// timeline, and drives the initial scroll and read receipts.
type Timeline struct {
	api       ChatAPI
	cache     *Cache
	reads     *ReadTracker
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time
	newTempID func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	workspace string
	convID    int64
	session   uint64
	fetchGen  map[int64]uint64
	// arrivals records, per message id, the arrivalSeq at which a live event
	// or a committed send put it in messages.
	arrivals   map[int64]uint64
	arrivalSeq uint64
	state      TimelineState
	messages   []Message
	scroll     *ScrollTracker
	wantScroll bool
	pending    map[string]*pendingSend
	version    uint64
	listeners  []func(TimelineSnapshot)
}

type TimelineOption func(*Timeline)

func WithTimelineLogger(logger *zap.Logger) TimelineOption {
	return func(t *Timeline) { t.logger = logger }
}

func WithTimelineMetrics(m *Metrics) TimelineOption {
	return func(t *Timeline) { t.metrics = m }
}

// WithTimelineClock overrides the clock used for optimistic timestamps and
// the scroll quiet window.
func WithTimelineClock(now func() time.Time) TimelineOption {
	return func(t *Timeline) { t.now = now }
}

// WithTempIDs overrides the generator of optimistic message keys.
func WithTempIDs(gen func() string) TimelineOption {
	return func(t *Timeline) { t.newTempID = gen }
}

// NewTimeline creates an active conversation controller for workspaceID.
func NewTimeline(api ChatAPI, cache *Cache, workspaceID string, opts ...TimelineOption) *Timeline {
	t := &Timeline{
		api:       api,
		cache:     cache,
		logger:    zap.NewNop(),
		now:       time.Now,
		newTempID: func() string { return "temp-" + uuid.NewString() },
		workspace: workspaceID,
		fetchGen:  make(map[int64]uint64),
		arrivals:  make(map[int64]uint64),
		pending:   make(map[string]*pendingSend),
		scroll:    NewScrollTracker(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.scroll.now = t.now
	t.reads = NewReadTracker(api, WithReadLogger(t.logger), WithReadMetrics(t.metrics))
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// Reads exposes the read tracker the view reports visibility to.
func (t *Timeline) Reads() *ReadTracker { return t.reads }

// OnRead registers a callback fired after each successful read receipt.
func (t *Timeline) OnRead(fn func(conversationID int64)) { t.reads.OnRead(fn) }

// OnChange registers a callback receiving every snapshot.
func (t *Timeline) OnChange(fn func(TimelineSnapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Timeline) snapshotLocked() TimelineSnapshot {
	t.version++
	snap := TimelineSnapshot{
		Version:        t.version,
		ConversationID: t.convID,
		WorkspaceID:    t.workspace,
		State:          t.state,
		Messages:       slices.Clone(t.messages),
		Visible:        t.scroll.Visible(),
		ScrollToBottom: t.wantScroll || (t.scroll.NeedsInitialScroll() && len(t.messages) > 0),
	}
	t.wantScroll = false
	return snap
}

// Snapshot returns the current state without consuming a pending scroll.
func (t *Timeline) Snapshot() TimelineSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	want := t.wantScroll
	snap := t.snapshotLocked()
	t.wantScroll = want
	return snap
}

func (t *Timeline) notify() {
	t.mu.Lock()
	snap := t.snapshotLocked()
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func (t *Timeline) viewingLocked(id int64, ws string) bool {
	return t.convID == id && t.workspace == ws && t.state != TimelineIdle && t.state != TimelineNotFound
}

// pendingLocked returns the optimistic entries still awaiting a response.
func (t *Timeline) pendingLocked(id int64) []Message {
	var out []Message
	for _, ps := range t.pending {
		if ps.req.ConversationID == id && (ps.phase == phaseStaged || ps.phase == phaseInflight) {
			out = append(out, ps.optimistic)
		}
	}
	return out
}

// ── Lifecycle ───────────────────────────────────────────

// Open shows conversation id: the cached list is published at once, then the
// authoritative fetch replaces it. A conversation that no longer exists ends
// in TimelineNotFound and ErrConversationNotFound.
func (t *Timeline) Open(ctx context.Context, id int64) error {
	t.mu.Lock()
	if id == 0 || t.workspace == "" {
		t.mu.Unlock()
		return ErrNoContext
	}
	t.session++
	session := t.session
	t.convID = id
	t.state = TimelineCacheHydrating
	t.messages = nil
	clear(t.arrivals)
	t.wantScroll = false
	t.scroll.Reset()
	ws := t.workspace
	t.mu.Unlock()
	t.reads.Attach(id, ws)
	t.notify()

	cached := t.cache.GetMessages(id, ws)
	t.mu.Lock()
	if t.session != session {
		t.mu.Unlock()
		return nil
	}
	if cached != nil {
		t.messages = cached
	}
	t.state = TimelineFetching
	t.mu.Unlock()
	t.notify()

	return t.fetch(ctx, id, ws)
}

// Refresh refetches the open conversation.
func (t *Timeline) Refresh(ctx context.Context) error {
	t.mu.Lock()
	if t.convID == 0 || t.state == TimelineIdle || t.state == TimelineNotFound {
		t.mu.Unlock()
		return ErrNoContext
	}
	t.state = TimelineFetching
	id, ws := t.convID, t.workspace
	t.mu.Unlock()
	t.notify()
	return t.fetch(ctx, id, ws)
}

// Close leaves the conversation. Sends in flight still complete and are
// reconciled into the cache.
func (t *Timeline) Close() {
	t.mu.Lock()
	t.session++
	t.convID = 0
	t.state = TimelineIdle
	t.messages = nil
	clear(t.arrivals)
	t.wantScroll = false
	t.scroll.Reset()
	t.mu.Unlock()
	t.reads.Disconnect()
	t.notify()
}

// SetWorkspace closes the open conversation and rescopes the controller.
func (t *Timeline) SetWorkspace(ws string) {
	t.Close()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workspace = ws
}

// Shutdown waits for background read receipts. The timeline is unusable
// afterwards.
func (t *Timeline) Shutdown() {
	t.mu.Lock()
	t.closed = true
	t.cancel()
	t.mu.Unlock()
	t.wg.Wait()
	t.reads.Disconnect()
}

// ── Fetch ───────────────────────────────────────────────

// fetch loads the authoritative list of id. The result is rendered only if
// the conversation is still open and no newer fetch for it started; the cache
// is written either way unless a newer fetch exists.
func (t *Timeline) fetch(ctx context.Context, id int64, ws string) error {
	t.mu.Lock()
	since := t.arrivalSeq
	t.mu.Unlock()
	return t.fetchSince(ctx, id, ws, since)
}

// fetchSince is fetch keeping rendered messages that arrived after since.
func (t *Timeline) fetchSince(ctx context.Context, id int64, ws string, since uint64) error {
	t.mu.Lock()
	t.fetchGen[id]++
	gen := t.fetchGen[id]
	t.mu.Unlock()

	msgs, err := t.api.ListMessages(ctx, id, ws)
	if err != nil {
		t.logger.Warn("message fetch failed",
			zap.Int64("conversation_id", id),
			zap.String("workspace_id", ws),
			zap.Error(err))
		t.mu.Lock()
		settle := t.viewingLocked(id, ws) && t.state == TimelineFetching && t.fetchGen[id] == gen
		if settle {
			t.state = TimelineReady
		}
		t.mu.Unlock()
		if settle {
			t.notify()
		}
		return fmt.Errorf("fetch messages: %w", err)
	}

	if len(msgs) == 0 {
		exists, xerr := conversationExists(ctx, t.api, id, ws)
		switch {
		case xerr != nil:
			t.logger.Warn("existence check failed", zap.Int64("conversation_id", id), zap.Error(xerr))
		case !exists:
			return t.notFound(id, ws, gen)
		}
	}

	fresh := SortMessages(msgs)
	t.mu.Lock()
	latest := t.fetchGen[id] == gen
	viewing := latest && t.viewingLocked(id, ws)
	var current []Message
	if viewing {
		current = t.arrivedSinceLocked(since)
	}
	merged := mergeFetched(fresh, current, t.pendingLocked(id))
	if viewing {
		t.messages = merged
		t.state = TimelineReady
	}
	t.mu.Unlock()

	if !latest {
		t.logger.Debug("discarding superseded message fetch", zap.Int64("conversation_id", id))
		return nil
	}
	t.cache.CacheMessages(id, merged, ws)

	if viewing {
		t.notify()
		if len(fresh) > 0 {
			t.autoRead(id, fresh[len(fresh)-1].CreatedAt)
		}
	}
	return nil
}

func (t *Timeline) notFound(id int64, ws string, gen uint64) error {
	t.mu.Lock()
	current := t.viewingLocked(id, ws) && t.fetchGen[id] == gen
	if current {
		t.state = TimelineNotFound
		t.messages = nil
	}
	t.mu.Unlock()
	if current {
		t.reads.Disconnect()
		t.notify()
	}
	t.logger.Info("conversation not found", zap.Int64("conversation_id", id), zap.String("workspace_id", ws))
	return ErrConversationNotFound
}

// arrivedSinceLocked returns the rendered messages that a live event or a
// committed send added after arrival sequence since.
func (t *Timeline) arrivedSinceLocked(since uint64) []Message {
	var out []Message
	for _, m := range t.messages {
		if seq, ok := t.arrivals[m.ID]; ok && m.ID != 0 && seq > since {
			out = append(out, m)
		}
	}
	return out
}

func (t *Timeline) recordArrivalLocked(id int64) {
	if id == 0 {
		return
	}
	t.arrivalSeq++
	t.arrivals[id] = t.arrivalSeq
}

// mergeFetched replaces the rendered list with the fetched one. Only arrived,
// the messages that raced the fetch, and optimistic entries still awaiting
// their send survive.
func mergeFetched(fresh, arrived, pending []Message) []Message {
	out := fresh
	for _, m := range arrived {
		out, _ = MergeMessage(out, m)
	}
	for _, m := range pending {
		out, _ = MergeMessage(out, m)
	}
	return SortMessages(out)
}

// autoRead acknowledges everything up to watermark in the background.
func (t *Timeline) autoRead(id, watermark int64) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, DefaultTimeout)
		defer cancel()
		t.reads.Acknowledge(ctx, id, watermark)
	}()
}

// ── Live events ─────────────────────────────────────────

// HandleEvent applies a MessageCreated for the open conversation. Duplicate
// deliveries are dropped by id.
func (t *Timeline) HandleEvent(ev Event) {
	e, ok := ev.(MessageCreated)
	if !ok {
		return
	}
	t.mu.Lock()
	if e.ConversationID != t.convID || t.state == TimelineIdle || t.state == TimelineNotFound {
		t.mu.Unlock()
		return
	}
	next, changed := MergeMessage(t.messages, e.Message)
	if changed {
		t.messages = next
		t.recordArrivalLocked(e.Message.ID)
		if t.scroll.ShouldAutoScroll() {
			t.wantScroll = true
		}
	}
	ws := t.workspace
	t.mu.Unlock()

	if changed {
		t.cache.AddMessageToCache(e.ConversationID, e.Message, ws)
		t.notify()
	}
}

// ── Scroll ──────────────────────────────────────────────

// ReportScroll forwards a viewport position to the scroll tracker.
func (t *Timeline) ReportScroll(scrollTop, scrollHeight, clientHeight float64, user bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scroll.OnScroll(scrollTop, scrollHeight, clientHeight, user)
}

// MarkInitialScrolled reveals the list after the first scroll to the bottom.
func (t *Timeline) MarkInitialScrolled() {
	t.mu.Lock()
	if t.scroll.Visible() || t.convID == 0 {
		t.mu.Unlock()
		return
	}
	t.scroll.MarkInitialScrolled()
	t.mu.Unlock()
	t.notify()
}

// ── Send ────────────────────────────────────────────────

// Send posts a message optimistically. The optimistic entry is published
// before the request starts; on success it is swapped for the server copy and
// the conversation is refetched, on failure it is removed and a *SendError
// returned.
func (t *Timeline) Send(ctx context.Context, in SendInput) (*Message, error) {
	if in.empty() {
		return nil, ErrEmptyMessage
	}
	t.mu.Lock()
	id, ws := t.convID, t.workspace
	if id == 0 || ws == "" || t.state == TimelineIdle || t.state == TimelineNotFound {
		t.mu.Unlock()
		return nil, ErrNoContext
	}
	ps := stageSend(id, ws, in, t.newTempID(), t.now())
	t.pending[ps.tempID()] = ps
	t.messages, _ = MergeMessage(t.messages, ps.optimistic)
	t.wantScroll = true
	_ = ps.begin()
	t.mu.Unlock()

	t.cache.AddOptimisticMessage(id, ps.optimistic, ws)
	t.notify()

	real, err := t.api.SendMessage(ctx, ps.req)
	if err == nil && real == nil {
		err = fmt.Errorf("send-message: empty response")
	}
	if err != nil {
		return nil, t.rollbackSend(ps, err)
	}
	return t.commitSend(ctx, ps, *real)
}

func (t *Timeline) rollbackSend(ps *pendingSend, err error) error {
	id, ws, tempID := ps.req.ConversationID, ps.req.WorkspaceID, ps.tempID()
	t.mu.Lock()
	if terr := ps.rollback(err); terr != nil {
		t.logger.Error("send state", zap.Error(terr))
	}
	delete(t.pending, tempID)
	viewing := t.convID == id && t.workspace == ws
	if viewing {
		t.messages = RemoveOptimistic(t.messages, tempID)
	}
	t.mu.Unlock()

	t.cache.RemoveMessage(id, tempID, ws)
	t.metrics.send("failed")
	t.logger.Warn("send failed",
		zap.Int64("conversation_id", id),
		zap.String("temp_id", tempID),
		zap.Error(err))
	if viewing {
		t.notify()
	}
	return ps.sendError()
}

func (t *Timeline) commitSend(ctx context.Context, ps *pendingSend, real Message) (*Message, error) {
	id, ws, tempID := ps.req.ConversationID, ps.req.WorkspaceID, ps.tempID()
	t.mu.Lock()
	if err := ps.commit(real); err != nil {
		t.logger.Error("send state", zap.Error(err))
	}
	real = *ps.result
	delete(t.pending, tempID)
	since := t.arrivalSeq
	viewing := t.convID == id && t.workspace == ws
	if viewing {
		next := ReplaceOptimistic(t.messages, tempID, real)
		next, _ = MergeMessage(next, real)
		t.messages = SortMessages(next)
		t.recordArrivalLocked(real.ID)
	}
	t.mu.Unlock()

	t.cache.UpdateMessageStatus(id, tempID, real, ws)
	t.metrics.send("ok")
	if viewing {
		t.notify()
	}

	// The server copy survives a refetch that does not list it yet.
	if err := t.fetchSince(ctx, id, ws, since); err != nil && !errors.Is(err, ErrConversationNotFound) {
		t.logger.Debug("refetch after send failed", zap.Int64("conversation_id", id), zap.Error(err))
	}
	return &real, nil
}

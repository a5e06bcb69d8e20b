package chatcore

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// DefaultReadThreshold is the visible fraction at which a message counts as
// read.
const DefaultReadThreshold = 0.5

// MarkReader sends read receipts. ChatAPI implementations satisfy it.
type MarkReader interface {
	MarkRead(ctx context.Context, conversationID, agentLastSeenAt int64, workspaceID string) error
}

// ReadTracker turns message visibility into read receipts for one
// conversation at a time. Receipts only ever move the watermark forward: a
// watermark at or below the highest one sent (or in flight) is skipped. A
// failed receipt releases its watermark so a later sighting can retry.
type ReadTracker struct {
	marker    MarkReader
	threshold float64
	logger    *zap.Logger
	metrics   *Metrics

	mu             sync.Mutex
	conversationID int64
	workspaceID    string
	epoch          uint64
	observed       map[int64]int64
	highest        int64
	onRead         []func(conversationID int64)
}

type ReadTrackerOption func(*ReadTracker)

func WithReadThreshold(ratio float64) ReadTrackerOption {
	return func(r *ReadTracker) { r.threshold = ratio }
}

func WithReadLogger(logger *zap.Logger) ReadTrackerOption {
	return func(r *ReadTracker) { r.logger = logger }
}

func WithReadMetrics(m *Metrics) ReadTrackerOption {
	return func(r *ReadTracker) { r.metrics = m }
}

func NewReadTracker(marker MarkReader, opts ...ReadTrackerOption) *ReadTracker {
	r := &ReadTracker{
		marker:    marker,
		threshold: DefaultReadThreshold,
		logger:    zap.NewNop(),
		observed:  make(map[int64]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnRead registers a callback fired after each successful receipt.
func (r *ReadTracker) OnRead(fn func(conversationID int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRead = append(r.onRead, fn)
}

// Attach tears down any previous conversation and starts tracking a new one.
func (r *ReadTracker) Attach(conversationID int64, workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.conversationID = conversationID
	r.workspaceID = workspaceID
}

// Disconnect unobserves everything. Receipts still in flight complete but
// fire no callbacks.
func (r *ReadTracker) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *ReadTracker) resetLocked() {
	r.epoch++
	r.conversationID = 0
	r.workspaceID = ""
	r.highest = 0
	clear(r.observed)
}

// Observe starts watching a rendered message. Optimistic messages have no
// provider id and are ignored.
func (r *ReadTracker) Observe(msg Message) {
	if msg.ID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conversationID == 0 || (msg.ConversationID != 0 && msg.ConversationID != r.conversationID) {
		return
	}
	r.observed[msg.ID] = msg.CreatedAt
}

func (r *ReadTracker) Unobserve(messageID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observed, messageID)
}

// Observed returns the ids currently watched, ascending.
func (r *ReadTracker) Observed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.observed))
	for id := range r.observed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Intersect reports a visibility change of an observed message. When the
// visible ratio reaches the threshold a receipt is sent with the message's
// createdAt as watermark. It reports whether a receipt succeeded.
func (r *ReadTracker) Intersect(ctx context.Context, messageID int64, ratio float64) bool {
	if ratio < r.threshold {
		return false
	}
	r.mu.Lock()
	createdAt, ok := r.observed[messageID]
	convID := r.conversationID
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.Acknowledge(ctx, convID, createdAt)
}

// Acknowledge sends a receipt for watermark unless the tracker has moved to
// another conversation or an equal or higher watermark was already sent.
func (r *ReadTracker) Acknowledge(ctx context.Context, conversationID, watermark int64) bool {
	r.mu.Lock()
	if r.conversationID == 0 || r.conversationID != conversationID || watermark <= r.highest {
		r.mu.Unlock()
		return false
	}
	prev := r.highest
	r.highest = watermark
	epoch, convID, ws := r.epoch, r.conversationID, r.workspaceID
	r.mu.Unlock()

	err := r.marker.MarkRead(ctx, convID, watermark, ws)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.metrics.readReceipt("failed")
		r.logger.Warn("read receipt failed",
			zap.Int64("conversation_id", convID),
			zap.Int64("watermark", watermark),
			zap.Error(err))
		if r.epoch == epoch && r.highest == watermark {
			r.highest = prev
		}
		return false
	}
	r.metrics.readReceipt("ok")
	if r.epoch != epoch {
		return false
	}
	for _, fn := range r.onRead {
		fn(convID)
	}
	return true
}

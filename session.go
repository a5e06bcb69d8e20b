package chatcore

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Session wires the event feed into the conversation list and the timeline,
// and routes read receipts from the timeline back into the list.
type Session struct {
	List     *ConversationList
	Timeline *Timeline

	cache  *Cache
	feed   *Feed
	filter ListFilter
	logger *zap.Logger

	mu  sync.Mutex
	sub *Subscription
}

type SessionOption func(*sessionOptions)

type sessionOptions struct {
	logger  *zap.Logger
	metrics *Metrics
	filter  ListFilter
	tl      []TimelineOption
}

func WithSessionLogger(logger *zap.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = logger }
}

func WithSessionMetrics(m *Metrics) SessionOption {
	return func(o *sessionOptions) { o.metrics = m }
}

// WithInitialFilter sets the filter of the first list load.
func WithInitialFilter(f ListFilter) SessionOption {
	return func(o *sessionOptions) { o.filter = f }
}

// WithTimelineOptions passes extra options to the timeline.
func WithTimelineOptions(opts ...TimelineOption) SessionOption {
	return func(o *sessionOptions) { o.tl = append(o.tl, opts...) }
}

// NewSession builds the list and timeline controllers for workspaceID.
func NewSession(api ChatAPI, cache *Cache, feed *Feed, workspaceID string, opts ...SessionOption) *Session {
	o := sessionOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	tlOpts := append([]TimelineOption{WithTimelineLogger(o.logger), WithTimelineMetrics(o.metrics)}, o.tl...)
	s := &Session{
		List:     NewConversationList(api, cache, workspaceID, WithListLogger(o.logger)),
		Timeline: NewTimeline(api, cache, workspaceID, tlOpts...),
		cache:    cache,
		feed:     feed,
		filter:   o.filter,
		logger:   o.logger,
	}
	s.Timeline.OnRead(s.List.MarkRead)
	return s
}

// Start subscribes to the feed, loads the list and starts the feed. A failed
// list load is logged; the cached list stays on screen.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sub == nil {
		s.sub = s.feed.Subscribe(Handlers{
			OnMessageCreated: func(e MessageCreated) {
				s.List.HandleEvent(e)
				s.Timeline.HandleEvent(e)
			},
			OnConversationCreated:       func(e ConversationCreated) { s.List.HandleEvent(e) },
			OnConversationUpdated:       func(e ConversationUpdated) { s.List.HandleEvent(e) },
			OnConversationStatusChanged: func(e ConversationStatusChanged) { s.List.HandleEvent(e) },
		})
	}
	s.mu.Unlock()

	if err := s.List.Load(ctx, s.filter); err != nil {
		s.logger.Warn("initial conversation load failed", zap.Error(err))
	}
	return s.feed.Start(ctx)
}

// Open makes id the active conversation everywhere.
func (s *Session) Open(ctx context.Context, id int64) error {
	s.List.SetActive(id)
	s.feed.SetActiveConversation(id)
	return s.Timeline.Open(ctx, id)
}

// CloseConversation leaves the active conversation.
func (s *Session) CloseConversation() {
	s.Timeline.Close()
	s.List.SetActive(0)
	s.feed.SetActiveConversation(0)
}

// SwitchWorkspace rescopes everything to ws and evicts cache entries of other
// workspaces.
func (s *Session) SwitchWorkspace(ctx context.Context, ws string) error {
	s.Timeline.SetWorkspace(ws)
	s.feed.SetActiveConversation(0)
	s.feed.SetWorkspace(ws)
	s.cache.ClearOtherWorkspaces(ws)
	return s.List.SwitchWorkspace(ctx, ws)
}

// Close tears everything down. No callback fires after it returns.
func (s *Session) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	sub.Unsubscribe()

	err := s.feed.Close()
	s.Timeline.Shutdown()
	s.List.Close()
	return err
}

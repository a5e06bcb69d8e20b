package chatcore

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FeedState is the state of the push connection.
type FeedState string

const (
	StateDisconnected FeedState = "disconnected"
	StateConnecting   FeedState = "connecting"
	StateConnected    FeedState = "connected"
)

// FeedConfig configures a Feed.
type FeedConfig struct {
	BaseURL     string
	Token       string
	AccountID   int64
	InboxIDs    []int64
	WorkspaceID string

	// Transport is "sse" (default), "ws" or "poll". Stream, when set, wins.
	Transport string
	Stream    Stream

	PollInterval         time.Duration
	MaxReconnectAttempts int // negative: never give up
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client

	Logger  *zap.Logger
	Metrics *Metrics
}

func (c *FeedConfig) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Feed
// ============================================================================

// Feed unifies the push stream and the polling fallback behind one
// subscription. Polling runs exactly while the push stream is not connected;
// one Poller serves every fallback period, so each diffs against the state
// the previous one ended with. Events from every producer are dispatched
// synchronously in arrival order; the feed does not deduplicate.
type Feed struct {
	cfg        FeedConfig
	stream     Stream
	dispatcher *eventDispatcher
	poller     *Poller
	logger     *zap.Logger

	active atomic.Int64

	mu         sync.Mutex
	state      FeedState
	workspace  string
	runCtx     context.Context
	cancel     context.CancelFunc
	pollCancel context.CancelFunc
	started    bool
	closed     bool
	wg         sync.WaitGroup
}

// NewFeed creates a feed. api is used by the polling fallback.
func NewFeed(api ChatAPI, cfg FeedConfig) *Feed {
	cfg.defaults()
	stream := cfg.Stream
	if stream == nil {
		stream = streamFor(&cfg)
	}
	f := &Feed{
		cfg:        cfg,
		stream:     stream,
		dispatcher: newEventDispatcher(cfg.Logger, cfg.Metrics),
		logger:     cfg.Logger,
		state:      StateDisconnected,
		workspace:  cfg.WorkspaceID,
	}
	f.poller = NewPoller(api, cfg.PollInterval, f.pollScope, func(ev Event) {
		f.dispatcher.dispatch(ev, "poll")
	}, cfg.Logger, cfg.Metrics)
	return f
}

// Subscribe registers a handler set.
func (f *Feed) Subscribe(h Handlers) *Subscription {
	return f.dispatcher.add(h)
}

// Start connects the push stream and starts polling until it is up. It
// returns immediately; the feed runs until ctx is cancelled or Close.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.started {
		return nil
	}
	f.started = true
	f.runCtx, f.cancel = context.WithCancel(ctx)
	f.cfg.Metrics.feedState(StateDisconnected)
	f.startPollingLocked()

	if f.stream != nil {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.runPush(f.runCtx)
		}()
	}
	f.logger.Info("event feed started", streamName(f.stream), zap.Int64("account_id", f.cfg.AccountID))
	return nil
}

// Close stops both transports and deregisters every subscription. No
// callback runs after Close returns.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Unlock()

	f.wg.Wait()
	f.dispatcher.removeAll()

	f.mu.Lock()
	f.state = StateDisconnected
	f.mu.Unlock()
	f.cfg.Metrics.feedState(StateDisconnected)
	return nil
}

func (f *Feed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsConnected reports whether the push stream is up.
func (f *Feed) IsConnected() bool {
	return f.State() == StateConnected
}

// SetActiveConversation tells both transports which conversation to
// prioritize. Zero clears it. A live WebSocket is refocused in place; other
// streams pick the value up on their next connect.
func (f *Feed) SetActiveConversation(id int64) {
	if f.active.Swap(id) == id {
		return
	}
	fs, ok := f.stream.(focuser)
	if !ok || !f.IsConnected() {
		return
	}
	f.mu.Lock()
	ctx := f.runCtx
	if ctx == nil || f.closed {
		f.mu.Unlock()
		return
	}
	f.wg.Add(1)
	f.mu.Unlock()
	go func() {
		defer f.wg.Done()
		fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := fs.Focus(fctx, id); err != nil && ctx.Err() == nil {
			f.logger.Debug("refocus failed", zap.Int64("conversation_id", id), zap.Error(err))
		}
	}()
}

// SetWorkspace changes the workspace scope. The poller re-baselines on its
// next pass; the push stream uses it from its next connect.
func (f *Feed) SetWorkspace(workspaceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workspace = workspaceID
}

// Inject dispatches an event produced outside the feed, such as a verified
// webhook, through the same contract as the built-in transports.
func (f *Feed) Inject(ev Event, source string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.wg.Add(1)
	f.mu.Unlock()
	defer f.wg.Done()
	f.dispatcher.dispatch(ev, source)
	return nil
}

// ── State machine ───────────────────────────────────────

func (f *Feed) setState(s FeedState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == s {
		return
	}
	f.logger.Info("feed state", zap.String("from", string(f.state)), zap.String("to", string(s)), streamName(f.stream))
	f.state = s
	f.cfg.Metrics.feedState(s)
	if s == StateConnected {
		f.stopPollingLocked()
	} else {
		f.startPollingLocked()
	}
}

func (f *Feed) startPollingLocked() {
	if f.pollCancel != nil || f.closed || f.runCtx == nil || f.runCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(f.runCtx)
	f.pollCancel = cancel
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.poller.Run(ctx)
	}()
}

func (f *Feed) stopPollingLocked() {
	if f.pollCancel != nil {
		f.pollCancel()
		f.pollCancel = nil
	}
}

func (f *Feed) pollScope() PollScope {
	f.mu.Lock()
	ws := f.workspace
	f.mu.Unlock()
	return PollScope{
		WorkspaceID:          ws,
		InboxIDs:             slices.Clone(f.cfg.InboxIDs),
		ActiveConversationID: f.active.Load(),
	}
}

func (f *Feed) streamQuery() StreamQuery {
	f.mu.Lock()
	ws := f.workspace
	f.mu.Unlock()
	return StreamQuery{
		AccountID:            f.cfg.AccountID,
		InboxIDs:             f.cfg.InboxIDs,
		ActiveConversationID: f.active.Load(),
		WorkspaceID:          ws,
		Token:                f.cfg.Token,
	}
}

// runPush keeps the push stream connected, backing off between attempts.
// After MaxReconnectAttempts consecutive failures the feed stays on polling.
func (f *Feed) runPush(ctx context.Context) {
	recon := newReconnector(&f.cfg)
	transport := f.stream.Name()
	for {
		f.setState(StateConnecting)
		err := f.stream.Run(ctx, f.streamQuery(), func() {
			recon.markConnected()
			f.setState(StateConnected)
		}, func(env Envelope) {
			f.onEnvelope(ctx, env, transport)
		})
		f.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("push stream ended", zap.String("transport", transport), zap.Error(err))

		if !recon.shouldReconnect() {
			f.logger.Warn("push stream gave up, polling only",
				zap.String("transport", transport),
				zap.Int("attempts", recon.attempt))
			return
		}
		delay := recon.nextDelay()
		f.cfg.Metrics.reconnect()
		f.logger.Debug("reconnecting", zap.Int("attempt", recon.attempt), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (f *Feed) onEnvelope(ctx context.Context, env Envelope, transport string) {
	if ctx.Err() != nil {
		return
	}
	ev, err := DecodeEvent(env)
	if err != nil {
		f.logger.Debug("dropping feed payload", zap.String("transport", transport), zap.Error(err))
		return
	}
	f.dispatcher.dispatch(ev, transport)
}

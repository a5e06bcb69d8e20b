package chatcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedStream is a Stream driven by a test function.
type scriptedStream struct {
	runs    atomic.Int32
	run     func(ctx context.Context, q StreamQuery, onOpen func(), emit func(Envelope)) error
	mu      sync.Mutex
	focus   []int64
	queries []StreamQuery
}

func (s *scriptedStream) Name() string { return "scripted" }

func (s *scriptedStream) Run(ctx context.Context, q StreamQuery, onOpen func(), emit func(Envelope)) error {
	s.runs.Add(1)
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	return s.run(ctx, q, onOpen, emit)
}

func (s *scriptedStream) Focus(ctx context.Context, conversationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focus = append(s.focus, conversationID)
	return nil
}

func (s *scriptedStream) focused() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.focus...)
}

// holdOpen connects and blocks until the context ends.
func holdOpen(ctx context.Context, q StreamQuery, onOpen func(), emit func(Envelope)) error {
	onOpen()
	<-ctx.Done()
	return ctx.Err()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handlers() Handlers {
	add := func(ev Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, ev)
	}
	return Handlers{
		OnMessageCreated:            func(e MessageCreated) { add(e) },
		OnConversationCreated:       func(e ConversationCreated) { add(e) },
		OnConversationUpdated:       func(e ConversationUpdated) { add(e) },
		OnConversationStatusChanged: func(e ConversationStatusChanged) { add(e) },
	}
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func TestFeedSSE(t *testing.T) {
	var gotQuery, gotAuth string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, `data: {"event":"message.created","data":{"id":9,"conversation_id":4,"content":"hi","created_at":100}}`+"\n\n")
		fmt.Fprint(w, "event: conversation.status_changed\n")
		fmt.Fprint(w, `data: {"id":4,"status":"resolved"}`+"\n\n")
		fmt.Fprint(w, `data: {"event":"typing.started","data":{}}`+"\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	feed := NewFeed(&fakeAPI{}, FeedConfig{
		BaseURL:     srv.URL,
		Token:       "tok",
		AccountID:   3,
		InboxIDs:    []int64{1, 2},
		WorkspaceID: "ws",
	})
	defer feed.Close()
	log := &eventLog{}
	feed.Subscribe(log.handlers())
	feed.SetActiveConversation(4)

	require.NoError(t, feed.Start(context.Background()))
	require.Eventually(t, func() bool { return len(log.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, feed.IsConnected())

	events := log.all()
	mc, ok := events[0].(MessageCreated)
	require.True(t, ok)
	assert.Equal(t, int64(9), mc.Message.ID)
	assert.Equal(t, ConversationStatusChanged{ConversationID: 4, Status: StatusResolved}, events[1])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "account_id=3&active_conversation_id=4&inbox_ids=1%2C2&workspace_id=ws", gotQuery)
}

func TestFeedPollTransport(t *testing.T) {
	api := &fakeAPI{}
	api.setConversations(Conversation{ID: 1, Status: StatusOpen})
	feed := NewFeed(api, FeedConfig{Transport: "poll", PollInterval: 5 * time.Millisecond, WorkspaceID: "ws"})
	defer feed.Close()
	log := &eventLog{}
	feed.Subscribe(log.handlers())

	require.NoError(t, feed.Start(context.Background()))
	require.Eventually(t, func() bool { return api.listCalls() >= 2 }, 2*time.Second, time.Millisecond)

	api.setConversations(Conversation{ID: 1, Status: StatusOpen}, Conversation{ID: 2, Status: StatusOpen})
	require.Eventually(t, func() bool { return len(log.all()) == 1 }, 2*time.Second, time.Millisecond)
	created, ok := log.all()[0].(ConversationCreated)
	require.True(t, ok)
	assert.Equal(t, int64(2), created.Conversation.ID)
	assert.Equal(t, StateDisconnected, feed.State())
}

func TestFeedGivesUpAndKeepsPolling(t *testing.T) {
	stream := &scriptedStream{run: func(ctx context.Context, q StreamQuery, onOpen func(), emit func(Envelope)) error {
		return errors.New("HTTP 500")
	}}
	api := &fakeAPI{}
	feed := NewFeed(api, FeedConfig{
		Stream:               stream,
		PollInterval:         5 * time.Millisecond,
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    time.Millisecond,
	})
	defer feed.Close()
	require.NoError(t, feed.Start(context.Background()))

	require.Eventually(t, func() bool { return stream.runs.Load() == 3 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), stream.runs.Load(), "no attempts after giving up")
	assert.Equal(t, StateDisconnected, feed.State())

	calls := api.listCalls()
	require.Eventually(t, func() bool { return api.listCalls() > calls+2 }, 2*time.Second, time.Millisecond)
}

func TestFeedPollingStopsWhileConnected(t *testing.T) {
	stream := &scriptedStream{run: holdOpen}
	api := &fakeAPI{}
	feed := NewFeed(api, FeedConfig{Stream: stream, PollInterval: 5 * time.Millisecond})
	defer feed.Close()
	require.NoError(t, feed.Start(context.Background()))

	require.Eventually(t, feed.IsConnected, 2*time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	calls := api.listCalls()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, api.listCalls(), calls+1)
}

func TestFeedPollingResumesFromLastState(t *testing.T) {
	connect, drop := make(chan struct{}), make(chan struct{})
	stream := &scriptedStream{}
	stream.run = func(ctx context.Context, q StreamQuery, onOpen func(), emit func(Envelope)) error {
		if stream.runs.Load() > 1 {
			// Later attempts never get through; polling carries the feed.
			<-ctx.Done()
			return ctx.Err()
		}
		select {
		case <-connect:
		case <-ctx.Done():
			return ctx.Err()
		}
		onOpen()
		select {
		case <-drop:
			return errors.New("stream reset")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	first := msg(10, 100)
	api := &fakeAPI{}
	api.setConversations(Conversation{ID: 1, Status: StatusOpen, Timestamp: 100, LastMessage: first.Preview()})
	api.setMessages(1, first)
	feed := NewFeed(api, FeedConfig{
		Stream:             stream,
		PollInterval:       5 * time.Millisecond,
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  time.Millisecond,
	})
	defer feed.Close()
	log := &eventLog{}
	feed.Subscribe(log.handlers())
	require.NoError(t, feed.Start(context.Background()))

	require.Eventually(t, func() bool { return api.listCalls() >= 2 }, 2*time.Second, time.Millisecond)
	close(connect)
	require.Eventually(t, feed.IsConnected, 2*time.Second, time.Millisecond)

	// Lands upstream while the stream is up but before it reports anything.
	missed := msg(11, 200)
	api.setConversations(Conversation{ID: 1, Status: StatusOpen, Timestamp: 200, LastMessage: missed.Preview()})
	api.setMessages(1, first, missed)
	close(drop)

	require.Eventually(t, func() bool { return len(log.all()) > 0 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	var delivered []int64
	for _, ev := range log.all() {
		if mc, ok := ev.(MessageCreated); ok {
			delivered = append(delivered, mc.Message.ID)
		}
	}
	assert.Equal(t, []int64{11}, delivered)
	assert.False(t, feed.IsConnected())
}

func TestFeedFocus(t *testing.T) {
	stream := &scriptedStream{run: holdOpen}
	feed := NewFeed(&fakeAPI{}, FeedConfig{Stream: stream, WorkspaceID: "a"})
	defer feed.Close()

	feed.SetActiveConversation(5)
	feed.SetWorkspace("b")
	require.NoError(t, feed.Start(context.Background()))
	require.Eventually(t, feed.IsConnected, 2*time.Second, time.Millisecond)

	stream.mu.Lock()
	first := stream.queries[0]
	stream.mu.Unlock()
	assert.Equal(t, int64(5), first.ActiveConversationID)
	assert.Equal(t, "b", first.WorkspaceID)

	feed.SetActiveConversation(8)
	feed.SetActiveConversation(8)
	require.Eventually(t, func() bool { return len(stream.focused()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []int64{8}, stream.focused())
}

func TestFeedCloseAndInject(t *testing.T) {
	feed := NewFeed(&fakeAPI{}, FeedConfig{Transport: "poll", PollInterval: time.Hour})
	log := &eventLog{}
	sub := feed.Subscribe(log.handlers())
	require.NoError(t, feed.Start(context.Background()))
	require.NoError(t, feed.Start(context.Background()), "second Start is a no-op")

	require.NoError(t, feed.Inject(ConversationStatusChanged{ConversationID: 1, Status: StatusOpen}, "webhook"))
	require.Len(t, log.all(), 1)

	sub.Unsubscribe()
	require.NoError(t, feed.Inject(ConversationStatusChanged{ConversationID: 1, Status: StatusPending}, "webhook"))
	assert.Len(t, log.all(), 1)

	feed.Subscribe(log.handlers())
	require.NoError(t, feed.Close())
	require.NoError(t, feed.Close())
	assert.Equal(t, StateDisconnected, feed.State())
	assert.ErrorIs(t, feed.Inject(ConversationStatusChanged{ConversationID: 1, Status: StatusOpen}, "webhook"), ErrClosed)
	assert.ErrorIs(t, feed.Start(context.Background()), ErrClosed)
	assert.Len(t, log.all(), 1)
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&FeedConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 5,
	})

	for i, want := range []time.Duration{100, 200, 400, 800} {
		require.True(t, r.shouldReconnect())
		d := r.nextDelay()
		lo := want * time.Millisecond
		assert.GreaterOrEqual(t, d, lo, "attempt %d", i)
		assert.LessOrEqual(t, d, lo+50*time.Millisecond, "attempt %d", i)
	}
	assert.Equal(t, time.Second, r.nextDelay(), "capped")
	assert.False(t, r.shouldReconnect())

	r.connectedAt = time.Now().Add(-2 * time.Minute)
	assert.True(t, r.shouldReconnect(), "a long-lived connection resets the count")
	assert.Equal(t, 0, r.attempt)

	forever := newReconnector(&FeedConfig{MaxReconnectAttempts: -1, ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond})
	for i := 0; i < 50; i++ {
		forever.nextDelay()
	}
	assert.True(t, forever.shouldReconnect())
}

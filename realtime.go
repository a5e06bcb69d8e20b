package chatcore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Stream contract
// ============================================================================

// StreamQuery scopes a push connection.
type StreamQuery struct {
	AccountID            int64
	InboxIDs             []int64
	ActiveConversationID int64
	WorkspaceID          string
	Token                string
}

func (q StreamQuery) values() url.Values {
	v := url.Values{}
	v.Set("account_id", strconv.FormatInt(q.AccountID, 10))
	if len(q.InboxIDs) > 0 {
		ids := make([]string, len(q.InboxIDs))
		for i, id := range q.InboxIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		v.Set("inbox_ids", strings.Join(ids, ","))
	}
	if q.ActiveConversationID != 0 {
		v.Set("active_conversation_id", strconv.FormatInt(q.ActiveConversationID, 10))
	}
	if q.WorkspaceID != "" {
		v.Set("workspace_id", q.WorkspaceID)
	}
	return v
}

// Stream is one push transport. Run holds a single connection open until it
// fails or ctx is cancelled; onOpen is called once the connection is
// established and emit for every envelope received, in order. Reconnecting
// is the caller's job.
type Stream interface {
	Name() string
	Run(ctx context.Context, q StreamQuery, onOpen func(), emit func(Envelope)) error
}

// focuser is implemented by streams that can re-prioritize a live connection
// without reconnecting.
type focuser interface {
	Focus(ctx context.Context, conversationID int64) error
}

var errStaleStream = errors.New("no data within heartbeat window")

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *FeedConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// shouldReconnect is always true for a negative attempt limit.
func (r *reconnector) shouldReconnect() bool {
	r.settle()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

// settle resets the attempt counter after a connection that stayed up for a
// minute.
func (r *reconnector) settle() {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with up to 50% jitter of the base delay.
func (r *reconnector) nextDelay() time.Duration {
	r.settle()
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	r.connectedAt = time.Time{}
	return delay
}

// ============================================================================
// SSEStream
// ============================================================================

// SSEStream is the default push transport: a text/event-stream of JSON
// envelopes. Comment lines are heartbeats; a connection that delivers nothing
// for StaleAfter is dropped.
type SSEStream struct {
	BaseURL    string
	HTTPClient *http.Client
	StaleAfter time.Duration
	CheckEvery time.Duration
}

// NewSSEStream creates an SSE transport for baseURL. client must not carry a
// request timeout, since the stream stays open indefinitely.
func NewSSEStream(baseURL string, client *http.Client) *SSEStream {
	if client == nil {
		client = http.DefaultClient
	}
	return &SSEStream{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: client,
		StaleAfter: 45 * time.Second,
		CheckEvery: 15 * time.Second,
	}
}

func (s *SSEStream) Name() string { return "sse" }

func (s *SSEStream) Run(ctx context.Context, q StreamQuery, onOpen func(), emit func(Envelope)) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, s.BaseURL+"/events?"+q.values().Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if q.Token != "" {
		req.Header.Set("Authorization", "Bearer "+q.Token)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("SSE connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}
	onOpen()

	var lastData atomic.Int64
	lastData.Store(time.Now().UnixNano())
	var stale atomic.Bool
	go func() {
		ticker := time.NewTicker(s.CheckEvery)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, lastData.Load())) > s.StaleAfter {
					stale.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		lastData.Store(time.Now().UnixNano())

		switch {
		case line == "":
			eventName = ""
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var env Envelope
			if json.Unmarshal([]byte(payload), &env) != nil {
				continue
			}
			if env.Event == "" {
				// Named SSE event carrying the bare payload.
				if eventName == "" {
					continue
				}
				env = Envelope{Event: EventType(eventName), Data: json.RawMessage(payload)}
			}
			emit(env)
		}
	}

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case stale.Load():
		return errStaleStream
	case scanner.Err() != nil:
		return fmt.Errorf("SSE read: %w", scanner.Err())
	}
	return errors.New("stream ended")
}

// ============================================================================
// WebSocketStream
// ============================================================================

// WebSocketStream is the alternative push transport. It pings the server
// every HeartbeatInterval and supports re-prioritizing the active
// conversation on the live connection.
type WebSocketStream struct {
	BaseURL           string
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	HTTPClient        *http.Client

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebSocketStream(baseURL string) *WebSocketStream {
	return &WebSocketStream{
		BaseURL:           strings.TrimRight(baseURL, "/"),
		HeartbeatInterval: 25 * time.Second,
		PingTimeout:       10 * time.Second,
	}
}

func (s *WebSocketStream) Name() string { return "ws" }

func (s *WebSocketStream) url(q StreamQuery) string {
	u := strings.Replace(s.BaseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?" + q.values().Encode()
}

func (s *WebSocketStream) Run(ctx context.Context, q StreamQuery, onOpen func(), emit func(Envelope)) error {
	opts := &websocket.DialOptions{HTTPClient: s.HTTPClient}
	if q.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + q.Token}}
	}
	conn, _, err := websocket.Dial(ctx, s.url(q), opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(4 * 1024 * 1024)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()
	onOpen()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.heartbeat(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		emit(env)
	}
}

func (s *WebSocketStream) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// Focus tells the server which conversation to prioritize.
func (s *WebSocketStream) Focus(ctx context.Context, conversationID int64) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(map[string]any{
		"type":                   "conversation.focus",
		"active_conversation_id": conversationID,
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// streamFor picks the push transport named by cfg.Transport.
func streamFor(cfg *FeedConfig) Stream {
	switch cfg.Transport {
	case "ws", "websocket":
		ws := NewWebSocketStream(cfg.BaseURL)
		ws.HTTPClient = cfg.HTTPClient
		if cfg.HeartbeatInterval > 0 {
			ws.HeartbeatInterval = cfg.HeartbeatInterval
		}
		return ws
	case "poll", "none":
		return nil
	}
	return NewSSEStream(cfg.BaseURL, cfg.HTTPClient)
}

func streamName(s Stream) zap.Field {
	if s == nil {
		return zap.String("transport", "poll")
	}
	return zap.String("transport", s.Name())
}

package chatcore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hookSecret = "inbox-hook-secret"

const (
	statusBody  = `{"event":"conversation.status_changed","data":{"id":42,"status":"resolved"}}`
	messageBody = `{"event":"message.created","data":{"id":501,"conversation_id":42,"content":"Is my order shipped?","message_type":0,"created_at":1700000000}}`
)

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// feedWithLog returns a poll-only feed that never polls during the
// test, plus the log of everything it dispatches.
func feedWithLog(t *testing.T) (*Feed, *eventLog) {
	t.Helper()
	feed := NewFeed(&fakeAPI{}, FeedConfig{Transport: "poll", PollInterval: time.Hour})
	log := &eventLog{}
	feed.Subscribe(log.handlers())
	t.Cleanup(func() { feed.Close() })
	return feed, log
}

func TestVerifyWebhookSignature(t *testing.T) {
	good := sign(hookSecret, statusBody)
	cases := []struct {
		name      string
		body, sig string
		secret    string
		want      bool
	}{
		{"prefixed", statusBody, good, hookSecret, true},
		{"bare hex", statusBody, strings.TrimPrefix(good, "sha256="), hookSecret, true},
		{"signed with another secret", statusBody, sign("rotated", statusBody), hookSecret, false},
		{"status flipped after signing", strings.Replace(statusBody, "resolved", "open", 1), good, hookSecret, false},
		{"zeroed digest", statusBody, "sha256=" + strings.Repeat("0", 64), hookSecret, false},
		{"truncated digest", statusBody, good[:20], hookSecret, false},
		{"prefix only", statusBody, "sha256=", hookSecret, false},
		{"no body", "", good, hookSecret, false},
		{"no secret configured", statusBody, good, "", false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyWebhookSignature(tt.body, tt.sig, tt.secret))
		})
	}
}

func TestParseWebhookEvent(t *testing.T) {
	ev, err := ParseWebhookEvent(statusBody)
	require.NoError(t, err)
	assert.Equal(t, ConversationStatusChanged{ConversationID: 42, Status: StatusResolved}, ev)

	ev, err = ParseWebhookEvent(messageBody)
	require.NoError(t, err)
	mc, ok := ev.(MessageCreated)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, int64(42), mc.ConversationID)
	assert.Equal(t, "Is my order shipped?", mc.Message.Content)

	_, err = ParseWebhookEvent(`{"data":{"id":42}}`)
	assert.ErrorContains(t, err, "missing event")

	_, err = ParseWebhookEvent(`{"event":"contact.merged","data":{}}`)
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = ParseWebhookEvent(`{"event":"message.created","data":{"conversation_id":42,"content":"no id"}}`)
	assert.Error(t, err)

	_, err = ParseWebhookEvent("event: message.created")
	assert.Error(t, err)
}

func TestWebhookReceiverFeedsTheFeed(t *testing.T) {
	_, err := NewWebhookReceiver("", nil, nil)
	require.Error(t, err)

	feed, log := feedWithLog(t)
	require.NoError(t, feed.Start(context.Background()))
	wh, err := NewWebhookReceiver(hookSecret, feed, nil)
	require.NoError(t, err)

	status, _ := wh.Handle(statusBody, sign(hookSecret, statusBody))
	require.Equal(t, http.StatusOK, status)
	status, _ = wh.Handle(messageBody, sign(hookSecret, messageBody))
	require.Equal(t, http.StatusOK, status)

	events := log.all()
	require.Len(t, events, 2)
	assert.Equal(t, ConversationStatusChanged{ConversationID: 42, Status: StatusResolved}, events[0])
	assert.Equal(t, int64(501), events[1].(MessageCreated).Message.ID)

	// Unknown kinds are acknowledged so the provider stops retrying them.
	typing := `{"event":"conversation.typing_on","data":{"id":42}}`
	status, _ = wh.Handle(typing, sign(hookSecret, typing))
	assert.Equal(t, http.StatusOK, status)

	bad := `{"event":"conversation.status_changed","data":{"id":42,"status":"archived"}}`
	status, _ = wh.Handle(bad, sign(hookSecret, bad))
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := wh.Handle(statusBody, sign("rotated", statusBody))
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, map[string]string{"error": "Invalid signature"}, body)

	assert.Len(t, log.all(), 2, "rejected and ignored deliveries dispatch nothing")

	require.NoError(t, feed.Close())
	status, _ = wh.Handle(statusBody, sign(hookSecret, statusBody))
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestWebhookReceiverHTTP(t *testing.T) {
	feed, log := feedWithLog(t)
	wh, err := NewWebhookReceiver(hookSecret, feed, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(wh.HTTPHandler())
	defer srv.Close()

	post := func(body, sig string) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
		require.NoError(t, err)
		if sig != "" {
			req.Header.Set(SignatureHeader, sig)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post(statusBody, sign(hookSecret, statusBody)))
	assert.Equal(t, http.StatusUnauthorized, post(statusBody, ""))

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	assert.Equal(t, []Event{ConversationStatusChanged{ConversationID: 42, Status: StatusResolved}}, log.all())
}

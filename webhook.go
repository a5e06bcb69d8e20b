package chatcore

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Chat-Signature"

// maxWebhookBody bounds how much of a webhook request is read.
const maxWebhookBody = 1 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature checks an HMAC-SHA256 signature, with or without a
// "sha256=" prefix, in constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookEvent decodes a webhook body. Bodies use the same envelope as
// the push stream.
func ParseWebhookEvent(body string) (Event, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	return DecodeEvent(env)
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// EventSink accepts events produced outside the feed. *Feed implements it.
type EventSink interface {
	Inject(ev Event, source string) error
}

// WebhookReceiver verifies provider webhooks and forwards them to the feed as
// a third event producer next to the push stream and the poller.
type WebhookReceiver struct {
	secret string
	sink   EventSink
	logger *zap.Logger
}

// NewWebhookReceiver creates a receiver. The secret is required.
func NewWebhookReceiver(secret string, sink EventSink, logger *zap.Logger) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookReceiver{secret: secret, sink: sink, logger: logger}, nil
}

func (w *WebhookReceiver) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle verifies, decodes and injects one webhook. It returns the status
// code and response body for the caller to write.
func (w *WebhookReceiver) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := ParseWebhookEvent(body)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			// Acknowledge so the provider does not retry events we never handle.
			w.logger.Debug("ignoring webhook", zap.Error(err))
			return http.StatusOK, map[string]bool{"ok": true}
		}
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.sink.Inject(ev, "webhook"); err != nil {
		return http.StatusServiceUnavailable, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
func (w *WebhookReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		defer r.Body.Close()
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}

// Package chatcore is the client-side synchronization core of a multi-tenant
// customer-messaging inbox.
//
// It combines a workspace-scoped offline cache, a live event feed with a
// polling fallback, optimistic sending with reconciliation, and read
// tracking. Rendering is left to the caller: controllers publish snapshots
// through OnChange callbacks.
//
// Example:
//
//	gw := chatcore.NewGateway("https://chat.example.com/api", chatcore.WithToken(token))
//	cache := chatcore.NewCache(chatcore.NewMemoryStorage())
//	feed := chatcore.NewFeed(gw, chatcore.FeedConfig{BaseURL: "https://chat.example.com", AccountID: 7})
//	session := chatcore.NewSession(gw, cache, feed, "ws-1")
//	_ = session.Start(ctx)
//	defer session.Close()
package chatcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultSendTimeout = 5 * time.Minute
	MaxUploadSize      = 50 * 1024 * 1024
)

// ChatAPI is the remote contract the controllers consume. *Gateway is the
// production implementation.
type ChatAPI interface {
	ListConversations(ctx context.Context, q ConversationQuery) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID int64, workspaceID string) ([]Message, error)
	SendMessage(ctx context.Context, req SendRequest) (*Message, error)
	MarkRead(ctx context.Context, conversationID, agentLastSeenAt int64, workspaceID string) error
}

// ConversationQuery filters a conversation list fetch.
type ConversationQuery struct {
	Status      ConversationStatus
	InboxID     int64
	WorkspaceID string
}

// Upload is a file attached to an outgoing message.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
	// PreviewURL is a local reference rendered while the send is in flight.
	PreviewURL string
}

// SendRequest is the payload of SendMessage.
type SendRequest struct {
	ConversationID int64
	Content        string
	MessageType    MessageType
	Files          []Upload
	WorkspaceID    string
}

// ============================================================================
// Gateway
// ============================================================================

// Gateway is a stateless wrapper around the provider's REST endpoints.
type Gateway struct {
	baseURL     string
	token       string
	timeout     time.Duration
	sendTimeout time.Duration
	httpClient  *http.Client
	sendClient  *http.Client
	logger      *zap.Logger
	metrics     *Metrics
}

type GatewayOption func(*Gateway)

func WithToken(token string) GatewayOption {
	return func(g *Gateway) { g.token = token }
}

// WithTimeout sets the timeout of every call except SendMessage. Without it
// the client's own timeout applies.
func WithTimeout(timeout time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = timeout }
}

// WithSendTimeout sets the timeout of SendMessage, which uploads files and
// needs far more time than ordinary reads.
func WithSendTimeout(timeout time.Duration) GatewayOption {
	return func(g *Gateway) { g.sendTimeout = timeout }
}

// WithHTTPClient sets the client requests are made with. The gateway works
// on copies and never modifies it.
func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *Gateway) { g.httpClient = client }
}

func WithGatewayLogger(logger *zap.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

func WithGatewayMetrics(m *Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway creates a gateway rooted at baseURL.
func NewGateway(baseURL string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		baseURL:     strings.TrimRight(baseURL, "/"),
		sendTimeout: DefaultSendTimeout,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	read := *g.httpClient
	if g.timeout > 0 {
		read.Timeout = g.timeout
	}
	send := *g.httpClient
	send.Timeout = g.sendTimeout
	g.httpClient, g.sendClient = &read, &send
	return g
}

// ============================================================================
// Internal request helper
// ============================================================================

func (g *Gateway) doRequest(ctx context.Context, client *http.Client, method, endpoint string, query url.Values, body io.Reader, contentType string) ([]byte, error) {
	u := g.baseURL + "/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if ws := query.Get("workspace_id"); ws != "" {
		req.Header.Set("X-Workspace-Id", ws)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		g.metrics.request(endpoint, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	g.metrics.request(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func parseAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		var nested APIError
		var plain string
		switch {
		case len(body.Error) > 0 && json.Unmarshal(body.Error, &nested) == nil:
			apiErr.Code, apiErr.Message = nested.Code, nested.Message
		case len(body.Error) > 0 && json.Unmarshal(body.Error, &plain) == nil:
			apiErr.Message = plain
		default:
			apiErr.Message = body.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func workspaceQuery(workspaceID string) url.Values {
	q := url.Values{}
	if workspaceID != "" {
		q.Set("workspace_id", workspaceID)
	}
	return q
}

func (g *Gateway) toMessage(w wireMessage) Message {
	m, rejected := w.toMessage()
	for _, err := range rejected {
		g.logger.Warn("dropping attachment",
			zap.Int64("conversation_id", m.ConversationID),
			zap.Int64("message_id", m.ID),
			zap.Error(err))
	}
	return m
}

// ============================================================================
// Endpoints
// ============================================================================

// ListConversations fetches the conversation list for a workspace.
func (g *Gateway) ListConversations(ctx context.Context, q ConversationQuery) ([]Conversation, error) {
	query := workspaceQuery(q.WorkspaceID)
	if q.Status != "" {
		query.Set("status", string(q.Status))
	}
	if q.InboxID != 0 {
		query.Set("inbox_id", strconv.FormatInt(q.InboxID, 10))
	}
	data, err := g.doRequest(ctx, g.httpClient, http.MethodGet, "conversations", query, nil, "")
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Conversations []Conversation `json:"conversations"`
	}](data)
	if err != nil {
		return nil, err
	}
	return res.Conversations, nil
}

// ListMessages fetches the full message list of a conversation.
func (g *Gateway) ListMessages(ctx context.Context, conversationID int64, workspaceID string) ([]Message, error) {
	query := workspaceQuery(workspaceID)
	query.Set("conversation_id", strconv.FormatInt(conversationID, 10))
	data, err := g.doRequest(ctx, g.httpClient, http.MethodGet, "messages", query, nil, "")
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Messages []wireMessage `json:"messages"`
	}](data)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(res.Messages))
	for _, w := range res.Messages {
		m := g.toMessage(w)
		if m.ConversationID == 0 {
			m.ConversationID = conversationID
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// ListInboxes fetches the inboxes visible in a workspace.
func (g *Gateway) ListInboxes(ctx context.Context, workspaceID string) ([]Inbox, error) {
	data, err := g.doRequest(ctx, g.httpClient, http.MethodGet, "inboxes", workspaceQuery(workspaceID), nil, "")
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Inboxes []Inbox `json:"inboxes"`
	}](data)
	if err != nil {
		return nil, err
	}
	return res.Inboxes, nil
}

// SendMessage posts a message with optional file attachments as multipart
// form data. It runs on the send client, whose timeout is the send timeout.
func (g *Gateway) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Files) == 0 {
		return nil, ErrEmptyMessage
	}
	for _, f := range req.Files {
		if len(f.Data) > MaxUploadSize {
			return nil, fmt.Errorf("file %s exceeds maximum size of 50 MB", f.FileName)
		}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("conversationId", strconv.FormatInt(req.ConversationID, 10))
	_ = w.WriteField("content", req.Content)
	_ = w.WriteField("messageType", strconv.Itoa(int(req.MessageType)))
	_ = w.WriteField("workspaceId", req.WorkspaceID)
	for _, f := range req.Files {
		contentType := f.ContentType
		if contentType == "" {
			contentType = guessContentType(f.FileName)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments[]"; filename="%s"`, escapeQuotes(f.FileName)))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	data, err := g.doRequest(ctx, g.sendClient, http.MethodPost, "send-message", workspaceQuery(req.WorkspaceID), &buf, w.FormDataContentType())
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Message *wireMessage `json:"message"`
	}](data)
	if err != nil {
		return nil, err
	}
	if res.Message == nil {
		return nil, fmt.Errorf("send-message: response has no message")
	}
	m := g.toMessage(*res.Message)
	if m.ConversationID == 0 {
		m.ConversationID = req.ConversationID
	}
	return &m, nil
}

// MarkRead moves the agent's read watermark of a conversation.
func (g *Gateway) MarkRead(ctx context.Context, conversationID, agentLastSeenAt int64, workspaceID string) error {
	body, err := json.Marshal(map[string]any{
		"conversationId":  conversationID,
		"agentLastSeenAt": agentLastSeenAt,
		"workspaceId":     workspaceID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	_, err = g.doRequest(ctx, g.httpClient, http.MethodPost, "mark-read", workspaceQuery(workspaceID), bytes.NewReader(body), "application/json")
	return err
}

// CustomerLink looks up the CRM customer bound to a conversation. It returns
// nil without error when the conversation has no customer.
func (g *Gateway) CustomerLink(ctx context.Context, conversationID int64, workspaceID string) (*CustomerLink, error) {
	query := workspaceQuery(workspaceID)
	query.Set("conversation_id", strconv.FormatInt(conversationID, 10))
	data, err := g.doRequest(ctx, g.httpClient, http.MethodGet, "chat-reference", query, nil, "")
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	res, err := decodeJSON[struct {
		Reference *CustomerLink `json:"chat_reference"`
	}](data)
	if err != nil {
		return nil, err
	}
	if res.Reference == nil || res.Reference.CustomerID == "" {
		return nil, nil
	}
	if res.Reference.ConversationID == 0 {
		res.Reference.ConversationID = conversationID
	}
	return res.Reference, nil
}

// ConversationExists reports whether the provider still lists the conversation.
func (g *Gateway) ConversationExists(ctx context.Context, conversationID int64, workspaceID string) (bool, error) {
	return conversationExists(ctx, g, conversationID, workspaceID)
}

func conversationExists(ctx context.Context, api ChatAPI, conversationID int64, workspaceID string) (bool, error) {
	convs, err := api.ListConversations(ctx, ConversationQuery{Status: StatusAll, WorkspaceID: workspaceID})
	if err != nil {
		return false, err
	}
	for _, c := range convs {
		if c.ID == conversationID {
			return true, nil
		}
	}
	return false, nil
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

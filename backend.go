package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ============================================================================
// Backend
// ============================================================================

// Backend is the REST surface of the chat service.
type Backend interface {
	ListConversations(ctx context.Context, filter string) ([]Conversation, error)
	FetchMessages(ctx context.Context, conversationID string, page, limit int) ([]Message, error)
	SendMessage(ctx context.Context, msg OutboundMessage) (SendReceipt, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
	Search(ctx context.Context, conversationID, query string) ([]Message, error)
}

// MarkReadRequest is the body of PUT /chat/messages/read.
type MarkReadRequest struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
}

// RESTBackend talks to the chat service over HTTP.
type RESTBackend struct {
	baseURL     string
	token       string
	localUserID string
	httpClient  *http.Client
	codec       Codec
	tracer      trace.Tracer
}

// BackendOption configures a RESTBackend.
type BackendOption func(*RESTBackend)

// WithBaseURL sets the API root, e.g. "http://localhost:8000/api".
func WithBaseURL(u string) BackendOption {
	return func(b *RESTBackend) { b.baseURL = strings.TrimRight(u, "/") }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) BackendOption {
	return func(b *RESTBackend) { b.token = token }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) BackendOption {
	return func(b *RESTBackend) { b.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) BackendOption {
	return func(b *RESTBackend) { b.httpClient = client }
}

// NewRESTBackend creates a backend client acting for localUserID.
func NewRESTBackend(localUserID string, opts ...BackendOption) *RESTBackend {
	b := &RESTBackend{
		baseURL:     DefaultBaseURL,
		localUserID: localUserID,
		httpClient:  &http.Client{Timeout: DefaultRequestTimeout},
		tracer:      otel.Tracer("chatsync/rest"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ============================================================================
// HTTP Layer
// ============================================================================

func (b *RESTBackend) doRequest(ctx context.Context, op, method, path string, body any, query url.Values) (_ []byte, err error) {
	ctx, span := b.tracer.Start(ctx, method+" "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("chat.operation", op),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	u := b.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, &RequestError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{Op: op, StatusCode: resp.StatusCode, API: decodeAPIError(data)}
	}
	return data, nil
}

// decodeAPIError accepts {"code","message"}, {"error":{...}} and
// {"error":"..."} bodies.
func decodeAPIError(data []byte) *APIError {
	f, ok := parseFields(data)
	if !ok {
		return nil
	}
	if inner := f.obj("error"); inner != nil {
		f = inner
	} else if msg := f.str("error"); msg != "" {
		return &APIError{Code: f.str("code"), Message: msg}
	}
	apiErr := &APIError{Code: f.str("code"), Message: f.str("message")}
	if apiErr.Code == "" && apiErr.Message == "" {
		return nil
	}
	return apiErr
}

// ============================================================================
// Endpoints
// ============================================================================

// ListConversations fetches the conversation list. An empty filter or
// "All" sends no filter parameter.
func (b *RESTBackend) ListConversations(ctx context.Context, filter string) ([]Conversation, error) {
	var q url.Values
	if filter != "" && filter != string(FilterAll) {
		q = url.Values{"filter": {filter}}
	}
	data, err := b.doRequest(ctx, "list_conversations", http.MethodGet, "/chat/conversations", nil, q)
	if err != nil {
		return nil, err
	}
	convs, err := b.codec.DecodeConversations(data, b.localUserID)
	if err != nil {
		return nil, &RequestError{Op: "list_conversations", Err: err}
	}
	return convs, nil
}

// FetchMessages fetches one page of history. Pages start at 1.
func (b *RESTBackend) FetchMessages(ctx context.Context, conversationID string, page, limit int) ([]Message, error) {
	if page < 1 {
		page = 1
	}
	q := url.Values{
		"page":  {strconv.Itoa(page)},
		"limit": {strconv.Itoa(limit)},
	}
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	data, err := b.doRequest(ctx, "fetch_messages", http.MethodGet, path, nil, q)
	if err != nil {
		return nil, err
	}
	msgs, err := b.codec.DecodeMessages(data, conversationID)
	if err != nil {
		return nil, &RequestError{Op: "fetch_messages", Err: err}
	}
	return msgs, nil
}

// SendMessage posts a message. The receipt's client token falls back to
// the one sent when the response omits it.
func (b *RESTBackend) SendMessage(ctx context.Context, msg OutboundMessage) (SendReceipt, error) {
	data, err := b.doRequest(ctx, "send_message", http.MethodPost, "/chat/messages", msg, nil)
	if err != nil {
		return SendReceipt{}, err
	}
	r := b.codec.NormalizeReceipt(data)
	if r.ClientToken == "" {
		r.ClientToken = msg.ClientToken
	}
	if r.Message != nil && r.Message.ConversationID == "" {
		r.Message.ConversationID = msg.ConversationID
	}
	return r, nil
}

// MarkRead reports read messages to the backend.
func (b *RESTBackend) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	body := MarkReadRequest{ChatID: conversationID, MessageIDs: messageIDs}
	_, err := b.doRequest(ctx, "mark_read", http.MethodPut, "/chat/messages/read", body, nil)
	return err
}

// Search runs a server-side search within one conversation.
func (b *RESTBackend) Search(ctx context.Context, conversationID, query string) ([]Message, error) {
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/search"
	data, err := b.doRequest(ctx, "search", http.MethodGet, path, nil, url.Values{"q": {query}})
	if err != nil {
		return nil, err
	}
	msgs, err := b.codec.DecodeMessages(data, conversationID)
	if err != nil {
		return nil, &RequestError{Op: "search", Err: err}
	}
	return msgs, nil
}

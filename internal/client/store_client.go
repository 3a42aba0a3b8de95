package client

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

	"go.uber.org/zap"

	"realtime-service/internal/channel"
	"realtime-service/internal/chat"
	"realtime-service/internal/domain"
	"realtime-service/internal/notification"
)

// StoreClient talks to the realtime REST API. It backs the chat history and the
// notification store for processes that do not own the database.
type StoreClient struct {
	baseURL    string
	token      string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

var (
	_ chat.HistoryStore  = (*StoreClient)(nil)
	_ notification.Store = (*StoreClient)(nil)
)

// NewStoreClient creates a client for baseURL ("http://host:8003/api/realtime").
// token authenticates the user; apiKey is only needed for CreateNotification.
func NewStoreClient(baseURL, token, apiKey string, timeout time.Duration, logger *zap.Logger) *StoreClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError is a non-2xx answer of the API
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusForbidden:
		return domain.ErrForbidden
	}
	return nil
}

// History returns the chat page older than beforeID, oldest first
func (c *StoreClient) History(ctx context.Context, workspaceID, channelName, beforeID string, limit int) ([]domain.ChatMessage, error) {
	q := url.Values{}
	if projectID := channel.ProjectID(channelName); projectID != "" {
		q.Set("projectId", projectID)
	}
	if beforeID != "" {
		q.Set("before", beforeID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var messages []domain.ChatMessage
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(workspaceID), q, nil, false, &messages); err != nil {
		return nil, domain.WrapStoreError("history", err)
	}
	return messages, nil
}

// List returns the newest notifications of the caller in a workspace
func (c *StoreClient) List(ctx context.Context, workspaceID, _ string, limit int) ([]domain.Notification, error) {
	q := url.Values{"workspaceId": {workspaceID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var page domain.PaginatedNotifications
	if err := c.do(ctx, http.MethodGet, "/notifications", q, nil, false, &page); err != nil {
		return nil, domain.WrapStoreError("list", err)
	}
	return page.Notifications, nil
}

// UnreadCount returns the server side unread counter
func (c *StoreClient) UnreadCount(ctx context.Context, workspaceID string) (int64, error) {
	var count domain.UnreadCount
	q := url.Values{"workspaceId": {workspaceID}}
	if err := c.do(ctx, http.MethodGet, "/notifications/unread-count", q, nil, false, &count); err != nil {
		return 0, domain.WrapStoreError("unreadCount", err)
	}
	return count.Count, nil
}

// MarkRead flips one notification. The user is taken from the token.
func (c *StoreClient) MarkRead(ctx context.Context, _, _, id string) error {
	if err := c.do(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", nil, nil, false, nil); err != nil {
		return domain.WrapStoreError("markRead", err)
	}
	return nil
}

// MarkAllRead flips every unread notification of the caller in a workspace
func (c *StoreClient) MarkAllRead(ctx context.Context, workspaceID, _ string) error {
	q := url.Values{"workspaceId": {workspaceID}}
	if err := c.do(ctx, http.MethodPost, "/notifications/read-all", q, nil, false, nil); err != nil {
		return domain.WrapStoreError("markAllRead", err)
	}
	return nil
}

// CreateNotification uses the internal API the other services call
func (c *StoreClient) CreateNotification(ctx context.Context, event domain.NotificationEvent) (*domain.Notification, error) {
	var n domain.Notification
	if err := c.do(ctx, http.MethodPost, "/internal/notifications", nil, event, true, &n); err != nil {
		return nil, domain.WrapStoreError("create", err)
	}
	return &n, nil
}

func (c *StoreClient) do(ctx context.Context, method, path string, query url.Values, body any, internal bool, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if internal {
		req.Header.Set("X-Internal-Api-Key", c.apiKey)
	} else if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("API call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(startTime)),
	)

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)
	if decodeErr == io.EOF {
		decodeErr = nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("failed to decode response: %w", decodeErr)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

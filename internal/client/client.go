// Package client is the sync client: HTTP requests for reads and mutations, a
// websocket stream for pushed events, and a reconcile.Store that merges both.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ent0n29/tasksync/internal/apperr"
	"github.com/ent0n29/tasksync/internal/reconcile"
	"github.com/ent0n29/tasksync/internal/reliability"
	"github.com/ent0n29/tasksync/internal/tasks"
)

// Error is a failed request as reported by the server. It matches the apperr sentinel
// for its code with errors.Is.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tasksync http status %d (%s): %s", e.Status, e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	sentinel := apperr.FromCode(e.Code)
	return sentinel != nil && sentinel == target
}

type Client struct {
	baseURL        *url.URL
	tokenMu        sync.RWMutex
	token          string
	http           *http.Client
	dialer         websocket.Dialer
	requestTimeout time.Duration
	backoffBase    time.Duration
	backoffCap     time.Duration
	store          *reconcile.Store

	stream *stream
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithBackoff bounds the reconnect delay.
func WithBackoff(base, cap time.Duration) Option {
	return func(c *Client) {
		c.backoffBase = base
		c.backoffCap = cap
	}
}

func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL:        u,
		token:          strings.TrimSpace(token),
		http:           &http.Client{Timeout: 30 * time.Second},
		requestTimeout: 10 * time.Second,
		backoffBase:    250 * time.Millisecond,
		backoffCap:     10 * time.Second,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.store = reconcile.NewStore(c, reconcile.WithFetchTimeout(c.requestTimeout))
	c.stream = newStream(c)
	return c, nil
}

func (c *Client) credential() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// Store is the merged client view.
func (c *Client) Store() *reconcile.Store { return c.store }

func (c *Client) FetchWorkspace(ctx context.Context, workspaceID string) (tasks.Snapshot, error) {
	var snap tasks.Snapshot
	err := c.doIdempotent(ctx, http.MethodGet, "/v1/workspaces/"+url.PathEscape(workspaceID)+"/tasks", nil, &snap)
	return snap, err
}

func (c *Client) FetchTask(ctx context.Context, taskID string) (tasks.Task, error) {
	var task tasks.Task
	err := c.doIdempotent(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, &task)
	return task, err
}

func (c *Client) FetchNotifications(ctx context.Context) ([]tasks.Notification, error) {
	var out struct {
		Notifications []tasks.Notification `json:"notifications"`
	}
	err := c.doIdempotent(ctx, http.MethodGet, "/v1/notifications", nil, &out)
	return out.Notifications, err
}

func (c *Client) CreateWorkspace(ctx context.Context, name string) (tasks.Workspace, error) {
	var ws tasks.Workspace
	err := c.do(ctx, http.MethodPost, "/v1/workspaces", map[string]string{"name": name}, &ws)
	return ws, err
}

func (c *Client) AddMember(ctx context.Context, workspaceID, identityID string) error {
	return c.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(workspaceID)+"/members",
		map[string]string{"identity_id": identityID}, nil)
}

func (c *Client) CreateTask(ctx context.Context, workspaceID string, in tasks.TaskInput) (tasks.Task, error) {
	var task tasks.Task
	if err := c.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(workspaceID)+"/tasks", in, &task); err != nil {
		return tasks.Task{}, err
	}
	c.store.ApplyTask(task)
	return task, nil
}

// ChangeStatus shows the new status immediately and settles it with the server's answer.
func (c *Client) ChangeStatus(ctx context.Context, taskID string, status tasks.Status) (tasks.Task, error) {
	reqID := c.store.OptimisticStatus(taskID, status)
	var task tasks.Task
	err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/status",
		map[string]string{"status": string(status)}, &task)
	if err != nil {
		c.discard(ctx, reqID, taskID)
		return tasks.Task{}, err
	}
	c.store.ApplyTask(task)
	c.store.Confirm(reqID)
	return task, nil
}

// AddComment posts a comment under a client generated id, so the pending entry, the
// response and the pushed event all collapse into one comment.
func (c *Client) AddComment(ctx context.Context, taskID, content string) (tasks.Comment, error) {
	pending := tasks.Comment{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		AuthorID:  c.stream.identityID(),
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	reqID := c.store.OptimisticComment(pending)
	var out tasks.Comment
	err := c.doIdempotent(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/comments",
		tasks.CommentInput{ID: pending.ID, Content: content}, &out)
	if err != nil {
		c.discard(ctx, reqID, taskID)
		return tasks.Comment{}, err
	}
	c.store.ApplyComment(out)
	c.store.Confirm(reqID)
	return out, nil
}

func (c *Client) AddAttachment(ctx context.Context, taskID string, in tasks.AttachmentInput) (tasks.Attachment, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	reqID := c.store.OptimisticAttachment(tasks.Attachment{
		ID:          in.ID,
		TaskID:      taskID,
		FileName:    in.FileName,
		ContentType: in.ContentType,
		SizeBytes:   in.SizeBytes,
		StorageKey:  in.StorageKey,
		UploadedBy:  c.stream.identityID(),
		CreatedAt:   time.Now().UTC(),
	})
	var out tasks.Attachment
	if err := c.doIdempotent(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/attachments", in, &out); err != nil {
		c.discard(ctx, reqID, taskID)
		return tasks.Attachment{}, err
	}
	c.store.ApplyAttachment(out)
	c.store.Confirm(reqID)
	return out, nil
}

func (c *Client) Reorder(ctx context.Context, workspaceID string, taskIDs []string) (tasks.WorkspaceOrder, error) {
	var order tasks.WorkspaceOrder
	if err := c.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(workspaceID)+"/reorder",
		map[string][]string{"task_ids": taskIDs}, &order); err != nil {
		return tasks.WorkspaceOrder{}, err
	}
	c.store.ApplyOrder(order)
	return order, nil
}

func (c *Client) ToggleFavorite(ctx context.Context, taskID string) (bool, error) {
	var out struct {
		Favorite bool `json:"favorite"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/favorite", nil, &out)
	return out.Favorite, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) (tasks.Notification, error) {
	var n tasks.Notification
	if err := c.do(ctx, http.MethodPost, "/v1/notifications/"+url.PathEscape(notificationID)+"/read", nil, &n); err != nil {
		return tasks.Notification{}, err
	}
	c.store.ApplyNotification(n)
	return n, nil
}

// IssueNotification is the admin path used by background jobs.
func (c *Client) IssueNotification(ctx context.Context, identityID string, in tasks.NotificationInput) (tasks.Notification, error) {
	var n tasks.Notification
	err := c.do(ctx, http.MethodPost, "/v1/admin/notifications", map[string]string{
		"identity_id": identityID,
		"type":        in.Type,
		"message":     in.Message,
	}, &n)
	return n, err
}

// discard drops the overlay of a failed request and re-reads the task so anything that
// moved meanwhile shows up.
func (c *Client) discard(ctx context.Context, reqID, taskID string) {
	c.store.Discard(reqID)
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.requestTimeout)
	defer cancel()
	task, err := c.FetchTask(fctx, taskID)
	if err != nil {
		log.WithError(err).WithField("task_id", taskID).Debug("refetch after failed request")
		return
	}
	c.store.ApplyTask(task)
}

const maxAttempts = 3

// doIdempotent retries requests that are safe to repeat: reads, and writes that carry
// a client generated id the server de-duplicates on.
func (c *Client) doIdempotent(ctx context.Context, method, path string, body, out any) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = c.do(ctx, method, path, body, out)
		if !retryable(err) || attempt == maxAttempts-1 {
			return err
		}
		if !reliability.Sleep(ctx, reliability.ExponentialBackoff(attempt, c.backoffBase, c.backoffCap)) {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableErrorCode(apiErr.Code) || reliability.IsRetryableHTTPStatus(apiErr.Status)
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.credential())

	res, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s", apperr.ErrTimeout, method, path)
		}
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload.Error = strings.TrimSpace(string(raw))
		}
		if payload.Code == "" {
			payload.Code = codeForStatus(res.StatusCode)
		}
		return &Error{Status: res.StatusCode, Code: payload.Code, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// codeForStatus covers responses that did not carry an error body, such as the 504
// written by the server's request timeout.
func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return apperr.CodeUnauthenticated
	case http.StatusForbidden:
		return apperr.CodeForbidden
	case http.StatusBadRequest:
		return apperr.CodeInvalidRequest
	case http.StatusNotFound:
		return apperr.CodeNotFound
	case http.StatusGatewayTimeout:
		return apperr.CodeTimeout
	case http.StatusServiceUnavailable:
		return apperr.CodeUnavailable
	default:
		return apperr.CodeInternal
	}
}

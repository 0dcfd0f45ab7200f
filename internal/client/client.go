// Package client talks to the marksync API. A Client is the server side of an
// autosave.Controller, so an editor can be wired to a remote document with
// OpenEditor.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"marksync/api/internal/autosave"
	"marksync/api/internal/conflict"
)

const (
	defaultHTTPTimeout        = 30 * time.Second
	defaultHTTPConnectTimeout = 5 * time.Second
	defaultHTTPTLSTimeout     = 5 * time.Second
	maxResponseBytes          = 16 << 20
)

func defaultHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHTTPConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHTTPTLSTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHTTPTimeout,
	}
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether the same request may succeed later unchanged.
func (e *APIError) Retryable() bool {
	switch e.Status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.Status >= http.StatusInternalServerError
}

// IsRetryable is true for retryable API errors and for transport failures
// where the request never got an answer.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr)
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.http = httpClient }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

var _ autosave.Saver = (*Client)(nil)

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    defaultHTTPClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken attaches a bearer token to every following request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type Session struct {
	AccessToken string `json:"accessToken"`
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	ExpiresAt   int64  `json:"expiresAt"`
}

type Document struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Content            string    `json:"content"`
	Tags               []string  `json:"tags"`
	Version            int64     `json:"version"`
	LastEditPosition   int       `json:"lastEditPosition"`
	WordCount          int       `json:"wordCount"`
	ReadingTimeMinutes int       `json:"readingTimeMinutes"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type State struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Revision struct {
	Version   int64     `json:"version"`
	Hash      string    `json:"hash"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// SignUp creates an account and keeps its token for later calls.
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/api/auth/signup", map[string]any{
		"email":       email,
		"password":    password,
		"displayName": displayName,
	}, &session)
	if err != nil {
		return Session{}, err
	}
	c.SetToken(session.AccessToken)
	return session, nil
}

// SignIn authenticates and keeps the token for later calls.
func (c *Client) SignIn(ctx context.Context, email, password string) (Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/api/auth/signin", map[string]any{
		"email":    email,
		"password": password,
	}, &session)
	if err != nil {
		return Session{}, err
	}
	c.SetToken(session.AccessToken)
	return session, nil
}

func (c *Client) CreateDocument(ctx context.Context, title, content string, tags []string) (Document, error) {
	var out struct {
		Document Document `json:"document"`
	}
	err := c.do(ctx, http.MethodPost, "/api/documents", map[string]any{
		"title":   title,
		"content": content,
		"tags":    tags,
	}, &out)
	return out.Document, err
}

func (c *Client) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var out struct {
		Document Document `json:"document"`
	}
	err := c.do(ctx, http.MethodGet, documentPath(documentID, ""), nil, &out)
	return out.Document, err
}

func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	return c.do(ctx, http.MethodDelete, documentPath(documentID, ""), nil, nil)
}

// State reads the stored version and content without touching the document.
func (c *Client) State(ctx context.Context, documentID string) (State, error) {
	var out State
	err := c.do(ctx, http.MethodGet, documentPath(documentID, "state"), nil, &out)
	return out, err
}

// CheckConflict compares baseVersion, and content when non-nil, with the
// stored document.
func (c *Client) CheckConflict(ctx context.Context, documentID string, baseVersion int64, content *string) (conflict.Report, error) {
	body := map[string]any{"version": baseVersion}
	if content != nil {
		body["content"] = *content
	}
	var report conflict.Report
	err := c.do(ctx, http.MethodPost, documentPath(documentID, "conflict-check"), body, &report)
	return report, err
}

func (c *Client) Revisions(ctx context.Context, documentID string, limit int) ([]Revision, error) {
	path := documentPath(documentID, "revisions")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Revisions []Revision `json:"revisions"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Revisions, err
}

func (c *Client) Autosave(ctx context.Context, req autosave.AutosaveRequest) (autosave.AutosaveResult, error) {
	var out struct {
		Content          string    `json:"content"`
		LastEditPosition int       `json:"lastEditPosition"`
		SavedAt          time.Time `json:"savedAt"`
	}
	err := c.do(ctx, http.MethodPut, documentPath(req.DocumentID, ""), map[string]any{
		"content":          req.Content,
		"lastEditPosition": req.LastEditPosition,
	}, &out)
	if err != nil {
		return autosave.AutosaveResult{}, err
	}
	return autosave.AutosaveResult{
		Content:          out.Content,
		LastEditPosition: out.LastEditPosition,
		SavedAt:          out.SavedAt,
	}, nil
}

// ManualSave returns the conflict report in the result when the base version
// is stale; that is not an error.
func (c *Client) ManualSave(ctx context.Context, req autosave.ManualSaveRequest) (autosave.ManualSaveResult, error) {
	var out struct {
		Document *Document        `json:"document"`
		Conflict *conflict.Report `json:"conflict"`
	}
	err := c.do(ctx, http.MethodPut, documentPath(req.DocumentID, ""), map[string]any{
		"content":          req.Content,
		"version":          req.BaseVersion,
		"lastEditPosition": req.LastEditPosition,
	}, &out)
	if err != nil {
		return autosave.ManualSaveResult{}, err
	}
	if out.Conflict != nil {
		return autosave.ManualSaveResult{Conflict: out.Conflict}, nil
	}
	if out.Document == nil {
		return autosave.ManualSaveResult{}, errors.New("manual save response carried neither document nor conflict")
	}
	return autosave.ManualSaveResult{
		Version: out.Document.Version,
		Content: out.Document.Content,
		SavedAt: out.Document.UpdatedAt,
	}, nil
}

func (c *Client) ResolveConflict(ctx context.Context, req autosave.ResolveRequest) (autosave.ResolveResult, error) {
	var out struct {
		Document Document `json:"document"`
		Written  bool     `json:"written"`
	}
	body := map[string]any{
		"version":      req.BaseVersion,
		"localContent": req.LocalContent,
		"strategy":     req.Strategy.String(),
	}
	if !req.SubmittedAt.IsZero() {
		body["submittedAt"] = req.SubmittedAt.UTC().Format(time.RFC3339Nano)
	}
	err := c.do(ctx, http.MethodPost, documentPath(req.DocumentID, "resolve"), body, &out)
	if err != nil {
		return autosave.ResolveResult{}, err
	}
	return autosave.ResolveResult{
		Version: out.Document.Version,
		Content: out.Document.Content,
		SavedAt: out.Document.UpdatedAt,
		Written: out.Written,
	}, nil
}

// OpenEditor loads a document and returns a controller that saves it through
// this client. The caller owns the controller and must Close it.
func (c *Client) OpenEditor(ctx context.Context, documentID string, opts ...autosave.Option) (*autosave.Controller, error) {
	doc, err := c.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return autosave.New(c, autosave.Document{
		ID:               doc.ID,
		Content:          doc.Content,
		Version:          doc.Version,
		LastEditPosition: doc.LastEditPosition,
		UpdatedAt:        doc.UpdatedAt,
	}, opts...), nil
}

func documentPath(documentID, action string) string {
	path := "/api/documents/" + url.PathEscape(documentID)
	if action != "" {
		path += "/" + action
	}
	return path
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(status int, raw []byte) error {
	var payload struct {
		Code    string          `json:"code"`
		Error   string          `json:"error"`
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		message := strings.TrimSpace(string(raw))
		if message == "" {
			message = http.StatusText(status)
		}
		return &APIError{Status: status, Message: message}
	}
	return &APIError{
		Status:  status,
		Code:    payload.Code,
		Message: payload.Error,
		Details: payload.Details,
	}
}

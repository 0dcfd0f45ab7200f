package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/sirupsen/logrus"

	"marksync/api/internal/app"
	"marksync/api/internal/autosave"
	"marksync/api/internal/config"
	"marksync/api/internal/conflict"
	"marksync/api/internal/store"
)

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := config.Config{
		JWTSecret:         "client-test-secret",
		AccessTTL:         time.Hour,
		SigninMaxAttempts: 5,
		SigninWindow:      time.Minute,
		ResolveRetries:    3,
	}
	svc := app.New(cfg, store.NewMemoryStore(), app.WithLogger(logrus.NewEntry(logger)))
	server := httptest.NewServer(app.NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server
}

func signedInClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	c := New(server.URL, WithHTTPClient(server.Client()))
	session, err := c.SignUp(context.Background(), "avery@example.com", "correct-horse", "Avery")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if session.AccessToken == "" || c.Token() != session.AccessToken {
		t.Fatalf("expected client to keep the session token, got %+v", session)
	}
	return c
}

func TestClientSavePaths(t *testing.T) {
	server := newTestAPI(t)
	c := signedInClient(t, server)
	ctx := context.Background()

	doc, err := c.CreateDocument(ctx, "Notes", "draft", []string{"Work"})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	assert.Equal(t, doc.Version, int64(1))
	assert.Equal(t, doc.Tags, []string{"work"})

	autosaved, err := c.Autosave(ctx, autosave.AutosaveRequest{DocumentID: doc.ID, Content: "draft two", LastEditPosition: 9})
	if err != nil {
		t.Fatalf("Autosave() error = %v", err)
	}
	assert.Equal(t, autosaved.Content, "draft two")
	assert.Equal(t, autosaved.LastEditPosition, 9)
	if autosaved.SavedAt.IsZero() {
		t.Fatal("expected savedAt")
	}

	state, err := c.State(ctx, doc.ID)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	assert.Equal(t, state.Version, int64(1))

	saved, err := c.ManualSave(ctx, autosave.ManualSaveRequest{DocumentID: doc.ID, BaseVersion: 1, Content: "final"})
	if err != nil {
		t.Fatalf("ManualSave() error = %v", err)
	}
	if saved.Conflict != nil {
		t.Fatalf("unexpected conflict: %+v", saved.Conflict)
	}
	assert.Equal(t, saved.Version, int64(2))

	stale, err := c.ManualSave(ctx, autosave.ManualSaveRequest{DocumentID: doc.ID, BaseVersion: 1, Content: "other tab"})
	if err != nil {
		t.Fatalf("stale ManualSave() error = %v", err)
	}
	if stale.Conflict == nil {
		t.Fatal("expected conflict report")
	}
	assert.Equal(t, stale.Conflict.ConflictType, conflict.TypeBoth)
	assert.Equal(t, *stale.Conflict.ServerContent, "final")

	report, err := c.CheckConflict(ctx, doc.ID, 2, nil)
	if err != nil {
		t.Fatalf("CheckConflict() error = %v", err)
	}
	assert.Equal(t, report.HasConflict, false)

	older, err := c.ResolveConflict(ctx, autosave.ResolveRequest{
		DocumentID:   doc.ID,
		BaseVersion:  1,
		LocalContent: "other tab",
		Strategy:     conflict.StrategyLatestWins,
		SubmittedAt:  time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("latest_wins ResolveConflict() error = %v", err)
	}
	assert.Equal(t, older.Written, false)
	assert.Equal(t, older.Version, int64(2))
	assert.Equal(t, older.Content, "final")

	resolved, err := c.ResolveConflict(ctx, autosave.ResolveRequest{
		DocumentID:   doc.ID,
		BaseVersion:  1,
		LocalContent: "other tab",
		Strategy:     conflict.StrategyCreateMarkers,
	})
	if err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}
	assert.Equal(t, resolved.Written, true)
	assert.Equal(t, resolved.Version, int64(3))
	assert.Equal(t, conflict.HasMarkers(resolved.Content), true)

	if err := c.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	_, err = c.GetDocument(ctx, doc.ID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	assert.Equal(t, apiErr.Status, http.StatusNotFound)
	assert.Equal(t, apiErr.Code, "NOT_FOUND")
	assert.Equal(t, apiErr.Retryable(), false)
}

func TestOpenEditorSavesThroughServer(t *testing.T) {
	server := newTestAPI(t)
	c := signedInClient(t, server)
	ctx := context.Background()

	doc, err := c.CreateDocument(ctx, "Notes", "start", nil)
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	editor, err := c.OpenEditor(ctx, doc.ID, autosave.WithDebounce(time.Hour))
	if err != nil {
		t.Fatalf("OpenEditor() error = %v", err)
	}
	defer editor.Close()

	editor.EditAt("start and more", 14)
	if err := editor.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	state, err := c.State(ctx, doc.ID)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	assert.Equal(t, state.Content, "start and more")
	assert.Equal(t, state.Version, int64(1))
	assert.Equal(t, editor.State().Status, autosave.StatusSaved)

	result, err := editor.ForceSave(ctx)
	if err != nil {
		t.Fatalf("ForceSave() error = %v", err)
	}
	assert.Equal(t, result.Version, int64(2))
	assert.Equal(t, editor.State().BaseVersion, int64(2))

	revisions, err := c.Revisions(ctx, doc.ID, 10)
	if err != nil {
		t.Fatalf("Revisions() error = %v", err)
	}
	assert.Equal(t, len(revisions), 0)
}

func TestRetryableErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"STORE_UNAVAILABLE","error":"Document store unavailable"}`))
	}))
	defer server.Close()

	c := New(server.URL, WithHTTPClient(server.Client()), WithToken("token"))
	_, err := c.ManualSave(context.Background(), autosave.ManualSaveRequest{DocumentID: "doc_1", BaseVersion: 1})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	assert.Equal(t, apiErr.Code, "STORE_UNAVAILABLE")
	assert.Equal(t, apiErr.Retryable(), true)
	assert.Equal(t, IsRetryable(err), true)

	assert.Equal(t, IsRetryable(&APIError{Status: http.StatusUnprocessableEntity}), false)
	assert.Equal(t, IsRetryable(&APIError{Status: http.StatusTooManyRequests}), true)
	assert.Equal(t, IsRetryable(context.Canceled), false)
	assert.Equal(t, IsRetryable(nil), false)
}

func TestNonJSONErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	c := New(server.URL, WithHTTPClient(server.Client()))
	_, err := c.State(context.Background(), "doc_1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	assert.Equal(t, apiErr.Status, http.StatusBadGateway)
	assert.Equal(t, apiErr.Message, "bad gateway")
}

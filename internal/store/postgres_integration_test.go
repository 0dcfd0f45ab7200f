package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func openIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func seedDocument(t *testing.T, s *PostgresStore, content string) Document {
	t.Helper()
	ctx := context.Background()
	owner := User{
		ID:           "usr_" + uuid.NewString(),
		Email:        uuid.NewString() + "@example.test",
		DisplayName:  "Integration",
		PasswordHash: "x",
	}
	if err := s.CreateUser(ctx, owner); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	item := Document{ID: "doc_" + uuid.NewString(), OwnerID: owner.ID, Title: "t", Content: content}
	if err := s.InsertDocument(ctx, item); err != nil {
		t.Fatalf("InsertDocument() error = %v", err)
	}
	stored, err := s.ReadDocument(ctx, item.ID)
	if err != nil {
		t.Fatalf("ReadDocument() error = %v", err)
	}
	return stored
}

func TestPostgresConditionalUpdateRejectsStaleVersion(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	doc := seedDocument(t, s, "A")

	affected, err := s.ConditionalUpdateDocument(ctx, doc.ID, doc.Version, UpdateFields{Content: "B"})
	if err != nil {
		t.Fatalf("ConditionalUpdateDocument() error = %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 row affected, got %d", affected)
	}

	affected, err = s.ConditionalUpdateDocument(ctx, doc.ID, doc.Version, UpdateFields{Content: "C"})
	if err != nil {
		t.Fatalf("ConditionalUpdateDocument() error = %v", err)
	}
	if affected != 0 {
		t.Fatalf("expected stale update to affect 0 rows, got %d", affected)
	}

	stored, err := s.ReadDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("ReadDocument() error = %v", err)
	}
	if stored.Content != "B" || stored.Version != doc.Version+1 {
		t.Fatalf("unexpected stored document: content=%q version=%d", stored.Content, stored.Version)
	}
}

func TestPostgresPatchKeepsVersionAndAdvancesUpdatedAt(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	doc := seedDocument(t, s, "A")

	first, err := s.PatchDocument(ctx, doc.ID, PatchFields{Content: "same", LastEditPosition: 4})
	if err != nil {
		t.Fatalf("PatchDocument() error = %v", err)
	}
	second, err := s.PatchDocument(ctx, doc.ID, PatchFields{Content: "same", LastEditPosition: 4})
	if err != nil {
		t.Fatalf("PatchDocument() error = %v", err)
	}
	if first.Version != doc.Version || second.Version != doc.Version {
		t.Fatalf("patch must not change version: %d -> %d -> %d", doc.Version, first.Version, second.Version)
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Fatalf("expected updatedAt to advance, got %v then %v", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestPostgresSoftDeletedDocumentIsInvisible(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	doc := seedDocument(t, s, "A")

	deleted, err := s.SoftDeleteDocument(ctx, doc.ID)
	if err != nil || !deleted {
		t.Fatalf("SoftDeleteDocument() = %v, %v", deleted, err)
	}
	if _, err := s.ReadDocument(ctx, doc.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.PatchDocument(ctx, doc.ID, PatchFields{Content: "x"}); err != ErrNotFound {
		t.Fatalf("expected patch on deleted document to return ErrNotFound, got %v", err)
	}
}

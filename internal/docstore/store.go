// Package docstore is the versioned document store: owner-scoped reads, the
// autosave patch path and the optimistic-concurrency manual save path.
package docstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"marksync/api/internal/conflict"
	"marksync/api/internal/markdown"
	"marksync/api/internal/store"
	"marksync/api/internal/util"
)

const (
	defaultMaxContentBytes = 5 << 20
	defaultResolveAttempts = 3
	maxTitleLength         = 300
	maxTags                = 50
)

// Persistence is the query layer the store runs on.
type Persistence interface {
	ReadDocument(ctx context.Context, documentID string) (store.Document, error)
	InsertDocument(ctx context.Context, item store.Document) error
	PatchDocument(ctx context.Context, documentID string, fields store.PatchFields) (store.Document, error)
	ConditionalUpdateDocument(ctx context.Context, documentID string, expectedVersion int64, fields store.UpdateFields) (int64, error)
	SoftDeleteDocument(ctx context.Context, documentID string) (bool, error)
}

type MetadataCalculator interface {
	Calculate(content string) markdown.Metadata
}

type Option func(*Store)

// WithClock sets the time source used as the submission time of resolutions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithResolveAttempts bounds how many times a resolution is retried after
// losing the conditional update to a concurrent writer.
func WithResolveAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.resolveAttempts = n
		}
	}
}

func WithMaxContentBytes(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxContentBytes = n
		}
	}
}

type Store struct {
	db              Persistence
	meta            MetadataCalculator
	now             func() time.Time
	resolveAttempts int
	maxContentBytes int
}

func New(db Persistence, meta MetadataCalculator, opts ...Option) *Store {
	s := &Store{
		db:              db,
		meta:            meta,
		now:             time.Now,
		resolveAttempts: defaultResolveAttempts,
		maxContentBytes: defaultMaxContentBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateInput struct {
	Title   string
	Content string
	Tags    []string
}

type PatchInput struct {
	Content          string
	LastEditPosition int
}

type UpdateInput struct {
	BaseVersion      int64
	Content          string
	LastEditPosition int
	Title            *string
	Tags             []string
}

// UpdateResult carries either the written document or the conflict that
// stopped the write.
type UpdateResult struct {
	Document store.Document
	Conflict *conflict.Report
}

type ResolveInput struct {
	BaseVersion  int64
	LocalContent string
	Strategy     conflict.Strategy
	// SubmittedAt is when the local content was last edited. Zero, or a time
	// ahead of the store clock, is read as now.
	SubmittedAt time.Time
}

type ResolveResult struct {
	Document   store.Document
	Report     conflict.Report
	Resolution conflict.Resolution
	Written    bool
}

func (s *Store) Create(ctx context.Context, ownerID string, in CreateInput) (store.Document, error) {
	if err := requireOwner(ownerID); err != nil {
		return store.Document{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = "Untitled"
	}
	if err := s.validateText(title, in.Content); err != nil {
		return store.Document{}, err
	}
	tags, err := normalizeTags(in.Tags)
	if err != nil {
		return store.Document{}, err
	}
	meta := s.meta.Calculate(in.Content)
	item := store.Document{
		ID:                 util.NewID("doc"),
		OwnerID:            ownerID,
		Title:              title,
		Content:            in.Content,
		Tags:               tags,
		Version:            1,
		WordCount:          meta.WordCount,
		ReadingTimeMinutes: meta.ReadingTimeMinutes,
	}
	if err := s.db.InsertDocument(ctx, item); err != nil {
		return store.Document{}, transient("insert document", err)
	}
	return s.read(ctx, item.ID)
}

func (s *Store) Get(ctx context.Context, ownerID, documentID string) (store.Document, error) {
	return s.readOwned(ctx, ownerID, documentID)
}

func (s *Store) Delete(ctx context.Context, ownerID, documentID string) error {
	if _, err := s.readOwned(ctx, ownerID, documentID); err != nil {
		return err
	}
	deleted, err := s.db.SoftDeleteDocument(ctx, documentID)
	if err != nil {
		return transient("delete document", err)
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// Patch is the autosave path: content, cursor and metadata only, last write wins.
func (s *Store) Patch(ctx context.Context, ownerID, documentID string, in PatchInput) (store.Document, error) {
	if err := s.validateText("", in.Content); err != nil {
		return store.Document{}, err
	}
	if in.LastEditPosition < 0 {
		return store.Document{}, invalid("lastEditPosition", "must not be negative")
	}
	if _, err := s.readOwned(ctx, ownerID, documentID); err != nil {
		return store.Document{}, err
	}
	meta := s.meta.Calculate(in.Content)
	item, err := s.db.PatchDocument(ctx, documentID, store.PatchFields{
		Content:            in.Content,
		LastEditPosition:   in.LastEditPosition,
		WordCount:          meta.WordCount,
		ReadingTimeMinutes: meta.ReadingTimeMinutes,
	})
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, ErrNotFound
	}
	if err != nil {
		return store.Document{}, transient("patch document", err)
	}
	return item, nil
}

// Update is the manual save path. A stale base version yields a conflict report
// instead of a write, whether it is spotted before the write or by the
// conditional update itself.
func (s *Store) Update(ctx context.Context, ownerID, documentID string, in UpdateInput) (UpdateResult, error) {
	if in.BaseVersion < 1 {
		return UpdateResult{}, invalid("version", "must be at least 1")
	}
	if in.LastEditPosition < 0 {
		return UpdateResult{}, invalid("lastEditPosition", "must not be negative")
	}
	title := in.Title
	if title != nil {
		trimmed := strings.TrimSpace(*title)
		if trimmed == "" {
			return UpdateResult{}, invalid("title", "must not be blank")
		}
		title = &trimmed
	}
	titleText := ""
	if title != nil {
		titleText = *title
	}
	if err := s.validateText(titleText, in.Content); err != nil {
		return UpdateResult{}, err
	}
	var tags []string
	if in.Tags != nil {
		normalized, err := normalizeTags(in.Tags)
		if err != nil {
			return UpdateResult{}, err
		}
		tags = normalized
	}

	current, err := s.readOwned(ctx, ownerID, documentID)
	if err != nil {
		return UpdateResult{}, err
	}
	report := detect(in.BaseVersion, &in.Content, current)
	if report.HasConflict {
		return UpdateResult{Conflict: &report}, nil
	}

	meta := s.meta.Calculate(in.Content)
	affected, err := s.db.ConditionalUpdateDocument(ctx, documentID, in.BaseVersion, store.UpdateFields{
		Title:              title,
		Content:            in.Content,
		Tags:               tags,
		LastEditPosition:   in.LastEditPosition,
		WordCount:          meta.WordCount,
		ReadingTimeMinutes: meta.ReadingTimeMinutes,
	})
	if err != nil {
		return UpdateResult{}, transient("update document", err)
	}
	if affected == 0 {
		latest, err := s.read(ctx, documentID)
		if err != nil {
			return UpdateResult{}, err
		}
		report := detect(in.BaseVersion, &in.Content, latest)
		if !report.HasConflict {
			return UpdateResult{}, ErrVersionConflict
		}
		return UpdateResult{Conflict: &report}, nil
	}

	written, err := s.read(ctx, documentID)
	if err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{Document: written}, nil
}

// Check reports how baseVersion (and content, when given) compares with the
// stored document without writing anything.
func (s *Store) Check(ctx context.Context, ownerID, documentID string, baseVersion int64, content *string) (conflict.Report, error) {
	if baseVersion < 1 {
		return conflict.Report{}, invalid("baseVersion", "must be at least 1")
	}
	current, err := s.readOwned(ctx, ownerID, documentID)
	if err != nil {
		return conflict.Report{}, err
	}
	return detect(baseVersion, content, current), nil
}

// Resolve applies a strategy against the current stored document. Writes go
// through the conditional update against the version just read, so a racing
// writer forces a fresh read and a new resolution.
func (s *Store) Resolve(ctx context.Context, ownerID, documentID string, in ResolveInput) (ResolveResult, error) {
	if in.BaseVersion < 1 {
		return ResolveResult{}, invalid("baseVersion", "must be at least 1")
	}
	if err := s.validateText("", in.LocalContent); err != nil {
		return ResolveResult{}, err
	}
	submittedAt := in.SubmittedAt
	if now := s.now(); submittedAt.IsZero() || submittedAt.After(now) {
		submittedAt = now
	}

	for attempt := 0; attempt < s.resolveAttempts; attempt++ {
		current, err := s.readOwned(ctx, ownerID, documentID)
		if err != nil {
			return ResolveResult{}, err
		}
		report := detect(in.BaseVersion, &in.LocalContent, current)
		resolution, err := conflict.Resolve(in.Strategy, conflict.ResolveInput{
			LocalContent:    in.LocalContent,
			SubmittedAt:     submittedAt,
			ServerVersion:   current.Version,
			ServerContent:   current.Content,
			ServerUpdatedAt: current.UpdatedAt,
		})
		if err != nil {
			return ResolveResult{}, invalid("strategy", err.Error())
		}
		if !resolution.Write {
			return ResolveResult{Document: current, Report: report, Resolution: resolution}, nil
		}
		if err := s.validateText("", resolution.Content); err != nil {
			return ResolveResult{}, err
		}

		meta := s.meta.Calculate(resolution.Content)
		affected, err := s.db.ConditionalUpdateDocument(ctx, documentID, current.Version, store.UpdateFields{
			Content:            resolution.Content,
			LastEditPosition:   current.LastEditPosition,
			WordCount:          meta.WordCount,
			ReadingTimeMinutes: meta.ReadingTimeMinutes,
		})
		if err != nil {
			return ResolveResult{}, transient("resolve document", err)
		}
		if affected == 0 {
			continue
		}
		written, err := s.read(ctx, documentID)
		if err != nil {
			return ResolveResult{}, err
		}
		return ResolveResult{Document: written, Report: report, Resolution: resolution, Written: true}, nil
	}
	return ResolveResult{}, ErrVersionConflict
}

func (s *Store) read(ctx context.Context, documentID string) (store.Document, error) {
	item, err := s.db.ReadDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, ErrNotFound
	}
	if err != nil {
		return store.Document{}, transient("read document", err)
	}
	return item, nil
}

func (s *Store) readOwned(ctx context.Context, ownerID, documentID string) (store.Document, error) {
	if err := requireOwner(ownerID); err != nil {
		return store.Document{}, err
	}
	if strings.TrimSpace(documentID) == "" {
		return store.Document{}, invalid("documentId", "is required")
	}
	item, err := s.read(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if item.OwnerID != ownerID {
		return store.Document{}, ErrAccessDenied
	}
	return item, nil
}

func (s *Store) validateText(title, content string) error {
	if len(title) > maxTitleLength {
		return invalid("title", "is too long")
	}
	if len(content) > s.maxContentBytes {
		return invalid("content", "is too large")
	}
	return nil
}

func detect(baseVersion int64, content *string, current store.Document) conflict.Report {
	return conflict.Detect(conflict.Input{
		ClientBaseVersion: baseVersion,
		ClientContent:     content,
		ServerVersion:     current.Version,
		ServerContent:     current.Content,
		ServerUpdatedAt:   current.UpdatedAt,
	})
}

func requireOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return invalid("ownerId", "is required")
	}
	return nil
}

func normalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		result = append(result, tag)
	}
	if len(result) > maxTags {
		return nil, invalid("tags", "too many tags")
	}
	return result, nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"marksync/api/internal/auth"
	"marksync/api/internal/authpw"
	"marksync/api/internal/config"
	"marksync/api/internal/conflict"
	"marksync/api/internal/docstore"
	"marksync/api/internal/markdown"
	"marksync/api/internal/ratelimit"
	"marksync/api/internal/revisions"
	"marksync/api/internal/search"
	"marksync/api/internal/store"
)

const defaultRevisionLimit = 50

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

// DataStore is everything the service needs from persistence.
type DataStore interface {
	docstore.Persistence
	authpw.UserStore
	Ping(context.Context) error
}

// RevisionLog records and reads back the content of each document version.
type RevisionLog interface {
	Record(documentID string, version int64, content, author string, when time.Time) (revisions.Revision, error)
	History(documentID string, limit int) ([]revisions.Revision, error)
	ContentAt(documentID string, version int64) (string, error)
}

type Option func(*Service)

// WithLimiter sets the sign-in attempt limiter. The default is an in-process
// limiter sized from the config.
func WithLimiter(limiter ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = limiter }
}

// WithRevisions enables revision history.
func WithRevisions(log RevisionLog) Option {
	return func(s *Service) { s.revisions = log }
}

// WithSearch enables search indexing.
func WithSearch(indexer *search.Service) Option {
	return func(s *Service) { s.search = indexer }
}

func WithMetrics(metrics *Metrics) Option {
	return func(s *Service) { s.metrics = metrics }
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *Service) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service routes document saves to the versioned store and keeps revision
// history and the search index in step with versioned writes.
type Service struct {
	cfg       config.Config
	store     DataStore
	documents *docstore.Store
	auth      *authpw.Service
	limiter   ratelimit.Limiter
	revisions RevisionLog
	search    *search.Service
	metrics   *Metrics
	log       *logrus.Entry
	now       func() time.Time
}

func New(cfg config.Config, data DataStore, opts ...Option) *Service {
	s := &Service{
		cfg:   cfg,
		store: data,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewMemoryLimiter(cfg.SigninMaxAttempts, cfg.SigninWindow, ratelimit.DefaultMaxEntries)
	}
	s.documents = docstore.New(data, markdown.NewCalculator(),
		docstore.WithClock(s.now),
		docstore.WithResolveAttempts(cfg.ResolveRetries),
	)
	s.auth = authpw.NewService(data, s.limiter, s.log)
	return s
}

func (s *Service) Metrics() *Metrics {
	return s.metrics
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.auth.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.auth.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	claims := auth.NewClaims(user.ID, user.DisplayName, s.now(), s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.auth.User(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// DocumentState is the read-only view an editor polls to learn whether its
// base version is still current.
type DocumentState struct {
	ID        string
	Version   int64
	Content   string
	UpdatedAt time.Time
}

// AutosaveResult echoes what an autosave stored. It never carries a version.
type AutosaveResult struct {
	Content          string
	LastEditPosition int
	SavedAt          time.Time
}

// SaveInput is a save request as it arrives from a client. A nil Version
// selects the autosave path.
type SaveInput struct {
	Version          *int64
	Content          string
	LastEditPosition int
	Title            *string
	Tags             []string
}

// SaveResult holds exactly one of Autosave, Document or Conflict.
type SaveResult struct {
	Autosave *AutosaveResult
	Document *store.Document
	Conflict *conflict.Report
}

func (s *Service) CreateDocument(ctx context.Context, session Session, in docstore.CreateInput) (store.Document, error) {
	doc, err := s.documents.Create(ctx, session.UserID, in)
	if err != nil {
		return store.Document{}, err
	}
	s.afterVersionedWrite(session, doc)
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (store.Document, error) {
	return s.documents.Get(ctx, session.UserID, documentID)
}

func (s *Service) DocumentState(ctx context.Context, session Session, documentID string) (DocumentState, error) {
	doc, err := s.documents.Get(ctx, session.UserID, documentID)
	if err != nil {
		return DocumentState{}, err
	}
	return DocumentState{
		ID:        doc.ID,
		Version:   doc.Version,
		Content:   doc.Content,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	if err := s.documents.Delete(ctx, session.UserID, documentID); err != nil {
		return err
	}
	s.search.DeleteDocument(documentID)
	s.log.WithFields(logrus.Fields{"document_id": documentID, "user_id": session.UserID}).Info("document deleted")
	return nil
}

// SaveDocument routes a save by the presence of a base version.
func (s *Service) SaveDocument(ctx context.Context, session Session, documentID string, in SaveInput) (SaveResult, error) {
	if in.Version == nil {
		saved, err := s.Autosave(ctx, session, documentID, docstore.PatchInput{
			Content:          in.Content,
			LastEditPosition: in.LastEditPosition,
		})
		if err != nil {
			return SaveResult{}, err
		}
		return SaveResult{Autosave: &saved}, nil
	}

	result, err := s.ManualSave(ctx, session, documentID, docstore.UpdateInput{
		BaseVersion:      *in.Version,
		Content:          in.Content,
		LastEditPosition: in.LastEditPosition,
		Title:            in.Title,
		Tags:             in.Tags,
	})
	if err != nil {
		return SaveResult{}, err
	}
	if result.Conflict != nil {
		return SaveResult{Conflict: result.Conflict}, nil
	}
	return SaveResult{Document: &result.Document}, nil
}

// Autosave stores the buffer without touching the version. Concurrent
// autosaves are last-write-wins.
func (s *Service) Autosave(ctx context.Context, session Session, documentID string, in docstore.PatchInput) (AutosaveResult, error) {
	doc, err := s.documents.Patch(ctx, session.UserID, documentID, in)
	if err != nil {
		s.metrics.observeSave(pathAutosave, outcomeError)
		return AutosaveResult{}, err
	}
	s.metrics.observeSave(pathAutosave, outcomeSaved)
	return AutosaveResult{
		Content:          doc.Content,
		LastEditPosition: doc.LastEditPosition,
		SavedAt:          doc.UpdatedAt,
	}, nil
}

// ManualSave writes a new version when the base version is current and
// reports the conflict otherwise.
func (s *Service) ManualSave(ctx context.Context, session Session, documentID string, in docstore.UpdateInput) (docstore.UpdateResult, error) {
	result, err := s.documents.Update(ctx, session.UserID, documentID, in)
	if err != nil {
		s.metrics.observeSave(pathManual, outcomeError)
		return docstore.UpdateResult{}, err
	}
	if result.Conflict != nil {
		s.metrics.observeSave(pathManual, outcomeConflict)
		s.metrics.observeConflict(string(result.Conflict.ConflictType))
		s.log.WithFields(logrus.Fields{
			"document_id":    documentID,
			"base_version":   in.BaseVersion,
			"server_version": result.Conflict.ServerVersion,
			"conflict_type":  result.Conflict.ConflictType,
		}).Info("manual save conflict")
		return result, nil
	}
	s.metrics.observeSave(pathManual, outcomeSaved)
	s.afterVersionedWrite(session, result.Document)
	return result, nil
}

func (s *Service) CheckConflict(ctx context.Context, session Session, documentID string, baseVersion int64, content *string) (conflict.Report, error) {
	return s.documents.Check(ctx, session.UserID, documentID, baseVersion, content)
}

func (s *Service) ResolveConflict(ctx context.Context, session Session, documentID string, in docstore.ResolveInput) (docstore.ResolveResult, error) {
	result, err := s.documents.Resolve(ctx, session.UserID, documentID, in)
	if err != nil {
		s.metrics.observeSave(pathResolve, outcomeError)
		return docstore.ResolveResult{}, err
	}
	s.log.WithFields(logrus.Fields{
		"document_id": documentID,
		"strategy":    in.Strategy.String(),
		"winner":      result.Resolution.Winner,
		"written":     result.Written,
	}).Info("conflict resolved")
	if !result.Written {
		s.metrics.observeSave(pathResolve, outcomeKept)
		return result, nil
	}
	s.metrics.observeSave(pathResolve, outcomeSaved)
	s.afterVersionedWrite(session, result.Document)
	return result, nil
}

// Revisions lists the recorded versions of a document, newest first.
func (s *Service) Revisions(ctx context.Context, session Session, documentID string, limit int) ([]revisions.Revision, error) {
	if _, err := s.documents.Get(ctx, session.UserID, documentID); err != nil {
		return nil, err
	}
	if s.revisions == nil {
		return []revisions.Revision{}, nil
	}
	if limit <= 0 {
		limit = defaultRevisionLimit
	}
	items, err := s.revisions.History(documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("read revision history: %w", err)
	}
	return items, nil
}

func (s *Service) RevisionContent(ctx context.Context, session Session, documentID string, version int64) (string, error) {
	if _, err := s.documents.Get(ctx, session.UserID, documentID); err != nil {
		return "", err
	}
	if s.revisions == nil {
		return "", revisions.ErrRevisionNotFound
	}
	if version < 1 {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be at least 1", nil)
	}
	return s.revisions.ContentAt(documentID, version)
}

// afterVersionedWrite records the new version and refreshes the index.
// Neither can fail the write that triggered it.
func (s *Service) afterVersionedWrite(session Session, doc store.Document) {
	if s.revisions != nil {
		author := session.UserName
		if author == "" {
			author = session.UserID
		}
		_, err := s.revisions.Record(doc.ID, doc.Version, doc.Content, author, doc.UpdatedAt)
		entry := s.log.WithFields(logrus.Fields{
			"document_id": doc.ID,
			"version":     doc.Version,
		})
		switch {
		case errors.Is(err, revisions.ErrStaleVersion):
			entry.Info("revision skipped; a newer version was recorded first")
		case err != nil:
			entry.WithError(err).Warn("record revision")
		}
	}
	s.search.IndexDocument(doc)
}

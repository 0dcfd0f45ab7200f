package search

import (
	"sync"

	"github.com/sirupsen/logrus"

	"marksync/api/internal/store"
)

// Service pushes document changes to the index in the background. Index
// failures are logged and never reach the caller.
type Service struct {
	indexer Indexer
	log     *logrus.Entry
	wg      sync.WaitGroup
}

// NewService creates the indexing facade. indexer may be nil when no search
// backend is configured.
func NewService(indexer Indexer, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{indexer: indexer, log: log.WithField("component", "search")}
}

func (s *Service) enabled() bool {
	return s != nil && s.indexer != nil && s.indexer.Healthy()
}

// IndexDocument indexes a document (fire-and-forget).
func (s *Service) IndexDocument(doc store.Document) {
	if !s.enabled() {
		return
	}
	record := RecordFromDocument(doc)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.indexer.IndexDocument(record); err != nil {
			s.log.WithError(err).WithField("document_id", record.ID).Warn("index document")
		}
	}()
}

// DeleteDocument removes a document from the index (fire-and-forget).
func (s *Service) DeleteDocument(id string) {
	if !s.enabled() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.indexer.DeleteDocument(id); err != nil {
			s.log.WithError(err).WithField("document_id", id).Warn("delete document from index")
		}
	}()
}

// Wait blocks until queued index operations have finished.
func (s *Service) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

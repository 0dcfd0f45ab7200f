package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of the document and user store.
// It serializes writes with a single mutex, which gives ConditionalUpdateDocument
// the same compare-and-increment atomicity as the SQL statement.
type MemoryStore struct {
	mu        sync.Mutex
	documents map[string]Document
	users     map[string]User
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]Document),
		users:     make(map[string]User),
		now:       time.Now,
	}
}

// WithClock replaces the timestamp source used for createdAt/updatedAt.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(user.Email))
	for _, existing := range s.users {
		if existing.Email == email {
			return fmt.Errorf("insert user: email %s already exists", email)
		}
	}
	user.Email = email
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, user := range s.users {
		if user.Email == email {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) ReadDocument(_ context.Context, documentID string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.documents[documentID]
	if !ok || item.IsDeleted {
		return Document{}, ErrNotFound
	}
	return cloneDocument(item), nil
}

func (s *MemoryStore) InsertDocument(_ context.Context, item Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.documents[item.ID]; exists {
		return fmt.Errorf("insert document: id %s already exists", item.ID)
	}
	now := s.now()
	if item.Version < 1 {
		item.Version = 1
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	item.IsDeleted = false
	s.documents[item.ID] = cloneDocument(item)
	return nil
}

func (s *MemoryStore) PatchDocument(_ context.Context, documentID string, fields PatchFields) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.documents[documentID]
	if !ok || item.IsDeleted {
		return Document{}, ErrNotFound
	}
	item.Content = fields.Content
	item.LastEditPosition = fields.LastEditPosition
	item.WordCount = fields.WordCount
	item.ReadingTimeMinutes = fields.ReadingTimeMinutes
	item.UpdatedAt = s.now()
	s.documents[documentID] = item
	return cloneDocument(item), nil
}

func (s *MemoryStore) ConditionalUpdateDocument(_ context.Context, documentID string, expectedVersion int64, fields UpdateFields) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.documents[documentID]
	if !ok || item.IsDeleted || item.Version != expectedVersion {
		return 0, nil
	}
	if fields.Title != nil {
		item.Title = *fields.Title
	}
	if fields.Tags != nil {
		item.Tags = append([]string(nil), fields.Tags...)
	}
	item.Content = fields.Content
	item.LastEditPosition = fields.LastEditPosition
	item.WordCount = fields.WordCount
	item.ReadingTimeMinutes = fields.ReadingTimeMinutes
	item.Version++
	item.UpdatedAt = s.now()
	s.documents[documentID] = item
	return 1, nil
}

func (s *MemoryStore) SoftDeleteDocument(_ context.Context, documentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.documents[documentID]
	if !ok || item.IsDeleted {
		return false, nil
	}
	item.IsDeleted = true
	item.UpdatedAt = s.now()
	s.documents[documentID] = item
	return true, nil
}

func cloneDocument(item Document) Document {
	if item.Tags == nil {
		item.Tags = []string{}
	} else {
		item.Tags = append([]string(nil), item.Tags...)
	}
	return item
}

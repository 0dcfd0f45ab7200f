package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a row is missing or soft-deleted.
var ErrNotFound = errors.New("not found")

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

type Document struct {
	ID                 string
	OwnerID            string
	Title              string
	Content            string
	Tags               []string
	Version            int64
	LastEditPosition   int
	WordCount          int
	ReadingTimeMinutes int
	IsDeleted          bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PatchFields is the autosave write set. It never touches version.
type PatchFields struct {
	Content            string
	LastEditPosition   int
	WordCount          int
	ReadingTimeMinutes int
}

// UpdateFields is the manual-save write set. Nil Title or Tags keep the stored value.
type UpdateFields struct {
	Title              *string
	Content            string
	Tags               []string
	LastEditPosition   int
	WordCount          int
	ReadingTimeMinutes int
}

package autosave

import (
	"context"
	"time"

	"marksync/api/internal/conflict"
)

// Saver is the server side of the editor buffer. Autosave never reports
// conflicts; ManualSave answers a stale base version with a report instead
// of an error.
type Saver interface {
	Autosave(ctx context.Context, req AutosaveRequest) (AutosaveResult, error)
	ManualSave(ctx context.Context, req ManualSaveRequest) (ManualSaveResult, error)
	ResolveConflict(ctx context.Context, req ResolveRequest) (ResolveResult, error)
}

type AutosaveRequest struct {
	DocumentID       string
	Content          string
	LastEditPosition int
}

type AutosaveResult struct {
	Content          string
	LastEditPosition int
	SavedAt          time.Time
}

type ManualSaveRequest struct {
	DocumentID       string
	BaseVersion      int64
	Content          string
	LastEditPosition int
}

type ManualSaveResult struct {
	Version  int64
	Content  string
	SavedAt  time.Time
	Conflict *conflict.Report
}

type ResolveRequest struct {
	DocumentID   string
	BaseVersion  int64
	LocalContent string
	Strategy     conflict.Strategy
	// SubmittedAt is when LocalContent was last edited.
	SubmittedAt time.Time
}

type ResolveResult struct {
	Version int64
	Content string
	SavedAt time.Time
	Written bool
}

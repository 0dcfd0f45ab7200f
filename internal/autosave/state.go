package autosave

import (
	"time"

	"marksync/api/internal/conflict"
)

// SaveState is the buffer's position in the save state machine.
type SaveState string

const (
	StateClean  SaveState = "clean"
	StateDirty  SaveState = "dirty"
	StateSaving SaveState = "saving"
	StateError  SaveState = "error"
)

// Status is what an editor shows. Autosave failures surface as unsaved, never
// as an error.
type Status string

const (
	StatusSaved    Status = "saved"
	StatusUnsaved  Status = "unsaved"
	StatusSaving   Status = "saving"
	StatusConflict Status = "conflict"
)

// Snapshot is a point-in-time copy of the editor buffer.
type Snapshot struct {
	DocumentID       string
	Content          string
	LastEditPosition int
	BaseVersion      int64
	Dirty            bool
	SaveState        SaveState
	Status           Status
	LastSavedAt      time.Time
	LastError        error
	Conflict         *conflict.Report
}

// Package autosave keeps an editor buffer in step with the server copy of a
// document: it tracks dirty state, debounces background saves and makes sure
// no two saves for the same buffer are ever in flight together.
package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"marksync/api/internal/conflict"
)

const (
	DefaultDebounce    = 3 * time.Second
	DefaultMinInterval = time.Second
	DefaultTimeout     = 10 * time.Second
)

var (
	ErrClosed          = errors.New("autosave controller closed")
	ErrConflictPending = errors.New("unresolved save conflict")
)

// Document is the server state an editing session opens with.
type Document struct {
	ID               string
	Content          string
	Version          int64
	LastEditPosition int
	// UpdatedAt dates the content until the first edit. Zero means now.
	UpdatedAt time.Time
}

type Option func(*Controller)

func WithDebounce(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithMinInterval sets the shortest gap between the starts of two autosaves.
func WithMinInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.minInterval = d
		}
	}
}

// WithTimeout bounds every save request. An expired request counts as a failure.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClock(clock Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// Controller is the state machine behind one editor buffer. Edits move it to
// dirty and re-arm a trailing-edge debounce timer; a timer that fires while a
// save is in flight is queued and replayed with the latest content once that
// save completes.
type Controller struct {
	saver       Saver
	clock       Clock
	log         *logrus.Entry
	debounce    time.Duration
	minInterval time.Duration
	timeout     time.Duration

	mu           sync.Mutex
	documentID   string
	content      string
	position     int
	editedAt     time.Time
	savedContent string
	baseVersion  int64
	state        SaveState
	lastSavedAt  time.Time
	lastError    error
	conflict     *conflict.Report

	timer         Timer
	timerGen      uint64
	inFlight      bool
	pendingFire   bool
	idle          chan struct{}
	lastSaveStart time.Time
	closed        bool

	observers []func(Status)
	status    Status
}

type flight struct {
	documentID  string
	content     string
	position    int
	editedAt    time.Time
	baseVersion int64
}

func New(saver Saver, doc Document, opts ...Option) *Controller {
	idle := make(chan struct{})
	close(idle)
	c := &Controller{
		saver:        saver,
		clock:        realClock{},
		log:          logrus.NewEntry(logrus.StandardLogger()).WithField("component", "autosave"),
		debounce:     DefaultDebounce,
		minInterval:  DefaultMinInterval,
		timeout:      DefaultTimeout,
		documentID:   doc.ID,
		content:      doc.Content,
		position:     doc.LastEditPosition,
		savedContent: doc.Content,
		baseVersion:  doc.Version,
		state:        StateClean,
		idle:         idle,
		status:       StatusSaved,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.editedAt = doc.UpdatedAt
	if c.editedAt.IsZero() {
		c.editedAt = c.clock.Now()
	}
	return c
}

// OnStatus registers fn to receive every change of the display status.
func (c *Controller) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Edit replaces the buffer content, keeping the last edit position.
func (c *Controller) Edit(text string) {
	c.mu.Lock()
	position := c.position
	c.mu.Unlock()
	c.EditAt(text, position)
}

// EditAt replaces the buffer content and restarts the debounce window.
func (c *Controller) EditAt(text string, position int) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.content = text
	c.position = position
	c.editedAt = c.clock.Now()
	c.state = StateDirty
	c.armLocked(c.debounce)
	c.unlockAndNotify()
}

// ForceSave sends the buffer through the manual save path right away, after
// any in-flight save has finished. A stale base version comes back as
// result.Conflict with a nil error.
func (c *Controller) ForceSave(ctx context.Context) (ManualSaveResult, error) {
	if err := c.acquire(ctx); err != nil {
		return ManualSaveResult{}, err
	}
	c.stopTimerLocked()
	c.pendingFire = false
	f := c.beginLocked()
	c.unlockAndNotify()

	saveCtx, cancel := context.WithTimeout(ctx, c.timeout)
	result, err := c.saver.ManualSave(saveCtx, ManualSaveRequest{
		DocumentID:       f.documentID,
		BaseVersion:      f.baseVersion,
		Content:          f.content,
		LastEditPosition: f.position,
	})
	cancel()

	c.mu.Lock()
	if c.endFlightLocked() {
		c.unlockAndNotify()
		return ManualSaveResult{}, ErrClosed
	}
	switch {
	case err != nil:
		c.state = StateError
		c.lastError = err
	case result.Conflict != nil:
		report := *result.Conflict
		c.conflict = &report
		c.state = StateDirty
		c.lastError = nil
	default:
		c.baseVersion = result.Version
		c.savedContent = f.content
		c.conflict = nil
		c.lastError = nil
		c.lastSavedAt = c.savedAt(result.SavedAt)
		c.settleLocked(f.content)
	}
	c.requeueLocked()
	c.unlockAndNotify()
	return result, err
}

// Resolve reconciles a pending conflict through the server and adopts the
// resolved document. Edits made while the request was out are kept and left
// dirty.
func (c *Controller) Resolve(ctx context.Context, strategy conflict.Strategy) (ResolveResult, error) {
	if err := c.acquire(ctx); err != nil {
		return ResolveResult{}, err
	}
	c.stopTimerLocked()
	c.pendingFire = false
	f := c.beginLocked()
	c.unlockAndNotify()

	saveCtx, cancel := context.WithTimeout(ctx, c.timeout)
	result, err := c.saver.ResolveConflict(saveCtx, ResolveRequest{
		DocumentID:   f.documentID,
		BaseVersion:  f.baseVersion,
		LocalContent: f.content,
		Strategy:     strategy,
		SubmittedAt:  f.editedAt,
	})
	cancel()

	c.mu.Lock()
	if c.endFlightLocked() {
		c.unlockAndNotify()
		return ResolveResult{}, ErrClosed
	}
	if err != nil {
		c.state = StateError
		c.lastError = err
	} else {
		c.baseVersion = result.Version
		c.savedContent = result.Content
		c.conflict = nil
		c.lastError = nil
		c.lastSavedAt = c.savedAt(result.SavedAt)
		if c.content == f.content {
			c.content = result.Content
			c.state = StateClean
		} else {
			c.state = StateDirty
			c.armLocked(c.debounce)
		}
	}
	c.requeueLocked()
	c.unlockAndNotify()
	return result, err
}

// Flush cancels the debounce window and autosaves a dirty buffer now. Unlike
// timer-driven saves, its failure is returned.
func (c *Controller) Flush(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	c.stopTimerLocked()
	c.pendingFire = false
	if c.conflict != nil {
		c.unlockAndNotify()
		return ErrConflictPending
	}
	if c.state == StateClean {
		c.unlockAndNotify()
		return nil
	}
	f := c.beginLocked()
	c.unlockAndNotify()
	return c.runAutosave(ctx, f)
}

// Close cancels the pending timer. A save already in flight is not aborted,
// but its result is discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.stopTimerLocked()
	c.pendingFire = false
}

func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.state
	if c.inFlight {
		state = StateSaving
	}
	var report *conflict.Report
	if c.conflict != nil {
		copied := *c.conflict
		report = &copied
	}
	return Snapshot{
		DocumentID:       c.documentID,
		Content:          c.content,
		LastEditPosition: c.position,
		BaseVersion:      c.baseVersion,
		Dirty:            c.content != c.savedContent,
		SaveState:        state,
		Status:           c.statusLocked(),
		LastSavedAt:      c.lastSavedAt,
		LastError:        c.lastError,
		Conflict:         report,
	}
}

func (c *Controller) fire(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.timerGen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if c.inFlight {
		c.pendingFire = true
		c.unlockAndNotify()
		return
	}
	// Background saves hold off while a conflict waits for resolution so they
	// cannot overwrite the server copy the user is comparing against.
	if c.state == StateClean || c.conflict != nil {
		c.unlockAndNotify()
		return
	}
	if !c.lastSaveStart.IsZero() {
		if wait := c.minInterval - c.clock.Now().Sub(c.lastSaveStart); wait > 0 {
			c.armLocked(wait)
			c.unlockAndNotify()
			return
		}
	}
	f := c.beginLocked()
	c.unlockAndNotify()
	_ = c.runAutosave(context.Background(), f)
}

func (c *Controller) runAutosave(ctx context.Context, f flight) error {
	saveCtx, cancel := context.WithTimeout(ctx, c.timeout)
	result, err := c.saver.Autosave(saveCtx, AutosaveRequest{
		DocumentID:       f.documentID,
		Content:          f.content,
		LastEditPosition: f.position,
	})
	cancel()

	c.mu.Lock()
	if c.endFlightLocked() {
		c.unlockAndNotify()
		return ErrClosed
	}
	if err != nil {
		c.state = StateError
		c.lastError = err
		c.log.WithError(err).WithField("document_id", f.documentID).Warn("autosave failed")
	} else {
		c.savedContent = f.content
		c.lastError = nil
		c.lastSavedAt = c.savedAt(result.SavedAt)
		c.settleLocked(f.content)
	}
	c.requeueLocked()
	c.unlockAndNotify()
	return err
}

// acquire locks c.mu once no save is in flight. The lock is not held when it
// returns an error.
func (c *Controller) acquire(ctx context.Context) error {
	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if !c.inFlight {
			return nil
		}
		idle := c.idle
		c.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
}

func (c *Controller) beginLocked() flight {
	c.inFlight = true
	c.idle = make(chan struct{})
	c.lastSaveStart = c.clock.Now()
	return flight{
		documentID:  c.documentID,
		content:     c.content,
		position:    c.position,
		editedAt:    c.editedAt,
		baseVersion: c.baseVersion,
	}
}

// endFlightLocked releases the in-flight slot and reports whether the
// controller was closed meanwhile.
func (c *Controller) endFlightLocked() bool {
	c.inFlight = false
	close(c.idle)
	return c.closed
}

// settleLocked marks the buffer clean unless it changed after sent was taken.
func (c *Controller) settleLocked(sent string) {
	if c.content == sent {
		c.state = StateClean
		return
	}
	c.state = StateDirty
}

func (c *Controller) requeueLocked() {
	if !c.pendingFire || c.closed {
		return
	}
	c.pendingFire = false
	c.armLocked(c.minInterval - c.clock.Now().Sub(c.lastSaveStart))
}

func (c *Controller) armLocked(d time.Duration) {
	c.stopTimerLocked()
	gen := c.timerGen
	if d <= 0 {
		go c.fire(gen)
		return
	}
	c.timer = c.clock.AfterFunc(d, func() { c.fire(gen) })
}

func (c *Controller) stopTimerLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) savedAt(t time.Time) time.Time {
	if t.IsZero() {
		return c.clock.Now()
	}
	return t
}

func (c *Controller) statusLocked() Status {
	switch {
	case c.conflict != nil:
		return StatusConflict
	case c.inFlight:
		return StatusSaving
	case c.state == StateClean:
		return StatusSaved
	default:
		return StatusUnsaved
	}
}

func (c *Controller) unlockAndNotify() {
	status := c.statusLocked()
	var observers []func(Status)
	if status != c.status && !c.closed {
		c.status = status
		observers = append(observers, c.observers...)
	}
	c.mu.Unlock()
	for _, fn := range observers {
		fn(status)
	}
}

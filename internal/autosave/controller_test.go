package autosave

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"marksync/api/internal/conflict"
)

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and runs due timers on the calling goroutine.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due, pending []*manualTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(now):
			t.stopped = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped
	t.stopped = true
	return active
}

type fakeSaver struct {
	mu          sync.Mutex
	autosaves   []AutosaveRequest
	manuals     []ManualSaveRequest
	resolves    []ResolveRequest
	inFlight    int
	maxInFlight int
	started     chan string

	autosaveFn func(ctx context.Context, req AutosaveRequest, call int) (AutosaveResult, error)
	manualFn   func(ctx context.Context, req ManualSaveRequest) (ManualSaveResult, error)
	resolveFn  func(ctx context.Context, req ResolveRequest) (ResolveResult, error)
}

func newFakeSaver() *fakeSaver {
	return &fakeSaver{started: make(chan string, 64)}
}

func (f *fakeSaver) enter(kind string) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	f.started <- kind
}

func (f *fakeSaver) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeSaver) Autosave(ctx context.Context, req AutosaveRequest) (AutosaveResult, error) {
	f.mu.Lock()
	f.autosaves = append(f.autosaves, req)
	call := len(f.autosaves)
	f.mu.Unlock()
	f.enter("autosave")
	defer f.leave()
	if f.autosaveFn != nil {
		return f.autosaveFn(ctx, req, call)
	}
	return AutosaveResult{Content: req.Content, LastEditPosition: req.LastEditPosition}, nil
}

func (f *fakeSaver) ManualSave(ctx context.Context, req ManualSaveRequest) (ManualSaveResult, error) {
	f.mu.Lock()
	f.manuals = append(f.manuals, req)
	f.mu.Unlock()
	f.enter("manual")
	defer f.leave()
	if f.manualFn != nil {
		return f.manualFn(ctx, req)
	}
	return ManualSaveResult{Version: req.BaseVersion + 1, Content: req.Content}, nil
}

func (f *fakeSaver) ResolveConflict(ctx context.Context, req ResolveRequest) (ResolveResult, error) {
	f.mu.Lock()
	f.resolves = append(f.resolves, req)
	f.mu.Unlock()
	f.enter("resolve")
	defer f.leave()
	if f.resolveFn != nil {
		return f.resolveFn(ctx, req)
	}
	return ResolveResult{Version: req.BaseVersion + 1, Content: req.LocalContent, Written: true}, nil
}

func (f *fakeSaver) autosaveContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.autosaves))
	for _, req := range f.autosaves {
		out = append(out, req.Content)
	}
	return out
}

func waitStarted(t *testing.T, saver *fakeSaver, want string) {
	t.Helper()
	select {
	case got := <-saver.started:
		if got != want {
			t.Fatalf("expected %s save to start, got %s", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s save", want)
	}
}

func newTestController(saver Saver, clock Clock, doc Document, opts ...Option) *Controller {
	opts = append([]Option{WithClock(clock)}, opts...)
	return New(saver, doc, opts...)
}

func TestDebounceCoalescesEditsIntoOneSave(t *testing.T) {
	clock := newManualClock()
	saver := newFakeSaver()
	c := newTestController(saver, clock, Document{ID: "doc-1", Version: 1})
	defer c.Close()

	c.Edit("a")
	clock.Advance(time.Second)
	c.Edit("ab")
	clock.Advance(time.Second)
	c.Edit("abc")
	clock.Advance(DefaultDebounce)
	clock.Advance(10 * time.Second)

	got := saver.autosaveContents()
	if len(got) != 1 || got[0] != "abc" {
		t.Fatalf("expected exactly one autosave with the last edit, got %v", got)
	}
	state := c.State()
	if state.SaveState != StateClean || state.Status != StatusSaved || state.Dirty {
		t.Fatalf("unexpected state after save: %+v", state)
	}
}

func TestMinIntervalThrottlesAutosaves(t *testing.T) {
	clock := newManualClock()
	saver := newFakeSaver()
	c := newTestController(saver, clock, Document{ID: "doc-1", Version: 1},
		WithDebounce(100*time.Millisecond), WithMinInterval(time.Second))
	defer c.Close()

	c.Edit("a")
	clock.Advance(100 * time.Millisecond)
	c.Edit("b")
	clock.Advance(100 * time.Millisecond)
	if got := saver.autosaveContents(); len(got) != 1 {
		t.Fatalf("expected second save to be throttled, got %v", got)
	}
	clock.Advance(800 * time.Millisecond)
	if got := saver.autosaveContents(); len(got) != 1 {
		t.Fatalf("expected throttle window to hold, got %v", got)
	}
	clock.Advance(100 * time.Millisecond)
	got := saver.autosaveContents()
	if len(got) != 2 || got[1] != "b" {
		t.Fatalf("expected throttled save to go out with latest content, got %v", got)
	}
}

func TestTimerFiringDuringSaveIsQueued(t *testing.T) {
	clock := newManualClock()
	saver := newFakeSaver()
	release := make(chan struct{})
	saver.autosaveFn = func(_ context.Context, req AutosaveRequest, call int) (AutosaveResult, error) {
		if call == 1 {
			<-release
		}
		return AutosaveResult{Content: req.Content}, nil
	}
	c := newTestController(saver, clock, Document{ID: "doc-1", Version: 1})
	defer c.Close()

	c.Edit("a")
	go clock.Advance(DefaultDebounce)
	waitStarted(t, saver, "autosave")

	c.Edit("ab")
	clock.Advance(DefaultDebounce)
	if got := saver.autosaveContents(); len(got) != 1 {
		t.Fatalf("expected no second concurrent save, got %v", got)
	}
	close(release)
	waitStarted(t, saver, "autosave")

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	got := saver.autosaveContents()
	if len(got) != 2 || got[0] != "a" || got[1] != "ab" {
		t.Fatalf("expected queued save with latest content, got %v", got)
	}
	if saver.maxInFlight != 1 {
		t.Fatalf("expected at most one save in flight, got %d", saver.maxInFlight)
	}
}

func TestConcurrentForceSavesAreSerialized(t *testing.T) {
	clock := newManualClock()
	saver := newFakeSaver()
	release := make(chan struct{})
	saver.autosaveFn = func(_ context.Context, req AutosaveRequest, _ int) (AutosaveResult, error) {
		<-release
		return AutosaveResult{Content: req.Content}, nil
	}
	c := newTestController(saver, clock, Document{ID: "doc-1", Version: 1})
	defer c.Close()

	c.Edit("draft")
	go clock.Advance(DefaultDebounce)
	waitStarted(t, saver, "autosave")

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.ForceSave(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ForceSave() error = %v", err)
	}

	saver.mu.Lock()
	defer saver.mu.Unlock()
	if saver.maxInFlight != 1 {
		t.Fatalf("expected serialized saves, max in flight = %d", saver.maxInFlight)
	}
	if len(saver.manuals) != 3 {
		t.Fatalf("expected 3 manual saves, got %d", len(saver.manuals))
	}
	for i, req := range saver.manuals {
		if req.BaseVersion != int64(i+1) {
			t.Fatalf("manual save %d used base version %d", i, req.BaseVersion)
		}
	}
	if got := c.State().BaseVersion; got != 4 {
		t.Fatalf("expected base version 4, got %d", got)
	}
}

func TestOnlyManualSavesMoveBaseVersion(t *testing.T) {
	clock := newManualClock()
	saver := newFakeSaver()
	c := newTestController(saver, clock, Document{ID: "doc-1", Content: "x", Version: 1})
	defer c.Close()

	c.Edit("xy")
	clock.Advance(DefaultDebounce)
	state := c.State()
	if state.BaseVersion != 1 || state.LastSavedAt.IsZero() {
		t.Fatalf("autosave must not move base version: %+v", state)
	}

	result, err := c.ForceSave(context.Background())
	if err != nil {
		t.Fatalf("ForceSave() error = %v", err)
	}
	if result.Version != 2 || c.State().BaseVersion != 2 {
		t.Fatalf("expected base version 2 after manual save, got %d", c.State().BaseVersion)
	}
	if len(saver.manuals) != 1 || saver.manuals[0].Content != "xy" {
		t.Fatalf("expected manual save of current content even when clean, got %+v", saver.manuals)
	}
}

func TestAutosaveFailureIsSwallowedAndRetried(t *testing.T) {
	clock := newManualClock()
	saver := newFakeSaver()
	saver.autosaveFn = func(_ context.Context, req AutosaveRequest, call int) (AutosaveResult, error) {
		if call == 1 {
			return AutosaveResult{}, errors.New("store unavailable")
		}
		return AutosaveResult{Content: req.Content}, nil
	}
	c := newTestController(saver, clock, Document{ID: "doc-1", Version: 1})
	defer c.Close()

	c.Edit("a")
	clock.Advance(DefaultDebounce)
	state := c.State()
	if state.SaveState != StateError || state.Status != StatusUnsaved || state.LastError == nil {
		t.Fatalf("expected passive unsaved status, got %+v", state)
	}

	c.Edit("ab")
	clock.Advance(DefaultDebounce)
	state = c.State()
	if state.SaveState != StateClean || state.LastError != nil {
		t.Fatalf("expected retry to succeed, got %+v", state)
	}
}

func TestManualSaveFailurePropagates(t *testing.T) {
	saver := newFakeSaver()
	saver.manualFn = func(ctx context.Context, _ ManualSaveRequest) (ManualSaveResult, error) {
		<-ctx.Done()
		return ManualSaveResult{}, ctx.Err()
	}
	c := newTestController(saver, newManualClock(), Document{ID: "doc-1", Version: 1}, WithTimeout(20*time.Millisecond))
	defer c.Close()

	c.Edit("a")
	_, err := c.ForceSave(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if state := c.State(); state.SaveState != StateError || state.BaseVersion != 1 {
		t.Fatalf("unexpected state after failed manual save: %+v", state)
	}
}

func TestConflictHoldsAutosavesUntilResolved(t *testing.T) {
	clock := newManualClock()
	saver := newFakeSaver()
	serverContent := "B"
	saver.manualFn = func(_ context.Context, req ManualSaveRequest) (ManualSaveResult, error) {
		return ManualSaveResult{Conflict: &conflict.Report{
			HasConflict:     true,
			ConflictType:    conflict.TypeBoth,
			VersionMismatch: true,
			ContentMismatch: true,
			LocalVersion:    req.BaseVersion,
			ServerVersion:   4,
			ServerContent:   &serverContent,
		}}, nil
	}
	saver.resolveFn = func(_ context.Context, req ResolveRequest) (ResolveResult, error) {
		return ResolveResult{Version: 4, Content: serverContent}, nil
	}
	c := newTestController(saver, clock, Document{ID: "doc-1", Content: "A", Version: 3})
	defer c.Close()

	c.Edit("C")
	result, err := c.ForceSave(context.Background())
	if err != nil {
		t.Fatalf("ForceSave() error = %v", err)
	}
	if result.Conflict == nil || result.Conflict.ConflictType != conflict.TypeBoth {
		t.Fatalf("expected conflict report, got %+v", result)
	}
	if state := c.State(); state.Status != StatusConflict || !state.Dirty || state.BaseVersion != 3 {
		t.Fatalf("unexpected state with pending conflict: %+v", state)
	}

	clock.Advance(time.Minute)
	c.Edit("C2")
	editedAt := clock.Now()
	clock.Advance(DefaultDebounce)
	if got := saver.autosaveContents(); len(got) != 0 {
		t.Fatalf("expected autosaves to hold during conflict, got %v", got)
	}
	if err := c.Flush(context.Background()); !errors.Is(err, ErrConflictPending) {
		t.Fatalf("expected ErrConflictPending, got %v", err)
	}

	if _, err := c.Resolve(context.Background(), conflict.StrategyKeepServer); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(saver.resolves) != 1 || saver.resolves[0].LocalContent != "C2" || saver.resolves[0].BaseVersion != 3 {
		t.Fatalf("unexpected resolve request: %+v", saver.resolves)
	}
	if !saver.resolves[0].SubmittedAt.Equal(editedAt) {
		t.Fatalf("resolve submittedAt = %v, want last edit at %v", saver.resolves[0].SubmittedAt, editedAt)
	}
	state := c.State()
	if state.Content != "B" || state.BaseVersion != 4 || state.Status != StatusSaved || state.Conflict != nil {
		t.Fatalf("expected buffer to adopt resolved document, got %+v", state)
	}
}

func TestUneditedBufferResolvesAtLoadedTimestamp(t *testing.T) {
	clock := newManualClock()
	saver := newFakeSaver()
	loadedAt := clock.Now().Add(-time.Hour)
	c := newTestController(saver, clock, Document{ID: "doc-1", Content: "A", Version: 2, UpdatedAt: loadedAt})
	defer c.Close()

	if _, err := c.Resolve(context.Background(), conflict.StrategyLatestWins); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(saver.resolves) != 1 || !saver.resolves[0].SubmittedAt.Equal(loadedAt) {
		t.Fatalf("expected submittedAt to be the loaded timestamp, got %+v", saver.resolves)
	}
}

func TestStatusTransitions(t *testing.T) {
	clock := newManualClock()
	saver := newFakeSaver()
	c := newTestController(saver, clock, Document{ID: "doc-1", Version: 1})
	defer c.Close()

	var statuses []Status
	c.OnStatus(func(s Status) { statuses = append(statuses, s) })

	c.Edit("a")
	c.Edit("ab")
	clock.Advance(DefaultDebounce)

	want := []Status{StatusUnsaved, StatusSaving, StatusSaved}
	if len(statuses) != len(want) {
		t.Fatalf("expected statuses %v, got %v", want, statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("expected statuses %v, got %v", want, statuses)
		}
	}
}

func TestCloseIgnoresInFlightResult(t *testing.T) {
	clock := newManualClock()
	saver := newFakeSaver()
	release := make(chan struct{})
	saver.autosaveFn = func(_ context.Context, req AutosaveRequest, _ int) (AutosaveResult, error) {
		<-release
		return AutosaveResult{Content: req.Content}, nil
	}
	c := newTestController(saver, clock, Document{ID: "doc-1", Version: 1})

	var mu sync.Mutex
	var statuses []Status
	c.OnStatus(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	c.Edit("a")
	go clock.Advance(DefaultDebounce)
	waitStarted(t, saver, "autosave")
	c.Close()
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for c.State().SaveState == StateSaving {
		if time.Now().After(deadline) {
			t.Fatal("in-flight save never completed")
		}
		time.Sleep(time.Millisecond)
	}

	c.Edit("ignored")
	state := c.State()
	if !state.LastSavedAt.IsZero() || state.Content != "a" {
		t.Fatalf("expected closed controller to ignore results and edits, got %+v", state)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, s := range statuses {
		if s == StatusSaved {
			t.Fatalf("closed controller reported %v", statuses)
		}
	}
	if _, err := c.ForceSave(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

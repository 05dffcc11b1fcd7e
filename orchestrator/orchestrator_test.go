package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hevysync.dev/agent/internal/clock"
	"hevysync.dev/agent/progress"
	"hevysync.dev/agent/timer"
	"hevysync.dev/agent/ui"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: make(map[string]string)} }

func (m *memStore) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type fakeLock struct {
	acquireResult bool
	acquireErr    error
	released      bool
}

func (f *fakeLock) TryAcquire(ctx context.Context, wait time.Duration) (bool, error) {
	return f.acquireResult, f.acquireErr
}
func (f *fakeLock) Release(ctx context.Context) error { f.released = true; return nil }
func (f *fakeLock) Extend(ctx context.Context) error  { return nil }

type fakeDialog struct {
	resumeChoice  ui.ResumeChoice
	notifications []string
}

func (f *fakeDialog) PromptResume(ctx context.Context) (ui.ResumeChoice, error) {
	return f.resumeChoice, nil
}
func (f *fakeDialog) PromptInitialSetup(ctx context.Context) error { return nil }
func (f *fakeDialog) PromptReenterKey(ctx context.Context) error   { return nil }
func (f *fakeDialog) Notify(ctx context.Context, message string) {
	f.notifications = append(f.notifications, message)
}

func newTestOrchestrator(store *memStore, lock Lock, dialog Dialog, fc *clock.Fake) *Orchestrator {
	tracker := progress.New(progress.Config{Store: store, Clock: fc, StaleAfter: time.Minute})
	return New(Config{
		Lock:                  lock,
		Progress:              tracker,
		Dialog:                dialog,
		Keys:                  NewPropertyKeyResolver(store),
		Clock:                 fc,
		LockWait:              time.Second,
		MaxExecutionTime:      time.Hour,
		ActiveImportHeartbeat: time.Minute,
	})
}

func TestRunFullImport_MissingKeyInvokesInitialSetup(t *testing.T) {
	store := newMemStore()
	fc := clock.NewFake(time.Unix(0, 0))
	dialog := &fakeDialog{}
	o := newTestOrchestrator(store, &fakeLock{acquireResult: true}, dialog, fc)

	setupCalled := false
	dialogWithSetup := &fakeDialogWithKeySet{fakeDialog: dialog, store: store, setupCalled: &setupCalled}
	o.dialog = dialogWithSetup

	_, err := o.RunFullImport(context.Background(), "", nil, []Step{
		{Name: "exercises", Run: func(ctx context.Context, cc CancelCheck) (int, error) { return 0, nil }},
	}, true)
	require.NoError(t, err)
	assert.True(t, setupCalled)
}

type fakeDialogWithKeySet struct {
	*fakeDialog
	store       *memStore
	setupCalled *bool
}

func (f *fakeDialogWithKeySet) PromptInitialSetup(ctx context.Context) error {
	*f.setupCalled = true
	return f.store.Set("HEVY_API_KEY", "test-key-123")
}

func TestRunFullImport_KeyOverrideSkipsPrompt(t *testing.T) {
	store := newMemStore()
	fc := clock.NewFake(time.Unix(0, 0))
	dialog := &fakeDialog{}
	o := newTestOrchestrator(store, &fakeLock{acquireResult: true}, dialog, fc)

	var resolvedKey string
	result, err := o.RunFullImport(context.Background(), "override-key", func(key string) error {
		resolvedKey = key
		return nil
	}, []Step{
		{Name: "exercises", Run: func(ctx context.Context, cc CancelCheck) (int, error) { return 3, nil }},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, "override-key", resolvedKey)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, 3, result.TotalRows)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, "exercises", result.Steps[0].Name)
}

func TestRunFullImport_AlreadyActiveReturnsErrAlreadyInProgress(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Set("HEVY_API_KEY", "k"))
	fc := clock.NewFake(time.Unix(0, 0))
	tracker := progress.New(progress.Config{Store: store, Clock: fc, StaleAfter: time.Minute})
	require.NoError(t, tracker.MarkActive())

	dialog := &fakeDialog{}
	o := newTestOrchestrator(store, &fakeLock{acquireResult: false}, dialog, fc)

	_, err := o.RunFullImport(context.Background(), "", nil, []Step{
		{Name: "exercises", Run: func(ctx context.Context, cc CancelCheck) (int, error) { return 0, nil }},
	}, true)
	assert.ErrorIs(t, err, ErrAlreadyInProgress)
}

func TestRunFullImport_DependentStepRunsAfterDependency(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Set("HEVY_API_KEY", "k"))
	fc := clock.NewFake(time.Unix(0, 0))
	dialog := &fakeDialog{}
	o := newTestOrchestrator(store, &fakeLock{acquireResult: true}, dialog, fc)

	var mu sync.Mutex
	var order []string
	steps := []Step{
		{Name: "exercises", Run: func(ctx context.Context, cc CancelCheck) (int, error) {
			mu.Lock()
			order = append(order, "exercises")
			mu.Unlock()
			return 0, nil
		}},
		{Name: "workouts", DependsOn: []string{"exercises"}, Run: func(ctx context.Context, cc CancelCheck) (int, error) {
			mu.Lock()
			order = append(order, "workouts")
			mu.Unlock()
			return 0, nil
		}},
	}

	_, err := o.RunFullImport(context.Background(), "", nil, steps, true)
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, "exercises", order[0])
	assert.Equal(t, "workouts", order[1])
}

func TestRunFullImport_StepFailurePropagatesAndClearsActive(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Set("HEVY_API_KEY", "k"))
	fc := clock.NewFake(time.Unix(0, 0))
	dialog := &fakeDialog{}
	lock := &fakeLock{acquireResult: true}
	o := newTestOrchestrator(store, lock, dialog, fc)

	boom := errors.New("boom")
	_, err := o.RunFullImport(context.Background(), "", nil, []Step{
		{Name: "exercises", Run: func(ctx context.Context, cc CancelCheck) (int, error) { return 0, boom }},
	}, true)
	assert.ErrorIs(t, err, boom)
	assert.True(t, lock.released)

	active, activeErr := progress.New(progress.Config{Store: store, Clock: fc, StaleAfter: time.Minute}).IsActive()
	require.NoError(t, activeErr)
	assert.False(t, active)
}

func TestRunFullImport_FreshKeyDefersThenAwaitDeferredRunsIt(t *testing.T) {
	store := newMemStore()
	fc := clock.NewFake(time.Unix(0, 0))
	setupCalled := false
	dialog := &fakeDialogWithKeySet{fakeDialog: &fakeDialog{}, store: store, setupCalled: &setupCalled}
	lock := &fakeLock{acquireResult: true}

	tracker := progress.New(progress.Config{Store: store, Clock: fc, StaleAfter: time.Minute})
	o := New(Config{
		Lock:                   lock,
		Progress:               tracker,
		Dialog:                 dialog,
		Keys:                   NewPropertyKeyResolver(store),
		Clock:                  fc,
		LockWait:               time.Second,
		MaxExecutionTime:       time.Hour,
		ActiveImportHeartbeat:  time.Minute,
		Timers:                 timer.New(fc),
		InitialSetupDeferDelay: 3 * time.Second,
	})

	result, err := o.RunFullImport(context.Background(), "", nil, []Step{
		{Name: "exercises", Run: func(ctx context.Context, cc CancelCheck) (int, error) { return 5, nil }},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, "deferred", result.Status)
	assert.True(t, setupCalled)

	fc.Advance(3 * time.Second)

	final, err := o.AwaitDeferred(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "completed", final.Status)
	assert.Equal(t, 5, final.TotalRows)
}

func TestRunFullImport_CancelDeferredTriggerStopsStalePendingImport(t *testing.T) {
	store := newMemStore()
	fc := clock.NewFake(time.Unix(0, 0))
	setupCalled := false
	dialog := &fakeDialogWithKeySet{fakeDialog: &fakeDialog{}, store: store, setupCalled: &setupCalled}
	lock := &fakeLock{acquireResult: true}

	tracker := progress.New(progress.Config{Store: store, Clock: fc, StaleAfter: time.Minute})
	timers := timer.New(fc)
	o := New(Config{
		Lock:                   lock,
		Progress:               tracker,
		Dialog:                 dialog,
		Keys:                   NewPropertyKeyResolver(store),
		Clock:                  fc,
		LockWait:               time.Second,
		MaxExecutionTime:       time.Hour,
		ActiveImportHeartbeat:  time.Minute,
		Timers:                 timers,
		InitialSetupDeferDelay: 3 * time.Second,
	})

	result, err := o.RunFullImport(context.Background(), "", nil, []Step{
		{Name: "exercises", Run: func(ctx context.Context, cc CancelCheck) (int, error) { return 1, nil }},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, "deferred", result.Status)

	// A second invocation (e.g. the user re-ran before the deferred
	// trigger fired) resolves the key inline and cancels the pending
	// deferred trigger before it can also run.
	_, err = o.RunFullImport(context.Background(), "", nil, []Step{
		{Name: "exercises", Run: func(ctx context.Context, cc CancelCheck) (int, error) { return 1, nil }},
	}, true)
	require.NoError(t, err)

	fc.Advance(3 * time.Second)
	assert.Empty(t, timers.Pending())
}

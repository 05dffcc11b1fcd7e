// Package orchestrator implements the import orchestrator described in
// spec.md §4.8: it acquires a cross-execution lock, resolves the API
// key, resumes or restarts a prior run, and drives a small step
// sequence to completion within a wall-clock budget, checkpointing
// progress as it goes. It is deliberately agnostic to what a "step"
// does — steps are supplied by the caller (cmd/hevysync) as Step
// values.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"hevysync.dev/agent/internal/clock"
	"hevysync.dev/agent/internal/herrors"
	"hevysync.dev/agent/internal/logging"
	"hevysync.dev/agent/progress"
	"hevysync.dev/agent/timer"
	"hevysync.dev/agent/ui"
)

// CancelCheck reports whether the wall-clock execution budget has been
// exceeded. Step bodies receive it and must poll it between their own
// internal units of work (pages, batches) — never mid-request.
type CancelCheck func() bool

// StepFunc is one import step's body. It receives a cancel-check
// closure to thread through to pagination/delta so long steps yield
// cooperatively, and reports how many rows it touched for the run
// summary.
type StepFunc func(ctx context.Context, cancelCheck CancelCheck) (rows int, err error)

// Step names one unit of the step sequence and declares which other
// step names it depends on (must already be completed before this one
// runs). Steps with no unmet dependency may run concurrently.
type Step struct {
	Name      string
	DependsOn []string
	Run       StepFunc
}

// Lock is the cross-execution mutual exclusion primitive the
// orchestrator needs; satisfied by *RedisLock.
type Lock interface {
	TryAcquire(ctx context.Context, wait time.Duration) (bool, error)
	Release(ctx context.Context) error
	Extend(ctx context.Context) error
}

// KeyResolver resolves the active API key: an override takes priority,
// otherwise it is read from durable properties.
type KeyResolver interface {
	ResolveKey(override string) (string, bool, error)
}

// propertyKeyResolver is the default KeyResolver, reading HEVY_API_KEY
// from a kv.PropertyStore.
type propertyKeyResolver struct {
	store interface {
		Get(key string) (string, bool, error)
	}
}

// NewPropertyKeyResolver builds a KeyResolver backed by store.
func NewPropertyKeyResolver(store interface {
	Get(key string) (string, bool, error)
}) KeyResolver {
	return propertyKeyResolver{store: store}
}

func (r propertyKeyResolver) ResolveKey(override string) (string, bool, error) {
	if override != "" {
		return override, true, nil
	}
	key, found, err := r.store.Get("HEVY_API_KEY")
	if err != nil {
		return "", false, err
	}
	return key, found && key != "", nil
}

// Dialog is the thin resume/restart/cancel prompt interface, spec.md
// §6's modal dialog, kept out of this package's core scope per §1's
// non-goals — callers supply a concrete ui.Dialog.
type Dialog = ui.Dialog

// Orchestrator wires the lock, progress tracker, and dialog together to
// run a step sequence.
type Orchestrator struct {
	lock     Lock
	progress *progress.Tracker
	dialog   Dialog
	keys     KeyResolver
	log      *logging.ContextLogger
	clock    clock.Clock
	timers   *timer.Facility

	lockWait               time.Duration
	maxExecutionTime       time.Duration
	activeImportHeartbeat  time.Duration
	initialSetupDeferDelay time.Duration

	deferredMu        sync.Mutex
	hasDeferredHandle bool
	deferredHandle    timer.Handle
	deferredDone      chan deferredOutcome
}

// Config wires an Orchestrator's collaborators and budgets.
type Config struct {
	Lock                  Lock
	Progress              *progress.Tracker
	Dialog                Dialog
	Keys                  KeyResolver
	Log                   *logging.ContextLogger
	Clock                 clock.Clock
	LockWait              time.Duration
	MaxExecutionTime      time.Duration
	ActiveImportHeartbeat time.Duration

	// Timers and InitialSetupDeferDelay implement spec.md §4.8 step 3's
	// "cancel any previously scheduled deferred trigger" and §6's "used
	// to reschedule the initial import so the key-save UI can close
	// promptly." Timers may be nil, in which case a freshly-resolved key
	// runs the import inline instead of deferring it.
	Timers                 *timer.Facility
	InitialSetupDeferDelay time.Duration
}

func New(cfg Config) *Orchestrator {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Orchestrator{
		lock:                   cfg.Lock,
		progress:               cfg.Progress,
		dialog:                 cfg.Dialog,
		keys:                   cfg.Keys,
		log:                    cfg.Log,
		clock:                  c,
		timers:                 cfg.Timers,
		lockWait:               cfg.LockWait,
		maxExecutionTime:       cfg.MaxExecutionTime,
		activeImportHeartbeat:  cfg.ActiveImportHeartbeat,
		initialSetupDeferDelay: cfg.InitialSetupDeferDelay,
	}
}

// deferredOutcome carries a deferred import's result to AwaitDeferred.
type deferredOutcome struct {
	result RunResult
	err    error
}

// ErrAlreadyInProgress is returned (not logged as a failure) when
// another live run holds the lock.
var ErrAlreadyInProgress = errors.New("import already in progress")

// ErrCancelledByUser is returned when the resume/restart/cancel prompt
// is answered CANCEL.
var ErrCancelledByUser = errors.New("import cancelled by user")

// StepResult records one step's outcome for the run summary.
type StepResult struct {
	Name     string
	Rows     int
	Duration time.Duration
	Err      string
}

// RunResult is the structured summary RunFullImport returns alongside
// its error, generalizing spec.md §4.8 step 7/8's "complete notice"
// into a machine-readable shape the CLI can print.
type RunResult struct {
	Status    string // "completed", "paused", "failed", "deferred"
	Steps     []StepResult
	TotalRows int
	Duration  time.Duration
}

// RunFullImport is the orchestrator's single public entry point,
// spec.md §4.8's runFullImport(key-override?, skip-resume-dialog?).
// onKeyResolved receives the key once it is known, so the caller can
// finish wiring its HTTP client before steps (built from the returned
// Step values, which already close over that client) run.
func (o *Orchestrator) RunFullImport(ctx context.Context, keyOverride string, onKeyResolved func(key string) error, steps []Step, skipResumeDialog bool) (RunResult, error) {
	runStart := o.clock.Now()

	key, found, err := o.keys.ResolveKey(keyOverride)
	if err != nil {
		return RunResult{}, err
	}
	justConfigured := false
	if !found {
		if dialogErr := o.dialog.PromptInitialSetup(ctx); dialogErr != nil {
			return RunResult{}, dialogErr
		}
		key, found, err = o.keys.ResolveKey("")
		if err != nil {
			return RunResult{}, err
		}
		if !found {
			return RunResult{}, errors.New("orchestrator: no API key available after initial setup")
		}
		justConfigured = true
	}
	if onKeyResolved != nil {
		if err := onKeyResolved(key); err != nil {
			return RunResult{}, err
		}
	}

	// spec.md §6: the initial-setup dialog should be able to close
	// promptly once the key is saved, with the actual import running a
	// few seconds later via the timer facility rather than blocking the
	// dialog's caller.
	if justConfigured && o.timers != nil && o.initialSetupDeferDelay > 0 {
		return o.scheduleDeferredImport(steps, skipResumeDialog, runStart), nil
	}

	return o.runLocked(ctx, steps, skipResumeDialog, runStart)
}

// scheduleDeferredImport schedules the locked portion of the import to
// run after initialSetupDeferDelay and returns immediately with a
// "deferred" result. AwaitDeferred lets a caller that needs the actual
// outcome (rather than just confirmation the key was saved) block on it.
func (o *Orchestrator) scheduleDeferredImport(steps []Step, skipResumeDialog bool, runStart time.Time) RunResult {
	done := make(chan deferredOutcome, 1)

	o.deferredMu.Lock()
	o.deferredDone = done
	at := o.clock.Now().Add(o.initialSetupDeferDelay)
	o.deferredHandle = o.timers.Schedule(at, func() {
		result, err := o.runLocked(context.Background(), steps, skipResumeDialog, runStart)
		done <- deferredOutcome{result: result, err: err}
	})
	o.hasDeferredHandle = true
	o.deferredMu.Unlock()

	return RunResult{Status: "deferred"}
}

// AwaitDeferred blocks until a previously scheduled deferred import (see
// scheduleDeferredImport) completes, or ctx is cancelled first. It
// returns an error if no deferred import is currently pending.
func (o *Orchestrator) AwaitDeferred(ctx context.Context) (RunResult, error) {
	o.deferredMu.Lock()
	done := o.deferredDone
	o.deferredMu.Unlock()
	if done == nil {
		return RunResult{}, errors.New("orchestrator: no deferred import scheduled")
	}
	select {
	case outcome := <-done:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
}

// cancelDeferredTrigger implements spec.md §4.8 step 3's "cancel any
// previously scheduled deferred trigger" — run whenever an import
// actually starts executing, so an earlier deferred trigger that hasn't
// fired yet doesn't run a second, now-redundant import.
func (o *Orchestrator) cancelDeferredTrigger() {
	o.deferredMu.Lock()
	defer o.deferredMu.Unlock()
	if o.hasDeferredHandle && o.timers != nil {
		o.timers.Cancel(o.deferredHandle)
		o.hasDeferredHandle = false
	}
}

// runLocked performs every step of spec.md §4.8 from lock acquisition
// onward: steps 3 through 8. It is the body RunFullImport executes
// either inline or, after a freshly-configured key, via a deferred
// timer trigger.
func (o *Orchestrator) runLocked(ctx context.Context, steps []Step, skipResumeDialog bool, runStart time.Time) (RunResult, error) {
	acquired, err := o.lock.TryAcquire(ctx, o.lockWait)
	if err != nil {
		return RunResult{}, err
	}
	if !acquired {
		active, activeErr := o.progress.IsActive()
		if activeErr != nil {
			return RunResult{}, activeErr
		}
		if active {
			o.log.Info("another execution holds the lock and its active marker is fresh")
			return RunResult{}, ErrAlreadyInProgress
		}
		// Presumed-crashed holder: proceed without the lock rather than
		// block forever on a dead process.
		o.logWarn("lock held but active marker stale or absent; presuming prior holder crashed")
	}

	defer func() {
		_ = o.progress.ClearActive()
		if releaseErr := o.lock.Release(context.Background()); releaseErr != nil {
			o.logWarn("releasing lock failed: %v", releaseErr)
		}
	}()

	o.cancelDeferredTrigger()

	if err := o.progress.MarkActive(); err != nil {
		return RunResult{}, err
	}

	rec, hadProgress, err := o.progress.LoadProgress()
	if err != nil {
		return RunResult{}, err
	}
	if hadProgress && len(rec.CompletedSteps) > 0 && !skipResumeDialog {
		choice, dialogErr := o.dialog.PromptResume(ctx)
		if dialogErr != nil {
			return RunResult{}, dialogErr
		}
		switch choice {
		case ui.ResumeChoiceRestart:
			rec = progressResetRecord()
		case ui.ResumeChoiceCancel:
			return RunResult{}, ErrCancelledByUser
		}
	} else if skipResumeDialog {
		rec = progressResetRecord()
	}

	start := o.clock.Now()
	lastHeartbeat := start
	var hbMu sync.Mutex

	cancelCheck := func() bool {
		now := o.clock.Now()
		if now.Sub(start) > o.maxExecutionTime {
			return true
		}
		hbMu.Lock()
		defer hbMu.Unlock()
		if now.Sub(lastHeartbeat) >= o.activeImportHeartbeat {
			if err := o.progress.Heartbeat(); err != nil {
				o.logWarn("heartbeat failed: %v", err)
			}
			if err := o.lock.Extend(ctx); err != nil {
				o.logWarn("extending lock failed: %v", err)
			}
			lastHeartbeat = now
		}
		return false
	}

	stepResults, runErr := o.runSteps(ctx, steps, rec, cancelCheck)

	result := RunResult{Steps: stepResults, Duration: o.clock.Now().Sub(runStart)}
	for _, sr := range stepResults {
		result.TotalRows += sr.Rows
	}

	if runErr == nil {
		if err := o.progress.ClearProgress(); err != nil {
			return result, err
		}
		result.Status = "completed"
		o.log.WithField("total_rows", result.TotalRows).Info("import complete")
		o.dialog.Notify(ctx, "import complete")
		return result, nil
	}

	var cancelled *herrors.CancelledByTimeoutError
	if errors.As(runErr, &cancelled) {
		result.Status = "paused"
		o.log.Info("import paused: execution budget exceeded, progress preserved")
		o.dialog.Notify(ctx, "import paused, will resume on next run")
		return result, nil
	}

	result.Status = "failed"

	var apiErr *herrors.ApiError
	if errors.As(runErr, &apiErr) {
		// Teacher note: InvalidApiKeyError is a distinct type (401 maps to
		// it inside hevyclient), so ApiError here never means a bad key.
		_ = apiErr
	}
	var invalidKey *herrors.InvalidApiKeyError
	if errors.As(runErr, &invalidKey) {
		o.log.Info("API key rejected; prompting for a new one")
		if err := o.dialog.PromptReenterKey(ctx); err != nil {
			return result, err
		}
		return result, runErr
	}

	o.log.WithError(runErr).Error("import failed")
	return result, runErr
}

func progressResetRecord() progress.Record {
	return progress.Record{CompletedSteps: map[string]bool{}}
}

// runSteps executes steps respecting dependency order: a step whose
// DependsOn are all already completed may run concurrently with any
// other such step. After each completes, the durable progress record
// is re-read, the step name is unioned in, and it is persisted again —
// guarding against another concurrent execution having advanced it.
func (o *Orchestrator) runSteps(ctx context.Context, steps []Step, rec progress.Record, cancelCheck CancelCheck) ([]StepResult, error) {
	completed := make(map[string]bool, len(rec.CompletedSteps))
	for k, v := range rec.CompletedSteps {
		completed[k] = v
	}
	var mu sync.Mutex
	var results []StepResult

	remaining := make(map[string]Step, len(steps))
	for _, s := range steps {
		if !completed[s.Name] {
			remaining[s.Name] = s
		}
	}

	for len(remaining) > 0 {
		if cancelCheck() {
			return results, &herrors.CancelledByTimeoutError{Endpoint: "orchestrator", Page: 0}
		}

		mu.Lock()
		var batch []Step
		for name, s := range remaining {
			if dependenciesSatisfied(s, completed) {
				batch = append(batch, s)
				delete(remaining, name)
			}
		}
		mu.Unlock()

		if len(batch) == 0 {
			// No runnable step and none remain ready: a dependency cycle
			// or a missing step name in the caller's sequence.
			return results, errors.New("orchestrator: no runnable step (check step dependency graph)")
		}

		var wg sync.WaitGroup
		batchResults := make([]StepResult, len(batch))
		errs := make([]error, len(batch))
		for i, s := range batch {
			wg.Add(1)
			go func(i int, s Step) {
				defer wg.Done()
				stepStart := o.clock.Now()
				rows, err := s.Run(ctx, cancelCheck)
				sr := StepResult{Name: s.Name, Rows: rows, Duration: o.clock.Now().Sub(stepStart)}
				if err != nil {
					sr.Err = err.Error()
				}
				batchResults[i] = sr
				errs[i] = err
			}(i, s)
		}
		wg.Wait()

		results = append(results, batchResults...)

		for i, err := range errs {
			if err != nil {
				return results, err
			}
			mu.Lock()
			completed[batch[i].Name] = true
			mu.Unlock()
		}

		// Re-read and merge rather than overwrite: another concurrent
		// execution may have advanced the durable record meanwhile.
		current, _, loadErr := o.progress.LoadProgress()
		if loadErr != nil {
			return results, loadErr
		}
		for k, v := range completed {
			current.CompletedSteps[k] = v
		}
		if err := o.progress.SaveProgress(current); err != nil {
			return results, err
		}
		completed = current.CompletedSteps
	}
	return results, nil
}

func dependenciesSatisfied(s Step, completed map[string]bool) bool {
	for _, dep := range s.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

func (o *Orchestrator) logWarn(format string, args ...interface{}) {
	if o.log != nil {
		o.log.Warnf(format, args...)
	}
}

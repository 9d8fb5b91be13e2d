// Package checks executes ordered lists of verification commands
// against a change, with per-check timeouts, cooperative whole-run
// cancellation, and an append-only run history.
package checks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/changegate/changegate/internal/models"
	"github.com/changegate/changegate/internal/store"
)

// Spec names one check and the external command that runs it.
type Spec struct {
	Name    string
	Command []string      // argv; empty means the check is not configured
	Timeout time.Duration // 0 falls back to Options.DefaultTimeout
}

// ChangeLocator resolves a change's working directory. Supplied by the
// surrounding project layer.
type ChangeLocator interface {
	ChangeDir(changeID string) (string, error)
}

// Options tune runner behavior.
type Options struct {
	// DefaultTimeout bounds each check without its own timeout.
	DefaultTimeout time.Duration
	// OutputLimit caps captured output and error text per check, in bytes.
	OutputLimit int
	// ExitCodeOnly disables the output heuristic: a zero exit code is
	// always a pass. The default (false) preserves the downgrade-on-
	// error-text behavior.
	ExitCodeOnly bool
}

const (
	defaultTimeout     = 2 * time.Minute
	defaultOutputLimit = 8192
)

// Runner executes check runs. One runner serves the whole process and
// shares its Registry with every caller.
type Runner struct {
	store    store.Store
	registry *Registry
	locator  ChangeLocator
	opts     Options
}

// NewRunner creates a check runner.
func NewRunner(s store.Store, reg *Registry, loc ChangeLocator, opts Options) *Runner {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = defaultOutputLimit
	}
	return &Runner{store: s, registry: reg, locator: loc, opts: opts}
}

// Run executes the given checks in order against a change. It returns
// ErrAlreadyRunning if a run is already in flight for the change, and
// the locator's not-found error if the change does not exist. Checks
// execute strictly sequentially; cancellation is honored between
// checks only. The completed run is persisted once, as an immutable
// record; a persistence failure is logged but does not change the run
// outcome reported to the caller.
func (r *Runner) Run(ctx context.Context, changeID string, specs []Spec) (*models.CheckRun, error) {
	token, err := r.registry.Begin(changeID)
	if err != nil {
		return nil, err
	}
	defer r.registry.Finish(changeID)

	dir, err := r.locator.ChangeDir(changeID)
	if err != nil {
		return nil, err
	}

	run := &models.CheckRun{
		ID:        store.NewULID(),
		ChangeID:  changeID,
		Status:    models.RunRunning,
		StartedAt: time.Now().UTC(),
	}

	stopped := false
	for _, spec := range specs {
		if token.Aborted() {
			stopped = true
			break
		}
		run.Record(r.execute(ctx, dir, spec))
	}

	switch {
	case stopped:
		run.Status = models.RunStopped
	case run.Summary.Failed > 0:
		run.Status = models.RunFailed
	default:
		run.Status = models.RunPassed
	}
	now := time.Now().UTC()
	run.CompletedAt = &now

	if err := r.store.CreateCheckRun(ctx, run); err != nil {
		slog.Warn("failed to persist check run", "change_id", changeID, "run_id", run.ID, "error", err)
	}
	return run, nil
}

// execute runs one check command and classifies the result.
func (r *Runner) execute(ctx context.Context, dir string, spec Spec) models.CheckResult {
	res := models.CheckResult{Type: spec.Name}

	if len(spec.Command) == 0 {
		res.Status = models.CheckSkipped
		res.Errors = fmt.Sprintf("no command configured for check %q", spec.Name)
		return res
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = dir
	// Hint non-interactive execution to tools that prompt or colorize.
	cmd.Env = append(os.Environ(), "CI=1", "NO_COLOR=1", "TERM=dumb")

	start := time.Now()
	out, err := cmd.CombinedOutput()
	res.Duration = time.Since(start)
	res.Output = truncate(string(out), r.opts.OutputLimit)

	if tctx.Err() == context.DeadlineExceeded {
		res.Status = models.CheckTimeout
		res.Errors = fmt.Sprintf("timed out after %s", timeout)
		return res
	}

	if err != nil {
		res.Status = models.CheckFailed
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Errors = truncate(fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), out), r.opts.OutputLimit)
		} else {
			// Command could not be started at all.
			res.Errors = truncate(err.Error(), r.opts.OutputLimit)
		}
		return res
	}

	if !r.opts.ExitCodeOnly && looksLikeFailure(res.Output) {
		res.Status = models.CheckFailed
		res.Errors = "output matched error pattern despite zero exit status"
		return res
	}

	res.Status = models.CheckPassed
	return res
}

// Stop sets the cancellation flag for an in-flight run and reports
// whether one was found.
func (r *Runner) Stop(changeID string) bool {
	return r.registry.Stop(changeID)
}

// Running reports whether a run is in flight for the change.
func (r *Runner) Running(changeID string) bool {
	return r.registry.Running(changeID)
}

// Latest returns the most recent persisted run for a change, or
// (nil, nil) when there is no history.
func (r *Runner) Latest(ctx context.Context, changeID string) (*models.CheckRun, error) {
	run, err := r.store.LatestCheckRun(ctx, changeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// History returns up to limit persisted runs, most recent first. A
// change with no history yields an empty slice.
func (r *Runner) History(ctx context.Context, changeID string, limit int) ([]*models.CheckRun, error) {
	return r.store.ListCheckRuns(ctx, changeID, limit)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... (truncated)"
}

package checks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changegate/changegate/internal/models"
	"github.com/changegate/changegate/internal/store"
)

// dirLocator resolves every change to a fixed directory.
type dirLocator struct {
	dir string
	err error
}

func (l *dirLocator) ChangeDir(string) (string, error) {
	return l.dir, l.err
}

func newTestRunner(t *testing.T, opts Options) (*Runner, *Registry) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	reg := NewRegistry()
	return NewRunner(s, reg, &dirLocator{dir: t.TempDir()}, opts), reg
}

func sh(script string) []string {
	return []string{"sh", "-c", script}
}

func TestRun_SequentialChecksAndSummary(t *testing.T) {
	r, _ := newTestRunner(t, Options{})
	ctx := context.Background()

	run, err := r.Run(ctx, "chg", []Spec{
		{Name: "syntax", Command: sh("echo ok")},
		{Name: "lint", Command: sh("echo lint broke >&2; exit 1")},
		{Name: "test", Command: sh("echo ok")},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, run.Status)
	require.Len(t, run.Checks, 3, "a failed check does not stop later checks")
	assert.Equal(t, models.CheckPassed, run.Checks[0].Status)
	assert.Equal(t, models.CheckFailed, run.Checks[1].Status)
	assert.Contains(t, run.Checks[1].Errors, "exit status 1")
	assert.Equal(t, models.CheckPassed, run.Checks[2].Status)

	assert.Equal(t, models.RunSummary{Total: 3, Passed: 2, Failed: 1}, run.Summary)
	require.NotNil(t, run.CompletedAt)

	// The run is persisted and retrievable.
	latest, err := r.Latest(ctx, "chg")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, run.ID, latest.ID)
	assert.Equal(t, models.RunFailed, latest.Status)
}

func TestRun_AllPassing(t *testing.T) {
	r, _ := newTestRunner(t, Options{})

	run, err := r.Run(context.Background(), "chg", []Spec{
		{Name: "build", Command: sh("echo built")},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunPassed, run.Status)
	assert.Contains(t, run.Checks[0].Output, "built")
}

func TestRun_UnconfiguredCheckIsSkipped(t *testing.T) {
	r, _ := newTestRunner(t, Options{})

	run, err := r.Run(context.Background(), "chg", []Spec{
		{Name: "typecheck"},
		{Name: "test", Command: sh("echo ok")},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunPassed, run.Status)
	assert.Equal(t, models.CheckSkipped, run.Checks[0].Status)
	assert.Contains(t, run.Checks[0].Errors, "no command configured")
	assert.Equal(t, models.RunSummary{Total: 2, Passed: 1, Skipped: 1}, run.Summary)
}

func TestRun_OutputHeuristicDowngradesZeroExit(t *testing.T) {
	r, _ := newTestRunner(t, Options{})

	run, err := r.Run(context.Background(), "chg", []Spec{
		{Name: "lint", Command: sh("echo 'error: unused variable x'; exit 0")},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, models.CheckFailed, run.Checks[0].Status)
	assert.Contains(t, run.Checks[0].Errors, "error pattern")
}

func TestRun_ZeroErrorsOutputPasses(t *testing.T) {
	r, _ := newTestRunner(t, Options{})

	run, err := r.Run(context.Background(), "chg", []Spec{
		{Name: "lint", Command: sh("echo 'finished: 0 errors'")},
	})
	require.NoError(t, err)
	assert.Equal(t, models.CheckPassed, run.Checks[0].Status)
}

func TestRun_ExitCodeOnlySkipsHeuristic(t *testing.T) {
	r, _ := newTestRunner(t, Options{ExitCodeOnly: true})

	run, err := r.Run(context.Background(), "chg", []Spec{
		{Name: "lint", Command: sh("echo 'error: still exits zero'")},
	})
	require.NoError(t, err)
	assert.Equal(t, models.CheckPassed, run.Checks[0].Status)

	// A non-zero exit still fails; the exit code stays authoritative.
	run, err = r.Run(context.Background(), "chg2", []Spec{
		{Name: "lint", Command: sh("exit 3")},
	})
	require.NoError(t, err)
	assert.Equal(t, models.CheckFailed, run.Checks[0].Status)
	assert.Contains(t, run.Checks[0].Errors, "exit status 3")
}

func TestRun_CheckTimeout(t *testing.T) {
	r, _ := newTestRunner(t, Options{})

	run, err := r.Run(context.Background(), "chg", []Spec{
		{Name: "slow", Command: sh("sleep 5"), Timeout: 100 * time.Millisecond},
		{Name: "after", Command: sh("echo ok")},
	})
	require.NoError(t, err)

	assert.Equal(t, models.CheckTimeout, run.Checks[0].Status)
	assert.Contains(t, run.Checks[0].Errors, "timed out")
	// A timeout does not abort the remaining checks.
	assert.Equal(t, models.CheckPassed, run.Checks[1].Status)
	// Nor does it fail the run; only failed checks do.
	assert.Equal(t, models.RunPassed, run.Status)
	assert.Equal(t, models.RunSummary{Total: 2, Passed: 1}, run.Summary)
}

func TestRun_CommandNotStartable(t *testing.T) {
	r, _ := newTestRunner(t, Options{})

	run, err := r.Run(context.Background(), "chg", []Spec{
		{Name: "ghost", Command: []string{"/no/such/binary"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.CheckFailed, run.Checks[0].Status)
	assert.NotEmpty(t, run.Checks[0].Errors)
}

func TestRun_ConflictWhileRunning(t *testing.T) {
	r, reg := newTestRunner(t, Options{})

	_, err := reg.Begin("chg")
	require.NoError(t, err)
	defer reg.Finish("chg")

	_, err = r.Run(context.Background(), "chg", []Spec{{Name: "lint", Command: sh("echo ok")}})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRun_StopBetweenChecks(t *testing.T) {
	r, _ := newTestRunner(t, Options{})
	ctx := context.Background()

	done := make(chan *models.CheckRun, 1)
	go func() {
		run, err := r.Run(ctx, "chg", []Spec{
			{Name: "first", Command: sh("sleep 0.5; echo ok")},
			{Name: "second", Command: sh("echo never")},
		})
		if err != nil {
			done <- nil
			return
		}
		done <- run
	}()

	// Wait for the run to register, then request cancellation while
	// the first check is still executing.
	require.Eventually(t, func() bool { return r.Running("chg") },
		2*time.Second, 10*time.Millisecond)
	require.True(t, r.Stop("chg"))

	run := <-done
	require.NotNil(t, run)

	assert.Equal(t, models.RunStopped, run.Status)
	require.Len(t, run.Checks, 1, "the in-flight check finishes; later checks never start")
	assert.Equal(t, "first", run.Checks[0].Type)
	assert.Equal(t, models.CheckPassed, run.Checks[0].Status)

	// The stopped run is persisted with its completed checks.
	latest, err := r.Latest(ctx, "chg")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, models.RunStopped, latest.Status)
	assert.Len(t, latest.Checks, 1)
	assert.False(t, r.Running("chg"))
}

func TestRun_ChangeDirErrorSurfaces(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	reg := NewRegistry()
	locErr := os.ErrNotExist
	r := NewRunner(s, reg, &dirLocator{err: locErr}, Options{})

	_, err = r.Run(context.Background(), "chg", []Spec{{Name: "lint", Command: sh("echo ok")}})
	assert.ErrorIs(t, err, locErr)
	// The registry slot is released even on a failed start.
	assert.False(t, reg.Running("chg"))
}

func TestRun_OutputTruncated(t *testing.T) {
	r, _ := newTestRunner(t, Options{OutputLimit: 32})

	run, err := r.Run(context.Background(), "chg", []Spec{
		{Name: "noisy", Command: sh("yes line | head -n 100")},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(run.Checks[0].Output, "(truncated)"))
	assert.LessOrEqual(t, len(run.Checks[0].Output), 32+len("\n... (truncated)"))
}

func TestLatest_NoHistoryIsNil(t *testing.T) {
	r, _ := newTestRunner(t, Options{})

	run, err := r.Latest(context.Background(), "never-ran")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestHistory_MostRecentFirstWithLimit(t *testing.T) {
	r, _ := newTestRunner(t, Options{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		run, err := r.Run(ctx, "chg", []Spec{{Name: "lint", Command: sh("echo ok")}})
		require.NoError(t, err)
		ids = append(ids, run.ID)
		time.Sleep(2 * time.Millisecond)
	}

	runs, err := r.History(ctx, "chg", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[1], runs[1].ID)
}

package sandbox

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandrun/compute/internal/model"
)

func defaultLimits() model.ResourceLimits {
	return model.ResourceLimits{
		MaxMemoryMB:    256,
		MaxCPUSeconds:  10,
		MaxWallSeconds: 10,
		MaxOutputMB:    16,
		MaxProcesses:   16,
		MaxOpenFiles:   64,
	}
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not on PATH")
	}
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	return NewExecutor(
		WithWorkerPoolSize(2),
		WithDefaultTier(TierMinimal),
		WithFilesystem(NewOSFilesystem(t.TempDir())),
	)
}

// TestExecute_HelloWorld covers spec scenario 1.
func TestExecute_HelloWorld(t *testing.T) {
	requirePython(t)
	e := newTestExecutor(t)

	job := &model.Job{
		ID:          uuid.NewString(),
		SubjectID:   "subject-1",
		Code:        []byte("print('Hello, World!')\n"),
		Interpreter: model.InterpreterPython,
		Limits:      defaultLimits(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := e.Execute(ctx, job)
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "Hello, World!\n", string(result.Stdout))
	assert.False(t, result.TimedOut)
	assert.Empty(t, result.KillReasons)
}

// TestExecute_WallTimeout covers spec scenario 2: a job that sleeps past
// its wall-clock limit is killed, reports a negative (signal) exit code,
// empty stdout, and a wall time bounded close to the limit.
func TestExecute_WallTimeout(t *testing.T) {
	requirePython(t)
	e := newTestExecutor(t)

	job := &model.Job{
		ID:          uuid.NewString(),
		SubjectID:   "subject-2",
		Code:        []byte("import time\ntime.sleep(5)\n"),
		Interpreter: model.InterpreterPython,
		Limits:      defaultLimits(),
	}
	job.Limits.MaxWallSeconds = 2

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := e.Execute(ctx, job)
	require.NoError(t, err)

	assert.True(t, result.TimedOut)
	assert.Contains(t, result.KillReasons, "wall_timeout")
	assert.Less(t, result.ExitCode, 0)
	assert.Empty(t, result.Stdout)
	assert.GreaterOrEqual(t, result.WallTime, 1900*time.Millisecond)
	assert.LessOrEqual(t, result.WallTime, 4*time.Second)
}

// TestExecute_OutputFileSizeCap covers spec scenario 3: writing past the
// file-size cap makes the write fail (Python ignores SIGXFSZ, so it raises
// "File too large" and exits 1), and no output file is returned.
func TestExecute_OutputFileSizeCap(t *testing.T) {
	requirePython(t)
	e := newTestExecutor(t)

	code := "" +
		"with open('out.bin', 'wb') as f:\n" +
		"    f.write(b'x' * (2 * 1024 * 1024))\n"

	job := &model.Job{
		ID:          uuid.NewString(),
		SubjectID:   "subject-3",
		Code:        []byte(code),
		Interpreter: model.InterpreterPython,
		Limits:      defaultLimits(),
	}
	job.Limits.MaxOutputMB = 1

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := e.Execute(ctx, job)
	require.NoError(t, err)

	assert.NotEqual(t, 0, result.ExitCode)
	assert.Equal(t, 1, result.ExitCode)
	assert.Empty(t, result.OutputFiles)
}

// TestExecute_StdoutTruncation verifies the output cap truncates stdout
// without killing the process for output alone (spec §4.1 edge case).
func TestExecute_StdoutTruncation(t *testing.T) {
	requirePython(t)
	e := newTestExecutor(t)

	job := &model.Job{
		ID:          uuid.NewString(),
		SubjectID:   "subject-4",
		Code:        []byte("print('x' * (2 * 1024 * 1024))\n"),
		Interpreter: model.InterpreterPython,
		Limits:      defaultLimits(),
	}
	job.Limits.MaxOutputMB = 1

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := e.Execute(ctx, job)
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.TimedOut)
	assert.Equal(t, 1024*1024, len(result.Stdout))
}

func TestExecute_UnknownInterpreterRejected(t *testing.T) {
	e := newTestExecutor(t)
	job := &model.Job{
		ID:          uuid.NewString(),
		SubjectID:   "subject-5",
		Code:        []byte("print(1)"),
		Interpreter: model.Interpreter("cobol"),
		Limits:      defaultLimits(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.Execute(ctx, job)
	assert.ErrorIs(t, err, model.ErrInterpreterUnavailable)
}

func TestExecute_InvalidLimitsRejected(t *testing.T) {
	e := newTestExecutor(t)
	job := &model.Job{
		ID:          uuid.NewString(),
		SubjectID:   "subject-6",
		Code:        []byte("print(1)"),
		Interpreter: model.InterpreterPython,
		Limits:      model.ResourceLimits{}, // all zero — invalid
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.Execute(ctx, job)
	assert.ErrorIs(t, err, model.ErrSpawnFailed)
}

func TestExecute_ProducedOutputFilesAreListed(t *testing.T) {
	requirePython(t)
	e := newTestExecutor(t)

	code := "" +
		"with open('result.txt', 'w') as f:\n" +
		"    f.write('done')\n"

	job := &model.Job{
		ID:          uuid.NewString(),
		SubjectID:   "subject-7",
		Code:        []byte(code),
		Interpreter: model.InterpreterPython,
		Limits:      defaultLimits(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := e.Execute(ctx, job)
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	require.Len(t, result.OutputFiles, 1)
}

// TestExecute_GPUMemoryCapIsAdvisoryOnly covers the Open Question
// resolution that GPU memory is reported, not enforced: the requested cap
// comes back unchanged on Result.GPUMemoryUsedMB even though no GPU
// hardware backs this test run.
func TestExecute_GPUMemoryCapIsAdvisoryOnly(t *testing.T) {
	requirePython(t)
	e := newTestExecutor(t)

	limits := defaultLimits()
	limits.MaxGPUMemoryMB = 4096

	job := &model.Job{
		ID:          uuid.NewString(),
		SubjectID:   "subject-gpu",
		Code:        []byte("print('ok')\n"),
		Interpreter: model.InterpreterPython,
		Limits:      limits,
		GPU: &model.GPUConfig{
			Enabled:    true,
			DeviceType: "cuda",
			DeviceIDs:  []int{0},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := e.Execute(ctx, job)
	require.NoError(t, err)

	assert.Equal(t, int64(4096), result.GPUMemoryUsedMB)
}

func TestKill_UnknownJobReturnsFalse(t *testing.T) {
	e := newTestExecutor(t)
	assert.False(t, e.Kill("no-such-job"))
}

func TestKill_StopsRunningJob(t *testing.T) {
	requirePython(t)
	e := newTestExecutor(t)

	job := &model.Job{
		ID:          uuid.NewString(),
		SubjectID:   "subject-8",
		Code:        []byte("import time\ntime.sleep(30)\n"),
		Interpreter: model.InterpreterPython,
		Limits:      defaultLimits(),
	}
	job.Limits.MaxWallSeconds = 60

	resultCh := make(chan *model.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := e.Execute(context.Background(), job)
		resultCh <- result
		errCh <- err
	}()

	time.Sleep(300 * time.Millisecond)
	assert.True(t, e.Kill(job.ID))

	select {
	case result := <-resultCh:
		require.NoError(t, <-errCh)
		assert.Less(t, result.WallTime, 10*time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after Kill")
	}
}

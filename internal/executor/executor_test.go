package executor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/gridx/internal/domain"
)

type fakeRunner struct {
	name     string
	args     []string
	stdout   []byte
	stderr   []byte
	exitCode int
	err      error
	block    bool
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, _ int64) ([]byte, []byte, int, error) {
	f.name = name
	f.args = args
	if f.block {
		<-ctx.Done()
		return nil, nil, ExitLaunchFailure, ctx.Err()
	}
	return f.stdout, f.stderr, f.exitCode, f.err
}

func newTestExecutor(runner commandRunner) *Executor {
	e := New(64<<10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.runner = runner
	return e
}

func TestExecute_Success(t *testing.T) {
	runner := &fakeRunner{stdout: []byte("4\n"), exitCode: 0}
	e := newTestExecutor(runner)

	result := e.Execute(context.Background(), Request{
		JobID:    "job-1",
		Language: domain.LanguagePython,
		Code:     "print(2+2)",
		Timeout:  time.Minute,
	})

	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "4\n", result.Stdout)
	assert.Equal(t, "docker", runner.name)
}

func TestExecute_SandboxFlags(t *testing.T) {
	runner := &fakeRunner{}
	e := newTestExecutor(runner)

	e.Execute(context.Background(), Request{
		JobID:    "job-1",
		Language: domain.LanguagePython,
		Code:     "pass",
		Timeout:  time.Minute,
		Memory:   512 << 20,
		CPUCores: 2,
	})

	joined := strings.Join(runner.args, " ")
	for _, flag := range []string{
		"--rm", "--read-only", "--cap-drop=ALL",
		"--security-opt=no-new-privileges:true", "--pids-limit=256",
		"--network=none", "--user=1000:1000",
		"--cpus=2", "--memory=536870912",
		"python:3.11-slim",
	} {
		assert.Contains(t, joined, flag)
	}
	assert.Equal(t, "/work/main.py", runner.args[len(runner.args)-1])
}

func TestExecute_LanguageImages(t *testing.T) {
	cases := map[domain.Language]string{
		domain.LanguagePython:     "python:3.11-slim",
		domain.LanguageJavaScript: "node:18-slim",
		domain.LanguageNode:       "node:18-slim",
		domain.LanguageBash:       "ubuntu:22.04",
	}
	for lang, image := range cases {
		runner := &fakeRunner{}
		e := newTestExecutor(runner)
		e.Execute(context.Background(), Request{
			JobID: "job-1", Language: lang, Code: "x", Timeout: time.Minute,
		})
		assert.Contains(t, strings.Join(runner.args, " "), image, string(lang))
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	runner := &fakeRunner{stderr: []byte("boom"), exitCode: 3}
	e := newTestExecutor(runner)

	result := e.Execute(context.Background(), Request{
		JobID: "job-1", Language: domain.LanguageBash, Code: "exit 3", Timeout: time.Minute,
	})

	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "boom", result.Stderr)
}

func TestExecute_Timeout(t *testing.T) {
	runner := &fakeRunner{block: true}
	e := newTestExecutor(runner)

	result := e.Execute(context.Background(), Request{
		JobID:    "job-1",
		Language: domain.LanguagePython,
		Code:     "while True: pass",
		Timeout:  20 * time.Millisecond,
	})

	assert.Equal(t, ExitTimeout, result.ExitCode)
	assert.Contains(t, result.Stderr, "timeout")
}

func TestExecute_LaunchFailure(t *testing.T) {
	runner := &fakeRunner{err: assert.AnError}
	e := newTestExecutor(runner)

	result := e.Execute(context.Background(), Request{
		JobID: "job-1", Language: domain.LanguagePython, Code: "x", Timeout: time.Minute,
	})

	assert.Equal(t, ExitLaunchFailure, result.ExitCode)
	assert.Contains(t, result.Stderr, "failed to run container")
}

func TestExecute_UnsupportedLanguage(t *testing.T) {
	e := newTestExecutor(&fakeRunner{})

	result := e.Execute(context.Background(), Request{
		JobID: "job-1", Language: domain.Language("cobol"), Code: "x",
	})

	assert.Equal(t, ExitLaunchFailure, result.ExitCode)
	assert.Contains(t, result.Stderr, "unsupported language")
}

func TestExecute_CleansWorkspace(t *testing.T) {
	var workspace string
	runner := &fakeRunner{}
	e := newTestExecutor(&captureWorkspace{inner: runner, dir: &workspace})

	e.Execute(context.Background(), Request{
		JobID: "job-1", Language: domain.LanguagePython, Code: "pass", Timeout: time.Minute,
	})

	require.NotEmpty(t, workspace)
	_, err := os.Stat(workspace)
	assert.True(t, os.IsNotExist(err))
}

// captureWorkspace records the mounted workspace path and checks the
// code file exists while the container would be running.
type captureWorkspace struct {
	inner *fakeRunner
	dir   *string
}

func (c *captureWorkspace) Run(ctx context.Context, name string, args []string, maxOutput int64) ([]byte, []byte, int, error) {
	for i, arg := range args {
		if arg == "-v" && i+1 < len(args) {
			*c.dir = strings.TrimSuffix(args[i+1], ":/work:rw")
		}
	}
	if _, err := os.Stat(filepath.Join(*c.dir, "main.py")); err != nil {
		return nil, nil, ExitLaunchFailure, err
	}
	return c.inner.Run(ctx, name, args, maxOutput)
}

func TestCappedBuffer(t *testing.T) {
	buf := &cappedBuffer{max: 8}
	n, err := buf.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "01234567", string(buf.Bytes()))

	n, err = buf.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "01234567", string(buf.Bytes()))
}

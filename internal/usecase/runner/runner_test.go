package runner

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanctl/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) Types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

// collector records everything a Runner delivers, in delivery order.
type collector struct {
	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
	order  []string // "out", "err", "exit"
	exit   chan domain.ExitEvent
}

func collect(t *testing.T, r *Runner) *collector {
	t.Helper()
	c := &collector{exit: make(chan domain.ExitEvent, 4)}
	unsubOut := r.OnOutput(func(ev domain.OutputEvent) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ev.Stream == domain.StreamStdout {
			c.stdout.WriteString(ev.Data)
			c.order = append(c.order, "out")
		} else {
			c.stderr.WriteString(ev.Data)
			c.order = append(c.order, "err")
		}
	})
	unsubExit := r.OnExit(func(ev domain.ExitEvent) {
		c.mu.Lock()
		c.order = append(c.order, "exit")
		c.mu.Unlock()
		c.exit <- ev
	})
	t.Cleanup(func() {
		unsubOut()
		unsubExit()
	})
	return c
}

func (c *collector) wait(t *testing.T, timeout time.Duration) domain.ExitEvent {
	t.Helper()
	select {
	case ev := <-c.exit:
		return ev
	case <-time.After(timeout):
		t.Fatalf("no ExitEvent within %v", timeout)
		return domain.ExitEvent{}
	}
}

func (c *collector) Stdout() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.String()
}

func (c *collector) Stderr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stderr.String()
}

func (c *collector) Order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("runner tests drive POSIX sh scripts")
	}
}

func newTestRunner(t *testing.T, bus domain.EventBus) *Runner {
	t.Helper()
	skipOnWindows(t)
	r := New(Config{KillGrace: 2 * time.Second}, bus, newTestLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

// writeScript creates an sh script in a fresh temp dir and returns its path.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func shRequest(script string, args ...string) domain.RunRequest {
	return domain.RunRequest{Executable: "sh", ScriptPath: script, Arguments: args}
}

func TestRunRejectsSecondRunWhileActive(t *testing.T) {
	r := newTestRunner(t, nil)
	c := collect(t, r)
	script := writeScript(t, "gen.py", "exec sleep 30\n")

	h, err := r.Run(context.Background(), shRequest(script, "--task", "t2v-A14B"))
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Greater(t, h.PID, 0)
	assert.Equal(t, domain.RunStateRunning, h.State)

	_, err = r.Run(context.Background(), shRequest(script, "--task", "i2v-A14B"))
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Equal(t, domain.CodeAlreadyRunning, domain.ErrorCodeOf(err))

	require.NoError(t, r.Cancel())
	// still rejected while cancelling
	_, err = r.Run(context.Background(), shRequest(script))
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)

	ev := c.wait(t, 5*time.Second)
	assert.True(t, ev.Cancelled)
	assert.NotEqual(t, 0, ev.ExitCode)
	<-r.Done()

	cur, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, domain.RunStateExited, cur.State)
	require.NotNil(t, cur.ExitCode)
	assert.Equal(t, ev.ExitCode, *cur.ExitCode)
}

func TestCancelWithoutRun(t *testing.T) {
	r := newTestRunner(t, nil)
	err := r.Cancel()
	require.ErrorIs(t, err, domain.ErrNotRunning)
	assert.Equal(t, "no running job", domain.UserMessage(err))
}

func TestCancelAfterExit(t *testing.T) {
	r := newTestRunner(t, nil)
	c := collect(t, r)
	_, err := r.Run(context.Background(), shRequest(writeScript(t, "ok.sh", "exit 0\n")))
	require.NoError(t, err)
	c.wait(t, 5*time.Second)
	<-r.Done()

	assert.ErrorIs(t, r.Cancel(), domain.ErrNotRunning)
}

func TestRunInvalidRequest(t *testing.T) {
	r := newTestRunner(t, nil)
	tests := []struct {
		name string
		req  domain.RunRequest
		want string
	}{
		{"missing executable", domain.RunRequest{ScriptPath: "gen.py"}, "executable is required"},
		{"blank executable", domain.RunRequest{Executable: "  ", ScriptPath: "gen.py"}, "executable is required"},
		{"missing script", domain.RunRequest{Executable: "python"}, "script path is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Run(context.Background(), tt.req)
			require.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	_, ok := r.Current()
	assert.False(t, ok, "rejected requests never create a run")
}

func TestRunSpawnFailureLeavesRunnerIdle(t *testing.T) {
	r := newTestRunner(t, nil)
	missing := filepath.Join(t.TempDir(), "no-such-python")

	_, err := r.Run(context.Background(), domain.RunRequest{Executable: missing, ScriptPath: "gen.py"})
	require.ErrorIs(t, err, domain.ErrSpawnFailure)
	assert.Equal(t, domain.CodeSpawnFailure, domain.ErrorCodeOf(err))
	assert.Contains(t, domain.UserMessage(err), "no-such-python")

	_, ok := r.Current()
	assert.False(t, ok)

	c := collect(t, r)
	_, err = r.Run(context.Background(), shRequest(writeScript(t, "ok.sh", "echo fine\n")))
	require.NoError(t, err, "a spawn failure must not block the next run")
	assert.Equal(t, 0, c.wait(t, 5*time.Second).ExitCode)
}

func TestArgumentsPassedVerbatim(t *testing.T) {
	r := newTestRunner(t, nil)
	c := collect(t, r)
	script := writeScript(t, "args.sh", "for a in \"$@\"; do printf '[%s]\\n' \"$a\"; done\n")
	args := []string{
		"--prompt", "a cat; rm -rf / && echo pwned",
		"--size", "1280*704",
		"$HOME", "*", "",
		`quoted "value"`, "--t5_cpu",
		"multi\tspace  arg",
	}

	_, err := r.Run(context.Background(), shRequest(script, args...))
	require.NoError(t, err)
	assert.Equal(t, 0, c.wait(t, 5*time.Second).ExitCode)

	var want strings.Builder
	for _, a := range args {
		want.WriteString("[" + a + "]\n")
	}
	assert.Equal(t, want.String(), c.Stdout())
}

func TestExitCodePropagated(t *testing.T) {
	r := newTestRunner(t, nil)
	c := collect(t, r)
	_, err := r.Run(context.Background(), shRequest(writeScript(t, "fail.sh", "echo boom >&2\nexit 3\n")))
	require.NoError(t, err)

	ev := c.wait(t, 5*time.Second)
	assert.Equal(t, 3, ev.ExitCode)
	assert.False(t, ev.Cancelled)
	assert.False(t, ev.Success())
	assert.Equal(t, "boom\n", c.Stderr())
}

func TestExitIsLastEventAndOutputComplete(t *testing.T) {
	r := newTestRunner(t, nil)
	c := collect(t, r)
	body := `i=0
while [ $i -lt 500 ]; do
  echo "out line $i"
  echo "err line $i" >&2
  i=$((i+1))
done
`
	_, err := r.Run(context.Background(), shRequest(writeScript(t, "chatty.sh", body)))
	require.NoError(t, err)
	c.wait(t, 10*time.Second)
	<-r.Done()

	order := c.Order()
	require.NotEmpty(t, order)
	assert.Equal(t, "exit", order[len(order)-1])
	for _, o := range order[:len(order)-1] {
		assert.NotEqual(t, "exit", o, "exactly one exit event")
	}

	outLines := strings.Split(strings.TrimSuffix(c.Stdout(), "\n"), "\n")
	require.Len(t, outLines, 500)
	for i, l := range outLines {
		assert.Equal(t, "out line "+strconv.Itoa(i), l, "stdout order preserved")
	}
	assert.Len(t, strings.Split(strings.TrimSuffix(c.Stderr(), "\n"), "\n"), 500)
}

func TestChunkSizeBoundsOutputEvents(t *testing.T) {
	skipOnWindows(t)
	r := New(Config{ChunkSize: 16}, nil, newTestLogger())
	var maxLen int
	var mu sync.Mutex
	r.OnOutput(func(ev domain.OutputEvent) {
		mu.Lock()
		if len(ev.Data) > maxLen {
			maxLen = len(ev.Data)
		}
		mu.Unlock()
	})
	done := make(chan struct{})
	r.OnExit(func(domain.ExitEvent) { close(done) })

	_, err := r.Run(context.Background(), shRequest(writeScript(t, "long.sh", "printf '%0200d\\n' 7\n")))
	require.NoError(t, err)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxLen, 16)
}

func TestForceKillAfterGrace(t *testing.T) {
	skipOnWindows(t)
	r := New(Config{KillGrace: 300 * time.Millisecond}, nil, newTestLogger())
	c := collect(t, r)
	script := writeScript(t, "stubborn.sh", "trap '' TERM\necho ready\nwhile :; do sleep 0.1; done\n")

	_, err := r.Run(context.Background(), shRequest(script))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(c.Stdout(), "ready") }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, r.Cancel())
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Cancel must not block")
	require.NoError(t, r.Cancel(), "second cancel is a no-op")

	ev := c.wait(t, 5*time.Second)
	assert.True(t, ev.Cancelled)
	assert.Equal(t, -1, ev.ExitCode)
}

func TestWorkingDirectoryAndEnv(t *testing.T) {
	r := newTestRunner(t, nil)
	c := collect(t, r)
	script := writeScript(t, "env.sh", "pwd\necho \"$PYTHONUTF8 $PYTHONIOENCODING $WAN_EXTRA\"\n")

	req := shRequest(script)
	req.Env = map[string]string{"WAN_EXTRA": "yes"}
	_, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	c.wait(t, 5*time.Second)

	lines := strings.Split(strings.TrimSpace(c.Stdout()), "\n")
	require.Len(t, lines, 2)
	wantDir, err := filepath.EvalSymlinks(filepath.Dir(script))
	require.NoError(t, err)
	gotDir, err := filepath.EvalSymlinks(lines[0])
	require.NoError(t, err)
	assert.Equal(t, wantDir, gotDir, "working directory defaults to the script's directory")
	assert.Equal(t, "1 utf-8 yes", lines[1])
}

func TestWorkingDirectoryOverride(t *testing.T) {
	r := newTestRunner(t, nil)
	c := collect(t, r)
	dir := t.TempDir()
	req := shRequest(writeScript(t, "pwd.sh", "pwd\n"))
	req.WorkingDirectory = dir
	_, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	c.wait(t, 5*time.Second)

	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(c.Stdout()))
	assert.Equal(t, want, got)
}

func TestRelativePathsResolvedFromCaller(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "script.sh"), []byte("pwd\necho ran\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "shell"), []byte("#!/bin/sh\nexec sh \"$@\"\n"), 0o755))

	tests := []struct {
		name string
		req  domain.RunRequest
	}{
		{"relative script", shRequest("sub/script.sh")},
		{"relative executable", domain.RunRequest{Executable: "./bin/shell", ScriptPath: "sub/script.sh"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRunner(t, nil)
			c := collect(t, r)
			_, err := r.Run(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, 0, c.wait(t, 5*time.Second).ExitCode)

			lines := strings.Split(strings.TrimSpace(c.Stdout()), "\n")
			require.Len(t, lines, 2)
			wantDir, err := filepath.EvalSymlinks(filepath.Join(root, "sub"))
			require.NoError(t, err)
			gotDir, err := filepath.EvalSymlinks(lines[0])
			require.NoError(t, err)
			assert.Equal(t, wantDir, gotDir)
			assert.Equal(t, "ran", lines[1])
		})
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := newTestRunner(t, nil)
	var got int
	var mu sync.Mutex
	unsub := r.OnOutput(func(domain.OutputEvent) {
		mu.Lock()
		got++
		mu.Unlock()
	})
	unsub()
	c := collect(t, r)

	_, err := r.Run(context.Background(), shRequest(writeScript(t, "hi.sh", "echo hi\n")))
	require.NoError(t, err)
	c.wait(t, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, got)
	assert.Equal(t, "hi\n", c.Stdout())
}

func TestPanickingSubscriberDoesNotBlockExit(t *testing.T) {
	r := newTestRunner(t, nil)
	r.OnOutput(func(domain.OutputEvent) { panic("subscriber bug") })
	c := collect(t, r)

	_, err := r.Run(context.Background(), shRequest(writeScript(t, "hi.sh", "echo hi\n")))
	require.NoError(t, err)
	assert.Equal(t, 0, c.wait(t, 5*time.Second).ExitCode)
}

func TestLifecycleEventsPublished(t *testing.T) {
	bus := &recordingBus{}
	r := newTestRunner(t, bus)
	c := collect(t, r)

	_, err := r.Run(context.Background(), shRequest(writeScript(t, "gen.sh", "echo hi\nexec sleep 30\n")))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Stdout() == "hi\n" }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, r.Cancel())
	c.wait(t, 5*time.Second)
	<-r.Done()

	types := bus.Types()
	require.GreaterOrEqual(t, len(types), 4)
	assert.Equal(t, domain.EventJobStarted, types[0])
	assert.Contains(t, types, domain.EventJobOutput)
	assert.Contains(t, types, domain.EventJobCancelRequested)
	assert.Equal(t, domain.EventJobExited, types[len(types)-1])
}

func TestStopWaitsForExit(t *testing.T) {
	skipOnWindows(t)
	r := New(Config{KillGrace: time.Second}, nil, newTestLogger())
	assert.NoError(t, r.Stop(context.Background()), "stop with nothing running")

	_, err := r.Run(context.Background(), shRequest(writeScript(t, "sleep.sh", "exec sleep 30\n")))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))

	h, _ := r.Current()
	assert.Equal(t, domain.RunStateExited, h.State)
	assert.True(t, h.Cancelled)
	assert.NotNil(t, h.EndedAt)
}

func TestRunAfterExitIsAccepted(t *testing.T) {
	r := newTestRunner(t, nil)
	c := collect(t, r)
	script := writeScript(t, "ok.sh", "echo ok\n")

	first, err := r.Run(context.Background(), shRequest(script))
	require.NoError(t, err)
	c.wait(t, 5*time.Second)
	<-r.Done()

	second, err := r.Run(context.Background(), shRequest(script))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	c.wait(t, 5*time.Second)
}

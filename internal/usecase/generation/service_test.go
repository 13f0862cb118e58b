package generation

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanctl/internal/domain"
	"wanctl/internal/usecase/progress"
	"wanctl/internal/usecase/runner"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory domain.JobStore.
type memStore struct {
	mu      sync.Mutex
	records map[string]domain.JobRecord
	writes  int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]domain.JobRecord)}
}

func (m *memStore) Record(_ context.Context, rec domain.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	m.writes++
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, domain.NewSubSystemError("store", "memStore.Get", domain.ErrNotFound, id)
	}
	return &rec, nil
}

func (m *memStore) List(context.Context, int) ([]domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.JobRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) Prune(context.Context, time.Time) (int, error) { return 0, nil }

func (m *memStore) Close() error { return nil }

// recordingBus captures published events.
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

func (b *recordingBus) Count(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	svc   *Service
	store *memStore
	bus   *recordingBus
}

func newFixture(t *testing.T, withStore bool) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("generation tests drive POSIX sh scripts")
	}
	f := &fixture{bus: &recordingBus{}}
	r := runner.New(runner.Config{KillGrace: 2 * time.Second}, f.bus, newTestLogger())
	in := progress.New(progress.Config{}, newTestLogger())
	var store domain.JobStore
	if withStore {
		f.store = newMemStore()
		store = f.store
	}
	f.svc = New(r, in, store, f.bus, newTestLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.svc.Stop(ctx)
	})
	return f
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "generate.py")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func waitExit(t *testing.T, svc *Service) domain.ExitEvent {
	t.Helper()
	done := svc.Done()
	require.NotNil(t, done)
	select {
	case ev := <-done:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
		return domain.ExitEvent{}
	}
}

const happyScript = `echo "Generation job args: Namespace(task='t2v-A14B', size='1280*720', frame_num=81, sample_steps=40)"
echo "[progress] step=20/40"
echo "Saving generated video to /out/cat.mp4"
exit 0
`

func TestStartRunsToFinished(t *testing.T) {
	f := newFixture(t, true)
	script := writeScript(t, happyScript)

	h, err := f.svc.Start(context.Background(), domain.RunRequest{
		Executable: "sh",
		ScriptPath: script,
		Arguments:  []string{"--task", "t2v-A14B"},
	})
	require.NoError(t, err)

	ev := waitExit(t, f.svc)
	assert.Equal(t, h.ID, ev.RunID)
	assert.Equal(t, 0, ev.ExitCode)

	st := f.svc.State()
	assert.Equal(t, domain.PhaseFinished, st.Phase)
	assert.Equal(t, 100, st.Percent)
	assert.Equal(t, "/out/cat.mp4", st.LastOutputPath)
	assert.Equal(t, 40, st.Meta.Steps)
	assert.Equal(t, 81, st.Meta.Frames)
	assert.Contains(t, f.svc.Log(), "[closed] code=0")

	rec, err := f.store.Get(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFinished, rec.Phase)
	assert.Equal(t, "t2v-A14B", rec.Task)
	assert.Equal(t, "/out/cat.mp4", rec.OutputPath)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
	assert.False(t, rec.EndedAt.IsZero())

	assert.Greater(t, f.bus.Count(domain.EventJobProgress), 0)

	list, err := f.svc.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStartNonZeroExitFails(t *testing.T) {
	f := newFixture(t, true)
	script := writeScript(t, "echo boom >&2\nexit 3\n")

	_, err := f.svc.Start(context.Background(), domain.RunRequest{Executable: "sh", ScriptPath: script})
	require.NoError(t, err)

	ev := waitExit(t, f.svc)
	assert.Equal(t, 3, ev.ExitCode)
	assert.Equal(t, domain.PhaseFailed, f.svc.State().Phase)
	assert.Contains(t, f.svc.Log(), "boom")
}

func TestStartScriptNotFound(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.svc.Start(context.Background(), domain.RunRequest{
		Executable: "sh",
		ScriptPath: filepath.Join(t.TempDir(), "missing.py"),
	})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, domain.UserMessage(err), "script not found")
	assert.Equal(t, domain.PhaseIdle, f.svc.State().Phase)
	assert.Nil(t, f.svc.Done())
	assert.Contains(t, f.svc.Log(), "[error] invalid input: script not found")
}

func TestStartSpawnFailureMarksFailed(t *testing.T) {
	f := newFixture(t, true)
	script := writeScript(t, "exit 0\n")

	_, err := f.svc.Start(context.Background(), domain.RunRequest{
		Executable: filepath.Join(t.TempDir(), "no-python"),
		ScriptPath: script,
	})
	require.ErrorIs(t, err, domain.ErrSpawnFailure)
	assert.Equal(t, domain.PhaseFailed, f.svc.State().Phase)
	assert.Contains(t, f.svc.Log(), "[error] ")
	assert.Equal(t, 0, f.store.writes)

	cur, _ := f.svc.Current()
	assert.Equal(t, domain.RunStateIdle, cur.State)
}

func TestSecondStartKeepsLiveState(t *testing.T) {
	f := newFixture(t, true)
	script := writeScript(t, "echo 'Creating WanModel from /ckpt'\nexec sleep 30\n")

	h, err := f.svc.Start(context.Background(), domain.RunRequest{Executable: "sh", ScriptPath: script})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.svc.State().Phase == domain.PhaseBuildingModel
	}, 5*time.Second, 10*time.Millisecond)

	_, err = f.svc.Start(context.Background(), domain.RunRequest{Executable: "sh", ScriptPath: script})
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Equal(t, domain.PhaseBuildingModel, f.svc.State().Phase)

	require.NoError(t, f.svc.Cancel())
	ev := waitExit(t, f.svc)
	assert.True(t, ev.Cancelled)

	st := f.svc.State()
	assert.Equal(t, domain.PhaseCancelled, st.Phase)
	assert.Equal(t, 100, st.Percent)

	rec, err := f.store.Get(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCancelled, rec.Phase)
}

func TestCancelWithoutRun(t *testing.T) {
	f := newFixture(t, false)
	assert.ErrorIs(t, f.svc.Cancel(), domain.ErrNotRunning)
	assert.Contains(t, f.svc.Log(), "[cancel-error] no running job")
}

func TestHistoryDisabled(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.History(context.Background(), 5)
	assert.ErrorIs(t, err, domain.ErrDisabled)
}

func TestLogFromResumes(t *testing.T) {
	f := newFixture(t, false)
	script := writeScript(t, "echo first\necho second\n")

	_, err := f.svc.Start(context.Background(), domain.RunRequest{Executable: "sh", ScriptPath: script})
	require.NoError(t, err)
	waitExit(t, f.svc)

	all, next := f.svc.LogFrom(0)
	assert.Contains(t, all, "first\nsecond\n")
	rest, next2 := f.svc.LogFrom(next)
	assert.Empty(t, rest)
	assert.Equal(t, next, next2)
	assert.Contains(t, f.svc.LogTail(3), "[closed] code=0")
}

func TestArgValue(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"present", []string{"--size", "1280*720", "--task", "ti2v-5B"}, "ti2v-5B"},
		{"missing", []string{"--size", "1280*720"}, ""},
		{"flag last", []string{"--task"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, argValue(tt.args, "--task"))
		})
	}
}

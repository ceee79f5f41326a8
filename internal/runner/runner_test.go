package runner

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/backend/wasm"
	"github.com/seantiz/anvil/internal/backend/wasm/wasmtest"
	"github.com/seantiz/anvil/internal/blob"
	xerrors "github.com/seantiz/anvil/internal/errors"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/provider"
	"github.com/seantiz/anvil/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTunables() Tunables {
	return Tunables{
		TasksPendingMin:  4,
		TasksFinishedMax: 64,
		SendMaxBytes:     1 << 20,
		SaveTimeout:      5 * time.Millisecond,
		EmptyRetryDelay:  10 * time.Millisecond,
	}
}

// harness wires a runner to an in-memory provider, a blob repository and a
// pool of in-process wasm workers.
type harness struct {
	t       *testing.T
	srv     *provider.Server
	client  *provider.HTTP
	storage *store.MemoryStore
	repo    *blob.Repository
	pool    *pool.Pool
	runner  *Runner
}

func newHarness(t *testing.T, tun Tunables) *harness {
	t.Helper()
	srv := provider.NewServer(testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	h := &harness{
		t:       t,
		srv:     srv,
		client:  provider.NewHTTP(ts.URL, provider.WithLogger(testLogger()), provider.WithRetry(1, time.Millisecond)),
		storage: store.NewMemoryStore(),
	}
	h.open(tun)
	return h
}

// open builds a fresh repository, pool and runner over the harness storage.
func (h *harness) open(tun Tunables) {
	h.t.Helper()
	repo, err := blob.Open(context.Background(), h.storage, h.client,
		blob.WithLogger(testLogger()), blob.WithRetryDelay(10*time.Millisecond))
	require.NoError(h.t, err)

	spawner := pool.InProcess(func(ctx context.Context) (backend.Backend, error) {
		return wasm.New(ctx, wasm.WithLogger(testLogger()))
	}, testLogger())
	p := pool.New(spawner, pool.WithConcurrency(2), pool.WithLogger(testLogger()))

	r := New(repo, p, h.client, tun, testLogger())
	h.repo, h.pool, h.runner = repo, p, r
	h.t.Cleanup(func() { shutdown(r, p, repo) })
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.runner.Start(context.Background()))
}

// close stops the current runner and releases its pool and repository.
func (h *harness) close() {
	shutdown(h.runner, h.pool, h.repo)
}

func shutdown(r *Runner, p *pool.Pool, repo *blob.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Stop(ctx)
	p.Close(ctx)
	repo.Close(ctx)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitResult(id string) model.Result {
	h.t.Helper()
	var res model.Result
	waitFor(h.t, "result of "+id, func() bool {
		r, ok := h.srv.Results()[id]
		res = r
		return ok
	})
	return res
}

func (h *harness) tasksIn(status string) int {
	n := 0
	for _, t := range h.runner.Inspect() {
		if t.Status == status {
			n++
		}
	}
	return n
}

func TestEchoResultSentInOneBatch(t *testing.T) {
	h := newHarness(t, testTunables())
	prog := h.srv.AddBlob(wasmtest.Echo)
	a := h.srv.AddBlob([]byte("blob A"))
	b := h.srv.AddBlob([]byte("blob B, longer"))
	id := h.srv.AddTask("proj", prog, []byte("ctl"), a, b)

	h.start()
	res := h.waitResult(id)

	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Equal(t, [][]byte{[]byte("blob A"), []byte("blob B, longer")}, res.Data)
	assert.Nil(t, res.Error)
	assert.Equal(t, []int{1}, h.srv.Batches())

	waitFor(t, "task removal", func() bool { return len(h.runner.Inspect()) == 0 })
}

func TestAbortReportsRuntimeError(t *testing.T) {
	h := newHarness(t, testTunables())
	prog := h.srv.AddBlob(wasmtest.Abort)
	id := h.srv.AddTask("proj", prog, nil)

	h.start()
	res := h.waitResult(id)

	assert.Equal(t, model.OutcomeError, res.Outcome)
	require.NotNil(t, res.Error)
	assert.Equal(t, xerrors.KindRuntime, res.Error.Kind)
	assert.Equal(t, "Program abort(): bad input", res.Error.Message)
	assert.Empty(t, res.Data)
}

func TestDownloadRetriedUntilAvailable(t *testing.T) {
	h := newHarness(t, testTunables())
	prog := h.srv.AddBlob(wasmtest.Echo)
	in := h.srv.AddBlob([]byte("flaky"))
	h.srv.FailBlob(in.ID, 2)
	id := h.srv.AddTask("proj", prog, nil, in)

	h.start()
	res := h.waitResult(id)

	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Equal(t, [][]byte{[]byte("flaky")}, res.Data)
	assert.Equal(t, 3, h.srv.BlobHits(in.ID))
}

func TestSendBudgetSplitsBatches(t *testing.T) {
	tun := testTunables()
	tun.SendMaxBytes = 1
	h := newHarness(t, tun)
	// Hold sends until all three have finished.
	h.srv.FailSends(1 << 20)
	prog := h.srv.AddBlob(wasmtest.Echo)
	in := h.srv.AddBlob([]byte("payload"))
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.srv.AddTask("proj", prog, nil, in))
	}

	h.start()
	waitFor(t, "all finished", func() bool { return h.tasksIn(model.StatusFinished) == 3 })
	h.srv.FailSends(0)
	for _, id := range ids {
		h.waitResult(id)
	}

	assert.Equal(t, []int{1, 1, 1}, h.srv.Batches())
}

func TestStopRefusesBlockedTasks(t *testing.T) {
	h := newHarness(t, testTunables())
	prog := h.srv.AddBlob(wasmtest.Echo)
	h.srv.FailBlob(prog.ID, 1<<20)
	const n = 3
	for i := 0; i < n; i++ {
		h.srv.AddTask("proj", prog, nil)
	}

	h.start()
	waitFor(t, "blocked tasks", func() bool { return h.tasksIn(model.StatusBlocked) == n })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.runner.Stop(ctx))

	tasks := h.runner.Inspect()
	require.Len(t, tasks, n)
	for _, task := range tasks {
		assert.Equal(t, model.StatusFinished, task.Status, "task %s", task.ID)
		assert.Equal(t, model.OutcomeRefused, task.Outcome, "task %s", task.ID)
	}
	assert.Equal(t, StateStopped, h.runner.Status().State)
	assert.Empty(t, h.srv.Results(), "nothing is sent while stopping")
}

func TestCheckpointRestoresFinishedTasks(t *testing.T) {
	h := newHarness(t, testTunables())
	h.srv.FailSends(1 << 20)
	prog := h.srv.AddBlob(wasmtest.Echo)
	in := h.srv.AddBlob([]byte("kept across restart"))
	okID := h.srv.AddTask("proj", prog, []byte("c"), in)
	abortProg := h.srv.AddBlob(wasmtest.Abort)
	errID := h.srv.AddTask("proj", abortProg, nil)

	h.start()
	waitFor(t, "both finished", func() bool { return h.tasksIn(model.StatusFinished) == 2 })
	before := h.runner.Inspect()
	h.close()

	h.srv.FailSends(0)
	h.open(testTunables())
	h.start()

	okRes := h.waitResult(okID)
	errRes := h.waitResult(errID)
	assert.Equal(t, model.OutcomeOK, okRes.Outcome)
	assert.Equal(t, [][]byte{[]byte("kept across restart")}, okRes.Data)
	assert.Equal(t, model.OutcomeError, errRes.Outcome)
	require.NotNil(t, errRes.Error)
	assert.Equal(t, "Program abort(): bad input", errRes.Error.Message)

	for _, task := range before {
		if task.ID == okID {
			require.Len(t, task.Outputs, 1)
		}
	}
}

func TestCheckpointResumesPendingTasks(t *testing.T) {
	h := newHarness(t, testTunables())
	prog := h.srv.AddBlob(wasmtest.Echo)
	ids := []string{h.srv.AddTask("proj", prog, []byte("x"))}

	// Write a checkpoint holding one task that was running when the agent
	// went away.
	data, err := model.EncodeCheckpoint([]*model.Task{{
		ID:      "resumed",
		Project: "proj",
		Program: prog,
		Control: []byte("again"),
		Status:  model.StatusRunning,
	}})
	require.NoError(t, err)
	require.NoError(t, h.repo.WriteState(context.Background(), CheckpointName, data))

	h.start()
	ids = append(ids, "resumed")
	for _, id := range ids {
		res := h.waitResult(id)
		assert.Equal(t, model.OutcomeOK, res.Outcome, "task %s", id)
	}
}

func TestCorruptCheckpointIsQuarantined(t *testing.T) {
	h := newHarness(t, testTunables())
	garbage := []byte{0xff, 0x00, 0x13}
	require.NoError(t, h.repo.WriteState(context.Background(), CheckpointName, garbage))

	h.start()
	assert.Empty(t, h.runner.Inspect())

	got, err := h.repo.ReadState(context.Background(), CheckpointName+corruptSuffix)
	require.NoError(t, err)
	assert.Equal(t, garbage, got)
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, testTunables())
	h.start()
	err := h.runner.Start(context.Background())
	assert.Equal(t, xerrors.KindState, xerrors.KindOf(err))
}

func TestSetTunablesWakesFetch(t *testing.T) {
	tun := testTunables()
	tun.EmptyRetryDelay = time.Hour
	h := newHarness(t, tun)

	h.start()
	waitFor(t, "first fetch", func() bool { return h.srv.Fetches() >= 1 })
	waitFor(t, "empty wait", func() bool { return len(h.runner.Status().Blocked) > 0 })

	prog := h.srv.AddBlob(wasmtest.Echo)
	id := h.srv.AddTask("proj", prog, nil)
	fetches := h.srv.Fetches()
	h.runner.SetTunables(tun)

	res := h.waitResult(id)
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Greater(t, h.srv.Fetches(), fetches)
}

func TestFetchRespectsLowWaterMark(t *testing.T) {
	tun := testTunables()
	tun.TasksPendingMin = 1
	h := newHarness(t, tun)
	h.srv.SetBatchSize(1)
	prog := h.srv.AddBlob(wasmtest.Echo)
	h.srv.FailBlob(prog.ID, 1<<20)
	for i := 0; i < 3; i++ {
		h.srv.AddTask("proj", prog, nil)
	}

	h.start()
	waitFor(t, "one blocked task", func() bool { return h.tasksIn(model.StatusBlocked) == 1 })
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, h.runner.Inspect(), 1)
	assert.Equal(t, 2, h.srv.Pending())
}

func TestStatus(t *testing.T) {
	h := newHarness(t, testTunables())
	assert.Equal(t, StateIdle, h.runner.Status().State)

	h.start()
	s := h.runner.Status()
	assert.Equal(t, StateRunning, s.State)
	assert.Equal(t, testTunables(), s.Tunables)
}

package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/seantiz/anvil/internal/errors"
	"github.com/seantiz/anvil/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProvider(t *testing.T) (*Server, *HTTP) {
	t.Helper()
	srv := NewServer(testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	client := NewHTTP(ts.URL, WithLogger(testLogger()), WithRetry(3, time.Millisecond))
	return srv, client
}

func TestGetTasks(t *testing.T) {
	srv, client := newTestProvider(t)
	srv.SetBatchSize(2)
	prog := srv.AddBlob([]byte("program"))
	in := srv.AddBlob([]byte("input"))
	id1 := srv.AddTask("proj", prog, []byte("c1"), in)
	id2 := srv.AddTask("proj", prog, []byte("c2"))
	srv.AddTask("proj", prog, []byte("c3"))

	tasks, err := client.GetTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, id1, tasks[0].ID)
	assert.Equal(t, id2, tasks[1].ID)
	assert.Equal(t, model.StatusPending, tasks[0].Status)
	assert.Equal(t, prog, tasks[0].Program)
	assert.Equal(t, []model.BlobRef{in}, tasks[0].Inputs)
	assert.Equal(t, []byte("c1"), tasks[0].Control)
	assert.Equal(t, 1, srv.Pending())

	tasks, err = client.GetTasks(context.Background())
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	tasks, err = client.GetTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestGetBlob(t *testing.T) {
	srv, client := newTestProvider(t)
	ref := srv.AddBlob([]byte("payload"))

	data, err := client.GetBlob(context.Background(), ref.ID, ref.Size)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = client.GetBlob(context.Background(), "missing", 1)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindRuntime, xerrors.KindOf(err))
	assert.Contains(t, err.Error(), "blob not found")
}

func TestGetBlobUnavailableIsNetworkError(t *testing.T) {
	srv, client := newTestProvider(t)
	ref := srv.AddBlob([]byte("payload"))
	srv.FailBlob(ref.ID, 1)

	_, err := client.GetBlob(context.Background(), ref.ID, ref.Size)
	require.Error(t, err)
	assert.True(t, xerrors.IsRetryable(err), "error = %v, want network", err)
	assert.Equal(t, 1, srv.BlobHits(ref.ID), "GetBlob must not retry on its own")

	data, err := client.GetBlob(context.Background(), ref.ID, ref.Size)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestSendTasksRetriesNetworkErrors(t *testing.T) {
	srv, client := newTestProvider(t)
	srv.FailSends(2)

	results := []model.Result{
		{TaskID: "t1", Outcome: model.OutcomeOK, Data: [][]byte{[]byte("out")}},
		{TaskID: "t2", Outcome: model.OutcomeError, Error: &xerrors.Payload{Kind: xerrors.KindRuntime, Message: "Program abort()"}},
	}
	require.NoError(t, client.SendTasks(context.Background(), results))

	got := srv.Results()
	require.Len(t, got, 2)
	assert.Equal(t, [][]byte{[]byte("out")}, got["t1"].Data)
	assert.Equal(t, "Program abort()", got["t2"].Error.Message)
}

func TestSendTasksGivesUp(t *testing.T) {
	srv, client := newTestProvider(t)
	srv.FailSends(10)

	err := client.SendTasks(context.Background(), []model.Result{{TaskID: "t1", Outcome: model.OutcomeRefused}})
	require.Error(t, err)
	assert.True(t, xerrors.IsRetryable(err))
	assert.Empty(t, srv.Results())
}

func TestEnvelopeFailureIsRuntimeError(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Post(PathFetchTasks, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		body, _ := model.EncodeErrorResponse("project suspended")
		writeCBOR(w, http.StatusOK, body)
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	client := NewHTTP(ts.URL, WithLogger(testLogger()), WithRetry(3, time.Millisecond))
	_, err := client.GetTasks(context.Background())
	require.Error(t, err)
	assert.Equal(t, xerrors.KindRuntime, xerrors.KindOf(err))
	assert.Contains(t, err.Error(), "project suspended")
	assert.Equal(t, int32(1), calls.Load(), "runtime errors are not retried")
}

func TestRequestHeaders(t *testing.T) {
	var ids []string
	r := chi.NewRouter()
	r.Post(PathFetchTasks, func(w http.ResponseWriter, req *http.Request) {
		ids = append(ids, req.Header.Get("X-Request-Id"))
		assert.Equal(t, ContentType, req.Header.Get("Accept"))
		body, _ := model.EncodeTasksResponse(nil)
		writeCBOR(w, http.StatusOK, body)
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	client := NewHTTP(ts.URL, WithLogger(testLogger()))
	for i := 0; i < 2; i++ {
		_, err := client.GetTasks(context.Background())
		require.NoError(t, err)
	}
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.NotEqual(t, ids[0], ids[1])
}

func TestTransportFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client := NewHTTP(url, WithLogger(testLogger()), WithRetry(1, time.Millisecond))
	_, err := client.GetTasks(context.Background())
	require.Error(t, err)
	assert.True(t, xerrors.IsRetryable(err), "error = %v, want network", err)
}

func TestCancelledRequest(t *testing.T) {
	_, client := newTestProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.GetBlob(ctx, "any", 1)
	require.Error(t, err)
	assert.True(t, xerrors.IsCancelled(err) || errors.Is(err, context.Canceled), "error = %v", err)
}

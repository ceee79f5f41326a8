package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/seantiz/anvil/internal/blob"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/runner"
)

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t,
		WithPoolStats(func() pool.Stats { return pool.Stats{Active: 2, Limit: 3} }),
		WithBlobStats(func() blob.Stats { return blob.Stats{CacheUsed: 10, CacheMax: 100} }),
	)
	srv.agent.(*fakeAgent).status.Tasks[model.StatusRunning] = 2

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body statusResponse
	if code := getJSON(t, ts.URL+"/v1/status", &body); code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if body.Runner.State != runner.StateRunning {
		t.Errorf("runner.state = %q, want running", body.Runner.State)
	}
	if body.Runner.Tasks[model.StatusRunning] != 2 {
		t.Errorf("runner.tasks = %v", body.Runner.Tasks)
	}
	if body.Pool == nil || body.Pool.Active != 2 || body.Pool.Limit != 3 {
		t.Errorf("pool = %+v", body.Pool)
	}
	if body.Blobs == nil || body.Blobs.CacheUsed != 10 {
		t.Errorf("blobs = %+v", body.Blobs)
	}
}

func TestStatusWithoutStats(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body statusResponse
	getJSON(t, ts.URL+"/v1/status", &body)
	if body.Pool != nil || body.Blobs != nil {
		t.Errorf("status = %+v, want no pool or blob stats", body)
	}
}

func TestListTasks(t *testing.T) {
	srv := newTestServer(t)
	agent := srv.agent.(*fakeAgent)
	for i, status := range []string{model.StatusRunning, model.StatusFinished, model.StatusFinished, model.StatusBlocked} {
		agent.tasks = append(agent.tasks, model.Task{ID: string(rune('a' + i)), Status: status})
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		query   string
		wantIDs string
		total   int
	}{
		{"", "abcd", 4},
		{"?limit=2", "ab", 4},
		{"?limit=2&offset=3", "d", 4},
		{"?offset=10", "", 4},
		{"?status=finished", "bc", 2},
		{"?limit=-1", "abcd", 4},
	}
	for _, tt := range tests {
		var body listTasksResponse
		getJSON(t, ts.URL+"/v1/tasks"+tt.query, &body)

		var ids string
		for _, task := range body.Tasks {
			ids += task.ID
		}
		if ids != tt.wantIDs || body.Total != tt.total {
			t.Errorf("GET /v1/tasks%s = %q (total %d), want %q (total %d)", tt.query, ids, body.Total, tt.wantIDs, tt.total)
		}
		if body.Tasks == nil {
			t.Errorf("GET /v1/tasks%s: tasks is null, want []", tt.query)
		}
	}
}

func TestSetTunables(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/runner/tunables", strings.NewReader(`{"tasks_pending_min": 12}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	got := srv.agent.Tunables()
	want := runner.DefaultTunables()
	want.TasksPendingMin = 12
	if got != want {
		t.Errorf("tunables = %+v, want %+v", got, want)
	}

	var read runner.Tunables
	getJSON(t, ts.URL+"/v1/runner/tunables", &read)
	if read != want {
		t.Errorf("GET tunables = %+v, want %+v", read, want)
	}
}

func TestSetTunablesRejectsInvalid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, body := range []string{`not json`, `{"tasks_pending_min": 0}`, `{"send_max_bytes": -1}`} {
		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/runner/tunables", strings.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("PUT %s: status = %d, want 400", body, resp.StatusCode)
		}
	}
	if got := srv.agent.Tunables(); got != runner.DefaultTunables() {
		t.Errorf("tunables changed to %+v", got)
	}
}

func TestStop(t *testing.T) {
	stopped := make(chan struct{}, 1)
	srv := newTestServer(t, WithStop(func() { stopped <- struct{}{} }))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/runner/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	select {
	case <-stopped:
	default:
		t.Error("stop function not called")
	}
}

func TestStopUnavailable(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/runner/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}

func TestStatusStream(t *testing.T) {
	srv := newTestServer(t)
	feed := srv.agent.Feed()
	feed.Publish("runner started with 0 tasks")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/status/stream", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if got := gaugeValue(t, streamSubscribers); got != 1 {
		t.Errorf("stream subscribers = %v, want 1", got)
	}

	feed.Publish("task t1 running\nsecond line")
	feed.Close()

	scanner := bufio.NewScanner(resp.Body)
	var (
		events  []string
		current []string
		done    bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "event: done":
			done = true
		case strings.HasPrefix(line, "data: ") && !done:
			current = append(current, strings.TrimPrefix(line, "data: "))
		case line == "" && len(current) > 0:
			events = append(events, strings.Join(current, "\n"))
			current = nil
		}
	}

	want := []string{"runner started with 0 tasks", "task t1 running\nsecond line"}
	if len(events) != len(want) {
		t.Fatalf("events = %q, want %q", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, events[i], want[i])
		}
	}
	if !done {
		t.Error("missing done event")
	}
	waitGauge(t, streamSubscribers, 0)
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func waitGauge(t *testing.T, g prometheus.Gauge, want float64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for gaugeValue(t, g) != want {
		if time.Now().After(deadline) {
			t.Fatalf("gauge = %v, want %v", gaugeValue(t, g), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

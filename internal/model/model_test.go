package model

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/seantiz/anvil/internal/cbor"
	xerrors "github.com/seantiz/anvil/internal/errors"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewLocalBlobID(t *testing.T) {
	id := NewLocalBlobID()
	if !strings.HasPrefix(id, LocalPrefix) {
		t.Fatalf("NewLocalBlobID() = %q, want prefix %q", id, LocalPrefix)
	}
	if !crockfordBase32.MatchString(strings.TrimPrefix(id, LocalPrefix)) {
		t.Errorf("NewLocalBlobID() = %q, suffix is not a ULID", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusBlocked, true},
		{StatusPending, StatusFinished, true},
		{StatusBlocked, StatusRunning, true},
		{StatusBlocked, StatusFinished, true},
		{StatusRunning, StatusFinished, true},
		{StatusFinished, StatusSending, true},
		{StatusSending, StatusFinished, true},
		{StatusPending, StatusRunning, false},
		{StatusRunning, StatusBlocked, false},
		{StatusFinished, StatusRunning, false},
		{StatusSending, StatusPending, false},
		{"bogus", StatusPending, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func sampleTasks() []*Task {
	return []*Task{
		{
			ID: "t1", Project: "p", Program: BlobRef{ID: "prog", Size: 10},
			Control: []byte("ctl"), Inputs: []BlobRef{{ID: "a", Size: 3}},
			Status: StatusPending,
		},
		{
			ID: "t2", Project: "p", Program: BlobRef{ID: "prog", Size: 10},
			Control: []byte{}, Inputs: []BlobRef{},
			Status: StatusFinished, Outcome: OutcomeOK,
			Outputs: []BlobRef{{ID: "local:x", Size: 4}},
		},
		{
			ID: "t3", Project: "q", Program: BlobRef{ID: "prog2", Size: 1},
			Control: []byte{1}, Inputs: []BlobRef{},
			Status: StatusSending, Outcome: OutcomeError,
			Error: &xerrors.Payload{Kind: xerrors.KindRuntime, Message: "Program abort()"},
		},
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	in := sampleTasks()
	data, err := EncodeCheckpoint(in)
	if err != nil {
		t.Fatalf("EncodeCheckpoint: %v", err)
	}
	out, err := DecodeCheckpoint(data)
	if err != nil {
		t.Fatalf("DecodeCheckpoint: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}

	if out[0].Status != StatusPending || out[0].Outcome != "" {
		t.Errorf("t1 = %s/%s, want pending", out[0].Status, out[0].Outcome)
	}
	if !bytes.Equal(out[0].Control, []byte("ctl")) || out[0].Inputs[0] != (BlobRef{ID: "a", Size: 3}) {
		t.Errorf("t1 = %+v", out[0])
	}
	if out[1].Status != StatusFinished || out[1].Outcome != OutcomeOK || len(out[1].Outputs) != 1 {
		t.Errorf("t2 = %+v", out[1])
	}
	// sending is not durable; it reloads as finished.
	if out[2].Status != StatusFinished || out[2].Error == nil || out[2].Error.Message != "Program abort()" {
		t.Errorf("t3 = %+v", out[2])
	}
}

func TestDecodeTaskSkipsUnknownKeys(t *testing.T) {
	data, err := cbor.Marshal(map[string]any{
		"id":         "t9",
		"project":    "p",
		"program":    map[string]any{"id": "prog", "size": int64(5), "hash": "abc"},
		"in_control": []byte("x"),
		"in_blobs":   []any{},
		"priority":   int64(3),
		"labels":     map[string]any{"a": []any{true, nil}},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	r := cbor.NewReader(data)
	task, err := DecodeTask(r)
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	if err := r.Done(); err != nil {
		t.Fatalf("Done: %v", err)
	}
	if task.ID != "t9" || task.Program != (BlobRef{ID: "prog", Size: 5}) || task.Status != StatusPending {
		t.Errorf("task = %+v", task)
	}
}

func TestDecodeTaskValidation(t *testing.T) {
	tests := []struct {
		name string
		rec  map[string]any
	}{
		{"no id", map[string]any{"program": map[string]any{"id": "p", "size": int64(1)}}},
		{"no program", map[string]any{"id": "t"}},
		{"negative size", map[string]any{"id": "t", "program": map[string]any{"id": "p", "size": int64(-1)}}},
		{"bad outcome", map[string]any{"id": "t", "program": map[string]any{"id": "p", "size": int64(1)}, "out_status": "maybe"}},
		{"wrong type", map[string]any{"id": int64(4)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := cbor.Marshal(tt.rec)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			_, err = DecodeTask(cbor.NewReader(data))
			if !errors.Is(err, xerrors.ErrValidation) {
				t.Errorf("DecodeTask error = %v, want validation", err)
			}
		})
	}
}

func TestEnvelope(t *testing.T) {
	data, err := EncodeTasksResponse(sampleTasks()[:1])
	if err != nil {
		t.Fatalf("EncodeTasksResponse: %v", err)
	}
	tasks, err := DecodeTasksResponse(data)
	if err != nil {
		t.Fatalf("DecodeTasksResponse: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Errorf("tasks = %+v", tasks)
	}

	data, err = EncodeErrorResponse("quota exceeded")
	if err != nil {
		t.Fatalf("EncodeErrorResponse: %v", err)
	}
	_, err = DecodeTasksResponse(data)
	if !errors.Is(err, xerrors.ErrRuntime) {
		t.Fatalf("error = %v, want runtime", err)
	}
	if e, _ := xerrors.From(err); e.Message() != "quota exceeded" {
		t.Errorf("message = %q, want %q", e.Message(), "quota exceeded")
	}

	// Empty success without tasks is an empty batch; extra keys are ignored.
	data, err = cbor.Marshal(map[string]any{"success": true, "retry_after": int64(5)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	tasks, err = DecodeTasksResponse(data)
	if err != nil || len(tasks) != 0 {
		t.Errorf("DecodeTasksResponse = %v, %v; want empty", tasks, err)
	}
}

func TestBlobResponse(t *testing.T) {
	data, err := EncodeBlobResponse([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("EncodeBlobResponse: %v", err)
	}
	got, err := DecodeBlobResponse(data)
	if err != nil || !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("DecodeBlobResponse = %v, %v", got, err)
	}

	data, _ = cbor.Marshal(map[string]any{"success": true})
	if _, err := DecodeBlobResponse(data); !errors.Is(err, xerrors.ErrValidation) {
		t.Errorf("missing data error = %v, want validation", err)
	}
}

func TestResultsRoundTrip(t *testing.T) {
	in := []Result{
		{TaskID: "a", Outcome: OutcomeOK, Data: [][]byte{[]byte("one"), {}}},
		{TaskID: "b", Outcome: OutcomeError, Error: &xerrors.Payload{Kind: xerrors.KindRuntime, Message: "trap"}},
		{TaskID: "c", Outcome: OutcomeRefused},
	}
	data, err := EncodeResults(in)
	if err != nil {
		t.Fatalf("EncodeResults: %v", err)
	}
	out, err := DecodeResults(data)
	if err != nil {
		t.Fatalf("DecodeResults: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	if len(out[0].Data) != 2 || string(out[0].Data[0]) != "one" {
		t.Errorf("a = %+v", out[0])
	}
	if out[1].Error == nil || out[1].Error.Message != "trap" {
		t.Errorf("b = %+v", out[1])
	}
	if out[2].Outcome != OutcomeRefused || out[2].Data != nil {
		t.Errorf("c = %+v", out[2])
	}
}

func TestResultSize(t *testing.T) {
	r := Result{TaskID: "abc", Data: [][]byte{make([]byte, 10), make([]byte, 5)}}
	if got := r.Size(); got != 18 {
		t.Errorf("Size() = %d, want 18", got)
	}
}

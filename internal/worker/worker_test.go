package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/cbor"
	xerrors "github.com/seantiz/anvil/internal/errors"
	"github.com/seantiz/anvil/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoBackend prints a line, then returns control and fetched inputs.
type echoBackend struct {
	fail error
}

func (e *echoBackend) Execute(ctx context.Context, spec backend.Spec) (backend.Result, error) {
	if e.fail != nil {
		return backend.Result{}, e.fail
	}
	if spec.Print != nil {
		spec.Print("running " + spec.JobID)
	}
	res := backend.Result{Control: spec.Control}
	for _, ref := range spec.Inputs {
		data, err := spec.Fetch(ctx, ref)
		if err != nil {
			return backend.Result{}, err
		}
		res.Outputs = append(res.Outputs, data)
	}
	return res, nil
}

func (e *echoBackend) Capabilities() backend.Capabilities { return backend.Capabilities{Name: "echo"} }
func (e *echoBackend) Close(context.Context) error        { return nil }

func TestMessageRoundTrip(t *testing.T) {
	msgs := []Message{
		{Type: TypeStarted},
		{Type: TypeJob, Job: &Job{
			ID:      "t1",
			Program: model.BlobRef{ID: "prog", Size: 10},
			Control: []byte("ctl"),
			Inputs:  []model.BlobRef{{ID: "a", Size: 1}, {ID: "b", Size: 2}},
		}},
		{Type: TypeControl, Control: &Control{Op: OpPrint, Line: "hi"}},
		{Type: TypeControl, Control: &Control{Op: OpBlobRequest, Blob: model.BlobRef{ID: "a", Size: 1}}},
		{Type: TypeBlob, Blob: &BlobReply{ID: "a", Data: []byte{1}}},
		{Type: TypeBlob, Blob: &BlobReply{ID: "a", Error: &xerrors.Payload{Kind: xerrors.KindNetwork, Message: "offline"}}},
		{Type: TypeResult, Result: &Result{Control: []byte("c"), Outputs: [][]byte{{1, 2}, {}}, DurationMS: 7}},
		{Type: TypeError, Error: &xerrors.Payload{Kind: xerrors.KindRuntime, Message: "Program abort()"}},
	}
	for _, m := range msgs {
		t.Run(m.Type, func(t *testing.T) {
			data, err := EncodeMessage(m)
			if err != nil {
				t.Fatalf("EncodeMessage: %v", err)
			}
			got, err := DecodeMessage(data)
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			again, err := EncodeMessage(got)
			if err != nil {
				t.Fatalf("re-encode: %v", err)
			}
			if !bytes.Equal(data, again) {
				t.Errorf("re-encoded message differs:\n got %x\nwant %x", again, data)
			}
		})
	}
}

func TestDecodeMessageSkipsUnknownKeys(t *testing.T) {
	w := cbor.NewWriter()
	w.BeginMap(-1)
	w.WriteText("version")
	w.BeginArray(2)
	w.WriteUint(1)
	w.WriteText("x")
	w.End()
	w.WriteText("type")
	w.WriteText(TypeControl)
	w.WriteText("control")
	w.BeginMap(2)
	w.WriteText("op")
	w.WriteText(OpPrint)
	w.WriteText("color")
	w.WriteText("red")
	w.End()
	w.End()
	data, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	m, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if m.Type != TypeControl || m.Control.Op != OpPrint {
		t.Errorf("message = %+v", m)
	}
}

func TestDecodeMessageInvalid(t *testing.T) {
	tests := []struct {
		name string
		msg  map[string]any
	}{
		{"unknown type", map[string]any{"type": "gossip"}},
		{"missing payload", map[string]any{"type": TypeJob}},
		{"no type", map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := cbor.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if _, err := DecodeMessage(data); !errors.Is(err, xerrors.ErrValidation) {
				t.Errorf("DecodeMessage error = %v, want validation", err)
			}
		})
	}
}

// serveTest starts an agent on one end of a pipe and returns the other end.
func serveTest(t *testing.T, b backend.Backend) (Transport, <-chan error) {
	t.Helper()
	pool, side := Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- NewAgent(side, b, testLogger()).Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		pool.Close()
	})
	return pool, errc
}

func recv(t *testing.T, tr Transport) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := tr.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return m
}

func send(t *testing.T, tr Transport, m Message) {
	t.Helper()
	if err := tr.Send(context.Background(), m); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestServeJob(t *testing.T) {
	tr, _ := serveTest(t, &echoBackend{})

	if m := recv(t, tr); m.Type != TypeStarted {
		t.Fatalf("first message = %s, want started", m.Type)
	}
	send(t, tr, Message{Type: TypeJob, Job: &Job{
		ID:      "t1",
		Program: model.BlobRef{ID: "prog", Size: 1},
		Control: []byte("ctl"),
		Inputs:  []model.BlobRef{{ID: "in", Size: 3}},
	}})

	m := recv(t, tr)
	if m.Type != TypeControl || m.Control.Op != OpPrint || m.Control.Line != "running t1" {
		t.Fatalf("message = %+v, want print control", m)
	}
	m = recv(t, tr)
	if m.Type != TypeControl || m.Control.Op != OpBlobRequest || m.Control.Blob.ID != "in" {
		t.Fatalf("message = %+v, want blob_request for in", m)
	}
	send(t, tr, Message{Type: TypeBlob, Blob: &BlobReply{ID: "in", Data: []byte("abc")}})

	m = recv(t, tr)
	if m.Type != TypeResult {
		t.Fatalf("message type = %s, want result", m.Type)
	}
	if string(m.Result.Control) != "ctl" || len(m.Result.Outputs) != 1 || string(m.Result.Outputs[0]) != "abc" {
		t.Errorf("result = %+v", m.Result)
	}
}

func TestServeJobErrors(t *testing.T) {
	t.Run("backend", func(t *testing.T) {
		tr, _ := serveTest(t, &echoBackend{fail: xerrors.New(xerrors.KindRuntime, "Program abort()")})
		recv(t, tr)
		send(t, tr, Message{Type: TypeJob, Job: &Job{ID: "t1", Program: model.BlobRef{ID: "p", Size: 1}}})
		m := recv(t, tr)
		if m.Type != TypeError || m.Error.Kind != xerrors.KindRuntime || m.Error.Message != "Program abort()" {
			t.Errorf("message = %+v, want runtime error", m)
		}
	})

	t.Run("blob reply error", func(t *testing.T) {
		tr, _ := serveTest(t, &echoBackend{})
		recv(t, tr)
		send(t, tr, Message{Type: TypeJob, Job: &Job{
			ID:      "t1",
			Program: model.BlobRef{ID: "p", Size: 1},
			Inputs:  []model.BlobRef{{ID: "in", Size: 1}},
		}})
		recv(t, tr) // print
		recv(t, tr) // blob_request
		send(t, tr, Message{Type: TypeBlob, Blob: &BlobReply{
			ID:    "in",
			Error: &xerrors.Payload{Kind: xerrors.KindNetwork, Message: "offline"},
		}})
		m := recv(t, tr)
		if m.Type != TypeError || m.Error.Kind != xerrors.KindNetwork {
			t.Errorf("message = %+v, want network error", m)
		}
	})
}

func TestServeProtocolViolation(t *testing.T) {
	tr, errc := serveTest(t, &echoBackend{})
	recv(t, tr)
	send(t, tr, Message{Type: TypeStarted})

	select {
	case err := <-errc:
		if !errors.Is(err, xerrors.ErrValidation) {
			t.Errorf("Serve error = %v, want validation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServePeerClose(t *testing.T) {
	tr, errc := serveTest(t, &echoBackend{})
	recv(t, tr)
	tr.Close()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestStreamTransport(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf, &buf, nil)
	ctx := context.Background()

	want := Message{Type: TypeControl, Control: &Control{Op: OpPrint, Line: "hello"}}
	if err := s.Send(ctx, want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := s.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Type != want.Type || got.Control.Line != "hello" {
		t.Errorf("Recv = %+v, want %+v", got, want)
	}
	if _, err := s.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Recv on drained stream = %v, want EOF", err)
	}
}

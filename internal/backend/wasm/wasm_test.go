package wasm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/backend/wasm/wasmtest"
	xerrors "github.com/seantiz/anvil/internal/errors"
	"github.com/seantiz/anvil/internal/model"
)

func newTestBackend(t *testing.T, opts ...Option) *Backend {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	b, err := New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close(context.Background()) })
	return b
}

type blobs map[string][]byte

func (bs blobs) ref(id string) model.BlobRef {
	return model.BlobRef{ID: id, Size: int64(len(bs[id]))}
}

func (bs blobs) spec(program string, control []byte, inputs ...string) (backend.Spec, *int) {
	fetches := new(int)
	spec := backend.Spec{
		JobID:   "job",
		Program: bs.ref(program),
		Control: control,
		Fetch: func(_ context.Context, ref model.BlobRef) ([]byte, error) {
			*fetches++
			data, ok := bs[ref.ID]
			if !ok {
				return nil, errors.New("no such blob")
			}
			return data, nil
		},
	}
	for _, id := range inputs {
		spec.Inputs = append(spec.Inputs, bs.ref(id))
	}
	return spec, fetches
}

func TestExecuteEcho(t *testing.T) {
	b := newTestBackend(t)
	bs := blobs{"echo": wasmtest.Echo, "a": []byte("alpha"), "b": []byte("bravo!")}
	spec, _ := bs.spec("echo", []byte("ctl"), "a", "b")

	res, err := b.Execute(context.Background(), spec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Control) != "ctl" {
		t.Errorf("Control = %q, want %q", res.Control, "ctl")
	}
	if len(res.Outputs) != 2 || !bytes.Equal(res.Outputs[0], bs["a"]) || !bytes.Equal(res.Outputs[1], bs["b"]) {
		t.Errorf("Outputs = %q, want [alpha bravo!]", res.Outputs)
	}
}

func TestExecuteEmptyBuffers(t *testing.T) {
	b := newTestBackend(t)
	bs := blobs{"echo": wasmtest.Echo, "empty": {}}
	spec, _ := bs.spec("echo", nil, "empty")

	res, err := b.Execute(context.Background(), spec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Control) != 0 || len(res.Outputs) != 1 || len(res.Outputs[0]) != 0 {
		t.Errorf("result = %+v, want empty control and one empty output", res)
	}
}

func TestExecutePrint(t *testing.T) {
	b := newTestBackend(t)
	bs := blobs{"p": wasmtest.Print}
	spec, _ := bs.spec("p", nil)
	var lines []string
	spec.Print = func(s string) { lines = append(lines, s) }

	if _, err := b.Execute(context.Background(), spec); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(lines) != 1 || lines[0] != "hello" {
		t.Errorf("printed = %q, want [hello]", lines)
	}
}

func TestExecuteAbort(t *testing.T) {
	tests := []struct {
		name    string
		program []byte
		want    string
	}{
		{"message", wasmtest.Abort, "Program abort(): bad input"},
		{"null", wasmtest.AbortNull, "Program abort()"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBackend(t)
			bs := blobs{"p": tt.program}
			spec, _ := bs.spec("p", nil)

			_, err := b.Execute(context.Background(), spec)
			e, ok := xerrors.From(err)
			if !ok {
				t.Fatalf("Execute error = %v, want *Error", err)
			}
			if e.Kind() != xerrors.KindRuntime {
				t.Errorf("Kind = %q, want runtime", e.Kind())
			}
			if e.Message() != tt.want {
				t.Errorf("Message = %q, want %q", e.Message(), tt.want)
			}
		})
	}
}

func TestExecuteTrapAndBadDescriptor(t *testing.T) {
	for name, program := range map[string][]byte{"trap": wasmtest.Trap, "descriptor": wasmtest.BadDescriptor} {
		t.Run(name, func(t *testing.T) {
			b := newTestBackend(t)
			bs := blobs{"p": program}
			spec, _ := bs.spec("p", nil)
			_, err := b.Execute(context.Background(), spec)
			if xerrors.KindOf(err) != xerrors.KindRuntime {
				t.Errorf("Execute error = %v, want runtime", err)
			}
		})
	}
}

func TestExecuteInvalidProgram(t *testing.T) {
	b := newTestBackend(t)
	bs := blobs{"p": []byte("not wasm")}
	spec, _ := bs.spec("p", nil)
	if _, err := b.Execute(context.Background(), spec); !errors.Is(err, xerrors.ErrValidation) {
		t.Errorf("Execute error = %v, want validation", err)
	}
}

func TestExecuteCancel(t *testing.T) {
	b := newTestBackend(t)
	bs := blobs{"spin": wasmtest.Spin}
	spec, _ := bs.spec("spin", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Execute(ctx, spec)
	if !xerrors.IsCancelled(err) {
		t.Errorf("Execute error = %v, want cancelled", err)
	}
}

func TestCompiledProgramCache(t *testing.T) {
	b := newTestBackend(t, WithCacheSize(2))
	bs := blobs{"e1": wasmtest.Echo, "e2": wasmtest.Print, "e3": wasmtest.Trap}

	run := func(id string) int {
		spec, fetches := bs.spec(id, nil)
		b.Execute(context.Background(), spec)
		return *fetches
	}

	if n := run("e1"); n != 1 {
		t.Errorf("first run fetched %d, want 1", n)
	}
	if n := run("e1"); n != 0 {
		t.Errorf("cached run fetched %d, want 0", n)
	}
	run("e2")
	run("e3") // evicts e1
	if n := run("e1"); n != 1 {
		t.Errorf("run after eviction fetched %d, want 1", n)
	}
	if got := b.cache.Len(); got != 2 {
		t.Errorf("cache Len = %d, want 2", got)
	}
}

func TestInstancesAreNotReused(t *testing.T) {
	b := newTestBackend(t)
	bs := blobs{"echo": wasmtest.Echo, "a": []byte(strings.Repeat("x", 100))}
	for i := 0; i < 3; i++ {
		spec, _ := bs.spec("echo", []byte{byte(i)}, "a")
		res, err := b.Execute(context.Background(), spec)
		if err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		if len(res.Control) != 1 || res.Control[0] != byte(i) {
			t.Errorf("run %d control = %v", i, res.Control)
		}
	}
}

func TestCapabilities(t *testing.T) {
	b := newTestBackend(t, WithMemoryLimitPages(16))
	caps := b.Capabilities()
	if caps.Name != "wasm" || caps.MaxMemoryPages != 16 || caps.CacheSize != DefaultCacheSize {
		t.Errorf("Capabilities = %+v", caps)
	}
}

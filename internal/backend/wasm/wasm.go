// Package wasm runs programs compiled to WebAssembly on the wazero runtime.
//
// ABI: the host module "env" provides print(ptr, len) and abort(ptr). A
// program exports its linear memory as "memory", an allocator
// "alloc(len) -> ptr" and an entry point "run(desc) -> desc". A descriptor is
// a run of little-endian u32 words: control pointer, control length, buffer
// count, then a pointer/length pair per buffer. The host allocates the input
// descriptor and its buffers through alloc; run returns an output descriptor
// of the same shape, which is copied out before the instance is closed.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/seantiz/anvil/internal/backend"
	xerrors "github.com/seantiz/anvil/internal/errors"
)

// Defaults.
const (
	DefaultMemoryLimitPages = 4096 // 256 MiB
	DefaultCacheSize        = 3
)

const (
	hostModule    = "env"
	exportMemory  = "memory"
	exportAlloc   = "alloc"
	exportRun     = "run"
	maxBuffers    = 1 << 16
	maxAbortBytes = 4096
	wordSize      = 4
)

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

type jobKey struct{}

// job carries per-invocation state into host functions.
type job struct {
	print func(string)
	abort error
}

func jobFrom(ctx context.Context) *job {
	j, _ := ctx.Value(jobKey{}).(*job)
	return j
}

// Backend executes one job at a time in a fresh module instance.
type Backend struct {
	mu        sync.Mutex
	runtime   wazero.Runtime
	cache     *lru.Cache[string, wazero.CompiledModule]
	memPages  uint32
	cacheSize int
	logger    *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithMemoryLimitPages caps each instance's linear memory in 64 KiB pages.
func WithMemoryLimitPages(n uint32) Option {
	return func(b *Backend) {
		if n > 0 {
			b.memPages = n
		}
	}
}

// WithCacheSize sets how many compiled programs are kept.
func WithCacheSize(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.cacheSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates a wazero runtime with the host module instantiated.
func New(ctx context.Context, opts ...Option) (*Backend, error) {
	b := &Backend{
		memPages:  DefaultMemoryLimitPages,
		cacheSize: DefaultCacheSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "wasm")

	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(b.memPages).
		WithCloseOnContextDone(true)
	b.runtime = wazero.NewRuntimeWithConfig(ctx, cfg)

	_, err := b.runtime.NewHostModuleBuilder(hostModule).
		NewFunctionBuilder().WithFunc(hostPrint).Export("print").
		NewFunctionBuilder().WithFunc(hostAbort).Export("abort").
		Instantiate(ctx)
	if err != nil {
		b.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	b.cache, err = lru.NewWithEvict(b.cacheSize, func(id string, m wazero.CompiledModule) {
		if err := m.Close(context.Background()); err != nil {
			b.logger.Warn("close compiled program", "program", id, "error", err)
		}
	})
	if err != nil {
		b.runtime.Close(ctx)
		return nil, fmt.Errorf("create program cache: %w", err)
	}
	return b, nil
}

func hostPrint(ctx context.Context, m api.Module, ptr, length uint32) {
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		panic(xerrors.New(xerrors.KindRuntime, "print out of bounds"))
	}
	if j := jobFrom(ctx); j != nil && j.print != nil {
		j.print(string(data))
	}
}

func hostAbort(ctx context.Context, m api.Module, ptr uint32) {
	msg := "Program abort()"
	if ptr != 0 {
		if s := readCString(m.Memory(), ptr); s != "" {
			msg += ": " + s
		}
	}
	err := xerrors.New(xerrors.KindRuntime, msg)
	if j := jobFrom(ctx); j != nil {
		j.abort = err
	}
	panic(err)
}

func readCString(mem api.Memory, ptr uint32) string {
	var buf []byte
	for i := uint32(0); i < maxAbortBytes; i++ {
		c, ok := mem.ReadByte(ptr + i)
		if !ok || c == 0 {
			break
		}
		buf = append(buf, c)
	}
	return string(buf)
}

// Capabilities reports the ABI and limits.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           "wasm",
		Imports:        []string{hostModule + ".print", hostModule + ".abort"},
		Exports:        []string{exportMemory, exportAlloc, exportRun},
		MaxMemoryPages: b.memPages,
		CacheSize:      b.cacheSize,
	}
}

// Close drops compiled programs and closes the runtime.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache.Purge()
	return b.runtime.Close(ctx)
}

// Execute runs spec in a fresh instance. Calls are serialized.
func (b *Backend) Execute(ctx context.Context, spec backend.Spec) (backend.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	compiled, err := b.compile(ctx, spec)
	if err != nil {
		return backend.Result{}, err
	}

	inputs := make([][]byte, len(spec.Inputs))
	for i, ref := range spec.Inputs {
		data, err := spec.Fetch(ctx, ref)
		if err != nil {
			return backend.Result{}, fmt.Errorf("fetch input %s: %w", ref.ID, err)
		}
		if int64(len(data)) != ref.Size {
			return backend.Result{}, xerrors.New(xerrors.KindValidation, "input size mismatch",
				xerrors.WithField("blob", ref.ID))
		}
		inputs[i] = data
	}

	j := &job{print: spec.Print}
	callCtx := context.WithValue(ctx, jobKey{}, j)

	mod, err := b.runtime.InstantiateModule(callCtx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return backend.Result{}, b.classify(ctx, j, err, "instantiate program")
	}
	defer mod.Close(context.Background())

	inst := &instance{mod: mod, mem: mod.Memory()}
	inst.alloc = mod.ExportedFunction(exportAlloc)
	run := mod.ExportedFunction(exportRun)
	if inst.mem == nil || inst.alloc == nil || run == nil {
		return backend.Result{}, xerrors.New(xerrors.KindRuntime, "program does not export memory, alloc and run")
	}

	in, err := inst.writeDescriptor(callCtx, spec.Control, inputs)
	if err != nil {
		return backend.Result{}, b.classify(ctx, j, err, "write input descriptor")
	}
	ret, err := run.Call(callCtx, uint64(in))
	if err != nil {
		return backend.Result{}, b.classify(ctx, j, err, "run program")
	}
	if len(ret) != 1 {
		return backend.Result{}, xerrors.New(xerrors.KindRuntime, "run returned no descriptor")
	}
	control, outputs, err := inst.readDescriptor(uint32(ret[0]))
	if err != nil {
		return backend.Result{}, err
	}
	return backend.Result{
		Control:    control,
		Outputs:    outputs,
		DurationMS: int(time.Since(start).Milliseconds()),
	}, nil
}

// compile returns the cached module for the program, compiling on a miss.
func (b *Backend) compile(ctx context.Context, spec backend.Spec) (wazero.CompiledModule, error) {
	if m, ok := b.cache.Get(spec.Program.ID); ok {
		return m, nil
	}
	code, err := spec.Fetch(ctx, spec.Program)
	if err != nil {
		return nil, fmt.Errorf("fetch program %s: %w", spec.Program.ID, err)
	}
	m, err := b.runtime.CompileModule(ctx, code)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.KindCancelled, ctx.Err(), "compile program")
		}
		return nil, xerrors.Wrap(xerrors.KindValidation, err, "compile program",
			xerrors.WithField("program", spec.Program.ID))
	}
	b.cache.Add(spec.Program.ID, m)
	b.logger.Debug("program compiled", "program", spec.Program.ID, "size", len(code))
	return m, nil
}

// classify maps a wazero failure to an error kind. An abort recorded by the
// host function wins over the wrapped panic.
func (b *Backend) classify(ctx context.Context, j *job, err error, op string) error {
	if j.abort != nil {
		return j.abort
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			return xerrors.Wrap(xerrors.KindCancelled, ctx.Err(), op)
		}
	}
	if ctx.Err() != nil {
		return xerrors.Wrap(xerrors.KindCancelled, ctx.Err(), op)
	}
	if e, ok := xerrors.From(err); ok {
		return e
	}
	return xerrors.Wrap(xerrors.KindRuntime, err, op)
}

type instance struct {
	mod   api.Module
	mem   api.Memory
	alloc api.Function
}

func (in *instance) allocate(ctx context.Context, n uint32) (uint32, error) {
	ret, err := in.alloc.Call(ctx, uint64(n))
	if err != nil {
		return 0, err
	}
	if len(ret) != 1 {
		return 0, xerrors.New(xerrors.KindRuntime, "alloc returned no pointer")
	}
	return uint32(ret[0]), nil
}

func (in *instance) put(ctx context.Context, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	ptr, err := in.allocate(ctx, uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if !in.mem.Write(ptr, data) {
		return 0, xerrors.New(xerrors.KindRuntime, "alloc returned out-of-bounds pointer")
	}
	return ptr, nil
}

func (in *instance) writeDescriptor(ctx context.Context, control []byte, bufs [][]byte) (uint32, error) {
	words := make([]uint32, 0, 3+2*len(bufs))
	ctlPtr, err := in.put(ctx, control)
	if err != nil {
		return 0, err
	}
	words = append(words, ctlPtr, uint32(len(control)), uint32(len(bufs)))
	for _, buf := range bufs {
		ptr, err := in.put(ctx, buf)
		if err != nil {
			return 0, err
		}
		words = append(words, ptr, uint32(len(buf)))
	}
	desc, err := in.allocate(ctx, uint32(len(words)*wordSize))
	if err != nil {
		return 0, err
	}
	for i, w := range words {
		if !in.mem.WriteUint32Le(desc+uint32(i*wordSize), w) {
			return 0, xerrors.New(xerrors.KindRuntime, "alloc returned out-of-bounds pointer")
		}
	}
	return desc, nil
}

func (in *instance) word(addr uint32) (uint32, error) {
	v, ok := in.mem.ReadUint32Le(addr)
	if !ok {
		return 0, xerrors.New(xerrors.KindRuntime, "malformed output descriptor",
			xerrors.WithField("address", int64(addr)))
	}
	return v, nil
}

// copyOut reads a buffer into host memory.
func (in *instance) copyOut(ptr, n uint32) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	view, ok := in.mem.Read(ptr, n)
	if !ok {
		return nil, xerrors.New(xerrors.KindRuntime, "output buffer out of bounds",
			xerrors.WithField("ptr", int64(ptr)),
			xerrors.WithField("len", int64(n)))
	}
	return append([]byte(nil), view...), nil
}

func (in *instance) readDescriptor(desc uint32) ([]byte, [][]byte, error) {
	var head [3]uint32
	for i := range head {
		w, err := in.word(desc + uint32(i*wordSize))
		if err != nil {
			return nil, nil, err
		}
		head[i] = w
	}
	control, err := in.copyOut(head[0], head[1])
	if err != nil {
		return nil, nil, err
	}
	count := head[2]
	if count > maxBuffers {
		return nil, nil, xerrors.New(xerrors.KindRuntime, "malformed output descriptor",
			xerrors.WithField("count", int64(count)))
	}
	outputs := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		base := desc + 3*wordSize + i*2*wordSize
		ptr, err := in.word(base)
		if err != nil {
			return nil, nil, err
		}
		n, err := in.word(base + wordSize)
		if err != nil {
			return nil, nil, err
		}
		buf, err := in.copyOut(ptr, n)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, buf)
	}
	return control, outputs, nil
}

package backend

import (
	"context"

	"github.com/seantiz/anvil/internal/model"
)

// Backend is the interface that all executors must implement.
type Backend interface {
	// Execute runs one program invocation in a fresh sandbox instance. The
	// context carries cancellation; a cancelled context tears the instance
	// down immediately.
	Execute(ctx context.Context, spec Spec) (Result, error)

	// Capabilities reports the executor's ABI and limits.
	Capabilities() Capabilities

	// Close releases compiled programs and the runtime.
	Close(ctx context.Context) error
}

// FetchFunc retrieves the bytes of a blob the job needs.
type FetchFunc func(ctx context.Context, ref model.BlobRef) ([]byte, error)

// Spec describes one job.
type Spec struct {
	JobID   string
	Program model.BlobRef
	Control []byte
	Inputs  []model.BlobRef

	// Fetch supplies program and input bytes. The program is fetched only
	// when it is not already compiled.
	Fetch FetchFunc

	// Print is an optional callback receiving the program's diagnostic output.
	Print func(line string)
}

// Result holds what a program returned through its output descriptor.
type Result struct {
	Control    []byte
	Outputs    [][]byte
	DurationMS int
}

// Capabilities describes an executor.
type Capabilities struct {
	Name           string   `json:"name"`
	Imports        []string `json:"imports"`
	Exports        []string `json:"exports"`
	MaxMemoryPages uint32   `json:"max_memory_pages"`
	CacheSize      int      `json:"cache_size"`
}

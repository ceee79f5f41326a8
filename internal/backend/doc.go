// Package backend defines the interface a sandboxed program executor
// implements, along with the job and result types exchanged between the
// worker loop and executor implementations.
package backend

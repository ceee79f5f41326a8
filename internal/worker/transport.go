package worker

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/seantiz/anvil/internal/cbor"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("worker: transport closed")

// Transport carries messages between the pool and one worker.
type Transport interface {
	Send(ctx context.Context, m Message) error
	// Recv returns io.EOF once the peer has gone away cleanly.
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Pipe returns two connected in-memory transports. Messages cross the pipe
// encoded, so the two ends never share mutable values.
func Pipe() (Transport, Transport) {
	ab := make(chan []byte, 1)
	ba := make(chan []byte, 1)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: ba, out: ab, done: done, once: once},
		&pipeEnd{in: ab, out: ba, done: done, once: once}
}

type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

func (p *pipeEnd) Send(ctx context.Context, m Message) error {
	data, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (Message, error) {
	select {
	case data := <-p.in:
		return DecodeMessage(data)
	case <-p.done:
		return Message{}, io.EOF
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close tears down both ends.
func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// Stream is a transport over a byte stream using length-prefixed CBOR
// frames. It is used across the stdin/stdout of a worker subprocess.
type Stream struct {
	r io.Reader
	w io.Writer
	c io.Closer

	mu sync.Mutex // serializes frame writes
}

// NewStream wraps r and w. If c is non-nil it is closed by Close.
func NewStream(r io.Reader, w io.Writer, c io.Closer) *Stream {
	return &Stream{r: r, w: w, c: c}
}

// Send writes one framed message.
func (s *Stream) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return cbor.WriteFrame(s.w, data)
}

// Recv reads one framed message. A blocked read is not interrupted by ctx;
// closing the underlying stream unblocks it.
func (s *Stream) Recv(ctx context.Context) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	data, err := cbor.ReadFrame(s.r)
	if err != nil {
		return Message{}, err
	}
	return DecodeMessage(data)
}

func (s *Stream) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}

var (
	_ Transport = (*pipeEnd)(nil)
	_ Transport = (*Stream)(nil)
)

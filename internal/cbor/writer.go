package cbor

import (
	"fmt"
	"math"
	"unicode/utf8"
)

const defaultInitialSize = 256

// Writer encodes exactly one top-level value into a growable buffer.
type Writer struct {
	buf   []byte
	max   int
	stack []frame
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithInitialSize sets the initial buffer capacity.
func WithInitialSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.buf = make([]byte, 0, n)
		}
	}
}

// WithMaxSize caps the encoded size. A write that would exceed it fails with
// ErrMaxSize instead of growing the buffer.
func WithMaxSize(n int) WriterOption {
	return func(w *Writer) {
		w.max = n
	}
}

// NewWriter returns an empty Writer.
func NewWriter(opts ...WriterOption) *Writer {
	w := &Writer{stack: []frame{{kind: frameTop, length: 1}}}
	for _, opt := range opts {
		opt(w)
	}
	if w.buf == nil {
		size := defaultInitialSize
		if w.max > 0 && w.max < size {
			size = w.max
		}
		w.buf = make([]byte, 0, size)
	}
	return w
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// reserve makes room for n more bytes, growing by 25% at a time.
func (w *Writer) reserve(n int) error {
	need := len(w.buf) + n
	if w.max > 0 && need > w.max {
		return fmt.Errorf("%w: %d > %d", ErrMaxSize, need, w.max)
	}
	if need <= cap(w.buf) {
		return nil
	}
	grown := cap(w.buf) + cap(w.buf)/4
	if grown < need {
		grown = need
	}
	if w.max > 0 && grown > w.max {
		grown = w.max
	}
	buf := make([]byte, len(w.buf), grown)
	copy(buf, w.buf)
	w.buf = buf
	return nil
}

func (w *Writer) top() *frame {
	return &w.stack[len(w.stack)-1]
}

func (w *Writer) checkRoom() error {
	f := w.top()
	if f.full() {
		if f.kind == frameTop {
			return fmt.Errorf("%w: top-level value already written", ErrContainer)
		}
		return fmt.Errorf("%w: container already holds %d items", ErrContainer, f.length)
	}
	return nil
}

// advance counts a completed item in the current container.
func (w *Writer) advance() {
	f := w.top()
	f.pos++
	f.tagged = false
}

func headSize(arg uint64) int {
	switch {
	case arg < uint64(infoUint8):
		return 1
	case arg <= math.MaxUint8:
		return 2
	case arg <= math.MaxUint16:
		return 3
	case arg <= math.MaxUint32:
		return 5
	}
	return 9
}

func (w *Writer) appendHead(major byte, arg uint64) {
	m := major << 5
	switch headSize(arg) {
	case 1:
		w.buf = append(w.buf, m|byte(arg))
	case 2:
		w.buf = append(w.buf, m|infoUint8, byte(arg))
	case 3:
		w.buf = append(w.buf, m|infoUint16, byte(arg>>8), byte(arg))
	case 5:
		w.buf = append(w.buf, m|infoUint32, byte(arg>>24), byte(arg>>16), byte(arg>>8), byte(arg))
	default:
		w.buf = append(w.buf, m|infoUint64,
			byte(arg>>56), byte(arg>>48), byte(arg>>40), byte(arg>>32),
			byte(arg>>24), byte(arg>>16), byte(arg>>8), byte(arg))
	}
}

// item writes one complete value: header plus optional payload.
func (w *Writer) item(major byte, arg uint64, payload []byte) error {
	if err := w.checkRoom(); err != nil {
		return err
	}
	if err := w.reserve(headSize(arg) + len(payload)); err != nil {
		return err
	}
	w.appendHead(major, arg)
	w.buf = append(w.buf, payload...)
	w.advance()
	return nil
}

func (w *Writer) raw(b ...byte) error {
	if err := w.checkRoom(); err != nil {
		return err
	}
	if err := w.reserve(len(b)); err != nil {
		return err
	}
	w.buf = append(w.buf, b...)
	w.advance()
	return nil
}

// WriteUint writes a non-negative integer.
func (w *Writer) WriteUint(v uint64) error {
	if v > MaxSafeInteger {
		return fmt.Errorf("%w: %d", ErrIntegerRange, v)
	}
	return w.item(majorUint, v, nil)
}

// WriteInt writes a signed integer.
func (w *Writer) WriteInt(v int64) error {
	if v > MaxSafeInteger || v < -MaxSafeInteger {
		return fmt.Errorf("%w: %d", ErrIntegerRange, v)
	}
	if v >= 0 {
		return w.item(majorUint, uint64(v), nil)
	}
	return w.item(majorNegInt, uint64(-1-v), nil)
}

// WriteBytes writes a definite-length byte string.
func (w *Writer) WriteBytes(b []byte) error {
	return w.item(majorBytes, uint64(len(b)), b)
}

// WriteText writes a definite-length text string.
func (w *Writer) WriteText(s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	return w.item(majorText, uint64(len(s)), []byte(s))
}

// WriteBool writes true or false.
func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.raw(majorSimple<<5 | simpleTrue)
	}
	return w.raw(majorSimple<<5 | simpleFalse)
}

// WriteNull writes null.
func (w *Writer) WriteNull() error {
	return w.raw(majorSimple<<5 | simpleNull)
}

// WriteUndefined writes undefined.
func (w *Writer) WriteUndefined() error {
	return w.raw(majorSimple<<5 | simpleUndefined)
}

// WriteFloat writes f using the shortest of half, single or double precision
// that represents it exactly.
func (w *Writer) WriteFloat(f float64) error {
	if math.IsNaN(f) {
		return w.raw(majorSimple<<5|infoUint16, 0x7e, 0x00)
	}
	if h, ok := float16Bits(f); ok {
		return w.raw(majorSimple<<5|infoUint16, byte(h>>8), byte(h))
	}
	if f32 := float32(f); float64(f32) == f {
		b := math.Float32bits(f32)
		return w.raw(majorSimple<<5|infoUint32, byte(b>>24), byte(b>>16), byte(b>>8), byte(b))
	}
	b := math.Float64bits(f)
	return w.raw(majorSimple<<5|infoUint64,
		byte(b>>56), byte(b>>48), byte(b>>40), byte(b>>32),
		byte(b>>24), byte(b>>16), byte(b>>8), byte(b))
}

// WriteTag writes a semantic tag header. The next value written is the tagged
// item and counts toward the enclosing container.
func (w *Writer) WriteTag(tag uint64) error {
	if err := w.checkRoom(); err != nil {
		return err
	}
	if err := w.reserve(headSize(tag)); err != nil {
		return err
	}
	w.appendHead(majorTag, tag)
	w.top().tagged = true
	return nil
}

// BeginArray opens an array of n items, or an indefinite one if n < 0.
func (w *Writer) BeginArray(n int) error {
	return w.begin(majorArray, n)
}

// BeginMap opens a map of n pairs, or an indefinite one if n < 0.
func (w *Writer) BeginMap(n int) error {
	return w.begin(majorMap, n)
}

func (w *Writer) begin(major byte, n int) error {
	if err := w.checkRoom(); err != nil {
		return err
	}
	f := frame{kind: frameArray, length: -1}
	if major == majorMap {
		f.kind = frameMap
	}
	if n < 0 {
		if err := w.reserve(1); err != nil {
			return err
		}
		w.buf = append(w.buf, major<<5|infoIndefinite)
	} else {
		if err := w.reserve(headSize(uint64(n))); err != nil {
			return err
		}
		w.appendHead(major, uint64(n))
		f.length = n
		if major == majorMap {
			f.length = 2 * n
		}
	}
	w.advance()
	w.stack = append(w.stack, f)
	return nil
}

// End closes the innermost open container. A fixed-length container must
// have received exactly its declared number of items.
func (w *Writer) End() error {
	if len(w.stack) < 2 {
		return fmt.Errorf("%w: no open container", ErrContainer)
	}
	f := w.top()
	if f.tagged {
		return fmt.Errorf("%w: tag without a value", ErrContainer)
	}
	if f.length >= 0 {
		if f.pos != f.length {
			return fmt.Errorf("%w: wrote %d of %d items", ErrContainer, f.pos, f.length)
		}
		w.stack = w.stack[:len(w.stack)-1]
		return nil
	}
	if f.kind == frameMap && f.pos%2 != 0 {
		return fmt.Errorf("%w: map key without value", ErrContainer)
	}
	if err := w.reserve(1); err != nil {
		return err
	}
	w.buf = append(w.buf, breakByte)
	w.stack = w.stack[:len(w.stack)-1]
	return nil
}

// Bytes finalizes the encoding. Exactly one top-level value must have been
// written and every container closed.
func (w *Writer) Bytes() ([]byte, error) {
	if len(w.stack) != 1 {
		return nil, fmt.Errorf("%w: %d containers still open", ErrContainer, len(w.stack)-1)
	}
	if w.stack[0].tagged {
		return nil, fmt.Errorf("%w: tag without a value", ErrContainer)
	}
	if w.stack[0].pos != 1 {
		return nil, fmt.Errorf("%w: no top-level value written", ErrContainer)
	}
	return w.buf, nil
}

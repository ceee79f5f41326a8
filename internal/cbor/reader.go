package cbor

import (
	"fmt"
	"math"
	"unicode/utf8"
)

// header is a decoded initial byte plus its follow-on argument.
type header struct {
	major      byte
	info       byte
	arg        uint64
	indefinite bool
	size       int
}

func (h header) isBreak() bool {
	return h.major == majorSimple && h.info == infoIndefinite
}

func (h header) kind() Kind {
	switch h.major {
	case majorUint:
		return KindUint
	case majorNegInt:
		return KindNegInt
	case majorBytes:
		return KindBytes
	case majorText:
		return KindText
	case majorArray:
		return KindArray
	case majorMap:
		return KindMap
	case majorTag:
		return KindTag
	}
	switch {
	case h.info == infoUint16 || h.info == infoUint32 || h.info == infoUint64:
		return KindFloat
	case h.arg == simpleFalse || h.arg == simpleTrue:
		return KindBool
	case h.arg == simpleNull:
		return KindNull
	case h.arg == simpleUndefined:
		return KindUndefined
	}
	return KindSimple
}

func parseHeader(data []byte, off int) (header, error) {
	if off >= len(data) {
		return header{}, ErrUnexpectedEOF
	}
	b := data[off]
	h := header{major: b >> 5, info: b & 0x1f, size: 1}

	switch {
	case h.info < infoUint8:
		h.arg = uint64(h.info)
		return h, nil
	case h.info == infoIndefinite:
		switch h.major {
		case majorBytes, majorText, majorArray, majorMap:
			h.indefinite = true
			return h, nil
		case majorSimple:
			return h, nil
		}
		return header{}, fmt.Errorf("%w: indefinite length on major type %d", ErrSyntax, h.major)
	case h.info > infoUint64:
		return header{}, fmt.Errorf("%w: reserved additional information %d", ErrSyntax, h.info)
	}

	n := 1 << (h.info - infoUint8)
	if off+1+n > len(data) {
		return header{}, ErrUnexpectedEOF
	}
	var v uint64
	for _, c := range data[off+1 : off+1+n] {
		v = v<<8 | uint64(c)
	}
	h.arg = v
	h.size = 1 + n
	if h.major == majorSimple && h.info == infoUint8 && v < 32 {
		return header{}, fmt.Errorf("%w: two-byte simple value %d", ErrSyntax, v)
	}
	return h, nil
}

// Reader decodes one top-level value from a byte slice.
type Reader struct {
	data  []byte
	off   int
	stack []frame
}

// Mark is a saved cursor position, see Reader.Save.
type Mark struct {
	off   int
	stack []frame
}

// NewReader returns a Reader positioned before the single top-level value in data.
func NewReader(data []byte) *Reader {
	return &Reader{
		data:  data,
		stack: []frame{{kind: frameTop, length: 1}},
	}
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int {
	return r.off
}

// Save returns the current cursor position.
func (r *Reader) Save() Mark {
	return Mark{off: r.off, stack: append([]frame(nil), r.stack...)}
}

// Restore rewinds the cursor to a position returned by Save.
func (r *Reader) Restore(m Mark) {
	r.off = m.off
	r.stack = append(r.stack[:0], m.stack...)
}

func (r *Reader) top() *frame {
	return &r.stack[len(r.stack)-1]
}

func (r *Reader) atEnd() (bool, error) {
	f := r.top()
	if f.length >= 0 {
		return f.pos >= f.length, nil
	}
	if r.off >= len(r.data) {
		return false, ErrUnexpectedEOF
	}
	return r.data[r.off] == breakByte, nil
}

// head parses the header of the next item in the current container without
// committing anything.
func (r *Reader) head() (header, error) {
	end, err := r.atEnd()
	if err != nil {
		return header{}, err
	}
	if end {
		return header{}, fmt.Errorf("%w: no more items in container", ErrContainer)
	}
	h, err := parseHeader(r.data, r.off)
	if err != nil {
		return header{}, err
	}
	if h.isBreak() {
		return header{}, fmt.Errorf("%w: unexpected break", ErrSyntax)
	}
	return h, nil
}

func (r *Reader) commit(off int) {
	r.off = off
	r.top().pos++
}

// Peek reports the kind of the next value without consuming it. At the end of
// the current container it returns KindEnd.
func (r *Reader) Peek() (Kind, error) {
	end, err := r.atEnd()
	if err != nil {
		return KindInvalid, err
	}
	if end {
		return KindEnd, nil
	}
	h, err := r.head()
	if err != nil {
		return KindInvalid, err
	}
	return h.kind(), nil
}

// More reports whether the current container has another item.
func (r *Reader) More() (bool, error) {
	end, err := r.atEnd()
	return !end, err
}

// ReadUint reads a non-negative integer.
func (r *Reader) ReadUint() (uint64, error) {
	h, err := r.head()
	if err != nil {
		return 0, err
	}
	if h.major != majorUint {
		return 0, typeError(KindUint, h.kind())
	}
	if h.arg > MaxSafeInteger {
		return 0, fmt.Errorf("%w: %d", ErrIntegerRange, h.arg)
	}
	r.commit(r.off + h.size)
	return h.arg, nil
}

// ReadInt reads a signed integer.
func (r *Reader) ReadInt() (int64, error) {
	h, err := r.head()
	if err != nil {
		return 0, err
	}
	v, err := intValue(h)
	if err != nil {
		return 0, err
	}
	r.commit(r.off + h.size)
	return v, nil
}

func intValue(h header) (int64, error) {
	switch h.major {
	case majorUint:
		if h.arg > MaxSafeInteger {
			return 0, fmt.Errorf("%w: %d", ErrIntegerRange, h.arg)
		}
		return int64(h.arg), nil
	case majorNegInt:
		if h.arg >= MaxSafeInteger {
			return 0, fmt.Errorf("%w: -1-%d", ErrIntegerRange, h.arg)
		}
		return -1 - int64(h.arg), nil
	}
	return 0, typeError(KindUint, h.kind())
}

// ReadBytes reads a byte string. The returned slice does not alias the input.
func (r *Reader) ReadBytes() ([]byte, error) {
	b, next, err := r.readString(majorBytes)
	if err != nil {
		return nil, err
	}
	r.commit(next)
	return b, nil
}

// ReadText reads a text string, rejecting invalid UTF-8.
func (r *Reader) ReadText() (string, error) {
	b, next, err := r.readString(majorText)
	if err != nil {
		return "", err
	}
	r.commit(next)
	return string(b), nil
}

// readString decodes a definite or chunked string of the given major type and
// returns its contents and the offset just past it.
func (r *Reader) readString(major byte) ([]byte, int, error) {
	h, err := r.head()
	if err != nil {
		return nil, 0, err
	}
	if h.major != major {
		want := KindBytes
		if major == majorText {
			want = KindText
		}
		return nil, 0, typeError(want, h.kind())
	}
	off := r.off + h.size
	if !h.indefinite {
		chunk, next, err := r.chunk(off, h.arg, major)
		if err != nil {
			return nil, 0, err
		}
		return append([]byte{}, chunk...), next, nil
	}

	out := []byte{}
	for {
		if off >= len(r.data) {
			return nil, 0, ErrUnexpectedEOF
		}
		if r.data[off] == breakByte {
			return out, off + 1, nil
		}
		ch, err := parseHeader(r.data, off)
		if err != nil {
			return nil, 0, err
		}
		if ch.major != major || ch.indefinite {
			return nil, 0, fmt.Errorf("%w: invalid chunk in indefinite string", ErrSyntax)
		}
		chunk, next, err := r.chunk(off+ch.size, ch.arg, major)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, chunk...)
		off = next
	}
}

func (r *Reader) chunk(off int, n uint64, major byte) ([]byte, int, error) {
	if n > uint64(len(r.data)-off) {
		return nil, 0, ErrUnexpectedEOF
	}
	end := off + int(n)
	b := r.data[off:end]
	if major == majorText && !utf8.Valid(b) {
		return nil, 0, ErrInvalidUTF8
	}
	return b, end, nil
}

func (r *Reader) readSimple(want Kind) (header, error) {
	h, err := r.head()
	if err != nil {
		return header{}, err
	}
	if h.kind() != want {
		return header{}, typeError(want, h.kind())
	}
	return h, nil
}

// ReadBool reads true or false.
func (r *Reader) ReadBool() (bool, error) {
	h, err := r.readSimple(KindBool)
	if err != nil {
		return false, err
	}
	r.commit(r.off + h.size)
	return h.arg == simpleTrue, nil
}

// ReadNull reads a null value.
func (r *Reader) ReadNull() error {
	h, err := r.readSimple(KindNull)
	if err != nil {
		return err
	}
	r.commit(r.off + h.size)
	return nil
}

// ReadUndefined reads an undefined value.
func (r *Reader) ReadUndefined() error {
	h, err := r.readSimple(KindUndefined)
	if err != nil {
		return err
	}
	r.commit(r.off + h.size)
	return nil
}

// ReadFloat reads a half, single or double precision float.
func (r *Reader) ReadFloat() (float64, error) {
	h, err := r.readSimple(KindFloat)
	if err != nil {
		return 0, err
	}
	r.commit(r.off + h.size)
	return floatValue(h), nil
}

func floatValue(h header) float64 {
	switch h.info {
	case infoUint16:
		return float16ToFloat64(uint16(h.arg))
	case infoUint32:
		return float64(math.Float32frombits(uint32(h.arg)))
	}
	return math.Float64frombits(h.arg)
}

// ReadNumber reads either an integer or a float and returns it as a float64.
func (r *Reader) ReadNumber() (float64, error) {
	h, err := r.head()
	if err != nil {
		return 0, err
	}
	var v float64
	switch h.kind() {
	case KindUint, KindNegInt:
		i, err := intValue(h)
		if err != nil {
			return 0, err
		}
		v = float64(i)
	case KindFloat:
		v = floatValue(h)
	default:
		return 0, typeError(KindFloat, h.kind())
	}
	r.commit(r.off + h.size)
	return v, nil
}

// PeekTag reports the tag number of the next value if it is a semantic tag.
func (r *Reader) PeekTag() (uint64, bool, error) {
	h, err := r.head()
	if err != nil {
		return 0, false, err
	}
	if h.major != majorTag {
		return 0, false, nil
	}
	return h.arg, true, nil
}

// ReadTag consumes a semantic tag header. The tagged value that follows is
// read separately and counts as the container item.
func (r *Reader) ReadTag() (uint64, error) {
	h, err := r.head()
	if err != nil {
		return 0, err
	}
	if h.major != majorTag {
		return 0, typeError(KindTag, h.kind())
	}
	r.off += h.size
	return h.arg, nil
}

// ReadArray enters an array and returns its length, or -1 if indefinite.
// The caller reads the items and then calls Leave.
func (r *Reader) ReadArray() (int, error) {
	return r.enter(majorArray)
}

// ReadMap enters a map and returns its number of pairs, or -1 if indefinite.
// The caller reads alternating keys and values and then calls Leave.
func (r *Reader) ReadMap() (int, error) {
	return r.enter(majorMap)
}

func (r *Reader) enter(major byte) (int, error) {
	h, err := r.head()
	if err != nil {
		return 0, err
	}
	if h.major != major {
		want := KindArray
		if major == majorMap {
			want = KindMap
		}
		return 0, typeError(want, h.kind())
	}
	f := frame{kind: frameArray, length: -1}
	if major == majorMap {
		f.kind = frameMap
	}
	n := -1
	if !h.indefinite {
		remaining := uint64(len(r.data) - r.off - h.size)
		items := h.arg
		if major == majorMap {
			if items > remaining/2 {
				return 0, ErrUnexpectedEOF
			}
			items *= 2
		}
		if items > remaining {
			return 0, ErrUnexpectedEOF
		}
		n = int(h.arg)
		f.length = int(items)
	}
	r.commit(r.off + h.size)
	r.stack = append(r.stack, f)
	return n, nil
}

// Leave closes the current array or map. All items of a fixed-length
// container must have been read; an indefinite one must be at its break.
func (r *Reader) Leave() error {
	if len(r.stack) < 2 {
		return fmt.Errorf("%w: no open container", ErrContainer)
	}
	f := r.top()
	if f.length >= 0 {
		if f.pos != f.length {
			return fmt.Errorf("%w: %d of %d items read", ErrContainer, f.pos, f.length)
		}
		r.stack = r.stack[:len(r.stack)-1]
		return nil
	}
	if r.off >= len(r.data) {
		return ErrUnexpectedEOF
	}
	if r.data[r.off] != breakByte {
		return fmt.Errorf("%w: items remain in indefinite container", ErrContainer)
	}
	if f.kind == frameMap && f.pos%2 != 0 {
		return fmt.Errorf("%w: map key without value", ErrSyntax)
	}
	r.off++
	r.stack = r.stack[:len(r.stack)-1]
	return nil
}

// MaybeText reads a text string unless the current container has ended, in
// which case ok is false. It drives iteration over map keys.
func (r *Reader) MaybeText() (s string, ok bool, err error) {
	more, err := r.More()
	if err != nil || !more {
		return "", false, err
	}
	s, err = r.ReadText()
	return s, err == nil, err
}

// MaybeUint is the unsigned-integer counterpart of MaybeText.
func (r *Reader) MaybeUint() (v uint64, ok bool, err error) {
	more, err := r.More()
	if err != nil || !more {
		return 0, false, err
	}
	v, err = r.ReadUint()
	return v, err == nil, err
}

// MaybeArray enters an array unless the current container has ended.
func (r *Reader) MaybeArray() (n int, ok bool, err error) {
	more, err := r.More()
	if err != nil || !more {
		return 0, false, err
	}
	n, err = r.ReadArray()
	return n, err == nil, err
}

// MaybeMap enters a map unless the current container has ended.
func (r *Reader) MaybeMap() (n int, ok bool, err error) {
	more, err := r.More()
	if err != nil || !more {
		return 0, false, err
	}
	n, err = r.ReadMap()
	return n, err == nil, err
}

// Skip consumes the next value whatever its shape. On failure the cursor is
// left where it was.
func (r *Reader) Skip() error {
	m := r.Save()
	if err := r.skip(0); err != nil {
		r.Restore(m)
		return err
	}
	return nil
}

func (r *Reader) skip(depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrSyntax, maxDepth)
	}
	h, err := r.head()
	if err != nil {
		return err
	}
	switch h.major {
	case majorBytes, majorText:
		_, next, err := r.readString(h.major)
		if err != nil {
			return err
		}
		r.commit(next)
		return nil
	case majorTag:
		r.off += h.size
		return r.skip(depth + 1)
	case majorArray, majorMap:
		if _, err := r.enter(h.major); err != nil {
			return err
		}
		for {
			more, err := r.More()
			if err != nil {
				return err
			}
			if !more {
				break
			}
			if err := r.skip(depth + 1); err != nil {
				return err
			}
		}
		return r.Leave()
	}
	r.commit(r.off + h.size)
	return nil
}

// Done verifies that exactly one top-level value was read and no bytes remain.
func (r *Reader) Done() error {
	if len(r.stack) != 1 {
		return fmt.Errorf("%w: %d containers still open", ErrContainer, len(r.stack)-1)
	}
	if r.stack[0].pos != 1 {
		return fmt.Errorf("%w: top-level value not read", ErrContainer)
	}
	if r.off != len(r.data) {
		return fmt.Errorf("%w: %d bytes", ErrTrailingData, len(r.data)-r.off)
	}
	return nil
}

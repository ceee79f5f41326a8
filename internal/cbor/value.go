package cbor

import (
	"fmt"
	"sort"
)

// Undefined is the Go representation of the CBOR undefined value.
type Undefined struct{}

// Tagged is a semantic tag applied to a value.
type Tagged struct {
	Tag   uint64
	Value any
}

// Encode writes a generic Go value. Supported types are nil, Undefined, bool,
// the integer types, float32/float64, string, []byte, []any, map[string]any
// and Tagged. Map keys are written in sorted order.
func Encode(w *Writer, v any) error {
	return encodeValue(w, v, 0)
}

func encodeValue(w *Writer, v any, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrSyntax, maxDepth)
	}
	switch x := v.(type) {
	case nil:
		return w.WriteNull()
	case Undefined:
		return w.WriteUndefined()
	case bool:
		return w.WriteBool(x)
	case int:
		return w.WriteInt(int64(x))
	case int8:
		return w.WriteInt(int64(x))
	case int16:
		return w.WriteInt(int64(x))
	case int32:
		return w.WriteInt(int64(x))
	case int64:
		return w.WriteInt(x)
	case uint:
		return w.WriteUint(uint64(x))
	case uint8:
		return w.WriteUint(uint64(x))
	case uint16:
		return w.WriteUint(uint64(x))
	case uint32:
		return w.WriteUint(uint64(x))
	case uint64:
		return w.WriteUint(x)
	case float32:
		return w.WriteFloat(float64(x))
	case float64:
		return w.WriteFloat(x)
	case string:
		return w.WriteText(x)
	case []byte:
		return w.WriteBytes(x)
	case []any:
		if err := w.BeginArray(len(x)); err != nil {
			return err
		}
		for _, item := range x {
			if err := encodeValue(w, item, depth+1); err != nil {
				return err
			}
		}
		return w.End()
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if err := w.BeginMap(len(keys)); err != nil {
			return err
		}
		for _, k := range keys {
			if err := w.WriteText(k); err != nil {
				return err
			}
			if err := encodeValue(w, x[k], depth+1); err != nil {
				return err
			}
		}
		return w.End()
	case Tagged:
		if err := w.WriteTag(x.Tag); err != nil {
			return err
		}
		return encodeValue(w, x.Value, depth+1)
	}
	return fmt.Errorf("%w: cannot encode %T", ErrType, v)
}

// Decode reads the next value into its generic Go form: int64 for integers,
// float64, string, []byte, bool, nil, Undefined, []any, map[string]any and
// Tagged. Maps with non-text keys are rejected.
func Decode(r *Reader) (any, error) {
	m := r.Save()
	v, err := decodeValue(r, 0)
	if err != nil {
		r.Restore(m)
		return nil, err
	}
	return v, nil
}

func decodeValue(r *Reader, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrSyntax, maxDepth)
	}
	k, err := r.Peek()
	if err != nil {
		return nil, err
	}
	switch k {
	case KindUint, KindNegInt:
		return r.ReadInt()
	case KindBytes:
		return r.ReadBytes()
	case KindText:
		return r.ReadText()
	case KindBool:
		return r.ReadBool()
	case KindNull:
		return nil, r.ReadNull()
	case KindUndefined:
		return Undefined{}, r.ReadUndefined()
	case KindFloat:
		return r.ReadFloat()
	case KindTag:
		tag, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		inner, err := decodeValue(r, depth+1)
		if err != nil {
			return nil, err
		}
		return Tagged{Tag: tag, Value: inner}, nil
	case KindArray:
		n, err := r.ReadArray()
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, max(n, 0))
		for {
			more, err := r.More()
			if err != nil {
				return nil, err
			}
			if !more {
				break
			}
			item, err := decodeValue(r, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, r.Leave()
	case KindMap:
		n, err := r.ReadMap()
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, max(n, 0))
		for {
			key, ok, err := r.MaybeText()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			val, err := decodeValue(r, depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, r.Leave()
	case KindEnd:
		return nil, fmt.Errorf("%w: no more items in container", ErrContainer)
	}
	return nil, fmt.Errorf("%w: unsupported %s", ErrType, k)
}

// Marshal encodes v as a single top-level value.
func Marshal(v any) ([]byte, error) {
	w := NewWriter()
	if err := Encode(w, v); err != nil {
		return nil, err
	}
	return w.Bytes()
}

// Unmarshal decodes data, which must hold exactly one value.
func Unmarshal(data []byte) (any, error) {
	r := NewReader(data)
	v, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return v, nil
}

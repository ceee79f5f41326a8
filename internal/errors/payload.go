package errors

import (
	"fmt"
	"sort"

	"github.com/seantiz/anvil/internal/cbor"
)

// Payload is the serializable form of an error:
// {kind, message, cause?, ...scalar fields}.
type Payload struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Cause   *Payload       `json:"cause,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// ToPayload converts err into a payload. Errors that are not *Error (or that
// wrap one under extra context) are flattened to their full message.
func ToPayload(err error) *Payload {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		p := &Payload{Kind: e.kind, Message: e.message, Fields: e.Fields()}
		if e.cause != nil {
			p.Cause = ToPayload(e.cause)
		}
		return p
	}
	p := &Payload{Kind: KindOf(err), Message: err.Error()}
	if e, ok := From(err); ok {
		p.Fields = e.Fields()
	}
	return p
}

// Err rebuilds an *Error from the payload.
func (p *Payload) Err() error {
	if p == nil {
		return nil
	}
	e := &Error{kind: p.Kind, message: p.Message}
	if len(p.Fields) > 0 {
		e.fields = make(map[string]any, len(p.Fields))
		for k, v := range p.Fields {
			e.fields[k] = v
		}
	}
	if p.Cause != nil {
		e.cause = p.Cause.Err()
	}
	return e
}

func (p *Payload) String() string {
	if p == nil {
		return ""
	}
	return p.Err().Error()
}

// Encode writes the payload as a CBOR map.
func (p *Payload) Encode(w *cbor.Writer) error {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		if k == "kind" || k == "message" || k == "cause" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	n := 2 + len(keys)
	if p.Cause != nil {
		n++
	}
	if err := w.BeginMap(n); err != nil {
		return err
	}
	if err := w.WriteText("kind"); err != nil {
		return err
	}
	if err := w.WriteText(string(p.Kind)); err != nil {
		return err
	}
	if err := w.WriteText("message"); err != nil {
		return err
	}
	if err := w.WriteText(p.Message); err != nil {
		return err
	}
	if p.Cause != nil {
		if err := w.WriteText("cause"); err != nil {
			return err
		}
		if err := p.Cause.Encode(w); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if err := w.WriteText(k); err != nil {
			return err
		}
		if err := cbor.Encode(w, p.Fields[k]); err != nil {
			return fmt.Errorf("encode field %q: %w", k, err)
		}
	}
	return w.End()
}

// DecodePayload reads a payload map. Non-scalar extra fields are skipped.
func DecodePayload(r *cbor.Reader) (*Payload, error) {
	if _, err := r.ReadMap(); err != nil {
		return nil, err
	}
	p := &Payload{}
	for {
		key, ok, err := r.MaybeText()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch key {
		case "kind":
			s, err := r.ReadText()
			if err != nil {
				return nil, fmt.Errorf("kind: %w", err)
			}
			p.Kind = Kind(s)
		case "message":
			if p.Message, err = r.ReadText(); err != nil {
				return nil, fmt.Errorf("message: %w", err)
			}
		case "cause":
			if p.Cause, err = DecodePayload(r); err != nil {
				return nil, fmt.Errorf("cause: %w", err)
			}
		default:
			k, err := r.Peek()
			if err != nil {
				return nil, err
			}
			if k == cbor.KindArray || k == cbor.KindMap || k == cbor.KindTag {
				if err := r.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			v, err := cbor.Decode(r)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			if p.Fields == nil {
				p.Fields = make(map[string]any)
			}
			p.Fields[key] = v
		}
	}
	if err := r.Leave(); err != nil {
		return nil, err
	}
	if p.Kind == "" {
		p.Kind = KindRuntime
	}
	return p, nil
}

// Package worker implements the worker side of the dispatcher channel: it
// announces readiness, receives jobs, requests the blobs a job needs and
// reports one result or error per job.
package worker

import (
	"fmt"

	"github.com/seantiz/anvil/internal/cbor"
	xerrors "github.com/seantiz/anvil/internal/errors"
	"github.com/seantiz/anvil/internal/model"
)

// Message types.
const (
	TypeStarted = "started"
	TypeJob     = "job"
	TypeControl = "control"
	TypeBlob    = "blob"
	TypeResult  = "result"
	TypeError   = "error"
)

// Control operations.
const (
	OpBlobRequest = "blob_request"
	OpPrint       = "print"
)

// Job is the input payload of one dispatched job.
type Job struct {
	ID      string
	Program model.BlobRef
	Control []byte
	Inputs  []model.BlobRef
}

// Control is a mid-job request from the worker.
type Control struct {
	Op   string
	Blob model.BlobRef
	Line string
}

// BlobReply answers a blob_request.
type BlobReply struct {
	ID    string
	Data  []byte
	Error *xerrors.Payload
}

// Result is a job's successful output.
type Result struct {
	Control    []byte
	Outputs    [][]byte
	DurationMS int64
}

// Message is one unit on the channel. Exactly one of the pointer fields
// matching Type is set.
type Message struct {
	Type    string
	Job     *Job
	Control *Control
	Blob    *BlobReply
	Result  *Result
	Error   *xerrors.Payload
}

// Validate checks that the payload matching Type is present.
func (m *Message) Validate() error {
	var ok bool
	switch m.Type {
	case TypeStarted:
		ok = true
	case TypeJob:
		ok = m.Job != nil
	case TypeControl:
		ok = m.Control != nil
	case TypeBlob:
		ok = m.Blob != nil
	case TypeResult:
		ok = m.Result != nil
	case TypeError:
		ok = m.Error != nil
	default:
		return xerrors.New(xerrors.KindValidation, fmt.Sprintf("unknown message type %q", m.Type))
	}
	if !ok {
		return xerrors.New(xerrors.KindValidation, fmt.Sprintf("%s message without payload", m.Type))
	}
	return nil
}

func writeKV(w *cbor.Writer, key string, fn func() error) error {
	if err := w.WriteText(key); err != nil {
		return err
	}
	return fn()
}

// EncodeMessage serializes m as a CBOR map.
func EncodeMessage(m Message) ([]byte, error) {
	w := cbor.NewWriter()
	if err := w.BeginMap(-1); err != nil {
		return nil, err
	}
	if err := writeKV(w, "type", func() error { return w.WriteText(m.Type) }); err != nil {
		return nil, err
	}
	var err error
	switch {
	case m.Job != nil:
		err = writeKV(w, "job", func() error { return encodeJob(w, m.Job) })
	case m.Control != nil:
		err = writeKV(w, "control", func() error { return encodeControl(w, m.Control) })
	case m.Blob != nil:
		err = writeKV(w, "blob", func() error { return encodeBlobReply(w, m.Blob) })
	case m.Result != nil:
		err = writeKV(w, "result", func() error { return encodeResult(w, m.Result) })
	case m.Error != nil:
		err = writeKV(w, "error", func() error { return m.Error.Encode(w) })
	}
	if err != nil {
		return nil, err
	}
	if err := w.End(); err != nil {
		return nil, err
	}
	return w.Bytes()
}

// DecodeMessage parses a message, skipping unknown keys.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	r := cbor.NewReader(data)
	if _, err := r.ReadMap(); err != nil {
		return m, xerrors.Wrap(xerrors.KindValidation, err, "message")
	}
	for {
		key, ok, err := r.MaybeText()
		if err != nil {
			return m, xerrors.Wrap(xerrors.KindValidation, err, "message key")
		}
		if !ok {
			break
		}
		switch key {
		case "type":
			m.Type, err = r.ReadText()
		case "job":
			m.Job, err = decodeJob(r)
		case "control":
			m.Control, err = decodeControl(r)
		case "blob":
			m.Blob, err = decodeBlobReply(r)
		case "result":
			m.Result, err = decodeResult(r)
		case "error":
			m.Error, err = xerrors.DecodePayload(r)
		default:
			err = r.Skip()
		}
		if err != nil {
			return m, xerrors.Wrap(xerrors.KindValidation, err, "message "+key)
		}
	}
	if err := r.Leave(); err != nil {
		return m, xerrors.Wrap(xerrors.KindValidation, err, "message")
	}
	if err := r.Done(); err != nil {
		return m, xerrors.Wrap(xerrors.KindValidation, err, "message")
	}
	return m, m.Validate()
}

func encodeRefs(w *cbor.Writer, refs []model.BlobRef) error {
	if err := w.BeginArray(len(refs)); err != nil {
		return err
	}
	for _, ref := range refs {
		if err := model.EncodeBlobRef(w, ref); err != nil {
			return err
		}
	}
	return w.End()
}

func decodeRefs(r *cbor.Reader) ([]model.BlobRef, error) {
	if _, err := r.ReadArray(); err != nil {
		return nil, err
	}
	refs := []model.BlobRef{}
	for {
		more, err := r.More()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		ref, err := model.DecodeBlobRef(r)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, r.Leave()
}

func encodeJob(w *cbor.Writer, j *Job) error {
	if err := w.BeginMap(4); err != nil {
		return err
	}
	if err := writeKV(w, "id", func() error { return w.WriteText(j.ID) }); err != nil {
		return err
	}
	if err := writeKV(w, "program", func() error { return model.EncodeBlobRef(w, j.Program) }); err != nil {
		return err
	}
	if err := writeKV(w, "control", func() error { return w.WriteBytes(j.Control) }); err != nil {
		return err
	}
	if err := writeKV(w, "inputs", func() error { return encodeRefs(w, j.Inputs) }); err != nil {
		return err
	}
	return w.End()
}

func decodeJob(r *cbor.Reader) (*Job, error) {
	j := &Job{}
	if _, err := r.ReadMap(); err != nil {
		return nil, err
	}
	for {
		key, ok, err := r.MaybeText()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch key {
		case "id":
			j.ID, err = r.ReadText()
		case "program":
			j.Program, err = model.DecodeBlobRef(r)
		case "control":
			j.Control, err = r.ReadBytes()
		case "inputs":
			j.Inputs, err = decodeRefs(r)
		default:
			err = r.Skip()
		}
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", key, err)
		}
	}
	return j, r.Leave()
}

func encodeControl(w *cbor.Writer, c *Control) error {
	if err := w.BeginMap(3); err != nil {
		return err
	}
	if err := writeKV(w, "op", func() error { return w.WriteText(c.Op) }); err != nil {
		return err
	}
	// A zero ref has no id, which DecodeBlobRef rejects; write null instead.
	if err := writeKV(w, "blob", func() error {
		if c.Blob.ID == "" {
			return w.WriteNull()
		}
		return model.EncodeBlobRef(w, c.Blob)
	}); err != nil {
		return err
	}
	if err := writeKV(w, "line", func() error { return w.WriteText(c.Line) }); err != nil {
		return err
	}
	return w.End()
}

func decodeControl(r *cbor.Reader) (*Control, error) {
	c := &Control{}
	if _, err := r.ReadMap(); err != nil {
		return nil, err
	}
	for {
		key, ok, err := r.MaybeText()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch key {
		case "op":
			c.Op, err = r.ReadText()
		case "blob":
			var k cbor.Kind
			if k, err = r.Peek(); err == nil {
				if k == cbor.KindNull {
					err = r.ReadNull()
				} else {
					c.Blob, err = model.DecodeBlobRef(r)
				}
			}
		case "line":
			c.Line, err = r.ReadText()
		default:
			err = r.Skip()
		}
		if err != nil {
			return nil, fmt.Errorf("control %s: %w", key, err)
		}
	}
	return c, r.Leave()
}

func encodeBlobReply(w *cbor.Writer, b *BlobReply) error {
	n := 2
	if b.Error != nil {
		n = 3
	}
	if err := w.BeginMap(n); err != nil {
		return err
	}
	if err := writeKV(w, "id", func() error { return w.WriteText(b.ID) }); err != nil {
		return err
	}
	if err := writeKV(w, "data", func() error { return w.WriteBytes(b.Data) }); err != nil {
		return err
	}
	if b.Error != nil {
		if err := writeKV(w, "error", func() error { return b.Error.Encode(w) }); err != nil {
			return err
		}
	}
	return w.End()
}

func decodeBlobReply(r *cbor.Reader) (*BlobReply, error) {
	b := &BlobReply{}
	if _, err := r.ReadMap(); err != nil {
		return nil, err
	}
	for {
		key, ok, err := r.MaybeText()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch key {
		case "id":
			b.ID, err = r.ReadText()
		case "data":
			b.Data, err = r.ReadBytes()
		case "error":
			b.Error, err = xerrors.DecodePayload(r)
		default:
			err = r.Skip()
		}
		if err != nil {
			return nil, fmt.Errorf("blob %s: %w", key, err)
		}
	}
	return b, r.Leave()
}

func encodeResult(w *cbor.Writer, res *Result) error {
	if err := w.BeginMap(3); err != nil {
		return err
	}
	if err := writeKV(w, "control", func() error { return w.WriteBytes(res.Control) }); err != nil {
		return err
	}
	if err := writeKV(w, "outputs", func() error {
		if err := w.BeginArray(len(res.Outputs)); err != nil {
			return err
		}
		for _, o := range res.Outputs {
			if err := w.WriteBytes(o); err != nil {
				return err
			}
		}
		return w.End()
	}); err != nil {
		return err
	}
	if err := writeKV(w, "duration_ms", func() error { return w.WriteInt(res.DurationMS) }); err != nil {
		return err
	}
	return w.End()
}

func decodeResult(r *cbor.Reader) (*Result, error) {
	res := &Result{}
	if _, err := r.ReadMap(); err != nil {
		return nil, err
	}
	for {
		key, ok, err := r.MaybeText()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch key {
		case "control":
			res.Control, err = r.ReadBytes()
		case "outputs":
			res.Outputs, err = decodeOutputs(r)
		case "duration_ms":
			res.DurationMS, err = r.ReadInt()
		default:
			err = r.Skip()
		}
		if err != nil {
			return nil, fmt.Errorf("result %s: %w", key, err)
		}
	}
	return res, r.Leave()
}

func decodeOutputs(r *cbor.Reader) ([][]byte, error) {
	if _, err := r.ReadArray(); err != nil {
		return nil, err
	}
	out := [][]byte{}
	for {
		more, err := r.More()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		b, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, r.Leave()
}

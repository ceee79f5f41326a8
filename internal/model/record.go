package model

import (
	"fmt"

	"github.com/seantiz/anvil/internal/cbor"
	xerrors "github.com/seantiz/anvil/internal/errors"
)

// Record keys shared by the checkpoint and the wire format.
const (
	keyID        = "id"
	keySize      = "size"
	keyProject   = "project"
	keyProgram   = "program"
	keyInControl = "in_control"
	keyInBlobs   = "in_blobs"
	keyOutStatus = "out_status"
	keyOutData   = "out_data"
	keyOutError  = "out_error"
	keyTasks     = "tasks"
	keySuccess   = "success"
	keyError     = "error"
	keyStatus    = "status"
	keyData      = "data"
)

func invalid(err error, what string) error {
	return xerrors.Wrap(xerrors.KindValidation, err, what)
}

// EncodeBlobRef writes {id, size}.
func EncodeBlobRef(w *cbor.Writer, ref BlobRef) error {
	if err := w.BeginMap(2); err != nil {
		return err
	}
	if err := w.WriteText(keyID); err != nil {
		return err
	}
	if err := w.WriteText(ref.ID); err != nil {
		return err
	}
	if err := w.WriteText(keySize); err != nil {
		return err
	}
	if err := w.WriteInt(ref.Size); err != nil {
		return err
	}
	return w.End()
}

// DecodeBlobRef reads {id, size}, skipping unknown keys.
func DecodeBlobRef(r *cbor.Reader) (BlobRef, error) {
	var ref BlobRef
	if _, err := r.ReadMap(); err != nil {
		return ref, invalid(err, "blob ref")
	}
	for {
		key, ok, err := r.MaybeText()
		if err != nil {
			return ref, invalid(err, "blob ref key")
		}
		if !ok {
			break
		}
		switch key {
		case keyID:
			ref.ID, err = r.ReadText()
		case keySize:
			ref.Size, err = r.ReadInt()
		default:
			err = r.Skip()
		}
		if err != nil {
			return ref, invalid(err, "blob ref "+key)
		}
	}
	if err := r.Leave(); err != nil {
		return ref, invalid(err, "blob ref")
	}
	if ref.ID == "" {
		return ref, xerrors.New(xerrors.KindValidation, "blob ref without id")
	}
	if ref.Size < 0 {
		return ref, xerrors.New(xerrors.KindValidation, "negative blob size", xerrors.WithField("blob", ref.ID))
	}
	return ref, nil
}

func encodeRefs(w *cbor.Writer, refs []BlobRef) error {
	if err := w.BeginArray(len(refs)); err != nil {
		return err
	}
	for _, ref := range refs {
		if err := EncodeBlobRef(w, ref); err != nil {
			return err
		}
	}
	return w.End()
}

func decodeRefs(r *cbor.Reader) ([]BlobRef, error) {
	if _, err := r.ReadArray(); err != nil {
		return nil, err
	}
	refs := []BlobRef{}
	for {
		more, err := r.More()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		ref, err := DecodeBlobRef(r)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, r.Leave()
}

// EncodeTask writes a task record. Outcome fields are written only for
// finished or sending tasks.
func EncodeTask(w *cbor.Writer, t *Task) error {
	done := t.Outcome != "" && (t.Status == StatusFinished || t.Status == StatusSending)
	n := 5
	if done {
		n++
		if t.Outcome == OutcomeOK {
			n++
		}
		if t.Error != nil {
			n++
		}
	}
	if err := w.BeginMap(n); err != nil {
		return err
	}
	if err := w.WriteText(keyID); err != nil {
		return err
	}
	if err := w.WriteText(t.ID); err != nil {
		return err
	}
	if err := w.WriteText(keyProject); err != nil {
		return err
	}
	if err := w.WriteText(t.Project); err != nil {
		return err
	}
	if err := w.WriteText(keyProgram); err != nil {
		return err
	}
	if err := EncodeBlobRef(w, t.Program); err != nil {
		return err
	}
	if err := w.WriteText(keyInControl); err != nil {
		return err
	}
	if err := w.WriteBytes(t.Control); err != nil {
		return err
	}
	if err := w.WriteText(keyInBlobs); err != nil {
		return err
	}
	if err := encodeRefs(w, t.Inputs); err != nil {
		return err
	}
	if done {
		if err := w.WriteText(keyOutStatus); err != nil {
			return err
		}
		if err := w.WriteText(t.Outcome); err != nil {
			return err
		}
		if t.Outcome == OutcomeOK {
			if err := w.WriteText(keyOutData); err != nil {
				return err
			}
			if err := encodeRefs(w, t.Outputs); err != nil {
				return err
			}
		}
		if t.Error != nil {
			if err := w.WriteText(keyOutError); err != nil {
				return err
			}
			if err := t.Error.Encode(w); err != nil {
				return err
			}
		}
	}
	return w.End()
}

// DecodeTask reads a task record, skipping unknown keys. A record carrying
// out_status comes back finished; anything else is pending.
func DecodeTask(r *cbor.Reader) (Task, error) {
	t := Task{Status: StatusPending, Inputs: []BlobRef{}}
	if _, err := r.ReadMap(); err != nil {
		return t, invalid(err, "task")
	}
	for {
		key, ok, err := r.MaybeText()
		if err != nil {
			return t, invalid(err, "task key")
		}
		if !ok {
			break
		}
		switch key {
		case keyID:
			t.ID, err = r.ReadText()
		case keyProject:
			t.Project, err = r.ReadText()
		case keyProgram:
			t.Program, err = DecodeBlobRef(r)
		case keyInControl:
			t.Control, err = r.ReadBytes()
		case keyInBlobs:
			t.Inputs, err = decodeRefs(r)
		case keyOutStatus:
			t.Outcome, err = r.ReadText()
		case keyOutData:
			t.Outputs, err = decodeRefs(r)
		case keyOutError:
			t.Error, err = xerrors.DecodePayload(r)
		default:
			err = r.Skip()
		}
		if err != nil {
			return t, invalid(err, "task "+key)
		}
	}
	if err := r.Leave(); err != nil {
		return t, invalid(err, "task")
	}
	if t.ID == "" {
		return t, xerrors.New(xerrors.KindValidation, "task without id")
	}
	if t.Program.ID == "" {
		return t, xerrors.New(xerrors.KindValidation, "task without program", xerrors.WithField("task", t.ID))
	}
	if t.Outcome != "" {
		if !ValidOutcome(t.Outcome) {
			return t, xerrors.New(xerrors.KindValidation, fmt.Sprintf("unknown outcome %q", t.Outcome), xerrors.WithField("task", t.ID))
		}
		t.Status = StatusFinished
	}
	return t, nil
}

// EncodeCheckpoint serializes the task set as {tasks:[...]}.
func EncodeCheckpoint(tasks []*Task) ([]byte, error) {
	w := cbor.NewWriter()
	if err := w.BeginMap(1); err != nil {
		return nil, err
	}
	if err := w.WriteText(keyTasks); err != nil {
		return nil, err
	}
	if err := w.BeginArray(len(tasks)); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if err := EncodeTask(w, t); err != nil {
			return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
		}
	}
	if err := w.End(); err != nil {
		return nil, err
	}
	if err := w.End(); err != nil {
		return nil, err
	}
	return w.Bytes()
}

// DecodeCheckpoint parses a checkpoint written by EncodeCheckpoint.
func DecodeCheckpoint(data []byte) ([]Task, error) {
	r := cbor.NewReader(data)
	if _, err := r.ReadMap(); err != nil {
		return nil, invalid(err, "checkpoint")
	}
	tasks := []Task{}
	for {
		key, ok, err := r.MaybeText()
		if err != nil {
			return nil, invalid(err, "checkpoint key")
		}
		if !ok {
			break
		}
		if key != keyTasks {
			if err := r.Skip(); err != nil {
				return nil, invalid(err, "checkpoint "+key)
			}
			continue
		}
		if tasks, err = decodeTasks(r); err != nil {
			return nil, err
		}
	}
	if err := r.Leave(); err != nil {
		return nil, invalid(err, "checkpoint")
	}
	if err := r.Done(); err != nil {
		return nil, invalid(err, "checkpoint")
	}
	return tasks, nil
}

func decodeTasks(r *cbor.Reader) ([]Task, error) {
	if _, err := r.ReadArray(); err != nil {
		return nil, invalid(err, "tasks")
	}
	tasks := []Task{}
	for {
		more, err := r.More()
		if err != nil {
			return nil, invalid(err, "tasks")
		}
		if !more {
			break
		}
		t, err := DecodeTask(r)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := r.Leave(); err != nil {
		return nil, invalid(err, "tasks")
	}
	return tasks, nil
}

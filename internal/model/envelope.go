package model

import (
	"fmt"

	"github.com/seantiz/anvil/internal/cbor"
	xerrors "github.com/seantiz/anvil/internal/errors"
)

// FieldFunc decodes one named envelope field. Returning false leaves the
// value for the envelope reader to skip.
type FieldFunc func(key string, r *cbor.Reader) (bool, error)

// DecodeEnvelope reads a {success, error?, ...fields} response. Unknown keys
// are skipped. success:false is returned as a runtime error carrying the
// message, after the whole envelope has been consumed.
func DecodeEnvelope(data []byte, field FieldFunc) error {
	r := cbor.NewReader(data)
	if _, err := r.ReadMap(); err != nil {
		return invalid(err, "envelope")
	}
	var (
		success    bool
		sawSuccess bool
		message    string
	)
	for {
		key, ok, err := r.MaybeText()
		if err != nil {
			return invalid(err, "envelope key")
		}
		if !ok {
			break
		}
		switch key {
		case keySuccess:
			success, err = r.ReadBool()
			sawSuccess = true
		case keyError:
			message, err = r.ReadText()
		default:
			handled := false
			if field != nil {
				handled, err = field(key, r)
			}
			if err == nil && !handled {
				err = r.Skip()
			}
		}
		if err != nil {
			return invalid(err, "envelope "+key)
		}
	}
	if err := r.Leave(); err != nil {
		return invalid(err, "envelope")
	}
	if err := r.Done(); err != nil {
		return invalid(err, "envelope")
	}
	if !sawSuccess {
		return xerrors.New(xerrors.KindValidation, "envelope without success flag")
	}
	if !success {
		if message == "" {
			message = "request failed"
		}
		return xerrors.New(xerrors.KindRuntime, message)
	}
	return nil
}

// EncodeEnvelope writes {success, error?} followed by n named fields written
// by body.
func EncodeEnvelope(success bool, message string, n int, body func(w *cbor.Writer) error) ([]byte, error) {
	w := cbor.NewWriter()
	size := 1 + n
	if message != "" {
		size++
	}
	if err := w.BeginMap(size); err != nil {
		return nil, err
	}
	if err := w.WriteText(keySuccess); err != nil {
		return nil, err
	}
	if err := w.WriteBool(success); err != nil {
		return nil, err
	}
	if message != "" {
		if err := w.WriteText(keyError); err != nil {
			return nil, err
		}
		if err := w.WriteText(message); err != nil {
			return nil, err
		}
	}
	if body != nil {
		if err := body(w); err != nil {
			return nil, err
		}
	}
	if err := w.End(); err != nil {
		return nil, err
	}
	return w.Bytes()
}

// EncodeErrorResponse writes a failed envelope.
func EncodeErrorResponse(message string) ([]byte, error) {
	return EncodeEnvelope(false, message, 0, nil)
}

// EncodeTasksResponse writes {success:true, tasks:[...]}.
func EncodeTasksResponse(tasks []*Task) ([]byte, error) {
	return EncodeEnvelope(true, "", 1, func(w *cbor.Writer) error {
		if err := w.WriteText(keyTasks); err != nil {
			return err
		}
		if err := w.BeginArray(len(tasks)); err != nil {
			return err
		}
		for _, t := range tasks {
			if err := EncodeTask(w, t); err != nil {
				return err
			}
		}
		return w.End()
	})
}

// DecodeTasksResponse parses a task fetch response. A missing tasks field is
// an empty batch.
func DecodeTasksResponse(data []byte) ([]Task, error) {
	tasks := []Task{}
	err := DecodeEnvelope(data, func(key string, r *cbor.Reader) (bool, error) {
		if key != keyTasks {
			return false, nil
		}
		var err error
		tasks, err = decodeTasks(r)
		return true, err
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// EncodeBlobResponse writes {success:true, data:bytes}.
func EncodeBlobResponse(data []byte) ([]byte, error) {
	return EncodeEnvelope(true, "", 1, func(w *cbor.Writer) error {
		if err := w.WriteText(keyData); err != nil {
			return err
		}
		return w.WriteBytes(data)
	})
}

// DecodeBlobResponse parses a blob download response.
func DecodeBlobResponse(body []byte) ([]byte, error) {
	var data []byte
	found := false
	err := DecodeEnvelope(body, func(key string, r *cbor.Reader) (bool, error) {
		if key != keyData {
			return false, nil
		}
		var err error
		data, err = r.ReadBytes()
		found = true
		return true, err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, xerrors.New(xerrors.KindValidation, "blob response without data")
	}
	return data, nil
}

func encodeResult(w *cbor.Writer, res *Result) error {
	n := 2
	if res.Outcome == OutcomeOK {
		n++
	}
	if res.Error != nil {
		n++
	}
	if err := w.BeginMap(n); err != nil {
		return err
	}
	if err := w.WriteText(keyID); err != nil {
		return err
	}
	if err := w.WriteText(res.TaskID); err != nil {
		return err
	}
	if err := w.WriteText(keyStatus); err != nil {
		return err
	}
	if err := w.WriteText(res.Outcome); err != nil {
		return err
	}
	if res.Outcome == OutcomeOK {
		if err := w.WriteText(keyData); err != nil {
			return err
		}
		if err := w.BeginArray(len(res.Data)); err != nil {
			return err
		}
		for _, d := range res.Data {
			if err := w.WriteBytes(d); err != nil {
				return err
			}
		}
		if err := w.End(); err != nil {
			return err
		}
	}
	if res.Error != nil {
		if err := w.WriteText(keyError); err != nil {
			return err
		}
		if err := res.Error.Encode(w); err != nil {
			return err
		}
	}
	return w.End()
}

func decodeResult(r *cbor.Reader) (Result, error) {
	var res Result
	if _, err := r.ReadMap(); err != nil {
		return res, invalid(err, "result")
	}
	for {
		key, ok, err := r.MaybeText()
		if err != nil {
			return res, invalid(err, "result key")
		}
		if !ok {
			break
		}
		switch key {
		case keyID:
			res.TaskID, err = r.ReadText()
		case keyStatus:
			res.Outcome, err = r.ReadText()
		case keyData:
			res.Data, err = decodeByteArray(r)
		case keyError:
			res.Error, err = xerrors.DecodePayload(r)
		default:
			err = r.Skip()
		}
		if err != nil {
			return res, invalid(err, "result "+key)
		}
	}
	if err := r.Leave(); err != nil {
		return res, invalid(err, "result")
	}
	if res.TaskID == "" || !ValidOutcome(res.Outcome) {
		return res, xerrors.New(xerrors.KindValidation, fmt.Sprintf("malformed result %q/%q", res.TaskID, res.Outcome))
	}
	return res, nil
}

func decodeByteArray(r *cbor.Reader) ([][]byte, error) {
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

// EncodeResults writes a result submission {tasks:[{id, status, data?, error?}]}.
func EncodeResults(results []Result) ([]byte, error) {
	w := cbor.NewWriter()
	if err := w.BeginMap(1); err != nil {
		return nil, err
	}
	if err := w.WriteText(keyTasks); err != nil {
		return nil, err
	}
	if err := w.BeginArray(len(results)); err != nil {
		return nil, err
	}
	for i := range results {
		if err := encodeResult(w, &results[i]); err != nil {
			return nil, fmt.Errorf("encode result %s: %w", results[i].TaskID, err)
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

// DecodeResults parses a result submission.
func DecodeResults(data []byte) ([]Result, error) {
	r := cbor.NewReader(data)
	if _, err := r.ReadMap(); err != nil {
		return nil, invalid(err, "results")
	}
	results := []Result{}
	for {
		key, ok, err := r.MaybeText()
		if err != nil {
			return nil, invalid(err, "results key")
		}
		if !ok {
			break
		}
		if key != keyTasks {
			if err := r.Skip(); err != nil {
				return nil, invalid(err, "results "+key)
			}
			continue
		}
		if _, err := r.ReadArray(); err != nil {
			return nil, invalid(err, "results")
		}
		for {
			more, err := r.More()
			if err != nil {
				return nil, invalid(err, "results")
			}
			if !more {
				break
			}
			res, err := decodeResult(r)
			if err != nil {
				return nil, err
			}
			results = append(results, res)
		}
		if err := r.Leave(); err != nil {
			return nil, invalid(err, "results")
		}
	}
	if err := r.Leave(); err != nil {
		return nil, invalid(err, "results")
	}
	if err := r.Done(); err != nil {
		return nil, invalid(err, "results")
	}
	return results, nil
}

package httpapi

import (
	"bytes"
	"encoding/json"
	"strconv"

	"servingd/internal/sequence"
	"servingd/pkg/types"
)

// sequenceRequest converts the sequence fields of an infer request. JSON
// integers that fit become uint64 (id) and uint32 (control); anything else is
// passed through so sequence.ParseRequest reports the type error.
func sequenceRequest(req types.InferRequest) (sequence.Request, error) {
	special := map[string]any{}
	for _, f := range []struct {
		key  string
		raw  json.RawMessage
		bits int
	}{
		{sequence.IDInput, req.SequenceID, 64},
		{sequence.ControlInput, req.SequenceControl, 32},
	} {
		if len(f.raw) == 0 || bytes.Equal(f.raw, []byte("null")) {
			continue
		}
		v, err := decodeUint(f.raw, f.bits)
		if err != nil {
			return sequence.Request{}, badRequestError{msg: f.key + ": " + err.Error()}
		}
		special[f.key] = v
	}
	return sequence.ParseRequest(special)
}

func decodeUint(raw json.RawMessage, bits int) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	n, ok := v.(json.Number)
	if !ok {
		return v, nil
	}
	u, err := strconv.ParseUint(n.String(), 10, bits)
	if err != nil {
		return n, nil
	}
	if bits == 32 {
		return uint32(u), nil
	}
	return u, nil
}

package sequence

import "fmt"

// Control is the sequence control flag sent with a stateful request.
type Control uint32

const (
	NoControl Control = 0
	Start     Control = 1
	End       Control = 2
)

func (c Control) String() string {
	switch c {
	case NoControl:
		return "NO_CONTROL"
	case Start:
		return "START"
	case End:
		return "END"
	default:
		return fmt.Sprintf("Control(%d)", uint32(c))
	}
}

// Special input names carried next to the model inputs of a stateful request.
const (
	IDInput      = "sequence_id"
	ControlInput = "sequence_control_input"
)

// Request identifies the sequence a stateful inference belongs to. ID 0
// means "not provided".
type Request struct {
	ID      uint64
	Control Control
}

// ParseRequest extracts sequence id and control from the special inputs of a
// request. Missing entries take their zero values; wrongly typed entries are
// rejected.
func ParseRequest(special map[string]any) (Request, error) {
	var req Request
	if v, ok := special[IDInput]; ok {
		id, ok := v.(uint64)
		if !ok {
			return req, fmt.Errorf("%w: got %T", ErrSequenceIDBadType, v)
		}
		req.ID = id
	}
	if v, ok := special[ControlInput]; ok {
		c, ok := v.(uint32)
		if !ok {
			return req, fmt.Errorf("%w: got %T", ErrSequenceControlBadType, v)
		}
		if Control(c) > End {
			return req, fmt.Errorf("%w: %d", ErrInvalidSequenceControl, c)
		}
		req.Control = Control(c)
	}
	return req, nil
}

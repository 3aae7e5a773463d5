package nats

import (
	"fmt"

	"github.com/codewandler/slotpipe-go/core/command"
)

// batchFrame carries one pipeline for one node; a single command is a
// batch of one.
type batchFrame struct {
	Commands []command.Command `json:"commands"`
}

type batchReply struct {
	Results []resultFrame `json:"results"`
}

// resultFrame is the per-command answer. Err carries redirect answers
// and store errors alike as wire text.
type resultFrame struct {
	Value valueFrame `json:"value"`
	Err   string     `json:"err,omitempty"`
}

// valueFrame keeps result types intact across JSON; a bare any would
// come back with integers turned into float64.
type valueFrame struct {
	Kind string `json:"kind"`
	Str  string `json:"str,omitempty"`
	Int  int64  `json:"int,omitempty"`
}

func encodeValue(v any) (valueFrame, error) {
	switch x := v.(type) {
	case nil:
		return valueFrame{Kind: "nil"}, nil
	case string:
		return valueFrame{Kind: "str", Str: x}, nil
	case int64:
		return valueFrame{Kind: "int", Int: x}, nil
	default:
		return valueFrame{}, fmt.Errorf("unencodable result type %T", v)
	}
}

func (v valueFrame) decode() (any, error) {
	switch v.Kind {
	case "nil":
		return nil, nil
	case "str":
		return v.Str, nil
	case "int":
		return v.Int, nil
	default:
		return nil, fmt.Errorf("unknown value kind %q", v.Kind)
	}
}

func encodeResult(r command.Result) resultFrame {
	if r.Err != nil {
		return resultFrame{Err: r.Err.Error()}
	}
	vf, err := encodeValue(r.Value)
	if err != nil {
		return resultFrame{Err: err.Error()}
	}
	return resultFrame{Value: vf}
}

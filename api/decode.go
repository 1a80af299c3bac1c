package api

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// rawNode captures the nested parts of any node kind so they can be decoded
// recursively once the kind is known.
type rawNode struct {
	Kind     Kind              `json:"kind"`
	Source   json.RawMessage   `json:"source"`
	Input    json.RawMessage   `json:"input"`
	Body     json.RawMessage   `json:"body"`
	Value    json.RawMessage   `json:"value"`
	Query    json.RawMessage   `json:"query"`
	Nodes    []json.RawMessage `json:"nodes"`
	Children []json.RawMessage `json:"children"`
}

// DecodeNode decodes a plan tree from its JSON form. Every object carries a
// "kind"; nested SQL statements of wrap and child nodes live under "query".
func DecodeNode(data []byte) (Node, error) {
	var raw rawNode
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode plan node")
	}

	switch raw.Kind {
	case KindSQL:
		n := &SQLExecution{}
		return n, decodeInto(data, n)

	case KindConstant:
		n := &Constant{}
		return n, decodeInto(data, n)

	case KindTempTable:
		n := &CreateAndPopulateTempTable{}
		if err := decodeInto(data, n); err != nil {
			return nil, err
		}
		var err error
		n.Input, err = decodeOptional(raw.Input)
		return n, err

	case KindResultWrap:
		n := &RelationalResultWrap{}
		if err := decodeInto(data, n); err != nil {
			return nil, err
		}
		var err error
		n.SQL, err = decodeQuery(raw.Query, raw.Kind)
		return n, err

	case KindBlock:
		body, err := decodeOptional(raw.Body)
		if err != nil {
			return nil, err
		}
		if body == nil {
			return nil, errors.New("block without body")
		}
		return &Block{Body: body}, nil

	case KindSequence:
		nodes, err := decodeList(raw.Nodes)
		if err != nil {
			return nil, err
		}
		return &Sequence{Nodes: nodes}, nil

	case KindAllocation:
		n := &Allocation{}
		if err := json.Unmarshal(data, &struct {
			Name *string `json:"name"`
		}{&n.Name}); err != nil {
			return nil, errors.Wrap(err, "decode allocation")
		}
		var err error
		if n.Value, err = decodeOptional(raw.Value); err != nil {
			return nil, err
		}
		if n.Value == nil {
			return nil, errors.Newf("allocation %q without value", n.Name)
		}
		return n, nil

	case KindGraphFetchRoot:
		n := &GraphFetchRoot{}
		if err := decodeInto(data, n); err != nil {
			return nil, err
		}
		var err error
		if n.Source, err = decodeOptional(raw.Source); err != nil {
			return nil, err
		}
		if n.Source == nil {
			return nil, errors.Newf("graph fetch root %d without source", n.Index)
		}
		n.Children, err = decodeList(raw.Children)
		return n, err

	case KindGraphFetchClass:
		n := &GraphFetchClassChild{}
		if err := decodeInto(data, n); err != nil {
			return nil, err
		}
		var err error
		if n.SQL, err = decodeQuery(raw.Query, raw.Kind); err != nil {
			return nil, err
		}
		n.Children, err = decodeList(raw.Children)
		return n, err

	case KindGraphFetchProperty:
		n := &GraphFetchPrimitiveChild{}
		if err := decodeInto(data, n); err != nil {
			return nil, err
		}
		var err error
		n.SQL, err = decodeQuery(raw.Query, raw.Kind)
		return n, err

	case KindGraphFetchCross:
		n := &GraphFetchCrossRoot{}
		if err := decodeInto(data, n); err != nil {
			return nil, err
		}
		var err error
		if n.SQL, err = decodeQuery(raw.Query, raw.Kind); err != nil {
			return nil, err
		}
		n.Children, err = decodeList(raw.Children)
		return n, err

	default:
		return nil, errors.Newf("unknown plan node kind %q", raw.Kind)
	}
}

func decodeInto(data []byte, n Node) error {
	if err := json.Unmarshal(data, n); err != nil {
		return errors.Wrapf(err, "decode %s node", n.Kind())
	}
	return nil
}

func decodeOptional(data json.RawMessage) (Node, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	return DecodeNode(data)
}

func decodeList(items []json.RawMessage) ([]Node, error) {
	out := make([]Node, 0, len(items))
	for i, item := range items {
		n, err := DecodeNode(item)
		if err != nil {
			return nil, errors.Wrapf(err, "item %d", i)
		}
		out = append(out, n)
	}
	return out, nil
}

func decodeQuery(data json.RawMessage, owner Kind) (*SQLExecution, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, errors.Newf("%s node without query", owner)
	}
	q := &SQLExecution{}
	if err := json.Unmarshal(data, q); err != nil {
		return nil, errors.Wrapf(err, "decode query of %s node", owner)
	}
	return q, nil
}

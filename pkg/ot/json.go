package ot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// The wire form of an operation is a JSON array: a positive integer
// retains, a negative integer deletes its absolute value, and a string
// inserts. The empty operation is [].

// MarshalJSON encodes the operation in its wire form.
func (o *Operation) MarshalJSON() ([]byte, error) {
	arr := make([]any, 0, len(o.actions))
	for _, a := range o.actions {
		switch v := a.(type) {
		case Retain:
			arr = append(arr, v.N)
		case Delete:
			arr = append(arr, -v.N)
		case Insert:
			arr = append(arr, v.Text)
		}
	}
	return json.Marshal(arr)
}

// UnmarshalJSON decodes the wire form, rebuilding the canonical action
// sequence.
func (o *Operation) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var arr []any
	if err := dec.Decode(&arr); err != nil {
		return fmt.Errorf("ot: decoding operation: %w", err)
	}
	*o = Operation{}
	for _, el := range arr {
		switch v := el.(type) {
		case string:
			if v == "" {
				return fmt.Errorf("ot: empty insert in operation")
			}
			o.Insert(v)
		case json.Number:
			n, err := strconv.Atoi(v.String())
			if err != nil {
				return fmt.Errorf("ot: non-integer action %q", v.String())
			}
			switch {
			case n > 0:
				o.Retain(n)
			case n < 0:
				o.Delete(-n)
			default:
				return fmt.Errorf("ot: zero-length action")
			}
		default:
			return fmt.Errorf("ot: invalid action of type %T", el)
		}
	}
	return nil
}

func (o *Operation) String() string {
	b, _ := o.MarshalJSON()
	return string(b)
}

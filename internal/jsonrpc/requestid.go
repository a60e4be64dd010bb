package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id: a string or an integer. Fractional ids are
// rejected. The zero value and a nil pointer both encode as null.
type RequestID struct {
	value any
}

// NewStringID returns a string id.
func NewStringID(s string) *RequestID { return &RequestID{value: s} }

// NewIntID returns a numeric id.
func NewIntID(n int64) *RequestID { return &RequestID{value: n} }

// String renders the id for logs.
func (id *RequestID) String() string {
	if id == nil {
		return ""
	}
	switch v := id.value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

// IsNil reports whether the id is absent or null.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		id.value = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		i, err := n.Int64()
		if err != nil {
			return errorf(ErrorCodeInvalidRequest, "id must be an integer or string, got %s", data)
		}
		id.value = i
		return nil
	}
	return errorf(ErrorCodeInvalidRequest, "id must be an integer or string, got %s", data)
}

var _ fmt.Stringer = (*RequestID)(nil)

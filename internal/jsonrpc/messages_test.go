package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		kind   Kind
		id     string
		method string
	}{
		{"request with int id", `{"jsonrpc":"2.0","id":7,"method":"ping"}`, KindRequest, "7", "ping"},
		{"request with string id", `{"jsonrpc":"2.0","id":"a","method":"tools/list"}`, KindRequest, "a", "tools/list"},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, KindNotification, "", "notifications/initialized"},
		{"null id is a notification", `{"jsonrpc":"2.0","id":null,"method":"x"}`, KindNotification, "", "x"},
		{"response", `{"jsonrpc":"2.0","id":1,"result":{}}`, KindResponse, "1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if want, got := tt.kind, env.Kind; want != got {
				t.Fatalf("kind: want %v, got %v", want, got)
			}
			if want, got := tt.id, env.ID().String(); want != got {
				t.Fatalf("id: want %q, got %q", want, got)
			}
			if want, got := tt.method, env.Method(); want != got {
				t.Fatalf("method: want %q, got %q", want, got)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code ErrorCode
	}{
		{"truncated", `{"jsonrpc":`, ErrorCodeParseError},
		{"empty", ``, ErrorCodeParseError},
		{"array", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, ErrorCodeInvalidRequest},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, ErrorCodeInvalidRequest},
		{"fractional id", `{"jsonrpc":"2.0","id":1.5,"method":"ping"}`, ErrorCodeInvalidRequest},
		{"boolean id", `{"jsonrpc":"2.0","id":true,"method":"ping"}`, ErrorCodeInvalidRequest},
		{"request with result", `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`, ErrorCodeInvalidRequest},
		{"response with both", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`, ErrorCodeInvalidRequest},
		{"response with neither", `{"jsonrpc":"2.0","id":1}`, ErrorCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			var rpcErr *Error
			if !errors.As(err, &rpcErr) {
				t.Fatalf("want *Error, got %v", err)
			}
			if want, got := tt.code, rpcErr.Code; want != got {
				t.Fatalf("code: want %d, got %d", want, got)
			}
		})
	}
}

func TestErrorResponseWritesNullID(t *testing.T) {
	b, err := json.Marshal(NewErrorResponse(nil, ErrorCodeParseError, "invalid message", nil))
	if err != nil {
		t.Fatal(err)
	}
	if want, got := `{"jsonrpc":"2.0","error":{"code":-32700,"message":"invalid message"},"id":null}`, string(b); want != got {
		t.Fatalf("want %s, got %s", want, got)
	}
}

// Package jsonrpc is the JSON-RPC 2.0 framing used on gateway sessions. Only
// single messages are accepted; batches are rejected by the transport before
// they reach Decode.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the only accepted value of the "jsonrpc" member.
const ProtocolVersion = "2.0"

// Kind classifies a decoded message.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	}
	return "unknown"
}

// Request is a JSON-RPC request, or a notification when ID is nil.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response is a JSON-RPC response. The id member is always written;
// uncorrelated errors carry null.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// Envelope is a decoded inbound frame. For KindRequest and KindNotification
// Request is set; for KindResponse Response is set.
type Envelope struct {
	Kind     Kind
	Request  *Request
	Response *Response
}

// ID returns the id of the frame, or nil.
func (e *Envelope) ID() *RequestID {
	switch {
	case e.Request != nil:
		return e.Request.ID
	case e.Response != nil:
		return e.Response.ID
	}
	return nil
}

// Method returns the method of a request or notification.
func (e *Envelope) Method() string {
	if e.Request != nil {
		return e.Request.Method
	}
	return ""
}

type wireMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params"`
	Result         json.RawMessage `json:"result"`
	Error          *Error          `json:"error"`
	ID             *RequestID      `json:"id"`
}

// Decode parses one frame. Failures are *Error values: ErrorCodeParseError
// when raw is not JSON, ErrorCodeInvalidRequest when it is JSON but not a
// JSON-RPC 2.0 message.
func Decode(raw []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if !json.Valid(trimmed) {
		return nil, errorf(ErrorCodeParseError, "parse error")
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errorf(ErrorCodeInvalidRequest, "message must be a JSON object")
	}

	var m wireMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		var jerr *Error
		if errors.As(err, &jerr) {
			return nil, jerr
		}
		return nil, errorf(ErrorCodeInvalidRequest, "invalid request: %v", err)
	}
	if m.JSONRPCVersion != ProtocolVersion {
		return nil, errorf(ErrorCodeInvalidRequest, "jsonrpc must be %q, got %q", ProtocolVersion, m.JSONRPCVersion)
	}

	hasResult := len(m.Result) > 0
	hasError := m.Error != nil
	if m.Method != "" {
		if hasResult || hasError {
			return nil, errorf(ErrorCodeInvalidRequest, "request cannot carry result or error")
		}
		req := &Request{JSONRPCVersion: m.JSONRPCVersion, Method: m.Method, Params: m.Params, ID: m.ID}
		if m.ID == nil {
			return &Envelope{Kind: KindNotification, Request: req}, nil
		}
		return &Envelope{Kind: KindRequest, Request: req}, nil
	}

	if hasResult == hasError {
		return nil, errorf(ErrorCodeInvalidRequest, "response needs exactly one of result or error")
	}
	return &Envelope{
		Kind:     KindResponse,
		Response: &Response{JSONRPCVersion: m.JSONRPCVersion, Result: m.Result, Error: m.Error, ID: m.ID},
	}, nil
}

// NewNotification builds a server-initiated notification.
func NewNotification(method string, params any) (*Request, error) {
	req := &Request{JSONRPCVersion: ProtocolVersion, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = b
	}
	return req, nil
}

// NewResultResponse answers id with result.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

// NewErrorResponse answers id with an error. A nil id is written as null.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message, Data: data},
		ID:             id,
	}
}

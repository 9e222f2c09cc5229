package wire

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes a value as the canonical wire JSON.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes wire JSON into v.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// DecodeRequest parses a raw frame as a Request. A malformed frame yields
// a CodeParseError ErrorObject rather than a bare error so callers can
// reply to the client without re-classifying the failure.
func DecodeRequest(data []byte) (*Request, *ErrorObject) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewErrorf(CodeParseError, "parse error: %v", err)
	}
	if err := req.Validate(); err != nil {
		return &req, NewErrorf(CodeInvalidRequest, "invalid request: %v", err)
	}
	return &req, nil
}

// EncodeResponse renders a Response to wire JSON.
func EncodeResponse(resp *Response) ([]byte, error) {
	resp.Version = Version
	return json.Marshal(resp)
}

// EncodeNotification renders a Notification to wire JSON.
func EncodeNotification(n *Notification) ([]byte, error) {
	n.Version = Version
	return json.Marshal(n)
}

// DecodeParams unmarshals a request's Params into dst, wrapping failures
// as CodeInvalidParams so handlers can return it directly.
func DecodeParams(raw json.RawMessage, dst any) *ErrorObject {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return NewErrorf(CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

// MessageKind distinguishes a decoded frame without interpreting its
// method-specific payload.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindRequest
	KindResponse
)

// PeekKind reports whether a raw frame looks like a client request
// (carries "method") or a response-shaped message (carries "result" or
// "error").
func PeekKind(data []byte) (MessageKind, error) {
	var probe struct {
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return KindUnknown, fmt.Errorf("peek: %w", err)
	}
	if probe.Method != "" {
		return KindRequest, nil
	}
	if probe.Result != nil || probe.Error != nil {
		return KindResponse, nil
	}
	return KindUnknown, nil
}

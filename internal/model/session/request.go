package session

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TimeoutOperation is returned by the server when it had no work within its
// wait budget.
const TimeoutOperation = "__timeout__"

// RegisterMarker is the response value sent on the first poll.
const RegisterMarker = "register"

// PendingRequest is one server-issued command.
type PendingRequest struct {
	RequestID  string          `json:"requestId,omitempty"`
	Operation  string          `json:"operation"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// IsTimeout reports whether the server had nothing to do.
func (r PendingRequest) IsTimeout() bool {
	return r.Operation == TimeoutOperation
}

// TimeoutRequest builds the no-op request.
func TimeoutRequest() PendingRequest {
	return PendingRequest{Operation: TimeoutOperation}
}

// PendingResponse carries either a payload or an error description.
type PendingResponse struct {
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Failed reports whether the response is an error marker.
func (r PendingResponse) Failed() bool {
	return r.Error != ""
}

// PayloadResponse wraps a handler result.
func PayloadResponse(requestID string, payload any) (PendingResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return PendingResponse{}, fmt.Errorf("encode payload: %w", err)
	}
	return PendingResponse{RequestID: requestID, Payload: raw}, nil
}

// ErrorResponse builds an error marker.
func ErrorResponse(requestID, description string) PendingResponse {
	return PendingResponse{RequestID: requestID, Error: description}
}

// PollEnvelope is the body of one long-poll call. Exactly one of Register or
// Response is set, or neither when the client only asks for more work.
type PollEnvelope struct {
	SessionID string
	ClientKey string
	Register  bool
	Response  *PendingResponse
}

type pollEnvelopeWire struct {
	SessionID string          `json:"sessionId"`
	ClientKey string          `json:"clientKey"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// MarshalJSON encodes the response field as "register", an object, or null.
func (e PollEnvelope) MarshalJSON() ([]byte, error) {
	wire := pollEnvelopeWire{SessionID: e.SessionID, ClientKey: e.ClientKey}
	switch {
	case e.Register:
		wire.Response = json.RawMessage(`"` + RegisterMarker + `"`)
	case e.Response != nil:
		raw, err := json.Marshal(e.Response)
		if err != nil {
			return nil, err
		}
		wire.Response = raw
	default:
		wire.Response = json.RawMessage("null")
	}
	return json.Marshal(wire)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *PollEnvelope) UnmarshalJSON(data []byte) error {
	var wire pollEnvelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*e = PollEnvelope{SessionID: wire.SessionID, ClientKey: wire.ClientKey}

	raw := bytes.TrimSpace(wire.Response)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	if raw[0] == '"' {
		var marker string
		if err := json.Unmarshal(raw, &marker); err != nil {
			return err
		}
		if marker != RegisterMarker {
			return fmt.Errorf("unknown response marker %q", marker)
		}
		e.Register = true
		return nil
	}

	var resp PendingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	e.Response = &resp
	return nil
}

package rpc

import (
	"encoding/json"
	"fmt"
)

// OCPP-J message type identifiers as carried in the first array element.
const (
	CallMessage       = 2
	CallResultMessage = 3
	CallErrorMessage  = 4
)

// OCPP16Subprotocol is the WebSocket subprotocol negotiated with the Central System.
const OCPP16Subprotocol = "ocpp1.6"

// BootNotificationAction is the only action admitted through the transport
// before the station is registered.
const BootNotificationAction = "BootNotification"

// ErrorCode is an OCPP-J error code, used both on the wire and internally.
type ErrorCode string

const (
	NotImplemented                ErrorCode = "NotImplemented"
	NotSupported                  ErrorCode = "NotSupported"
	InternalError                 ErrorCode = "InternalError"
	ProtocolError                 ErrorCode = "ProtocolError"
	SecurityError                 ErrorCode = "SecurityError"
	FormationViolation            ErrorCode = "FormationViolation"
	PropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	OccurrenceConstraintViolation ErrorCode = "OccurrenceConstraintViolation"
	TypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
	GenericError                  ErrorCode = "GenericError"
)

// Error is an OCPP error, either received as a CALLERROR or raised locally
// by the transport (buffered send, timeout, closed socket).
type Error struct {
	Code        ErrorCode
	Description string
	Details     interface{}
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates an OCPP error with the given code, description and details.
func NewError(code ErrorCode, description string, details interface{}) *Error {
	if code == "" {
		code = GenericError
	}
	return &Error{Code: code, Description: description, Details: details}
}

// Message is a parsed inbound OCPP-J frame. Action and Payload are set for
// CALL, Payload alone for CALLRESULT, and the Error* fields for CALLERROR.
type Message struct {
	TypeID           int
	ID               string
	Action           string
	Payload          json.RawMessage
	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// ParseMessage decodes an OCPP-J JSON array of fixed arity per message type.
// On malformed input it returns whatever fields could be salvaged together
// with the error, so the caller can decide whether a CALLERROR reply is due.
func ParseMessage(data []byte) (*Message, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return &Message{}, fmt.Errorf("not a JSON array: %w", err)
	}
	if len(fields) < 2 {
		return &Message{}, fmt.Errorf("message has %d fields, need at least 2", len(fields))
	}

	msg := &Message{}
	if err := json.Unmarshal(fields[0], &msg.TypeID); err != nil {
		return msg, fmt.Errorf("invalid message type id: %w", err)
	}
	if err := json.Unmarshal(fields[1], &msg.ID); err != nil {
		return msg, fmt.Errorf("invalid message id: %w", err)
	}

	switch msg.TypeID {
	case CallMessage:
		if len(fields) != 4 {
			return msg, fmt.Errorf("CALL has %d fields, want 4", len(fields))
		}
		if err := json.Unmarshal(fields[2], &msg.Action); err != nil {
			return msg, fmt.Errorf("invalid CALL action: %w", err)
		}
		msg.Payload = fields[3]
	case CallResultMessage:
		if len(fields) != 3 {
			return msg, fmt.Errorf("CALLRESULT has %d fields, want 3", len(fields))
		}
		msg.Payload = fields[2]
	case CallErrorMessage:
		if len(fields) != 5 {
			return msg, fmt.Errorf("CALLERROR has %d fields, want 5", len(fields))
		}
		var code string
		if err := json.Unmarshal(fields[2], &code); err != nil {
			return msg, fmt.Errorf("invalid CALLERROR code: %w", err)
		}
		msg.ErrorCode = ErrorCode(code)
		if err := json.Unmarshal(fields[3], &msg.ErrorDescription); err != nil {
			return msg, fmt.Errorf("invalid CALLERROR description: %w", err)
		}
		msg.ErrorDetails = fields[4]
	}
	return msg, nil
}

// MarshalCall encodes [2, id, action, payload].
func MarshalCall(messageID, action string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal([]interface{}{CallMessage, messageID, action, payload})
}

// MarshalCallResult encodes [3, id, payload].
func MarshalCallResult(messageID string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal([]interface{}{CallResultMessage, messageID, payload})
}

// MarshalCallError encodes [4, id, errorCode, errorDescription, errorDetails].
// A missing code defaults to GenericError, missing details to an empty object.
func MarshalCallError(messageID string, code ErrorCode, description string, details interface{}) ([]byte, error) {
	if code == "" {
		code = GenericError
	}
	if details == nil {
		details = struct{}{}
	}
	return json.Marshal([]interface{}{CallErrorMessage, messageID, string(code), description, details})
}

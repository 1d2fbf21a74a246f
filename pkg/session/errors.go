package session

import "github.com/MrCodeEU/facegate/pkg/processor"

// Error is a failed turn as reported to the client.
type Error struct {
	Code    processor.ErrorCode
	Message string
	Retry   bool
	Details any
}

func (e *Error) Error() string {
	return e.Message
}

var errorMessages = map[processor.ErrorCode]string{
	processor.CodeProtocol:       "Incorrect step.",
	processor.CodeSessionExpired: "Session expired.",
	processor.CodeUnhandled:      "An internal error occurred.",
}

// GetErrorMessage returns a user-friendly message for an error code.
func GetErrorMessage(code processor.ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return processor.DefaultMessage(code)
}

// NewError creates an Error with the default message for code.
func NewError(code processor.ErrorCode, retry bool) *Error {
	return &Error{Code: code, Message: GetErrorMessage(code), Retry: retry}
}

// protocolError is a recoverable error with a specific message.
func protocolError(msg string) *Error {
	return &Error{Code: processor.CodeProtocol, Message: msg, Retry: true}
}

// fromVerdict converts a failed verdict.
func fromVerdict(v processor.Verdict) *Error {
	msg := v.Message
	if msg == "" {
		msg = GetErrorMessage(v.Code)
	}
	return &Error{Code: v.Code, Message: msg, Retry: v.Code.Recoverable(), Details: v.Data}
}

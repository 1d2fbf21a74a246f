package session

import (
	"github.com/MrCodeEU/facegate/pkg/processor"
	"github.com/MrCodeEU/facegate/pkg/steps"
)

// Message is an inbound client message.
type Message struct {
	Step  string `json:"step"`
	Image string `json:"image,omitempty"` // data URL or bare base64
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is an outbound message.
type Response struct {
	Status   string              `json:"status"`
	Step     steps.Step          `json:"step"`
	NextStep *steps.Step         `json:"next_step,omitempty"`
	Message  string              `json:"message,omitempty"`
	Code     processor.ErrorCode `json:"code,omitempty"`
	Data     any                 `json:"data,omitempty"`
	Result   any                 `json:"result,omitempty"`
}

// TokenResult is the result of a successful face login.
type TokenResult struct {
	Token string `json:"token"`
}

func success(step steps.Step, next *steps.Step, data any) Response {
	return Response{Status: StatusSuccess, Step: step, NextStep: next, Data: data}
}

func failure(step steps.Step, next *steps.Step, e *Error) Response {
	return Response{
		Status:   StatusError,
		Step:     step,
		NextStep: next,
		Message:  e.Message,
		Code:     e.Code,
		Data:     e.Details,
	}
}

// ErrorResponse builds a response for errors raised outside a turn.
func ErrorResponse(step steps.Step, code processor.ErrorCode) Response {
	return failure(step, nil, NewError(code, false))
}

func stepPtr(s steps.Step) *steps.Step { return &s }

package errutil

import "fmt"

// CoreStatus classifies failures that cross the service boundary toward the
// API layer. Expected domain conditions use the typed error sets defined by
// each service; BaseError is for everything else.
type CoreStatus string

const (
	StatusBadRequest       CoreStatus = "BAD_REQUEST"
	StatusNotFound         CoreStatus = "NOT_FOUND"
	StatusConflict         CoreStatus = "CONFLICT"
	StatusUnprocessable    CoreStatus = "UNPROCESSABLE_ENTITY"
	StatusTimeout          CoreStatus = "TIMEOUT"
	StatusInternal         CoreStatus = "INTERNAL"
	StatusNotImplemented   CoreStatus = "NOT_IMPLEMENTED"
	StatusServiceUnhealthy CoreStatus = "SERVICE_UNAVAILABLE"
)

type BaseError struct {
	Code    CoreStatus `json:"code"`
	Message string     `json:"message"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

type Option func(*BaseError)

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func NotFound(msg string, opts ...Option) error {
	return New(StatusNotFound, msg, opts...)
}

func Conflict(msg string, opts ...Option) error {
	return New(StatusConflict, msg, opts...)
}

func BadRequest(msg string, opts ...Option) error {
	return New(StatusBadRequest, msg, opts...)
}

func Internal(msg string, opts ...Option) error {
	return New(StatusInternal, msg, opts...)
}

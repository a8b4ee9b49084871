package rpc

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindTimeout Kind = iota + 1
	KindConnection
	KindHTTPStatus
	KindRetriesExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindHTTPStatus:
		return "http_status"
	case KindRetriesExhausted:
		return "retries_exhausted"
	}
	return "unknown"
}

// Sentinels for errors.Is; every *Error matches the sentinel of its Kind.
var (
	ErrTimeout          = errors.New("rpc timeout")
	ErrConnection       = errors.New("rpc connection error")
	ErrHTTPStatus       = errors.New("rpc http status error")
	ErrRetriesExhausted = errors.New("rpc retries exhausted")
)

type Error struct {
	Kind       Kind
	Method     string
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	case KindRetriesExhausted:
		return fmt.Sprintf("%s %s: gave up after %d attempts: %v", e.Method, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Method, e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrConnection:
		return e.Kind == KindConnection
	case ErrHTTPStatus:
		return e.Kind == KindHTTPStatus
	case ErrRetriesExhausted:
		return e.Kind == KindRetriesExhausted
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == KindHTTPStatus {
			return e.StatusCode
		}
		err = e.Err
	}
	return 0
}

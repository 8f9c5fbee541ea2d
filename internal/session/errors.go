package session

import (
	"errors"
	"net/http"
)

// Kind classifies a failed operation. Values are the matching HTTP status
// codes so they can travel on the wire as a numeric code.
type Kind int

const (
	KindBadRequest         Kind = http.StatusBadRequest
	KindUnauthorized       Kind = http.StatusUnauthorized
	KindForbidden          Kind = http.StatusForbidden
	KindNotFound           Kind = http.StatusNotFound
	KindPreconditionFailed Kind = http.StatusPreconditionFailed
	KindContentTooLarge    Kind = http.StatusRequestEntityTooLarge
	KindTooManyRequests    Kind = http.StatusTooManyRequests
	KindInternal           Kind = http.StatusInternalServerError
)

var kindMessages = map[Kind]string{
	KindBadRequest:         "Bad Request",
	KindUnauthorized:       "Unauthorized",
	KindForbidden:          "Forbidden",
	KindNotFound:           "Not Found",
	KindPreconditionFailed: "Precondition Failed",
	KindContentTooLarge:    "Content Too Large",
	KindTooManyRequests:    "Too Many Requests",
	KindInternal:           "Internal Server Error",
}

func (k Kind) String() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return kindMessages[KindInternal]
}

// ErrTerminate means the caller is not trusted and the whole connection must
// be closed instead of answering.
var ErrTerminate = errors.New("connection terminated")

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(kind Kind) error {
	return &Error{Kind: kind}
}

func internal(err error) error {
	return &Error{Kind: KindInternal, Err: err}
}

// KindOf returns the Kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

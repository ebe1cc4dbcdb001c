package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error.
type Kind string

const (
	KindConfig      Kind = "ConfigError"
	KindAuth        Kind = "AuthError"
	KindFetch       Kind = "FetchError"
	KindStageWrite  Kind = "StageWriteError"
	KindLedger      Kind = "LedgerError"
	KindTransform   Kind = "TransformError"
	KindSchema      Kind = "SchemaError"
	KindUnspecified Kind = "Error"
)

// Error is a classified error about a subject (an endpoint, a view, a year).
type Error struct {
	Kind    Kind
	Subject string
	Err     error
}

func (e *Error) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Subject, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError classifies err. A nil err yields nil.
func NewError(kind Kind, subject string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Subject: subject, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, subject, format string, args ...any) error {
	return &Error{Kind: kind, Subject: subject, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnspecified
}

// Failure is the structured record surfaced to the orchestrator.
type Failure struct {
	Kind    Kind   `json:"kind"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

// FailureOf converts err into a Failure. The subject falls back to the given one
// when err carries none.
func FailureOf(subject string, err error) Failure {
	f := Failure{Kind: KindOf(err), Subject: subject, Message: err.Error()}
	var e *Error
	if errors.As(err, &e) {
		if e.Subject != "" {
			f.Subject = e.Subject
		}
		f.Message = e.Err.Error()
	}
	return f
}

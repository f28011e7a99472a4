package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCaseBusy means a workflow or re-synthesis is already running for the case.
	ErrCaseBusy = errors.New("case is busy")
	// ErrNotComplete rejects re-synthesis of a case that has not completed.
	ErrNotComplete = errors.New("case is not complete")
	// ErrCaseTerminal rejects cancelling a case that already finished.
	ErrCaseTerminal = errors.New("case already finished")
	// ErrCancelled is the cancellation cause of an operator cancel.
	ErrCancelled = errors.New("cancelled by operator")
	// ErrShutdown is the cancellation cause when the dispatcher stops.
	ErrShutdown = errors.New("interrupted by shutdown")
)

// FieldError is one rejected submission field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects a submission before any workflow starts.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Message)
	}
	return "invalid case: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

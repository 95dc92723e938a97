// Package grammar holds sentinel errors for SIP syntax violations.
package grammar

import "errors"

// Error is a string type that implements the error interface.
type Error string

func (e Error) Error() string { return string(e) }

// Grammar marks the error as a syntax violation.
// See [IsGrammarErr].
func (e Error) Grammar() bool { return true }

// ErrMalformedInput is returned when the input does not match the expected syntax.
const ErrMalformedInput Error = "malformed input"

// ErrEmptyInput is returned when the input is empty where a token is required.
const ErrEmptyInput Error = "empty input"

// IsGrammarErr returns true if the error reports itself as a grammar error.
// Grammar errors are recoverable, the consumer may skip the malformed
// input and continue.
func IsGrammarErr(err error) bool {
	var e interface{ Grammar() bool }
	return errors.As(err, &e) && e.Grammar()
}

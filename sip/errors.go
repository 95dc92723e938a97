package sip

import "github.com/zenvoice/sipcore/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
)

// Transaction errors.
const (
	ErrTransactionNotFound     Error = "transaction not found"
	ErrTransactionNotMatched   Error = "transaction not matched"
	ErrTransactionTimedOut     Error = "transaction timed out"
	ErrTransactionTerminated   Error = "transaction terminated"
	ErrTransactionTransport    Error = "transaction transport error"
	ErrTransactionExists       Error = "transaction already exists"
	ErrTransactionLimitReached Error = "transaction limit reached"
	ErrTransactionLayerClosed  Error = "transaction layer closed"
)

// Transport errors.
const (
	// ErrTransportClosed reports a send or serve attempt on a closed transport.
	ErrTransportClosed Error = "transport closed"
	// ErrNoTarget reports that destination resolution produced no address.
	ErrNoTarget Error = "no target resolved"
	// ErrUnhandledMessage reports a message no receiver or sender took.
	ErrUnhandledMessage Error = "unhandled message"
	ErrNoTransport      Error = "no transport resolved"

	errNoConn Error = "no connection found"
)

// Message errors.
const (
	ErrInvalidMessage    Error = "invalid message"
	ErrEntityTooLarge    Error = "entity too large"
	ErrMessageTooLarge   Error = "message too large"
	ErrMethodNotAllowed  Error = "request method not allowed"
	ErrMessageNotMatched Error = "message not matched"

	errMissHdrs Error = "missing mandatory headers"
)

// Error is a constant string error, see [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError builds an error chained under [ErrInvalidArgument],
// wrapping the given cause when one is passed.
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// NewInvalidMessageError builds an error chained under [ErrInvalidMessage],
// wrapping the given cause when one is passed.
func NewInvalidMessageError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidMessage, args...) //errtrace:skip
}

package dialog

import "github.com/zenvoice/sipcore/internal/errorutil"

// Error is a sentinel error of the dialog layer.
// See [errorutil.Error].
type Error = errorutil.Error

// Dialog errors.
const (
	// ErrDialogNotFound is returned when no dialog matches the given
	// identifier or request. Inbound requests failing with this error
	// are typically answered with a 481 response.
	ErrDialogNotFound Error = "dialog not found"
	// ErrDialogExists is returned when a live dialog already occupies the
	// identification tuple of a newly constructed dialog.
	ErrDialogExists Error = "dialog already exists"
	// ErrDialogTerminated is returned when attempting to use a terminated dialog.
	ErrDialogTerminated Error = "dialog terminated"
	// ErrStaleCSeq is returned for an inbound in-dialog request whose CSeq
	// number is lower than or equal to the last one seen from the peer.
	// The TU should answer such requests with a 500 response.
	ErrStaleCSeq Error = "stale cseq"
	// ErrMissingTag is returned when a message lacks a From or To tag
	// required for dialog construction or matching.
	ErrMissingTag Error = "missing dialog tag"
	// ErrManagerClosed is returned when attempting to use a closed manager.
	ErrManagerClosed Error = "dialog manager closed"
)

package sip

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/errorutil"
	"github.com/zenvoice/sipcore/internal/ioutil"
	"github.com/zenvoice/sipcore/internal/types"
)

// ResponseStatus represents a SIP response status code.
// See [types.ResponseStatus].
type ResponseStatus = types.ResponseStatus

// Response status constants.
// See [types.ResponseStatus].
const (
	ResponseStatusTrying               = types.ResponseStatusTrying
	ResponseStatusRinging              = types.ResponseStatusRinging
	ResponseStatusCallIsBeingForwarded = types.ResponseStatusCallIsBeingForwarded
	ResponseStatusQueued               = types.ResponseStatusQueued
	ResponseStatusSessionProgress      = types.ResponseStatusSessionProgress

	ResponseStatusOK       = types.ResponseStatusOK
	ResponseStatusAccepted = types.ResponseStatusAccepted

	ResponseStatusMultipleChoices  = types.ResponseStatusMultipleChoices
	ResponseStatusMovedPermanently = types.ResponseStatusMovedPermanently
	ResponseStatusMovedTemporarily = types.ResponseStatusMovedTemporarily

	ResponseStatusBadRequest                  = types.ResponseStatusBadRequest
	ResponseStatusUnauthorized                = types.ResponseStatusUnauthorized
	ResponseStatusForbidden                   = types.ResponseStatusForbidden
	ResponseStatusNotFound                    = types.ResponseStatusNotFound
	ResponseStatusMethodNotAllowed            = types.ResponseStatusMethodNotAllowed
	ResponseStatusRequestTimeout              = types.ResponseStatusRequestTimeout
	ResponseStatusRequestEntityTooLarge       = types.ResponseStatusRequestEntityTooLarge
	ResponseStatusTemporarilyUnavailable      = types.ResponseStatusTemporarilyUnavailable
	ResponseStatusCallTransactionDoesNotExist = types.ResponseStatusCallTransactionDoesNotExist
	ResponseStatusLoopDetected                = types.ResponseStatusLoopDetected
	ResponseStatusTooManyHops                 = types.ResponseStatusTooManyHops
	ResponseStatusBusyHere                    = types.ResponseStatusBusyHere
	ResponseStatusRequestTerminated           = types.ResponseStatusRequestTerminated
	ResponseStatusNotAcceptableHere           = types.ResponseStatusNotAcceptableHere
	ResponseStatusRequestPending              = types.ResponseStatusRequestPending

	ResponseStatusServerInternalError = types.ResponseStatusServerInternalError
	ResponseStatusNotImplemented      = types.ResponseStatusNotImplemented
	ResponseStatusBadGateway          = types.ResponseStatusBadGateway
	ResponseStatusServiceUnavailable  = types.ResponseStatusServiceUnavailable
	ResponseStatusGatewayTimeout      = types.ResponseStatusGatewayTimeout

	ResponseStatusBusyEverywhere = types.ResponseStatusBusyEverywhere
	ResponseStatusDecline        = types.ResponseStatusDecline
)

// ResponseReason represents a SIP response reason phrase.
// See [types.ResponseReason].
type ResponseReason = types.ResponseReason

// Response represents a SIP response message.
type Response struct {
	Status  ResponseStatus `json:"status"`
	Reason  ResponseReason `json:"reason"`
	Proto   ProtoInfo      `json:"proto"`
	Headers Headers        `json:"headers"`
	Body    []byte         `json:"body"`
}

// RenderTo writes the rendered response to w.
func (res *Response) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	if res == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderMsg(w, res.Headers, res.Body, opts, res.renderStartLine))
}

func (res *Response) renderStartLine(w io.Writer, _ *RenderOptions) (int, error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	reason := res.Reason
	if reason == "" {
		reason = res.Status.Reason()
	}
	cw.Fprintf("%s %d %s", res.Proto, uint(res.Status), reason)
	return errtrace.Wrap2(cw.Result())
}

// Render returns the rendered response as a string.
func (res *Response) Render(opts *RenderOptions) string {
	if res == nil {
		return ""
	}
	return renderString(res.RenderTo, opts)
}

// String returns the response status line.
func (res *Response) String() string {
	if res == nil {
		return "<nil>"
	}
	return renderString(res.renderStartLine, nil)
}

// Format implements [fmt.Formatter].
func (res *Response) Format(f fmt.State, verb rune) {
	if formatMsg(f, verb, res) {
		return
	}

	type hideMethods Response
	type Response hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), (*Response)(res))
}

// LogValue implements [slog.LogValuer].
func (res *Response) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}

	attrs := make([]slog.Attr, 0, 7)
	attrs = append(attrs, slog.Uint64("status", uint64(res.Status)), slog.String("reason", string(res.Reason)))
	return slog.GroupValue(appendDialogAttrs(attrs, res.Headers)...)
}

// Clone returns a deep copy of the response.
func (res *Response) Clone() Message {
	if res == nil {
		return nil
	}

	return &Response{
		Status:  res.Status,
		Reason:  res.Reason,
		Proto:   res.Proto,
		Headers: res.Headers.Clone(),
		Body:    slices.Clone(res.Body),
	}
}

// Equal reports whether val represents the same response.
func (res *Response) Equal(val any) bool {
	other, ok := asPtrArg[Response](val)
	switch {
	case !ok:
		return false
	case res == other:
		return true
	case res == nil || other == nil:
		return false
	}

	return res.Status.Equal(other.Status) &&
		res.Proto.Equal(other.Proto) &&
		compareHdrs(res.Headers, other.Headers) &&
		slices.Equal(res.Body, other.Body)
}

// IsValid reports whether the response is well formed.
func (res *Response) IsValid() bool {
	return res.Validate() == nil
}

// Headers every response must carry, RFC 3261 Section 8.2.6.
var resMandatoryHdrs = []HeaderName{"Via", "From", "To", "Call-ID", "CSeq"}

// Validate collects the reasons the response is malformed, nil when it is well formed.
func (res *Response) Validate() error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}

	var errs []error
	if !res.Status.IsValid() {
		errs = append(errs, errorutil.Errorf("invalid status %d", uint(res.Status)))
	}
	errs = appendMsgErrs(errs, res.Proto, res.Headers, res.Body, resMandatoryHdrs)

	if len(errs) > 0 {
		return errtrace.Wrap(NewInvalidMessageError(errorutil.Join(errs...)))
	}
	return nil
}

package sip

import (
	"fmt"

	"github.com/zenvoice/sipcore/header"
)

// Header is re-exported here so callers building messages do not need
// to import the header package for the common case. See [header.Header].
type Header = header.Header

// HeaderName is a SIP header field name, see [header.Name].
type HeaderName = header.Name

// CanonicHeaderName folds name into its canonical long form,
// see [header.CanonicName].
func CanonicHeaderName[T ~string](name T) HeaderName { return header.CanonicName(name) }

type missingHeaderError struct {
	Header HeaderName
}

func newMissHdrErr(name HeaderName) error {
	return &missingHeaderError{Header: name}
}

func (err *missingHeaderError) Error() string {
	return fmt.Sprintf("missing %q header", err.Header)
}

func (err *missingHeaderError) Unwrap() error { return errMissHdrs }

func (*missingHeaderError) Grammar() bool { return true }

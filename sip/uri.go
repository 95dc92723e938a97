package sip

import (
	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/uri"
)

// URI is re-exported here so callers building messages do not need to
// import the uri package for the common case. See [uri.URI].
type URI = uri.URI

// ParseURI parses a URI of any supported scheme from s.
// See [uri.Parse].
func ParseURI[T ~string | ~[]byte](s T) (URI, error) { return errtrace.Wrap2(uri.Parse(s)) }

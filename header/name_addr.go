package header

import (
	"fmt"
	"strconv"
	"time"

	"github.com/zenvoice/sipcore/internal/types"
	"github.com/zenvoice/sipcore/internal/util"
	"github.com/zenvoice/sipcore/uri"
)

// NameAddr parameters that must match for two entries to compare equal.
var nameAddrSpecParams = map[string]bool{
	"q":       true,
	"tag":     true,
	"expires": true,
}

// NameAddr is a display name, URI and parameters, the common shape of
// the From, To, Contact and route set headers.
type NameAddr struct {
	DisplayName string
	URI         uri.URI
	Params      Values
}

// String renders the entry in its angle-bracket wire form.
func (addr NameAddr) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	if addr.DisplayName != "" {
		sb.WriteString(util.Quote(addr.DisplayName))
		sb.WriteByte(' ')
	}

	sb.WriteByte('<')
	if addr.URI != nil {
		addr.URI.RenderTo(sb, nil) //nolint:errcheck
	}
	sb.WriteByte('>')

	renderHdrParams(sb, addr.Params, false) //nolint:errcheck

	return sb.String()
}

// Format implements [fmt.Formatter].
func (addr NameAddr) Format(f fmt.State, verb rune) {
	if formatValHdr(f, verb, addr.String()) {
		return
	}
	type hideMethods NameAddr
	type NameAddr hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), NameAddr(addr))
}

// Equal compares this NameAddr with another for equality.
// The display name is cosmetic and does not take part in the comparison.
func (addr NameAddr) Equal(val any) bool {
	other, ok := asHdr[NameAddr](val)
	return ok &&
		types.IsEqual(addr.URI, other.URI) &&
		compareHdrParams(addr.Params, other.Params, nameAddrSpecParams)
}

// IsValid reports whether the entry carries a well-formed URI and parameters.
func (addr NameAddr) IsValid() bool {
	return types.IsValid(addr.URI) && validateHdrParams(addr.Params)
}

// IsZero reports whether every field is empty.
func (addr NameAddr) IsZero() bool {
	return addr.DisplayName == "" && addr.URI == nil && len(addr.Params) == 0
}

// Clone deep-copies the entry, URI and parameters included.
func (addr NameAddr) Clone() NameAddr {
	addr.URI = types.Clone[uri.URI](addr.URI)
	addr.Params = addr.Params.Clone()
	return addr
}

// MarshalText implements [encoding.TextMarshaler].
func (addr NameAddr) MarshalText() ([]byte, error) {
	return []byte(addr.String()), nil
}

// Tag looks up the "tag" parameter.
func (addr NameAddr) Tag() (string, bool) {
	return addr.Params.Last("tag")
}

// Expires reads the "expires" parameter as a duration.
func (addr NameAddr) Expires() (time.Duration, bool) {
	v, ok := addr.Params.Last("expires")
	if !ok {
		return 0, false
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	return time.Duration(sec) * time.Second, err == nil
}

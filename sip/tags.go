package sip

import (
	"strings"

	"github.com/zenvoice/sipcore/internal/util"
)

// MagicCookie is the RFC 3261 branch prefix.
// Branch parameters starting with the cookie follow the RFC 3261 transaction
// matching rules, any other branch falls back to the RFC 2543 rules.
const MagicCookie = "z9hG4bK"

// IsRFC3261Branch returns whether the branch conforms to RFC 3261.
func IsRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, MagicCookie)
}

const (
	defBranchLen = 24
	defTagLen    = 16
)

// GenerateBranch returns a new unique RFC 3261 branch parameter value
// with a random part of n characters. If n is not positive, the default
// length is used.
func GenerateBranch(n int) string {
	if n <= 0 {
		n = defBranchLen
	}
	return MagicCookie + "." + util.RandString(n)
}

// GenerateTag returns a new random tag parameter value of n characters.
// If n is not positive, the default length is used.
func GenerateTag(n int) string {
	if n <= 0 {
		n = defTagLen
	}
	return util.RandString(n)
}

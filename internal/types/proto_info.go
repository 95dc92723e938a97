package types

import (
	"fmt"

	"github.com/zenvoice/sipcore/internal/util"
)

// ProtoInfo is the protocol name/version pair from a start line or Via.
type ProtoInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (p ProtoInfo) String() string { return p.Name + "/" + p.Version }

func (p ProtoInfo) Format(f fmt.State, verb rune) {
	if FormatString(f, verb, p) {
		return
	}
	type hideMethods ProtoInfo
	type ProtoInfo hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), ProtoInfo(p))
}

func (p ProtoInfo) Equal(val any) bool {
	other, ok := DerefArg[ProtoInfo](val)
	return ok && util.EqFold(p.Name, other.Name) && util.EqFold(p.Version, other.Version)
}

func (p ProtoInfo) IsValid() bool { return util.IsToken(p.Name) && p.Version != "" }

func (p ProtoInfo) IsZero() bool { return p == ProtoInfo{} }

package header

import (
	"fmt"
	"slices"
	"strings"

	"github.com/zenvoice/sipcore/internal/util"
)

// MIMEType is a media type with its parameters.
type MIMEType struct {
	Type    string
	Subtype string
	Params  Values
}

// String renders the media type with its parameters sorted by name.
func (mt MIMEType) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	fmt.Fprint(sb, mt.Type, "/", mt.Subtype)

	if len(mt.Params) > 0 {
		kvs := make([]hdrParam, 0, len(mt.Params))
		for k := range mt.Params {
			v, _ := mt.Params.Last(k)
			kvs = append(kvs, hdrParam{util.LCase(k), v})
		}
		slices.SortFunc(kvs, func(a, b hdrParam) int {
			if c := strings.Compare(a.key, b.key); c != 0 {
				return c
			}
			return strings.Compare(a.val, b.val)
		})
		for _, kv := range kvs {
			fmt.Fprint(sb, ";", kv.key, "=", kv.val)
		}
	}

	return sb.String()
}

func (mt MIMEType) Format(f fmt.State, verb rune) {
	if formatValHdr(f, verb, mt.String()) {
		return
	}
	type hideMethods MIMEType
	type MIMEType hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), MIMEType(mt))
}

func (mt MIMEType) Equal(val any) bool {
	other, ok := asHdr[MIMEType](val)
	return ok &&
		util.EqFold(mt.Type, other.Type) &&
		util.EqFold(mt.Subtype, other.Subtype) &&
		compareHdrParams(mt.Params, other.Params, map[string]bool{"charset": true})
}

func (mt MIMEType) IsValid() bool {
	return util.IsToken(mt.Type) &&
		util.IsToken(mt.Subtype) &&
		validateHdrParams(mt.Params)
}

func (mt MIMEType) IsZero() bool {
	return mt.Type == "" &&
		mt.Subtype == "" &&
		len(mt.Params) == 0
}

func (mt MIMEType) Clone() MIMEType {
	mt.Params = mt.Params.Clone()
	return mt
}

func (mt MIMEType) MarshalText() ([]byte, error) {
	return []byte(mt.String()), nil
}

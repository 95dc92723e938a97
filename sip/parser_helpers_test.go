package sip_test

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/zenvoice/sipcore/header"
	"github.com/zenvoice/sipcore/sip"
)

// customHeader is a typed header used to exercise the custom parser registry.
type customHeader struct {
	HdrName string
	Num     int
	Str     string
}

func parseCustomHeader(name header.Name, value string) (header.Header, error) {
	numStr, str, _ := strings.Cut(value, " ")
	num, err := strconv.Atoi(numStr)
	if err != nil {
		return nil, fmt.Errorf("malformed %q header value %q: %w", name, value, err)
	}
	return &customHeader{HdrName: string(name), Num: num, Str: str}, nil
}

func (hdr *customHeader) CanonicName() header.Name { return header.CanonicName(hdr.HdrName) }

func (hdr *customHeader) CompactName() header.Name { return hdr.CanonicName() }

func (hdr *customHeader) RenderTo(w io.Writer, _ *sip.RenderOptions) (int, error) {
	return fmt.Fprintf(w, "%s: %s", hdr.CanonicName(), hdr.RenderValue())
}

func (hdr *customHeader) Render(opts *sip.RenderOptions) string {
	sb := &strings.Builder{}
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

func (hdr *customHeader) RenderValue() string { return fmt.Sprintf("%d %s", hdr.Num, hdr.Str) }

func (hdr *customHeader) String() string { return hdr.RenderValue() }

func (hdr *customHeader) Clone() header.Header {
	hdr2 := *hdr
	return &hdr2
}

func (hdr *customHeader) Equal(val any) bool {
	other, ok := val.(*customHeader)
	return ok && other != nil && *hdr == *other
}

func (hdr *customHeader) IsValid() bool { return hdr.HdrName != "" }

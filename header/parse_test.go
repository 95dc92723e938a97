package header_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/zenvoice/sipcore/header"
	"github.com/zenvoice/sipcore/internal/grammar"
	"github.com/zenvoice/sipcore/uri"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		hdrName string
		value   string
		wantHdr header.Header
		wantErr error
	}{
		{"call-id", "Call-ID", "a84b4c76e66710@pc33.atlanta.com", header.CallID("a84b4c76e66710@pc33.atlanta.com"), nil},
		{"call-id compact", "i", "a84b4c76e66710", header.CallID("a84b4c76e66710"), nil},

		{"cseq", "CSeq", "4711 INVITE", &header.CSeq{SeqNum: 4711, Method: "INVITE"}, nil},
		{"cseq lowercase method", "cseq", "1 bye", &header.CSeq{SeqNum: 1, Method: "BYE"}, nil},
		{"cseq missing method", "CSeq", "4711", nil, grammar.ErrMalformedInput},
		{"cseq malformed number", "CSeq", "abc INVITE", nil, grammar.ErrMalformedInput},

		{"max-forwards", "Max-Forwards", "70", header.MaxForwards(70), nil},
		{"max-forwards malformed", "Max-Forwards", "abc", nil, grammar.ErrMalformedInput},

		{
			"via",
			"v",
			"SIP/2.0/UDP pc33.atlanta.com:5060;branch=z9hG4bK776asdhds",
			header.Via{{
				Proto:     header.ProtoInfo{Name: "SIP", Version: "2.0"},
				Transport: "UDP",
				Addr:      header.HostPort("pc33.atlanta.com", 5060),
				Params:    make(header.Values).Set("branch", "z9hG4bK776asdhds"),
			}},
			nil,
		},
		{"via missing sent-by", "Via", "SIP/2.0/UDP", nil, grammar.ErrMalformedInput},

		{
			"from",
			"From",
			"\"Alice\" <sip:alice@atlanta.com>;tag=1928301774",
			&header.From{
				DisplayName: "Alice",
				URI:         &uri.SIP{User: uri.User("alice"), Addr: uri.Host("atlanta.com")},
				Params:      make(header.Values).Set("tag", "1928301774"),
			},
			nil,
		},
		{
			"to addr-spec form",
			"t",
			"sip:bob@biloxi.com;tag=a6c85cf",
			&header.To{
				URI:    &uri.SIP{User: uri.User("bob"), Addr: uri.Host("biloxi.com")},
				Params: make(header.Values).Set("tag", "a6c85cf"),
			},
			nil,
		},
		{"from unclosed bracket", "From", "<sip:alice@atlanta.com", nil, grammar.ErrMalformedInput},

		{
			"route",
			"Route",
			"<sip:p1.example.com;lr>, <sip:p2.example.com:5061;lr>",
			header.Route{
				{URI: &uri.SIP{Addr: uri.Host("p1.example.com"), Params: make(uri.Values).Set("lr", "")}},
				{URI: &uri.SIP{Addr: uri.HostPort("p2.example.com", 5061), Params: make(uri.Values).Set("lr", "")}},
			},
			nil,
		},
		{
			"record-route",
			"Record-Route",
			"<sip:p1.example.com;lr>",
			header.RecordRoute{
				{URI: &uri.SIP{Addr: uri.Host("p1.example.com"), Params: make(uri.Values).Set("lr", "")}},
			},
			nil,
		},

		{"content-length", "l", "349", header.ContentLength(349), nil},

		{"unknown header", "X-Custom-Id", "qwerty", &header.Any{Name: "X-Custom-Id", Value: "qwerty"}, nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			got, gotErr := header.Parse(c.hdrName, c.value)
			if c.wantErr == nil {
				if gotErr != nil {
					t.Fatalf("header.Parse(%q, %q) error = %v, want nil", c.hdrName, c.value, gotErr)
				}
				if diff := cmp.Diff(got, c.wantHdr); diff != "" {
					t.Errorf("header.Parse(%q, %q) = %+v, want %+v\ndiff (-got +want):\n%v",
						c.hdrName, c.value, got, c.wantHdr, diff,
					)
				}
			} else {
				if diff := cmp.Diff(gotErr, c.wantErr, cmpopts.EquateErrors()); diff != "" {
					t.Errorf("header.Parse(%q, %q) error = %v, want %v\ndiff (-got +want):\n%v",
						c.hdrName, c.value, gotErr, c.wantErr, diff,
					)
				}
			}
		})
	}
}

func TestRegisterParser(t *testing.T) {
	header.RegisterParser("X-Token", func(name header.Name, value string) (header.Header, error) {
		return &header.Any{Name: string(name), Value: "token:" + value}, nil
	})
	t.Cleanup(func() { header.UnregisterParser("X-Token") })

	got, err := header.Parse("x-token", "abc")
	if err != nil {
		t.Fatalf("header.Parse(\"x-token\", \"abc\") error = %v, want nil", err)
	}
	want := &header.Any{Name: "X-Token", Value: "token:abc"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("header.Parse(\"x-token\", \"abc\") = %+v, want %+v\ndiff (-got +want):\n%v", got, want, diff)
	}

	header.UnregisterParser("X-Token")
	got, err = header.Parse("X-Token", "abc")
	if err != nil {
		t.Fatalf("header.Parse(\"X-Token\", \"abc\") error = %v, want nil", err)
	}
	want = &header.Any{Name: "X-Token", Value: "abc"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("header.Parse(\"X-Token\", \"abc\") = %+v, want %+v\ndiff (-got +want):\n%v", got, want, diff)
	}
}

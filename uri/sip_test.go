package uri_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/zenvoice/sipcore/uri"
)

func TestSIP_Render(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		uri  *uri.SIP
		want string
	}{
		{"nil", (*uri.SIP)(nil), ""},
		{"zero", &uri.SIP{}, "sip:"},
		{"host only", &uri.SIP{Addr: uri.Host("example.com")}, "sip:example.com"},
		{"host and port", &uri.SIP{Addr: uri.HostPort("example.com", 5060)}, "sip:example.com:5060"},
		{"secured", &uri.SIP{Secured: true, Addr: uri.HostPort("example.com", 5061)}, "sips:example.com:5061"},
		{"ipv6", &uri.SIP{Addr: uri.HostPort("2001:db8::9:1", 5060)}, "sip:[2001:db8::9:1]:5060"},
		{
			"user",
			&uri.SIP{User: uri.User("alice"), Addr: uri.Host("atlanta.com")},
			"sip:alice@atlanta.com",
		},
		{
			"user with empty password",
			&uri.SIP{User: uri.UserPassword("root", ""), Addr: uri.Host("example.com")},
			"sip:root:@example.com",
		},
		{
			"params sorted",
			&uri.SIP{
				Addr: uri.Host("example.com"),
				Params: make(uri.Values).
					Set("transport", "udp").
					Set("lr", ""),
			},
			"sip:example.com;lr;transport=udp",
		},
		{
			"params and headers",
			&uri.SIP{
				User: uri.User("bob"),
				Addr: uri.Host("biloxi.com"),
				Params: make(uri.Values).
					Set("method", "INVITE"),
				Headers: make(uri.Values).
					Set("subject", "project").
					Set("priority", "urgent"),
			},
			"sip:bob@biloxi.com;method=INVITE?priority=urgent&subject=project",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if got := c.uri.Render(nil); got != c.want {
				t.Errorf("uri.Render(nil) = %q, want %q", got, c.want)
			}
		})
	}
}

func TestSIP_RenderTo(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		uri     *uri.SIP
		wantRes string
		wantErr error
	}{
		{"nil", (*uri.SIP)(nil), "", nil},
		{"zero", &uri.SIP{}, "sip:", nil},
		{"filled", &uri.SIP{Addr: uri.HostPort("example.com", 5060)}, "sip:example.com:5060", nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			var sb strings.Builder
			_, err := c.uri.RenderTo(&sb, nil)
			if diff := cmp.Diff(err, c.wantErr, cmpopts.EquateErrors()); diff != "" {
				t.Errorf("uri.RenderTo(sb, nil) error = %v, want %v\ndiff (-got +want):\n%v", err, c.wantErr, diff)
			}
			if got := sb.String(); got != c.wantRes {
				t.Errorf("sb.String() = %q, want %q", got, c.wantRes)
			}
		})
	}
}

func TestSIP_Equal(t *testing.T) {
	t.Parallel()

	base := &uri.SIP{
		User:   uri.User("alice"),
		Addr:   uri.Host("atlanta.com"),
		Params: make(uri.Values).Set("transport", "TCP"),
	}

	cases := []struct {
		name string
		val  any
		want bool
	}{
		{"same", base.Clone(), true},
		{
			"param value case-insensitive",
			&uri.SIP{
				User:   uri.User("alice"),
				Addr:   uri.Host("atlanta.com"),
				Params: make(uri.Values).Set("transport", "tcp"),
			},
			true,
		},
		{
			"extra non-special param ignored",
			&uri.SIP{
				User: uri.User("alice"),
				Addr: uri.Host("atlanta.com"),
				Params: make(uri.Values).
					Set("transport", "TCP").
					Set("foo", "bar"),
			},
			true,
		},
		{
			"missing special param",
			&uri.SIP{User: uri.User("alice"), Addr: uri.Host("atlanta.com")},
			false,
		},
		{
			"different user",
			&uri.SIP{
				User:   uri.User("bob"),
				Addr:   uri.Host("atlanta.com"),
				Params: make(uri.Values).Set("transport", "TCP"),
			},
			false,
		},
		{
			"different scheme",
			&uri.SIP{
				Secured: true,
				User:    uri.User("alice"),
				Addr:    uri.Host("atlanta.com"),
				Params:  make(uri.Values).Set("transport", "TCP"),
			},
			false,
		},
		{"not a sip uri", "sip:alice@atlanta.com", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if got := base.Equal(c.val); got != c.want {
				t.Errorf("uri.Equal(%+v) = %v, want %v", c.val, got, c.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		input   string
		wantURI uri.URI
		wantErr error
	}{
		{"missing scheme", "example.com", nil, cmpopts.AnyError},
		{"unsupported scheme", "http://example.com", nil, cmpopts.AnyError},
		{"missing host", "sip:", nil, cmpopts.AnyError},

		{"host only", "sip:example.com", &uri.SIP{Addr: uri.Host("example.com")}, nil},
		{"sips", "sips:example.com", &uri.SIP{Secured: true, Addr: uri.Host("example.com")}, nil},
		{"host and port", "sip:example.com:5060", &uri.SIP{Addr: uri.HostPort("example.com", 5060)}, nil},
		{"ipv4 and port", "sip:127.0.0.1:5060", &uri.SIP{Addr: uri.HostPort("127.0.0.1", 5060)}, nil},
		{"ipv6 and port", "sip:[2001:db8::9:1]:5060", &uri.SIP{Addr: uri.HostPort("2001:db8::9:1", 5060)}, nil},
		{
			"user",
			"sip:alice@atlanta.com",
			&uri.SIP{User: uri.User("alice"), Addr: uri.Host("atlanta.com")},
			nil,
		},
		{
			"user and password",
			"sip:admin:secret@example.com",
			&uri.SIP{User: uri.UserPassword("admin", "secret"), Addr: uri.Host("example.com")},
			nil,
		},
		{
			"params",
			"sip:example.com;transport=tcp;lr",
			&uri.SIP{
				Addr: uri.Host("example.com"),
				Params: make(uri.Values).
					Set("transport", "tcp").
					Set("lr", ""),
			},
			nil,
		},
		{
			"params and headers",
			"sip:bob@biloxi.com;method=INVITE?subject=project&priority=urgent",
			&uri.SIP{
				User:   uri.User("bob"),
				Addr:   uri.Host("biloxi.com"),
				Params: make(uri.Values).Set("method", "INVITE"),
				Headers: make(uri.Values).
					Set("subject", "project").
					Set("priority", "urgent"),
			},
			nil,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			got, gotErr := uri.Parse(c.input)
			if c.wantErr == nil {
				if gotErr != nil {
					t.Fatalf("uri.Parse(%q) error = %v, want nil", c.input, gotErr)
				}
				if diff := cmp.Diff(got, c.wantURI); diff != "" {
					t.Errorf("uri.Parse(%q) = %+v, want %+v\ndiff (-got +want):\n%v", c.input, got, c.wantURI, diff)
				}
			} else {
				if diff := cmp.Diff(gotErr, c.wantErr, cmpopts.EquateErrors()); diff != "" {
					t.Errorf("uri.Parse(%q) error = %v, want %v\ndiff (-got +want):\n%v", c.input, gotErr, c.wantErr, diff)
				}
			}
		})
	}
}

func TestParse_RenderRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []string{
		"sip:example.com",
		"sips:example.com:5061",
		"sip:alice@atlanta.com",
		"sip:[2001:db8::9:1]:5060",
		"sip:example.com;lr;transport=tcp",
		"sip:bob@biloxi.com;method=INVITE?priority=urgent&subject=project",
	}

	for _, c := range cases {
		t.Run(c, func(t *testing.T) {
			t.Parallel()

			u, err := uri.Parse(c)
			if err != nil {
				t.Fatalf("uri.Parse(%q) error = %v, want nil", c, err)
			}
			if got := u.Render(nil); got != c {
				t.Errorf("u.Render(nil) = %q, want %q", got, c)
			}
		})
	}
}

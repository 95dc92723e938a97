// Package dns extends the standard resolver with the NAPTR lookups
// required by RFC 3263 server location.
package dns

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"net"
	"slices"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

const (
	defTimeout = 5 * time.Second
	defPort    = "53"

	resolvConf = "/etc/resolv.conf"
)

// Resolver is a net.Resolver that additionally answers NAPTR queries
// through a raw DNS client, since the standard library offers none.
type Resolver struct {
	net.Resolver

	// NameServer is the DNS server address, host or host:port.
	// Empty means the first server from /etc/resolv.conf.
	NameServer string
	// Timeout bounds a single DNS exchange. Zero means 5 seconds.
	Timeout time.Duration
}

// SRV is a DNS SRV record.
type SRV = net.SRV

// NAPTR is a DNS NAPTR record, RFC 3403.
//
// RFC 3263 uses the Service field to advertise SIP transports
// ("SIP+D2U", "SIP+D2T", "SIPS+D2T") and the Replacement field to
// point at the SRV record to query next.
type NAPTR struct {
	// Order ranks records across the whole set, lower first.
	Order uint16
	// Preference ranks records sharing an Order, lower first.
	Preference uint16
	// Flags drive the rewrite: "s" chains to SRV, "a" to A/AAAA,
	// "u" yields a terminal URI.
	Flags string
	// Service names the offered service and protocol.
	Service string
	// Regexp is the substitution expression, usually empty when
	// Replacement is set.
	Regexp string
	// Replacement is the domain to query next.
	Replacement string
}

// LookupIP resolves host addresses, normalizing IPv4-mapped results
// to their 4-byte form.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	ips, err := r.Resolver.LookupIP(ctx, network, host)
	for i, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			ips[i] = v4
		}
	}
	return ips, errtrace.Wrap(err)
}

// LookupSRV resolves SRV records, dropping the CNAME the standard
// resolver reports alongside them.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	_, srvs, err := r.Resolver.LookupSRV(ctx, service, proto, host)
	return srvs, errtrace.Wrap(err)
}

// LookupNAPTR resolves NAPTR records for host, sorted by Order then
// Preference as RFC 3403 prescribes.
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	srv, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	q.RecursionDesired = true

	cln := &dns.Client{Timeout: cmp.Or(r.Timeout, defTimeout)}
	ans, _, err := cln.ExchangeContext(ctx, q, srv)
	switch {
	case err != nil:
		return nil, errtrace.Wrap(err)
	case ans.Rcode != dns.RcodeSuccess:
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[ans.Rcode],
			Name:       host,
			IsNotFound: ans.Rcode == dns.RcodeNameError,
		})
	}

	recs := make([]*NAPTR, 0, len(ans.Answer))
	for _, rr := range ans.Answer {
		if naptr, ok := rr.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       naptr.Order,
				Preference:  naptr.Preference,
				Flags:       naptr.Flags,
				Service:     naptr.Service,
				Regexp:      naptr.Regexp,
				Replacement: naptr.Replacement,
			})
		}
	}
	slices.SortFunc(recs, func(a, b *NAPTR) int {
		return cmp.Or(
			cmp.Compare(a.Order, b.Order),
			cmp.Compare(a.Preference, b.Preference),
		)
	})
	return recs, nil
}

func (r *Resolver) nameserver() (string, error) {
	if srv := r.NameServer; srv != "" {
		if _, _, err := net.SplitHostPort(srv); err != nil {
			srv = net.JoinHostPort(srv, defPort)
		}
		return srv, nil
	}

	conf, err := dns.ClientConfigFromFile(resolvConf)
	switch {
	case err != nil:
		return "", errtrace.Wrap(err)
	case len(conf.Servers) == 0:
		return "", errtrace.Wrap(&net.DNSError{Err: "no DNS servers configured", Name: resolvConf})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

var sysResolver = &Resolver{}

// DefaultResolver returns the shared resolver backed by the system
// configuration.
func DefaultResolver() *Resolver { return sysResolver }

// LookupIP resolves host addresses with the default resolver.
func LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	return errtrace.Wrap2(sysResolver.LookupIP(ctx, "ip", host))
}

// LookupSRV resolves SRV records with the default resolver.
func LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	return errtrace.Wrap2(sysResolver.LookupSRV(ctx, service, proto, host))
}

// LookupNAPTR resolves NAPTR records with the default resolver.
func LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	return errtrace.Wrap2(sysResolver.LookupNAPTR(ctx, host))
}

package types

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/errorutil"
	"github.com/zenvoice/sipcore/internal/util"
)

const ErrInvalidAddr errorutil.Error = "invalid address"

// Addr is a container for a host and an optional port.
type Addr struct {
	host    string
	ip      net.IP
	port    uint16
	hasPort bool
}

// Host returns an [Addr] containing the provided host and no port.
func Host(host string) Addr {
	host = strings.Trim(host, "[]")
	addr := Addr{host: host}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		addr.ip = ip
	}
	return addr
}

// HostPort returns an [Addr] containing the provided host and port.
func HostPort(host string, port uint16) Addr {
	addr := Host(host)
	addr.port = port
	addr.hasPort = true
	return addr
}

// ParseAddr parses a "host[:port]" string into an [Addr].
func ParseAddr[T ~string | ~[]byte](s T) (Addr, error) {
	str := string(s)
	if str == "" {
		return Addr{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidAddr, "empty input"))
	}

	host, portStr, err := net.SplitHostPort(str)
	if err != nil {
		// The whole input is the host.
		host, portStr = str, ""
	}
	addr := Host(host)
	if portStr != "" {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Addr{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidAddr, err))
		}
		addr.port, addr.hasPort = uint16(port), true
	}

	if !addr.IsValid() {
		return Addr{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidAddr, str))
	}
	return addr, nil
}

// Host returns the hostname portion of the address.
func (addr Addr) Host() string { return addr.host }

// IP returns the parsed IP representation when the host is an IP literal, otherwise nil.
func (addr Addr) IP() net.IP { return addr.ip }

// Port returns the port and a flag indicating whether it is set.
func (addr Addr) Port() (uint16, bool) { return addr.port, addr.hasPort }

// String formats the address as host[:port], adding brackets for IPv6 literals when required.
func (addr Addr) String() string {
	host := addr.host
	if addr.ip != nil {
		host = addr.ip.String()
	}
	if addr.hasPort {
		return net.JoinHostPort(host, strconv.Itoa(int(addr.port)))
	}
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

func (addr Addr) Format(f fmt.State, verb rune) {
	if FormatString(f, verb, addr) {
		return
	}
	type hideMethods Addr
	type Addr hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), Addr(addr))
}

// Clone returns a deep copy of the address including the underlying IP slice.
func (addr Addr) Clone() Addr {
	addr.ip = slices.Clone(addr.ip)
	return addr
}

// Equal reports whether the address equals the provided value, accepting Addr and *Addr.
// IP literal hosts compare as IPs, names compare case-insensitively, and a
// literal never equals a name.
func (addr Addr) Equal(val any) bool {
	other, ok := DerefArg[Addr](val)
	if !ok {
		return false
	}
	if addr.port != other.port || addr.hasPort != other.hasPort {
		return false
	}
	if addr.ip != nil || other.ip != nil {
		return addr.ip.Equal(other.ip)
	}
	return util.EqFold(addr.host, other.host)
}

// IsValid reports whether the address contains a plausible host component.
func (addr Addr) IsValid() bool {
	if addr.ip != nil {
		return true
	}
	return isHostname(addr.host)
}

// isHostname accepts non-empty letter/digit/hyphen/dot names without a
// leading or trailing dot.
func isHostname(host string) bool {
	if host == "" || host[0] == '.' || host[len(host)-1] == '.' {
		return false
	}
	for i := 0; i < len(host); i++ {
		switch c := host[i]; {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '-', c == '.':
		default:
			return false
		}
	}
	return true
}

// IsZero reports whether the address has zero host, IP and port information.
func (addr Addr) IsZero() bool { return addr.host == "" && addr.ip == nil && !addr.hasPort }

func (addr Addr) MarshalText() (text []byte, err error) {
	return []byte(addr.String()), nil
}

func (addr *Addr) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*addr = Addr{}
		return nil
	}
	var err error
	*addr, err = ParseAddr(text)
	return errtrace.Wrap(err)
}

// Package uri provides SIP URI value types consumed by the message model
// and parsing of SIP/SIPS URIs from their wire form.
package uri

import (
	"github.com/zenvoice/sipcore/internal/types"
)

// Aliases for the shared value types, re-exported so URI consumers don't
// reach into internal packages.
type (
	// Addr is a host with an optional port.
	Addr = types.Addr
	// Values holds URI parameters or headers as a multi-value map.
	Values = types.Values
	// RenderOptions carries options for rendering URIs and headers.
	RenderOptions  = types.RenderOptions
	TransportProto = types.TransportProto
	RequestMethod  = types.RequestMethod
)

// Host builds an Addr from a bare hostname.
func Host(host string) Addr { return types.Host(host) }

// HostPort builds an Addr from a hostname and port.
func HostPort(host string, port uint16) Addr { return types.HostPort(host, port) }

// URI is a parsed SIP or SIPS URI.
type URI interface {
	types.Renderer
	types.Cloneable[URI]
	types.ValidFlag
	types.Equalable
	Scheme() string
	String() string
}

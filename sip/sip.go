// Package sip implements the SIP transaction and transport layers
// as described in RFC 3261 with the updates from RFC 6026.
package sip

//go:generate go tool errtrace -w .

import (
	"math"

	"github.com/zenvoice/sipcore/internal/types"
)

// max read buffer size, max size of the IP packet
const maxMsgSize = math.MaxUint16

// ProtoInfo represents SIP protocol information (name and version).
// See [types.ProtoInfo].
type ProtoInfo = types.ProtoInfo

// ProtoVer20 returns the SIP/2.0 protocol info.
func ProtoVer20() ProtoInfo { return ProtoInfo{Name: "SIP", Version: "2.0"} }

// Addr represents a network address consisting of a host and optional port.
// See [types.Addr].
type Addr = types.Addr

// Host creates an Addr from a hostname without a port.
func Host(host string) Addr { return types.Host(host) }

// HostPort creates an Addr from a hostname and port.
func HostPort(host string, port uint16) Addr { return types.HostPort(host, port) }

// RenderOptions contains options for rendering messages, headers and URIs.
// See [types.RenderOptions].
type RenderOptions = types.RenderOptions

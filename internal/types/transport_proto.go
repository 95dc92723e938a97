package types

import "github.com/zenvoice/sipcore/internal/util"

const (
	TransportProtoUDP TransportProto = "UDP"
	TransportProtoTCP TransportProto = "TCP"
	TransportProtoTLS TransportProto = "TLS"
	TransportProtoWS  TransportProto = "WS"
)

type TransportProto string

func (p TransportProto) ToUpper() TransportProto { return util.UCase(p) }

func (p TransportProto) IsValid() bool { return util.IsToken(p) }

// IsReliable reports whether the transport provides its own delivery guarantees.
func (p TransportProto) IsReliable() bool {
	return !util.EqFold(p, TransportProtoUDP) && p != ""
}

func (p TransportProto) Equal(val any) bool {
	var other TransportProto
	switch v := val.(type) {
	case TransportProto:
		other = v
	case *TransportProto:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return util.EqFold(p, other)
}

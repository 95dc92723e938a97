package types

import "github.com/zenvoice/sipcore/internal/util"

const (
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodPublish   RequestMethod = "PUBLISH"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

type RequestMethod string

var knownRequestMethods = map[RequestMethod]bool{
	RequestMethodAck:       true,
	RequestMethodBye:       true,
	RequestMethodCancel:    true,
	RequestMethodInfo:      true,
	RequestMethodInvite:    true,
	RequestMethodMessage:   true,
	RequestMethodNotify:    true,
	RequestMethodOptions:   true,
	RequestMethodPrack:     true,
	RequestMethodPublish:   true,
	RequestMethodRefer:     true,
	RequestMethodRegister:  true,
	RequestMethodSubscribe: true,
	RequestMethodUpdate:    true,
}

// IsKnownRequestMethod returns whether the method is a known SIP request method.
func IsKnownRequestMethod(method RequestMethod) bool {
	return knownRequestMethods[method.ToUpper()]
}

func (m RequestMethod) ToUpper() RequestMethod { return util.UCase(m) }

func (m RequestMethod) IsValid() bool { return util.IsToken(m) }

func (m RequestMethod) Equal(val any) bool {
	var other RequestMethod
	switch v := val.(type) {
	case RequestMethod:
		other = v
	case *RequestMethod:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return util.EqFold(m, other)
}

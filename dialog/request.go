package dialog

import (
	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/header"
	"github.com/zenvoice/sipcore/sip"
)

// NewRequest builds a new in-dialog request, per RFC 3261 Section 12.2.1.1.
//
// The request carries the dialog Call-ID, the From header with the local tag,
// the To header with the remote tag, the remote target as the Request-URI and
// the dialog route set as Route headers in traversal order. The local CSeq
// number is allocated strictly increasing and is never reused, even when the
// resulting request fails. ACK and CANCEL reuse the CSeq number of the
// request they refer to.
func (d *Dialog) NewRequest(method sip.RequestMethod) (*sip.Request, error) {
	if d.State() == StateTerminated {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}

	d.mu.Lock()
	tpl := d.template()
	if method != sip.RequestMethodAck && method != sip.RequestMethodCancel {
		d.localCSeq++
	}
	d.mu.Unlock()

	return errtrace.Wrap2(tpl.Build(method))
}

// Template returns an immutable capture of the dialog request-building state.
// Requests built from the template carry the same headers as requests built
// by [Dialog.NewRequest] at the capture point, but the template never
// advances the dialog CSeq counter.
func (d *Dialog) Template() RequestTemplate {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.template()
}

// template must be called with d.mu held.
func (d *Dialog) template() RequestTemplate {
	tpl := RequestTemplate{
		CallID:     d.callID,
		LocalURI:   d.localURI.Clone(),
		RemoteURI:  d.remoteURI.Clone(),
		LocalTag:   d.localTag,
		RemoteTag:  d.remoteTag,
		RequestURI: d.remoteTarget.Clone(),
		CSeq:       d.localCSeq,
	}
	if len(d.routeSet) > 0 {
		tpl.RouteSet = make([]header.RouteHop, 0, len(d.routeSet))
		for _, hop := range d.routeSet {
			tpl.RouteSet = append(tpl.RouteSet, cloneHop(hop))
		}
	}
	if d.contact != nil {
		contact := cloneHop(*d.contact)
		tpl.Contact = &contact
	}
	return tpl
}

// RequestTemplate is an immutable capture of everything needed to build one
// in-dialog request without access to the live [Dialog], e.g. from persisted
// state. Use [Dialog.Template] or [TemplateFromRequest] to obtain one.
type RequestTemplate struct {
	CallID     header.CallID
	LocalURI   sip.URI
	RemoteURI  sip.URI
	LocalTag   string
	RemoteTag  string
	RequestURI sip.URI
	CSeq       uint
	RouteSet   []header.RouteHop
	Contact    *header.NameAddr
}

// TemplateFromRequest extracts a [RequestTemplate] from an existing
// in-dialog request built by the local side.
func TemplateFromRequest(req *sip.Request) (RequestTemplate, error) {
	if req == nil {
		return RequestTemplate{}, errtrace.Wrap(sip.NewInvalidArgumentError("invalid request"))
	}

	callID, ok := req.Headers.CallID()
	if !ok {
		return RequestTemplate{}, errtrace.Wrap(sip.NewInvalidMessageError("missing Call-ID header"))
	}
	from, ok := req.Headers.From()
	if !ok {
		return RequestTemplate{}, errtrace.Wrap(sip.NewInvalidMessageError("missing From header"))
	}
	fromTag, ok := from.Tag()
	if !ok {
		return RequestTemplate{}, errtrace.Wrap(ErrMissingTag)
	}
	to, ok := req.Headers.To()
	if !ok {
		return RequestTemplate{}, errtrace.Wrap(sip.NewInvalidMessageError("missing To header"))
	}
	cseq, ok := req.Headers.CSeq()
	if !ok {
		return RequestTemplate{}, errtrace.Wrap(sip.NewInvalidMessageError("missing CSeq header"))
	}

	tpl := RequestTemplate{
		CallID:   callID,
		LocalURI: from.URI.Clone(),
		LocalTag: fromTag,
		CSeq:     cseq.SeqNum,
	}
	if to.URI != nil {
		tpl.RemoteURI = to.URI.Clone()
	}
	tpl.RemoteTag, _ = to.Tag()
	if req.URI != nil {
		tpl.RequestURI = req.URI.Clone()
	}
	tpl.RouteSet = routeSetOf(req.Headers.Routes(), false)
	if contact, ok := req.Headers.Contact(); ok && len(contact) > 0 {
		hop := cloneHop(contact[0])
		tpl.Contact = &hop
	}
	return tpl, nil
}

// Build constructs the in-dialog request for the given method.
//
// The CSeq number matches what [Dialog.NewRequest] would allocate from the
// capture point: the captured number for ACK and CANCEL, the next one for
// any other method. The Via branch is freshly generated on each call, the
// remaining headers are identical between template and dialog construction.
func (tpl RequestTemplate) Build(method sip.RequestMethod) (*sip.Request, error) {
	if tpl.RequestURI == nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("no request URI"))
	}

	seq := tpl.CSeq
	if method != sip.RequestMethodAck && method != sip.RequestMethodCancel {
		seq++
	}

	from := &header.From{
		URI:    tpl.LocalURI.Clone(),
		Params: make(header.Values).Set("tag", tpl.LocalTag),
	}
	to := &header.To{
		URI:    tpl.RemoteURI.Clone(),
		Params: make(header.Values),
	}
	if tpl.RemoteTag != "" {
		to.Params.Set("tag", tpl.RemoteTag)
	}

	hdrs := make(sip.Headers).
		Set(header.Via{{
			Proto:  sip.ProtoVer20(),
			Params: make(header.Values).Set("branch", sip.GenerateBranch(0)),
		}}).
		Set(from).
		Set(to).
		Set(tpl.CallID).
		Set(&header.CSeq{SeqNum: seq, Method: method}).
		Set(header.MaxForwards(70))

	if len(tpl.RouteSet) > 0 {
		route := make(header.Route, 0, len(tpl.RouteSet))
		for _, hop := range tpl.RouteSet {
			route = append(route, cloneHop(hop))
		}
		hdrs.Set(route)
	}
	if tpl.Contact != nil && isTargetRefresh(method) {
		hdrs.Set(header.Contact{cloneHop(*tpl.Contact)})
	}

	return &sip.Request{
		Method:  method,
		URI:     tpl.RequestURI.Clone(),
		Proto:   sip.ProtoVer20(),
		Headers: hdrs,
	}, nil
}

// isTargetRefresh returns whether requests of the method refresh the
// dialog remote target, per RFC 3261 Section 12.2 and RFC 3311 Section 5.2.
func isTargetRefresh(method sip.RequestMethod) bool {
	return method == sip.RequestMethodInvite || method == sip.RequestMethodUpdate
}

package dialog

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"braces.dev/errtrace"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/zenvoice/sipcore/header"
	"github.com/zenvoice/sipcore/internal/log"
	"github.com/zenvoice/sipcore/internal/types"
	"github.com/zenvoice/sipcore/sip"
)

// ID is an opaque local dialog identifier.
type ID string

// State represents the state of a dialog FSM.
type State string

// Dialog states.
const (
	StateEarly      State = "early"
	StateConfirmed  State = "confirmed"
	StateTerminated State = "terminated"
)

// Dialog FSM events.
const (
	evtConfirm   = "confirm"
	evtTerminate = "terminate"
)

// Key is the dialog identification tuple defined in RFC 3261 Section 12.
// The same dialog is identified by the reversed tuple on the peer side.
type Key struct {
	CallID    header.CallID
	LocalTag  string
	RemoteTag string
}

// Reversed returns the key as seen from the peer side.
func (k Key) Reversed() Key {
	return Key{CallID: k.CallID, LocalTag: k.RemoteTag, RemoteTag: k.LocalTag}
}

// StateHandler is called on each dialog state change.
type StateHandler = func(ctx context.Context, d *Dialog, from, to State)

// DialogOptions are the options for a [Dialog].
type DialogOptions struct {
	// Contact is the local contact address advertised in target
	// refresh requests built by the dialog.
	Contact *header.NameAddr
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *DialogOptions) contact() *header.NameAddr {
	if o == nil {
		return nil
	}
	return o.Contact
}

func (o *DialogOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Dialog is a peer-to-peer SIP relationship established by a dialog-forming
// transaction, as defined in RFC 3261 Section 12.
//
// All methods are safe for concurrent use. In-dialog request construction
// serializes the local CSeq allocation, so two concurrent [Dialog.NewRequest]
// calls never observe the same sequence number.
type Dialog struct {
	id        ID
	callID    header.CallID
	localURI  sip.URI
	remoteURI sip.URI
	initiator bool
	contact   *header.NameAddr

	mu           sync.RWMutex
	localTag     string
	remoteTag    string
	remoteTarget sip.URI
	routeSet     []header.RouteHop
	localCSeq    uint
	remoteCSeq   uint

	fsm     *fsm.FSM
	log     *slog.Logger
	onState types.CallbackManager[StateHandler]
}

// FromResponse constructs a dialog from a dialog-forming request and the
// response that established it, per RFC 3261 Section 12.1.
//
// A 2xx response yields a confirmed dialog, a provisional response above 100
// carrying a To tag yields an early dialog. The initiator flag selects the
// UAC or UAS construction rules: the initiator takes its From tag as the
// local tag and reverses the Record-Route set, the recipient takes its To tag
// as the local tag and keeps the set in message order.
func FromResponse(req *sip.Request, res *sip.Response, initiator bool, opts *DialogOptions) (*Dialog, error) {
	if req == nil || res == nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("invalid request or response"))
	}

	switch {
	case res.Status.IsSuccessful():
	case res.Status.IsProvisional() && res.Status > 100:
	default:
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError(
			"response status %d cannot establish a dialog", res.Status))
	}

	callID, ok := req.Headers.CallID()
	if !ok {
		return nil, errtrace.Wrap(sip.NewInvalidMessageError("missing Call-ID header"))
	}
	from, ok := req.Headers.From()
	if !ok {
		return nil, errtrace.Wrap(sip.NewInvalidMessageError("missing From header"))
	}
	fromTag, ok := from.Tag()
	if !ok {
		return nil, errtrace.Wrap(ErrMissingTag)
	}
	to, ok := res.Headers.To()
	if !ok {
		return nil, errtrace.Wrap(sip.NewInvalidMessageError("missing To header"))
	}
	toTag, ok := to.Tag()
	if !ok {
		return nil, errtrace.Wrap(ErrMissingTag)
	}
	cseq, ok := req.Headers.CSeq()
	if !ok {
		return nil, errtrace.Wrap(sip.NewInvalidMessageError("missing CSeq header"))
	}

	d := &Dialog{
		id:        ID(uuid.NewString()),
		callID:    callID,
		initiator: initiator,
		contact:   opts.contact(),
	}
	if initiator {
		// RFC 3261 Section 12.1.2.
		d.localTag = fromTag
		d.remoteTag = toTag
		d.localURI = from.URI.Clone()
		d.remoteURI = to.URI.Clone()
		d.localCSeq = cseq.SeqNum
		d.routeSet = routeSetOf(res.Headers.RecordRoutes(), true)
		d.remoteTarget = contactTarget(res.Headers)
	} else {
		// RFC 3261 Section 12.1.1.
		d.localTag = toTag
		d.remoteTag = fromTag
		d.localURI = to.URI.Clone()
		d.remoteURI = from.URI.Clone()
		d.remoteCSeq = cseq.SeqNum
		d.routeSet = routeSetOf(req.Headers.RecordRoutes(), false)
		d.remoteTarget = contactTarget(req.Headers)
	}
	if d.remoteTarget == nil {
		d.remoteTarget = d.remoteURI.Clone()
	}

	start := StateEarly
	if res.Status.IsSuccessful() {
		start = StateConfirmed
	}
	d.log = opts.log().With(slog.Any("dialog_id", d.id))
	d.initFSM(start)
	return d, nil
}

func (d *Dialog) initFSM(start State) {
	d.fsm = fsm.NewFSM(
		string(start),
		fsm.Events{
			{Name: evtConfirm, Src: []string{string(StateEarly)}, Dst: string(StateConfirmed)},
			{Name: evtTerminate, Src: []string{string(StateEarly), string(StateConfirmed)}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				from, to := State(e.Src), State(e.Dst)
				if from == to {
					return
				}

				d.log.LogAttrs(ctx, slog.LevelDebug, "dialog state changed",
					slog.Any("dialog", d),
					slog.Any("from", from),
					slog.Any("to", to),
				)

				d.onState.Range(func(fn StateHandler) {
					fn(ctx, d, from, to)
				})
			},
		},
	)
}

// routeSetOf copies the Record-Route hops into a dialog route set.
func routeSetOf(hops iter.Seq[header.RouteHop], reverse bool) []header.RouteHop {
	var set []header.RouteHop
	for hop := range hops {
		set = append(set, cloneHop(hop))
	}
	if reverse {
		slices.Reverse(set)
	}
	return set
}

func cloneHop(hop header.RouteHop) header.RouteHop {
	clone := hop
	if hop.URI != nil {
		clone.URI = hop.URI.Clone()
	}
	clone.Params = hop.Params.Clone()
	return clone
}

func contactTarget(hdrs sip.Headers) sip.URI {
	contact, ok := hdrs.Contact()
	if !ok || len(contact) == 0 || contact[0].URI == nil {
		return nil
	}
	return contact[0].URI.Clone()
}

// ID returns the opaque local dialog identifier.
func (d *Dialog) ID() ID { return d.id }

// Key returns the dialog identification tuple.
func (d *Dialog) Key() Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Key{CallID: d.callID, LocalTag: d.localTag, RemoteTag: d.remoteTag}
}

// CallID returns the dialog Call-ID.
func (d *Dialog) CallID() header.CallID { return d.callID }

// LocalTag returns the local dialog tag.
func (d *Dialog) LocalTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localTag
}

// RemoteTag returns the remote dialog tag.
func (d *Dialog) RemoteTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTag
}

// LocalURI returns the local dialog URI.
func (d *Dialog) LocalURI() sip.URI { return d.localURI.Clone() }

// RemoteURI returns the remote dialog URI.
func (d *Dialog) RemoteURI() sip.URI { return d.remoteURI.Clone() }

// RemoteTarget returns the URI in-dialog requests are sent to.
func (d *Dialog) RemoteTarget() sip.URI {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTarget.Clone()
}

// RouteSet returns a copy of the dialog route set.
func (d *Dialog) RouteSet() []header.RouteHop {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set := make([]header.RouteHop, 0, len(d.routeSet))
	for _, hop := range d.routeSet {
		set = append(set, cloneHop(hop))
	}
	return set
}

// LocalCSeq returns the last allocated local CSeq number.
func (d *Dialog) LocalCSeq() uint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localCSeq
}

// RemoteCSeq returns the last CSeq number seen from the peer.
func (d *Dialog) RemoteCSeq() uint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteCSeq
}

// Initiator returns whether the local side sent the dialog-forming request.
func (d *Dialog) Initiator() bool { return d.initiator }

// State returns the current dialog state.
func (d *Dialog) State() State {
	if d == nil || d.fsm == nil {
		return ""
	}
	return State(d.fsm.Current())
}

// OnStateChanged registers a callback to be called on each dialog state change.
func (d *Dialog) OnStateChanged(fn StateHandler) (cancel func()) {
	return d.onState.Add(fn)
}

// Terminate moves the dialog to the terminated state.
// Terminating an already terminated dialog is a no-op.
func (d *Dialog) Terminate(ctx context.Context) error {
	err := d.fsm.Event(ctx, evtTerminate)
	if err == nil || d.State() == StateTerminated {
		return nil
	}
	return errtrace.Wrap(err)
}

// confirm promotes an early dialog on a 2xx final response.
// A forking proxy may deliver the 2xx with a To tag different from the
// provisional one, in which case the remote tag is finalized here.
// Confirming an already confirmed dialog absorbs a retransmitted 2xx.
func (d *Dialog) confirm(ctx context.Context, remoteTag string) (retagged bool, err error) {
	if d.State() == StateTerminated {
		return false, errtrace.Wrap(ErrDialogTerminated)
	}

	d.mu.Lock()
	if remoteTag != "" && remoteTag != d.remoteTag {
		d.remoteTag = remoteTag
		retagged = true
	}
	d.mu.Unlock()

	err = d.fsm.Event(ctx, evtConfirm)
	if err != nil {
		var invErr fsm.InvalidEventError
		if errors.As(err, &invErr) && d.State() == StateConfirmed {
			err = nil
		}
	}
	return retagged, errtrace.Wrap(err)
}

// refreshTarget replaces the remote target from a target refresh request.
func (d *Dialog) refreshTarget(target sip.URI) {
	if target == nil {
		return
	}
	d.mu.Lock()
	d.remoteTarget = target.Clone()
	d.mu.Unlock()
}

// recvCSeq validates and records the CSeq number of an inbound in-dialog
// request, per RFC 3261 Section 12.2.2. ACK and CANCEL carry the CSeq of the
// request they refer to and never advance the counter.
func (d *Dialog) recvCSeq(seq uint, method sip.RequestMethod) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if method == sip.RequestMethodAck || method == sip.RequestMethodCancel {
		if d.remoteCSeq != 0 && seq < d.remoteCSeq {
			return errtrace.Wrap(ErrStaleCSeq)
		}
		return nil
	}
	if d.remoteCSeq != 0 && seq <= d.remoteCSeq {
		return errtrace.Wrap(ErrStaleCSeq)
	}
	d.remoteCSeq = seq
	return nil
}

// LogValue implements the [slog.LogValuer] interface.
func (d *Dialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slog.GroupValue(
		slog.Any("id", d.id),
		slog.Any("call_id", d.callID),
		slog.String("local_tag", d.localTag),
		slog.String("remote_tag", d.remoteTag),
		slog.Bool("initiator", d.initiator),
		slog.Any("state", d.State()),
	)
}

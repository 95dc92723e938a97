package dialog

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/log"
	"github.com/zenvoice/sipcore/internal/syncutil"
	"github.com/zenvoice/sipcore/sip"
)

// EventType represents the type of a dialog event.
type EventType string

// Dialog event types.
const (
	EventDialogCreated      EventType = "dialog_created"
	EventDialogStateChanged EventType = "dialog_state_changed"
)

// Event is a dialog lifecycle notification delivered to [Manager.Subscribe]
// subscribers.
type Event struct {
	Time     time.Time
	Type     EventType
	DialogID ID
	Key      Key
	From     State
	To       State
}

// ManagerOptions are the options for a [Manager].
type ManagerOptions struct {
	// EventBuffer is the default capacity of subscriber event channels.
	// If zero, [DefaultEventBuffer] is used.
	EventBuffer uint
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

// DefaultEventBuffer is the default subscriber event channel capacity.
const DefaultEventBuffer = 64

func (o *ManagerOptions) eventBuf() uint {
	if o == nil || o.EventBuffer == 0 {
		return DefaultEventBuffer
	}
	return o.EventBuffer
}

func (o *ManagerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Manager owns the dialog table and matches inbound in-dialog requests
// to their dialogs.
//
// Dialogs are indexed by the (Call-ID, local tag, remote tag) tuple under
// both orientations, since an inbound request presents the tag pair in the
// direction-dependent order. All mutations of a single dialog are serialized
// under a per-dialog lock, so concurrent in-dialog requests never observe a
// half-updated dialog.
type Manager struct {
	dialogs  *syncutil.ShardMap[ID, *Dialog]
	index    *syncutil.ShardMap[Key, ID]
	locks    syncutil.KeyMutex[ID]
	eventBuf uint
	log      *slog.Logger
	closed   atomic.Bool

	subMu  sync.RWMutex
	subs   map[int]chan Event
	nextID int

	numCreated    atomic.Uint64
	numConfirmed  atomic.Uint64
	numTerminated atomic.Uint64
	numDropped    atomic.Uint64
}

// NewManager creates a dialog [Manager].
func NewManager(opts *ManagerOptions) *Manager {
	return &Manager{
		dialogs:  syncutil.NewShardMap[ID, *Dialog](0),
		index:    syncutil.NewShardMap[Key, ID](0),
		eventBuf: opts.eventBuf(),
		log:      opts.log(),
		subs:     make(map[int]chan Event),
	}
}

// NewDialog constructs a dialog with [FromResponse] and inserts it into the
// dialog table. It fails with [ErrDialogExists] when a live dialog already
// occupies the identification tuple.
func (m *Manager) NewDialog(
	ctx context.Context,
	req *sip.Request,
	res *sip.Response,
	initiator bool,
	opts *DialogOptions,
) (*Dialog, error) {
	if m.closed.Load() {
		return nil, errtrace.Wrap(ErrManagerClosed)
	}
	if opts == nil {
		opts = &DialogOptions{Log: m.log}
	} else if opts.Log == nil {
		o := *opts
		o.Log = m.log
		opts = &o
	}

	d, err := FromResponse(req, res, initiator, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	key := d.Key()
	if _, ok := m.index.SetIfAbsent(key, d.id); !ok {
		return nil, errtrace.Wrap(ErrDialogExists)
	}
	m.index.Set(key.Reversed(), d.id)
	m.dialogs.Set(d.id, d)
	m.numCreated.Add(1)

	d.OnStateChanged(func(ctx context.Context, d *Dialog, from, to State) {
		switch to {
		case StateConfirmed:
			m.numConfirmed.Add(1)
		case StateTerminated:
			m.numTerminated.Add(1)
		}
		m.publish(ctx, Event{
			Time:     time.Now(),
			Type:     EventDialogStateChanged,
			DialogID: d.id,
			Key:      d.Key(),
			From:     from,
			To:       to,
		})
	})

	m.log.LogAttrs(ctx, slog.LevelDebug, "dialog created", slog.Any("dialog", d))
	m.publish(ctx, Event{
		Time:     time.Now(),
		Type:     EventDialogCreated,
		DialogID: d.id,
		Key:      key,
		To:       d.State(),
	})
	return d, nil
}

// Get returns the dialog with the given identifier.
func (m *Manager) Get(id ID) (*Dialog, bool) {
	return m.dialogs.Get(id)
}

// FindForRequest returns the dialog matching the inbound in-dialog request.
// Both the From and To tags are required for a match; a request lacking
// either, or matching no live dialog, yields ok == false. Callers should
// treat a non-match as a stray in-dialog request, typically answered 481.
func (m *Manager) FindForRequest(req *sip.Request) (*Dialog, bool) {
	if req == nil {
		return nil, false
	}
	callID, ok := req.Headers.CallID()
	if !ok {
		return nil, false
	}
	from, ok := req.Headers.From()
	if !ok {
		return nil, false
	}
	fromTag, ok := from.Tag()
	if !ok {
		return nil, false
	}
	to, ok := req.Headers.To()
	if !ok {
		return nil, false
	}
	toTag, ok := to.Tag()
	if !ok {
		return nil, false
	}

	// The recipient's tag is the To tag. The reversed orientation is
	// indexed too, so a single lookup covers both directions.
	id, ok := m.index.Get(Key{CallID: callID, LocalTag: toTag, RemoteTag: fromTag})
	if !ok {
		return nil, false
	}
	return m.dialogs.Get(id)
}

// ConfirmFrom2xx promotes an early dialog on a 2xx final response,
// per RFC 3261 Section 13.2.2.4.
//
// A forking or retransmitting peer may deliver the 2xx with a To tag
// different from the provisional one. The tag change is tolerated: the
// dialog is re-indexed under the final tuple and the change is logged.
func (m *Manager) ConfirmFrom2xx(ctx context.Context, id ID, res *sip.Response) error {
	if res == nil || !res.Status.IsSuccessful() {
		return errtrace.Wrap(sip.NewInvalidArgumentError("not a 2xx response"))
	}
	to, ok := res.Headers.To()
	if !ok {
		return errtrace.Wrap(sip.NewInvalidMessageError("missing To header"))
	}
	toTag, ok := to.Tag()
	if !ok {
		return errtrace.Wrap(ErrMissingTag)
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	d, ok := m.dialogs.Get(id)
	if !ok {
		return errtrace.Wrap(ErrDialogNotFound)
	}

	oldKey := d.Key()
	retagged, err := d.confirm(ctx, toTag)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if retagged {
		newKey := d.Key()
		m.index.Del(oldKey)
		m.index.Del(oldKey.Reversed())
		m.index.Set(newKey, id)
		m.index.Set(newKey.Reversed(), id)
		m.log.LogAttrs(ctx, slog.LevelWarn, "dialog remote tag changed on 2xx",
			slog.Any("dialog", d),
			slog.String("old_tag", oldKey.RemoteTag),
			slog.String("new_tag", newKey.RemoteTag),
		)
	}
	return nil
}

// RecvRequest processes an inbound in-dialog request against its dialog,
// per RFC 3261 Section 12.2.2.
//
// The request CSeq must advance the remote sequence number, otherwise
// [ErrStaleCSeq] is returned and the TU should answer 500. Target refresh
// requests update the dialog remote target from the Contact header.
// A BYE terminates the dialog.
func (m *Manager) RecvRequest(ctx context.Context, req *sip.InboundRequest) (*Dialog, error) {
	if m.closed.Load() {
		return nil, errtrace.Wrap(ErrManagerClosed)
	}
	if req == nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("invalid request"))
	}

	msg := req.Message()
	d, ok := m.FindForRequest(msg)
	if !ok {
		return nil, errtrace.Wrap(ErrDialogNotFound)
	}

	unlock := m.locks.Lock(d.id)
	defer unlock()

	if d.State() == StateTerminated {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}

	cseq, ok := msg.Headers.CSeq()
	if !ok {
		return nil, errtrace.Wrap(sip.NewInvalidMessageError("missing CSeq header"))
	}
	if err := d.recvCSeq(cseq.SeqNum, msg.Method); err != nil {
		m.log.LogAttrs(ctx, slog.LevelDebug, "inbound request out of sequence",
			slog.Any("dialog", d),
			slog.Any("request", req),
		)
		return d, errtrace.Wrap(err)
	}

	if isTargetRefresh(msg.Method) {
		d.refreshTarget(contactTarget(msg.Headers))
	}
	if msg.Method == sip.RequestMethodBye {
		if err := m.remove(ctx, d); err != nil {
			return d, errtrace.Wrap(err)
		}
	}
	return d, nil
}

// Terminate moves the dialog to the terminated state and removes it from the
// dialog table. Terminating an unknown or already terminated dialog is a
// no-op, not an error.
func (m *Manager) Terminate(ctx context.Context, id ID) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	d, ok := m.dialogs.Get(id)
	if !ok {
		return nil
	}
	return errtrace.Wrap(m.remove(ctx, d))
}

// remove must be called with the dialog's per-id lock held.
func (m *Manager) remove(ctx context.Context, d *Dialog) error {
	key := d.Key()
	if err := d.Terminate(ctx); err != nil {
		return errtrace.Wrap(err)
	}
	m.index.Del(key)
	m.index.Del(key.Reversed())
	m.dialogs.Del(d.id)
	return nil
}

// Size returns the number of live dialogs.
func (m *Manager) Size() int {
	return m.dialogs.Size()
}

// All returns an iterator over all live dialogs.
func (m *Manager) All() iter.Seq[*Dialog] {
	return func(yield func(*Dialog) bool) {
		for _, d := range m.dialogs.Items() {
			if !yield(d) {
				return
			}
		}
	}
}

// Subscribe registers a dialog event subscriber and returns its channel.
// The channel is bounded: when the subscriber falls behind, new events are
// dropped and the drop is logged. The returned cancel function unregisters
// the subscriber and closes the channel.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, m.eventBuf)

	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

func (m *Manager) publish(ctx context.Context, evt Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- evt:
		default:
			m.numDropped.Add(1)
			m.log.LogAttrs(ctx, slog.LevelWarn, "dialog event dropped, slow subscriber",
				slog.Any("event_type", evt.Type),
				slog.Any("dialog_id", evt.DialogID),
			)
		}
	}
}

// Close terminates all live dialogs and closes all subscriber channels.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, d := range m.dialogs.Items() {
		unlock := m.locks.Lock(d.id)
		m.remove(ctx, d) //nolint:errcheck
		unlock()
	}

	m.subMu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.subMu.Unlock()

	m.log.LogAttrs(ctx, slog.LevelDebug, "dialog manager closed")
	return nil
}

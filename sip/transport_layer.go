package sip

import (
	"context"
	"errors"
	"iter"
	"maps"
	"net/netip"
	"slices"
	"sync"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/errorutil"
	"github.com/zenvoice/sipcore/internal/types"
)

// TransportLayer tracks a set of transports and serves them, acting as a
// single point for sending and receiving messages.
type TransportLayer struct {
	mu      sync.RWMutex
	transps transpsByProto
	defTp   Transport
	tpsWg   sync.WaitGroup
	closed  bool
	srv     closeOnce
	serving bool
	srvErrs []error

	onReq types.CallbackManager[TransportRequestHandler]
	onRes types.CallbackManager[TransportResponseHandler]

	closer closeOnce
}

type (
	transpsByProto = map[TransportProto]transpsByAddr
	transpsByAddr  = map[netip.AddrPort]*trackedTransp
)

type trackedTransp struct {
	Transport
	// unhook cancels the layer's request and response callbacks on the
	// transport.
	unhook func()
}

// transpIdentity extracts the protocol and local address identifying tp
// within the layer.
func transpIdentity(tp Transport) (TransportProto, netip.AddrPort, error) {
	proto, ok := GetTransportProto(tp)
	if !ok {
		return "", zeroAddrPort, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	laddr, ok := GetTransportLocalAddr(tp)
	if !ok {
		return "", zeroAddrPort, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	return proto, laddr, nil
}

// TrackTransport registers tp with the layer, keyed by protocol and local
// address. When the layer is already serving, tp starts serving too. A second
// transport with the same identity is a no-op.
func (tpl *TransportLayer) TrackTransport(tp Transport, isDef bool) error {
	proto, laddr, err := transpIdentity(tp)
	if err != nil {
		return errtrace.Wrap(err)
	}

	tpl.mu.Lock()
	if tpl.closed {
		tpl.mu.Unlock()
		return errtrace.Wrap(ErrTransportClosed)
	}

	if isDef {
		tpl.defTp = tp
	}

	byAddr := tpl.byAddrFor(proto)
	if _, ok := byAddr[laddr]; ok {
		tpl.mu.Unlock()
		return nil
	}
	cancReq := tp.OnRequest(tpl.recvReq)
	cancRes := tp.OnResponse(tpl.recvRes)
	tracked := &trackedTransp{
		Transport: tp,
		unhook:    func() { cancReq(); cancRes() },
	}
	byAddr[laddr] = tracked
	shouldServe := tpl.serving
	tpl.mu.Unlock()

	if shouldServe {
		tpl.serveTransps(tracked)
	}

	return nil
}

// byAddrFor returns the per-address map for proto, allocating the maps
// on first use. Callers hold tpl.mu.
func (tpl *TransportLayer) byAddrFor(proto TransportProto) transpsByAddr {
	if tpl.transps == nil {
		tpl.transps = make(transpsByProto)
	}
	byAddr := tpl.transps[proto]
	if byAddr == nil {
		byAddr = make(transpsByAddr)
		tpl.transps[proto] = byAddr
	}
	return byAddr
}

func (tpl *TransportLayer) recvReq(ctx context.Context, tp ServerTransport, req *InboundRequest) {
	ctx = context.WithValue(ctx, transpLayerCtxKey, tpl)
	dispatchRequest(ctx, tp, &tpl.onReq, req)
}

func (tpl *TransportLayer) recvRes(ctx context.Context, tp ClientTransport, res *InboundResponse) {
	ctx = context.WithValue(ctx, transpLayerCtxKey, tpl)
	dispatchResponse(ctx, tp, &tpl.onRes, res)
}

// UntrackTransport removes tp from the layer. When tp was the default
// transport, an arbitrary remaining transport takes its place.
func (tpl *TransportLayer) UntrackTransport(tp Transport) error {
	proto, laddr, err := transpIdentity(tp)
	if err != nil {
		return errtrace.Wrap(err)
	}

	tpl.mu.Lock()
	defer tpl.mu.Unlock()

	byAddr := tpl.transps[proto]
	found, ok := byAddr[laddr]
	if !ok {
		return nil
	}

	found.unhook()

	delete(byAddr, laddr)
	if len(byAddr) == 0 {
		delete(tpl.transps, proto)
	}

	if tpl.defTp == tp {
		tpl.defTp = nil
		if tracked := tpl.snapshotTracked(); len(tracked) > 0 {
			tpl.defTp = tracked[0].Transport
		}
	}

	return nil
}

func (tpl *TransportLayer) GetTransport(proto TransportProto, laddr netip.AddrPort) (Transport, bool) {
	tpl.mu.RLock()
	defer tpl.mu.RUnlock()

	found, ok := tpl.getTransp(proto, laddr)
	if !ok {
		return nil, false
	}
	return found.Transport, true
}

func (tpl *TransportLayer) getTransp(proto TransportProto, laddr netip.AddrPort) (*trackedTransp, bool) {
	found, ok := tpl.transps[proto][laddr]
	return found, ok
}

func (tpl *TransportLayer) AllTransports() iter.Seq[Transport] {
	return func(yield func(tp Transport) bool) {
		tpl.mu.RLock()
		defer tpl.mu.RUnlock()

		for _, byAddr := range tpl.transps {
			for tp := range maps.Values(byAddr) {
				if !yield(tp.Transport) {
					return
				}
			}
		}
	}
}

// pickTransp selects the transport for an outbound message. The transport the
// message was bound to wins, then the default transport, then any tracked one.
func (tpl *TransportLayer) pickTransp(proto TransportProto, laddr netip.AddrPort) (Transport, error) {
	tpl.mu.RLock()
	defer tpl.mu.RUnlock()

	if tpl.closed {
		return nil, errtrace.Wrap(ErrTransportClosed)
	}

	if proto != "" && laddr != zeroAddrPort {
		if found, ok := tpl.getTransp(proto, laddr); ok {
			return found.Transport, nil
		}
	}
	if tpl.defTp != nil {
		return tpl.defTp, nil
	}
	if tracked := tpl.snapshotTracked(); len(tracked) > 0 {
		return tracked[0].Transport, nil
	}
	return nil, errtrace.Wrap(ErrNoTransport)
}

func (tpl *TransportLayer) SendRequest(ctx context.Context, req *OutboundRequest, opts *SendRequestOptions) error {
	tp, err := tpl.pickTransp(req.Transport(), req.LocalAddr())
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tp.SendRequest(ctx, req, opts))
}

func (tpl *TransportLayer) SendResponse(ctx context.Context, res *OutboundResponse, opts *SendResponseOptions) error {
	tp, err := tpl.pickTransp(res.Transport(), res.LocalAddr())
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tp.SendResponse(ctx, res, opts))
}

func (tpl *TransportLayer) OnRequest(fn TransportRequestHandler) (cancel func()) {
	return tpl.onReq.Add(fn)
}

func (tpl *TransportLayer) OnResponse(fn TransportResponseHandler) (cancel func()) {
	return tpl.onRes.Add(fn)
}

// Serve starts the read loops of all tracked transports and blocks until the
// layer is closed.
func (tpl *TransportLayer) Serve() error {
	return errtrace.Wrap(tpl.srv.do(tpl.serve))
}

func (tpl *TransportLayer) serve() error {
	tpl.mu.Lock()
	switch {
	case tpl.closed:
		tpl.mu.Unlock()
		return errtrace.Wrap(ErrTransportClosed)
	case tpl.serving:
		// srv already guards this, keep the flag check anyway.
		tpl.mu.Unlock()
		return nil
	}
	tracked := tpl.snapshotTracked()
	tpl.serving = true
	tpl.mu.Unlock()

	tpl.serveTransps(tracked...)
	tpl.tpsWg.Wait()

	tpl.mu.Lock()
	errs, closed := tpl.srvErrs, tpl.closed
	tpl.serving, tpl.srvErrs = false, nil
	tpl.mu.Unlock()

	switch {
	case len(errs) > 0:
		return errtrace.Wrap(errorutil.Join(errs...))
	case closed:
		return errtrace.Wrap(ErrTransportClosed)
	}
	return nil
}

func (tpl *TransportLayer) Close() error {
	return errtrace.Wrap(tpl.closer.do(tpl.close))
}

func (tpl *TransportLayer) close() error {
	tpl.mu.Lock()
	wasClosed := tpl.closed
	tracked := tpl.snapshotTracked()
	tpl.closed, tpl.transps, tpl.defTp = true, nil, nil
	tpl.mu.Unlock()
	if wasClosed {
		return nil
	}

	var errs []error
	for _, tp := range tracked {
		tp.unhook()
		err := tp.Transport.Close()
		if err != nil && !errors.Is(err, ErrTransportClosed) {
			errs = append(errs, err)
		}
	}
	tpl.tpsWg.Wait()

	if len(errs) > 0 {
		return errtrace.Wrap(errorutil.JoinPrefix("failed to close transports:", errs...))
	}
	return nil
}

// snapshotTracked collects every tracked transport. Callers hold tpl.mu.
func (tpl *TransportLayer) snapshotTracked() []*trackedTransp {
	var tracked []*trackedTransp
	for _, byAddr := range tpl.transps {
		tracked = slices.AppendSeq(tracked, maps.Values(byAddr))
	}
	return tracked
}

func (tpl *TransportLayer) serveTransps(tracked ...*trackedTransp) {
	tpl.tpsWg.Add(len(tracked))
	for _, tp := range tracked {
		go tpl.serveTransp(tp)
	}
}

func (tpl *TransportLayer) serveTransp(tp *trackedTransp) {
	defer tpl.tpsWg.Done()
	defer tpl.UntrackTransport(tp.Transport) //nolint:errcheck

	err := tp.Transport.Serve()
	if err == nil || errors.Is(err, ErrTransportClosed) {
		return
	}
	tpl.mu.Lock()
	tpl.srvErrs = append(tpl.srvErrs, err)
	tpl.mu.Unlock()
}

func (*TransportLayer) StatsID() StatsID { return "transport_layer" }

const transpLayerCtxKey types.ContextKey = "transport_layer"

// TransportLayerFromContext extracts the transport layer carried by ctx, if any.
func TransportLayerFromContext(ctx context.Context) (*TransportLayer, bool) {
	tpl, ok := ctx.Value(transpLayerCtxKey).(*TransportLayer)
	return tpl, ok
}

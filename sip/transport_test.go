package sip_test

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/types"
	"github.com/zenvoice/sipcore/sip"
)

// sendReqCall is one SendRequest call captured by the stub.
type sendReqCall struct {
	req  *sip.OutboundRequest
	opts *sip.SendRequestOptions
}

// sendResCall is one SendResponse call captured by the stub.
type sendResCall struct {
	res  *sip.OutboundResponse
	opts *sip.SendResponseOptions
}

// errTransportStub is the failure injected by send hooks in tests.
const errTransportStub sip.Error = "stub transport failure"

// callLog records calls of one kind, exposes them on a channel, and lets a
// test inject a failure through a hook.
type callLog[T any] struct {
	mu    sync.Mutex
	calls []T
	ch    chan T
	hook  func(call T, index int) error
}

func newCallLog[T any]() *callLog[T] {
	return &callLog[T]{ch: make(chan T, 16)}
}

func (l *callLog[T]) record(call T) error {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	idx := len(l.calls) - 1
	hook := l.hook
	l.mu.Unlock()

	if hook != nil {
		if err := hook(call, idx); err != nil {
			return errtrace.Wrap(err)
		}
	}
	l.ch <- call
	return nil
}

func (l *callLog[T]) setHook(fn func(call T, index int) error) {
	l.mu.Lock()
	l.hook = fn
	l.mu.Unlock()
}

func (l *callLog[T]) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *callLog[T]) wait(tb testing.TB, timeout time.Duration) T {
	tb.Helper()

	select {
	case call := <-l.ch:
		return call
	case <-time.After(timeout):
		tb.Fatalf("no call captured within %v", timeout)
		var zero T
		return zero
	}
}

func (l *callLog[T]) ensureNone(tb testing.TB, timeout time.Duration) {
	tb.Helper()

	select {
	case call := <-l.ch:
		tb.Fatalf("unexpected call captured: %+v", call)
	case <-time.After(timeout):
	}
}

func (l *callLog[T]) drain() {
	for {
		select {
		case <-l.ch:
		default:
			return
		}
	}
}

// stubTransport implements sip.Transport for transaction and layer tests.
// The same stub serves as a sip.ClientTransport or sip.ServerTransport.
type stubTransport struct {
	proto   sip.TransportProto
	laddr   netip.AddrPort
	network string
	rel     bool

	mu      sync.Mutex
	closed  bool
	serveCh chan struct{}

	onReqCbs types.CallbackManager[sip.TransportRequestHandler]
	onResCbs types.CallbackManager[sip.TransportResponseHandler]

	reqLog *callLog[sendReqCall]
	resLog *callLog[sendResCall]
}

func newStubTransport(proto sip.TransportProto, port uint16) *stubTransport {
	laddr := netip.MustParseAddrPort(fmt.Sprintf("127.0.0.1:%d", port))
	return newStubTransportExt(proto, strings.ToLower(string(proto)), laddr, false)
}

// newStubClientTransport returns a stub suitable as a sip.ClientTransport.
func newStubClientTransport(
	proto sip.TransportProto,
	netw string,
	laddr netip.AddrPort,
	rel bool,
) *stubTransport {
	return newStubTransportExt(proto, netw, laddr, rel)
}

// newStubServerTransport returns a stub suitable as a sip.ServerTransport.
func newStubServerTransport(
	proto sip.TransportProto,
	netw string,
	laddr netip.AddrPort,
	rel bool,
) *stubTransport {
	return newStubTransportExt(proto, netw, laddr, rel)
}

func newStubTransportExt(
	proto sip.TransportProto,
	netw string,
	laddr netip.AddrPort,
	rel bool,
) *stubTransport {
	return &stubTransport{
		proto:   proto,
		laddr:   laddr,
		network: netw,
		rel:     rel,
		serveCh: make(chan struct{}),
		reqLog:  newCallLog[sendReqCall](),
		resLog:  newCallLog[sendResCall](),
	}
}

func (st *stubTransport) Serve() error {
	<-st.serveCh
	return errtrace.Wrap(sip.ErrTransportClosed)
}

func (st *stubTransport) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return errtrace.Wrap(sip.ErrTransportClosed)
	}
	st.closed = true
	close(st.serveCh)
	return nil
}

func (st *stubTransport) OnRequest(fn sip.TransportRequestHandler) (cancel func()) {
	return st.onReqCbs.Add(fn)
}

func (st *stubTransport) OnResponse(fn sip.TransportResponseHandler) (cancel func()) {
	return st.onResCbs.Add(fn)
}

func (st *stubTransport) LocalAddr() netip.AddrPort { return st.laddr }

func (st *stubTransport) Proto() sip.TransportProto { return st.proto }

func (st *stubTransport) Network() string { return st.network }

func (st *stubTransport) Reliable() bool { return st.rel }

func (*stubTransport) Secured() bool { return false }

func (*stubTransport) Streamed() bool { return false }

func (st *stubTransport) DefaultPort() uint16 { return st.laddr.Port() }

func (st *stubTransport) SendRequest(_ context.Context, req *sip.OutboundRequest, opts *sip.SendRequestOptions) error {
	call := sendReqCall{req: req}
	if opts != nil {
		copied := *opts
		call.opts = &copied
	}
	return errtrace.Wrap(st.reqLog.record(call))
}

func (st *stubTransport) SendResponse(_ context.Context, res *sip.OutboundResponse, opts *sip.SendResponseOptions) error {
	call := sendResCall{res: res}
	if opts != nil {
		copied := *opts
		call.opts = &copied
	}
	return errtrace.Wrap(st.resLog.record(call))
}

func (st *stubTransport) setSendReqHook(fn func(sendReqCall, int) error) { st.reqLog.setHook(fn) }

func (st *stubTransport) setSendResHook(fn func(sendResCall, int) error) { st.resLog.setHook(fn) }

func (st *stubTransport) requestCount() int { return st.reqLog.count() }

func (st *stubTransport) responseCount() int { return st.resLog.count() }

func (st *stubTransport) sendResChan() <-chan sendResCall { return st.resLog.ch }

// triggerRequest feeds the request to the registered handlers as if it
// arrived over the wire.
func (st *stubTransport) triggerRequest(ctx context.Context, req *sip.InboundRequest) {
	st.onReqCbs.Range(func(fn sip.TransportRequestHandler) {
		fn(ctx, st, req)
	})
}

// triggerResponse feeds the response to the registered handlers as if it
// arrived over the wire.
func (st *stubTransport) triggerResponse(ctx context.Context, res *sip.InboundResponse) {
	st.onResCbs.Range(func(fn sip.TransportResponseHandler) {
		fn(ctx, st, res)
	})
}

func (st *stubTransport) waitSendReq(tb testing.TB, timeout time.Duration) sendReqCall {
	tb.Helper()
	return st.reqLog.wait(tb, timeout)
}

func (st *stubTransport) waitSendRes(tb testing.TB, timeout time.Duration) sendResCall {
	tb.Helper()
	return st.resLog.wait(tb, timeout)
}

func (st *stubTransport) ensureNoSendReq(tb testing.TB, timeout time.Duration) {
	tb.Helper()
	st.reqLog.ensureNone(tb, timeout)
}

func (st *stubTransport) ensureNoSendRes(tb testing.TB, timeout time.Duration) {
	tb.Helper()
	st.resLog.ensureNone(tb, timeout)
}

func (st *stubTransport) drainSendReqs() { st.reqLog.drain() }

func (st *stubTransport) drainSendRess() { st.resLog.drain() }

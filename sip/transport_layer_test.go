package sip_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/zenvoice/sipcore/header"
	"github.com/zenvoice/sipcore/sip"
)

// routeTestLayer builds a layer with a default UDP stub and a secondary TCP
// stub, both bound to port 5060.
func routeTestLayer(tb testing.TB) (*sip.TransportLayer, *stubTransport, *stubTransport) {
	tb.Helper()

	layer := &sip.TransportLayer{}
	udpTp := newStubTransport("UDP", 5060)
	tcpTp := newStubTransport("TCP", 5060)

	if err := layer.TrackTransport(udpTp, true); err != nil {
		tb.Fatalf("TrackTransport(UDP) failed: %v", err)
	}
	if err := layer.TrackTransport(tcpTp, false); err != nil {
		tb.Fatalf("TrackTransport(TCP) failed: %v", err)
	}
	return layer, udpTp, tcpTp
}

func countTransports(layer *sip.TransportLayer) int {
	n := 0
	for range layer.AllTransports() {
		n++
	}
	return n
}

func TestTransportLayer_ServeClose(t *testing.T) {
	t.Parallel()

	layer, udpTp, tcpTp := routeTestLayer(t)

	srvErr := make(chan error, 1)
	go func() { srvErr <- layer.Serve() }()

	// Give both transport read loops a moment to start.
	time.Sleep(100 * time.Millisecond)

	if err := layer.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	select {
	case err := <-srvErr:
		if !errors.Is(err, sip.ErrTransportClosed) {
			t.Fatalf("Serve() error = %v, want %v", err, sip.ErrTransportClosed)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve() did not return after Close()")
	}

	// Tracked transports are closed along with the layer.
	for _, tp := range []*stubTransport{udpTp, tcpTp} {
		if err := tp.Close(); !errors.Is(err, sip.ErrTransportClosed) {
			t.Fatalf("transport %s left open after layer close", tp.Proto())
		}
	}

	if err := layer.TrackTransport(newStubTransport("UDP", 5062), false); !errors.Is(err, sip.ErrTransportClosed) {
		t.Fatalf("TrackTransport() after close error = %v, want %v", err, sip.ErrTransportClosed)
	}
}

func TestTransportLayer_TrackUntrack(t *testing.T) {
	t.Parallel()

	layer, udpTp, tcpTp := routeTestLayer(t)

	if got := countTransports(layer); got != 2 {
		t.Fatalf("tracked %d transports, want 2", got)
	}

	// A second transport with the same protocol and address is not tracked.
	if err := layer.TrackTransport(newStubTransport("UDP", 5060), false); err != nil {
		t.Fatalf("TrackTransport(duplicate) failed: %v", err)
	}
	if got := countTransports(layer); got != 2 {
		t.Fatalf("tracked %d transports after duplicate, want 2", got)
	}

	if got, ok := layer.GetTransport(udpTp.Proto(), udpTp.LocalAddr()); !ok || got != sip.Transport(udpTp) {
		t.Fatalf("GetTransport(%s, %s) = %v, %t", udpTp.Proto(), udpTp.LocalAddr(), got, ok)
	}

	// Removing the default transport promotes the remaining one.
	if err := layer.UntrackTransport(udpTp); err != nil {
		t.Fatalf("UntrackTransport(UDP) failed: %v", err)
	}

	outReq := sip.NewOutboundRequest(&sip.Request{})
	if err := layer.SendRequest(t.Context(), outReq, nil); err != nil {
		t.Fatalf("SendRequest() after untrack failed: %v", err)
	}
	if got := tcpTp.requestCount(); got != 1 {
		t.Fatalf("promoted transport saw %d requests, want 1", got)
	}

	// With no transports left there is nothing to send over.
	if err := layer.UntrackTransport(tcpTp); err != nil {
		t.Fatalf("UntrackTransport(TCP) failed: %v", err)
	}
	if err := layer.SendRequest(t.Context(), outReq, nil); !errors.Is(err, sip.ErrNoTransport) {
		t.Fatalf("SendRequest() with no transports error = %v, want %v", err, sip.ErrNoTransport)
	}
}

func TestTransportLayer_ContextPropagation(t *testing.T) {
	t.Parallel()

	layer := &sip.TransportLayer{}
	st := newStubTransport("UDP", 5060)

	type captured struct {
		layer *sip.TransportLayer
		ok    bool
	}
	fromReq := make(chan captured, 1)
	fromRes := make(chan captured, 1)

	layer.OnRequest(func(ctx context.Context, _ sip.ServerTransport, _ *sip.InboundRequest) {
		got, ok := sip.TransportLayerFromContext(ctx)
		fromReq <- captured{got, ok}
	})
	layer.OnResponse(func(ctx context.Context, _ sip.ClientTransport, _ *sip.InboundResponse) {
		got, ok := sip.TransportLayerFromContext(ctx)
		fromRes <- captured{got, ok}
	})

	if err := layer.TrackTransport(st, true); err != nil {
		t.Fatalf("TrackTransport(UDP) failed: %v", err)
	}

	st.triggerRequest(t.Context(), &sip.InboundRequest{})
	st.triggerResponse(t.Context(), &sip.InboundResponse{})

	for name, ch := range map[string]chan captured{"request": fromReq, "response": fromRes} {
		select {
		case c := <-ch:
			if !c.ok || c.layer != layer {
				t.Fatalf("%s handler context does not carry the layer", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s handler was not invoked", name)
		}
	}
}

func TestTransportLayer_SendRequest(t *testing.T) {
	t.Parallel()

	t.Run("routes to the bound transport", func(t *testing.T) {
		t.Parallel()

		layer, udpTp, tcpTp := routeTestLayer(t)

		req := &sip.Request{
			Headers: make(sip.Headers).Set(header.Via{{Transport: tcpTp.Proto()}}),
		}
		outReq := sip.NewOutboundRequest(req)
		outReq.SetLocalAddr(tcpTp.LocalAddr())

		if err := layer.SendRequest(t.Context(), outReq, nil); err != nil {
			t.Fatalf("SendRequest() failed: %v", err)
		}

		if got := tcpTp.requestCount(); got != 1 {
			t.Fatalf("bound transport saw %d requests, want 1", got)
		}
		if got := udpTp.requestCount(); got != 0 {
			t.Fatalf("default transport saw %d requests, want 0", got)
		}
	})

	t.Run("falls back to the default transport", func(t *testing.T) {
		t.Parallel()

		layer, udpTp, tcpTp := routeTestLayer(t)

		// No Via transport and an unknown local address.
		outReq := sip.NewOutboundRequest(&sip.Request{})
		outReq.SetLocalAddr(netip.MustParseAddrPort("127.0.0.1:5070"))

		if err := layer.SendRequest(t.Context(), outReq, nil); err != nil {
			t.Fatalf("SendRequest() failed: %v", err)
		}

		if got := udpTp.requestCount(); got != 1 {
			t.Fatalf("default transport saw %d requests, want 1", got)
		}
		if got := tcpTp.requestCount(); got != 0 {
			t.Fatalf("secondary transport saw %d requests, want 0", got)
		}
	})
}

func TestTransportLayer_SendResponse(t *testing.T) {
	t.Parallel()

	t.Run("routes to the bound transport", func(t *testing.T) {
		t.Parallel()

		layer, udpTp, tcpTp := routeTestLayer(t)

		res := &sip.Response{
			Headers: make(sip.Headers).Set(header.Via{{Transport: tcpTp.Proto()}}),
		}
		outRes := sip.NewOutboundResponse(res)
		outRes.SetLocalAddr(tcpTp.LocalAddr())

		if err := layer.SendResponse(t.Context(), outRes, nil); err != nil {
			t.Fatalf("SendResponse() failed: %v", err)
		}

		if got := tcpTp.responseCount(); got != 1 {
			t.Fatalf("bound transport saw %d responses, want 1", got)
		}
		if got := udpTp.responseCount(); got != 0 {
			t.Fatalf("default transport saw %d responses, want 0", got)
		}
	})

	t.Run("falls back to the default transport", func(t *testing.T) {
		t.Parallel()

		layer, udpTp, tcpTp := routeTestLayer(t)

		outRes := sip.NewOutboundResponse(&sip.Response{})
		outRes.SetLocalAddr(netip.MustParseAddrPort("127.0.0.1:5070"))

		if err := layer.SendResponse(t.Context(), outRes, nil); err != nil {
			t.Fatalf("SendResponse() failed: %v", err)
		}

		if got := udpTp.responseCount(); got != 1 {
			t.Fatalf("default transport saw %d responses, want 1", got)
		}
		if got := tcpTp.responseCount(); got != 0 {
			t.Fatalf("secondary transport saw %d responses, want 0", got)
		}
	})
}

package sip_test

import (
	"testing"
	"time"

	"github.com/zenvoice/sipcore/sip"
)

// assertResponseStatus waits for the next passed-up response and checks
// its status.
func assertResponseStatus(tb testing.TB, resCh <-chan *sip.InboundResponse, want sip.ResponseStatus) {
	tb.Helper()

	var res *sip.InboundResponse
	select {
	case res = <-resCh:
	case <-time.After(100 * time.Millisecond):
		tb.Fatalf("no response passed up, want status %v", want)
	}
	if got := res.Status(); got != want {
		tb.Fatalf("res.Status() = %v, want %v", got, want)
	}
}

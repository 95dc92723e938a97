package sip_test

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/zenvoice/sipcore/header"
	"github.com/zenvoice/sipcore/internal/grammar"
	"github.com/zenvoice/sipcore/internal/util"
	"github.com/zenvoice/sipcore/sip"
	"github.com/zenvoice/sipcore/uri"
)

// Raw fixture lines shared by the parser tests.
const (
	rawInviteLine = "INVITE sip:dave@biloxi.example.com SIP/2.0\r\n"
	rawViaLine    = "Via: SIP/2.0/UDP atlanta.example.com;branch=h7qw2\r\n"
)

// parsedInvite builds the message the parser is expected to produce from
// rawInviteLine+rawViaLine, with mut applying per-case tweaks.
func parsedInvite(mut func(req *sip.Request)) *sip.Request {
	req := &sip.Request{
		Method: sip.RequestMethodInvite,
		URI: &uri.SIP{
			User: uri.User("dave"),
			Addr: uri.Host("biloxi.example.com"),
		},
		Proto: sip.ProtoVer20(),
		Headers: make(sip.Headers).
			Append(header.Via{
				{
					Proto:     sip.ProtoVer20(),
					Transport: "UDP",
					Addr:      header.Host("atlanta.example.com"),
					Params:    make(header.Values).Append("branch", "h7qw2"),
				},
			}),
	}
	if mut != nil {
		mut(req)
	}
	return req
}

func TestParsePacket(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantMsg sip.Message
		wantErr error
	}{
		{name: "empty", wantErr: io.EOF},
		{
			name:  "truncated start line",
			input: "INVITE sip:dave",
			wantErr: &sip.ParseError{
				Err:   grammar.ErrMalformedInput,
				State: sip.ParseStateStart,
				Data:  []byte("INVITE sip:dave"),
			},
		},
		{
			name:  "start line with empty URI",
			input: "INVITE  \r\n\r\n",
			wantErr: &sip.ParseError{
				Err:   grammar.ErrMalformedInput,
				State: sip.ParseStateStart,
				Data:  []byte("INVITE  "),
			},
		},
		{
			name:  "truncated headers",
			input: rawInviteLine + rawViaLine,
			wantErr: &sip.ParseError{
				Err:   sip.NewInvalidMessageError("incomplete headers"),
				State: sip.ParseStateHeaders,
				Msg:   parsedInvite(nil),
			},
		},
		{
			name:  "header without a colon",
			input: rawInviteLine + rawViaLine + "gibberish\r\n\r\n",
			wantErr: &sip.ParseError{
				Err:   grammar.ErrMalformedInput,
				State: sip.ParseStateHeaders,
				Data:  []byte("gibberish"),
				Msg:   parsedInvite(nil),
			},
		},
		{
			// Without Content-Length the rest of the packet is the body.
			name:  "implicit body",
			input: rawInviteLine + rawViaLine + "\r\nfirst\r\nsecond",
			wantMsg: parsedInvite(func(req *sip.Request) {
				req.Body = []byte("first\r\nsecond")
			}),
		},
		{
			// Content-Length: 0 cuts the body off even when bytes follow.
			name:  "explicit empty body",
			input: rawInviteLine + rawViaLine + "Content-Length: 0\r\n\r\nfirst\r\nsecond",
			wantMsg: parsedInvite(func(req *sip.Request) {
				req.Headers.Append(header.ContentLength(0))
			}),
		},
		{
			name: "two messages in one packet",
			input: rawInviteLine + rawViaLine + "Content-Length: 0\r\n\r\n" +
				"SIP/2.0 200 OK\r\nContent-Length: 0\r\n\r\n",
			wantMsg: parsedInvite(func(req *sip.Request) {
				req.Headers.Append(header.ContentLength(0))
			}),
		},
		{
			name:  "body shorter than Content-Length",
			input: rawInviteLine + rawViaLine + "Content-Length: 18\r\n\r\ntoo short",
			wantErr: &sip.ParseError{
				Err:   sip.NewInvalidMessageError("incomplete body"),
				State: sip.ParseStateBody,
				Data:  []byte("too short"),
				Msg: parsedInvite(func(req *sip.Request) {
					req.Headers.Append(header.ContentLength(18))
					req.Body = append([]byte("too short"), make([]byte, 9)...)
				}),
			},
		},
		{
			name: "folded, registered and unknown headers",
			input: "SIP/2.0 200 OK\r\n" +
				"Via: SIP/2.0/UDP atlanta.example.com;branch=h7qw2,\r\n" +
				"\tSIP/2.0/UDP proxy.example.org;branch=a4c11\r\n" +
				"Via: SIP/2.0/UDP biloxi.example.com;branch=m9d04\r\n" +
				"From: <sip:carol@atlanta.example.com>;tag=7f3e92\r\n" +
				"To: <sip:dave@biloxi.example.com>;tag=b44c1\r\n" +
				"CSeq: 1 INVITE\r\n" +
				"Call-ID: 91c2-7f3e\r\n" +
				"Max-Forwards: 70\r\n" +
				"P-Custom-Header: 123 abc\r\n" +
				"X-Generic-Header: qwe\r\n" +
				"\r\n" +
				"done\r\n",
			wantMsg: &sip.Response{
				Status: 200,
				Reason: "OK",
				Proto:  sip.ProtoVer20(),
				Headers: make(sip.Headers).
					Append(header.Via{
						{
							Proto:     sip.ProtoVer20(),
							Transport: "UDP",
							Addr:      header.Host("atlanta.example.com"),
							Params:    make(header.Values).Append("branch", "h7qw2"),
						},
						{
							Proto:     sip.ProtoVer20(),
							Transport: "UDP",
							Addr:      header.Host("proxy.example.org"),
							Params:    make(header.Values).Append("branch", "a4c11"),
						},
					}).
					Append(header.Via{
						{
							Proto:     sip.ProtoVer20(),
							Transport: "UDP",
							Addr:      header.Host("biloxi.example.com"),
							Params:    make(header.Values).Append("branch", "m9d04"),
						},
					}).
					Append(&header.From{
						URI: &uri.SIP{
							User: uri.User("carol"),
							Addr: uri.Host("atlanta.example.com"),
						},
						Params: make(header.Values).Append("tag", "7f3e92"),
					}).
					Append(&header.To{
						URI: &uri.SIP{
							User: uri.User("dave"),
							Addr: uri.Host("biloxi.example.com"),
						},
						Params: make(header.Values).Append("tag", "b44c1"),
					}).
					Append(&header.CSeq{SeqNum: 1, Method: "INVITE"}).
					Append(header.CallID("91c2-7f3e")).
					Append(header.MaxForwards(70)).
					Append(&customHeader{"P-Custom-Header", 123, "abc"}).
					Append(&header.Any{Name: "X-Generic-Header", Value: "qwe"}),
				Body: []byte("done\r\n"),
			},
		},
	}

	header.RegisterParser("p-custom-header", parseCustomHeader)
	defer header.UnregisterParser("p-custom-header")

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			msg, err := sip.ParsePacket([]byte(c.input))
			input := util.Ellipsis(c.input, 35)

			if c.wantErr != nil {
				if !equalParseErr(err, c.wantErr) {
					t.Errorf("sip.ParsePacket(%q) error = %v, want %v\ndiff (-got +want):\n%v",
						input, err, c.wantErr,
						cmp.Diff(err, c.wantErr, cmpopts.EquateErrors()),
					)
				}
				return
			}

			if err != nil {
				t.Errorf("sip.ParsePacket(%q) error = %v, want nil", input, err)
			}
			if diff := cmp.Diff(msg, c.wantMsg); diff != "" {
				t.Errorf("sip.ParsePacket(%q) = %+v, want %+v\ndiff (-got +want):\n%v",
					input, msg, c.wantMsg, diff,
				)
			}
		})
	}
}

func TestParsePacket_ContentLengthTooLarge(t *testing.T) {
	t.Parallel()

	contentLen := sip.MaxMsgSize + 1
	input := []byte(rawInviteLine + rawViaLine +
		"Content-Length: " + strconv.Itoa(int(contentLen)) + "\r\n\r\n")

	msg, err := sip.ParsePacket(input)
	if msg != nil {
		t.Fatalf("sip.ParsePacket(input) msg = %+v, want nil", msg)
	}

	want := &sip.ParseError{
		Err:   sip.ErrEntityTooLarge,
		State: sip.ParseStateHeaders,
		Msg: parsedInvite(func(req *sip.Request) {
			req.Headers.Append(header.ContentLength(contentLen))
		}),
	}
	if !equalParseErr(err, want) {
		t.Fatalf("sip.ParsePacket(input) error = %v, want %v\ndiff (-got +want):\n%v",
			err, want,
			cmp.Diff(err, want, cmpopts.EquateErrors()),
		)
	}
}

func TestParseStream(t *testing.T) {
	// Writes arrive in arbitrary fragments, the parser must reassemble
	// them and resync after malformed input.
	inputs := []string{
		"INVITE ", "one two", " three\r\n",

		"OPTIONS sip:dave", "@biloxi.example.com SIP/2.0\r\n",
		"Content-Length: 37\r\n",
		"\r\n",
		"SIP/2.0 200 OK\r\nContent-Length: 0\r\n\r\n",

		"SIP/2.0 200 OK\r\nContent-Length: 0\r\n\r\ntail\r\n",

		"INVITE sip:carol@atlanta.example.com SIP/2.0\r\n",
		"Via: SIP/2.0/UDP localhost:5060\r\n",
		"\r\n",

		"INVITE sip:carol@atlanta.example.com SIP/2.0\r\n",
		"Via: SIP/2.0/UDP localhost:5060\r\n",
		"Content-Length: 5\r\n",
		"\r\n",
		"12345SIP/2.0 100 Trying\r\n",
		"Content-Length: 10\r\n\r\n",
		"123",
	}

	streamInvite := func(mut func(req *sip.Request)) *sip.Request {
		req := &sip.Request{
			Method: sip.RequestMethodInvite,
			URI: &uri.SIP{
				User: uri.User("carol"),
				Addr: uri.Host("atlanta.example.com"),
			},
			Proto: sip.ProtoVer20(),
			Headers: make(sip.Headers).Set(header.Via{
				{
					Proto:     sip.ProtoVer20(),
					Transport: "UDP",
					Addr:      uri.HostPort("localhost", 5060),
				},
			}),
		}
		if mut != nil {
			mut(req)
		}
		return req
	}

	type result struct {
		msg sip.Message
		err error
	}
	wantResults := []result{
		{
			err: &sip.ParseError{
				State: sip.ParseStateStart,
				Err:   grammar.ErrMalformedInput,
				Data:  []byte("INVITE one two three"),
			},
		},
		{
			// The next message swallowed as the body of this one.
			msg: &sip.Request{
				Method: sip.RequestMethodOptions,
				URI: &uri.SIP{
					User: uri.User("dave"),
					Addr: uri.Host("biloxi.example.com"),
				},
				Proto:   sip.ProtoVer20(),
				Headers: make(sip.Headers).Set(header.ContentLength(37)),
				Body:    []byte("SIP/2.0 200 OK\r\nContent-Length: 0\r\n\r\n"),
			},
		},
		{
			msg: &sip.Response{
				Status:  200,
				Reason:  "OK",
				Proto:   sip.ProtoVer20(),
				Headers: make(sip.Headers).Set(header.ContentLength(0)),
			},
		},
		{
			err: &sip.ParseError{
				State: sip.ParseStateStart,
				Err:   grammar.ErrMalformedInput,
				Data:  []byte("tail"),
			},
		},
		{
			// Content-Length is mandatory over a stream.
			err: &sip.ParseError{
				State: sip.ParseStateHeaders,
				Err:   sip.NewInvalidMessageError("missing mandatory header \"Content-Length\""),
				Msg:   streamInvite(nil),
			},
		},
		{
			msg: streamInvite(func(req *sip.Request) {
				req.Headers.Set(header.ContentLength(5))
				req.Body = []byte("12345")
			}),
		},
		{
			err: &sip.ParseError{
				State: sip.ParseStateBody,
				Err:   sip.NewInvalidMessageError("incomplete body"),
				Data:  []byte("123"),
				Msg: &sip.Response{
					Status:  100,
					Reason:  "Trying",
					Proto:   sip.ProtoVer20(),
					Headers: make(sip.Headers).Set(header.ContentLength(10)),
					Body:    append([]byte("123"), make([]byte, 7)...),
				},
			},
		},
		{err: io.EOF},
	}

	pr, pw := io.Pipe()
	wg := sync.WaitGroup{}
	wg.Go(func() {
		for _, in := range inputs {
			if _, err := pw.Write([]byte(in)); err != nil {
				t.Errorf("pw.Write(buf) error = %v, want nil", err)
			}
		}
		pw.Close()
	})

	gotResults := make([]result, 0)
	for msg, err := range sip.ParseStream(pr) {
		gotResults = append(gotResults, result{msg, err})
		if errors.Is(err, io.EOF) {
			break
		}
	}

	wg.Wait()

	cmpOpts := []cmp.Option{
		cmp.AllowUnexported(result{}),
		cmp.Comparer(equalParseErr),
	}
	if diff := cmp.Diff(gotResults, wantResults, cmpOpts...); diff != "" {
		t.Errorf("sip.ParseStream() = %+v, want %+v\ndiff (-got +want):\n%v", gotResults, wantResults, diff)
	}
}

func TestParseStream_ContentLengthTooLarge(t *testing.T) {
	t.Parallel()

	contentLen := sip.MaxMsgSize + 1
	input := []byte(rawInviteLine + rawViaLine +
		"Content-Length: " + strconv.Itoa(int(contentLen)) + "\r\n\r\n")

	var msg sip.Message
	var err error
	for m, e := range sip.ParseStream(bytes.NewReader(input)) {
		msg = m
		err = e
		break
	}

	if msg != nil {
		t.Fatalf("sip.ParseStream(input) first msg = %+v, want nil", msg)
	}

	want := &sip.ParseError{
		Err:   sip.ErrEntityTooLarge,
		State: sip.ParseStateHeaders,
		Msg: parsedInvite(func(req *sip.Request) {
			req.Headers.Append(header.ContentLength(contentLen))
		}),
	}
	if !equalParseErr(err, want) {
		t.Fatalf("sip.ParseStream(input) first error = %v, want %v\ndiff (-got +want):\n%v",
			err, want,
			cmp.Diff(err, want, cmpopts.EquateErrors()),
		)
	}
}

// equalParseErr compares two parser errors field by field, falling back to
// errors.Is for plain errors.
func equalParseErr(e1, e2 error) bool {
	//nolint:errorlint
	if e1 == e2 || errors.Is(e1, e2) || errors.Is(e2, e1) {
		return true
	}

	var pe1, pe2 *sip.ParseError
	if !errors.As(e1, &pe1) || !errors.As(e2, &pe2) {
		return false
	}
	if pe1.State != pe2.State || !bytes.Equal(pe1.Data, pe2.Data) {
		return false
	}
	if !errors.Is(pe1.Err, pe2.Err) && !errors.Is(pe2.Err, pe1.Err) && pe1.Err.Error() != pe2.Err.Error() {
		return false
	}
	return cmp.Equal(pe1.Msg, pe2.Msg)
}

package sip

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/textproto"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/header"
	"github.com/zenvoice/sipcore/internal/errorutil"
	"github.com/zenvoice/sipcore/internal/grammar"
	"github.com/zenvoice/sipcore/internal/util"
	"github.com/zenvoice/sipcore/uri"
)

// Parser parses inbound SIP messages.
//
// It provides methods for parsing a single SIP message from a byte slice or
// multiple SIP messages from a byte stream.
type Parser interface {
	// ParsePacket parses a single SIP message from the given buffer b.
	//
	// Any implementation must satisfy the following contract:
	// - it assumes that b contains a full SIP message;
	// - in success case, it returns a [Message] and nil error;
	// - if an error occurs during parsing, it returns nil message and non-nil
	//   error, typically [ParseError] carrying the incomplete message;
	// - if b contains more than one SIP message, only the first one is parsed
	//   and anything else is treated as the message body or ignored.
	ParsePacket(b []byte) (Message, error)
	// ParseStream returns an iterator that parses SIP messages from the given
	// [io.Reader] and yields each parsed [Message] and an error, if any.
	//
	// Any implementation must satisfy the following contract:
	// - in success case, it yields a [Message] and nil error;
	// - if an error occurs during parsing, it yields nil message and non-nil
	//   error, typically [ParseError] carrying the incomplete message;
	// - the iteration ends after an [io.EOF] is yielded.
	ParseStream(r io.Reader) iter.Seq2[Message, error]
}

// DefaultParser returns the default SIP message parser backed by
// [ParsePacket] and [ParseStream].
func DefaultParser() Parser { return stdParser{} }

type stdParser struct{}

func (stdParser) ParsePacket(b []byte) (Message, error) { return errtrace.Wrap2(ParsePacket(b)) }

func (stdParser) ParseStream(r io.Reader) iter.Seq2[Message, error] { return ParseStream(r) }

// ParseHeader parses a single header value into a typed header.
// See [header.Parse] for details.
func ParseHeader[T ~string](name T, value string) (Header, error) {
	return errtrace.Wrap2(header.Parse(name, value))
}

// ParsePacket parses a single SIP message from the given buffer b.
//
// It assumes that b contains a full SIP message. If the message carries no
// Content-Length header, the rest of the buffer after the headers becomes
// the message body.
//
// In success case, it returns a [Message] and nil error. If an error occurs
// during parsing, it returns nil and a [ParseError] with the parsing state
// and the incomplete message, if any. An empty buffer results in [io.EOF].
func ParsePacket(b []byte) (Message, error) {
	r := borrowByteRdr(b)
	br := borrowLineRdr(r)
	txtRdr := borrowHdrRdr(br)
	defer func() {
		releaseHdrRdr(txtRdr)
		releaseLineRdr(br)
		releaseByteRdr(r)
	}()
	return errtrace.Wrap2(parseMessage(br, txtRdr, true))
}

// ParseStream returns an iterator that parses SIP messages from the given
// [io.Reader] and yields each parsed [Message] and an error, if any.
//
// Unlike [ParsePacket], a message must carry the Content-Length header so
// the parser can find the message boundary within the stream. Empty lines
// between messages are skipped.
//
// On a parse failure the iterator yields a [ParseError] and resumes parsing
// from the next line, so the consumer decides whether to break or continue.
// The iteration ends after an [io.EOF] is yielded.
//
// Example:
//
//	for msg, err := range sip.ParseStream(conn) {
//		if err != nil {
//			var perr *sip.ParseError
//			if errors.As(err, &perr) {
//				// perr.Msg can contain the incomplete message
//				continue
//			}
//			break
//		}
//		// everything is ok, the message is complete
//	}
func ParseStream(rdr io.Reader) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		br := borrowLineRdr(rdr)
		txtRdr := borrowHdrRdr(br)
		defer func() {
			releaseHdrRdr(txtRdr)
			releaseLineRdr(br)
		}()
		for {
			msg, err := parseMessage(br, txtRdr, false)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				var perr *ParseError
				if !errors.As(err, &perr) {
					// read error or end of the stream
					return
				}
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// ParseError represents an error occurred during message parsing.
type ParseError struct {
	// Err is the underlying error.
	Err error
	// State is the parsing state where the error occurred.
	State ParseState
	// Data holds the input bytes that caused the error, if known.
	Data []byte
	// Msg holds the incomplete message parsed so far, if any.
	Msg Message
}

func (err *ParseError) Error() string {
	return fmt.Sprintf("parsing failed on %v: %v", err.State, err.Err)
}

func (err *ParseError) Unwrap() error { return err.Err }

func (err *ParseError) Grammar() bool { return grammar.IsGrammarErr(err.Err) }

func (err *ParseError) Timeout() bool { return errorutil.IsTimeoutErr(err.Err) }

func (err *ParseError) Temporary() bool { return errorutil.IsTemporaryErr(err.Err) }

// ParseState represents a phase of the SIP message parsing.
type ParseState int

const (
	ParseStateStart   ParseState = iota // parsing message start line
	ParseStateHeaders                   // parsing message headers
	ParseStateBody                      // parsing message body
)

func (s ParseState) String() string {
	switch s {
	case ParseStateStart:
		return "start line"
	case ParseStateHeaders:
		return "headers"
	case ParseStateBody:
		return "body"
	default:
		return "unknown state " + strconv.Itoa(int(s))
	}
}

func parseMessage(rdr *bufio.Reader, txtRdr *textproto.Reader, packetMode bool) (Message, error) {
	var line string
	for {
		var err error
		line, err = txtRdr.ReadLine()
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		// skip empty lines between messages, often used as keep-alives
		if line != "" {
			break
		}
	}

	msg, err := parseMessageStart(line)
	if err != nil {
		return nil, errtrace.Wrap(&ParseError{Err: err, State: ParseStateStart, Data: []byte(line)})
	}

	hdrs := make(Headers)
	SetMessageHeaders(msg, hdrs)
	for {
		line, err := txtRdr.ReadContinuedLine()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = NewInvalidMessageError("incomplete headers")
			}
			return nil, errtrace.Wrap(&ParseError{Err: err, State: ParseStateHeaders, Msg: msg})
		}
		if line == "" {
			break
		}

		name, val, found := strings.Cut(line, ":")
		if !found {
			err := errorutil.Errorf("%w: header line without a colon", grammar.ErrMalformedInput)
			return nil, errtrace.Wrap(&ParseError{Err: err, State: ParseStateHeaders, Data: []byte(line), Msg: msg})
		}
		hdr, err := header.Parse(name, val)
		if err != nil {
			return nil, errtrace.Wrap(&ParseError{Err: err, State: ParseStateHeaders, Data: []byte(line), Msg: msg})
		}
		hdrs.Append(hdr)
	}

	var size uint
	if cl, ok := hdrs.ContentLength(); ok {
		size = uint(cl)
		if size > MaxMsgSize {
			return nil, errtrace.Wrap(&ParseError{Err: ErrEntityTooLarge, State: ParseStateHeaders, Msg: msg})
		}
	} else if packetMode {
		size = uint(rdr.Buffered())
	} else {
		err := NewInvalidMessageError(fmt.Sprintf("missing mandatory header %q", HeaderName("Content-Length")))
		return nil, errtrace.Wrap(&ParseError{Err: err, State: ParseStateHeaders, Msg: msg})
	}
	if size == 0 {
		return msg, nil
	}

	body := make([]byte, size)
	SetMessageBody(msg, body)
	num, err := io.ReadFull(rdr, body)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = NewInvalidMessageError("incomplete body")
		}
		return nil, errtrace.Wrap(&ParseError{Err: err, State: ParseStateBody, Data: body[:num], Msg: msg})
	}
	return msg, nil
}

func parseMessageStart(line string) (Message, error) {
	part1, rest, found := strings.Cut(line, " ")
	if !found {
		return nil, errtrace.Wrap(errorutil.Errorf("%w: malformed start line %q", grammar.ErrMalformedInput, line))
	}

	if proto, ok := parseProtoInfo(part1); ok {
		// status line: SIP-Version SP Status-Code SP Reason-Phrase
		statusStr, reason, _ := strings.Cut(rest, " ")
		status, err := strconv.ParseUint(statusStr, 10, 16)
		if err != nil {
			return nil, errtrace.Wrap(errorutil.Errorf("%w: malformed status code %q", grammar.ErrMalformedInput, statusStr))
		}
		return &Response{
			Status: ResponseStatus(status),
			Reason: ResponseReason(reason),
			Proto:  proto,
		}, nil
	}

	// request line: Method SP Request-URI SP SIP-Version
	method := util.UCase(part1)
	if !util.IsToken(method) {
		return nil, errtrace.Wrap(errorutil.Errorf("%w: malformed method %q", grammar.ErrMalformedInput, part1))
	}
	uriStr, protoStr, found := strings.Cut(rest, " ")
	if !found || strings.Contains(protoStr, " ") {
		return nil, errtrace.Wrap(errorutil.Errorf("%w: malformed request line %q", grammar.ErrMalformedInput, line))
	}
	proto, ok := parseProtoInfo(protoStr)
	if !ok {
		return nil, errtrace.Wrap(errorutil.Errorf("%w: malformed protocol version %q", grammar.ErrMalformedInput, protoStr))
	}
	u, err := uri.Parse(uriStr)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.Errorf("%w: %w", grammar.ErrMalformedInput, err))
	}
	return &Request{
		Method: RequestMethod(method),
		URI:    u,
		Proto:  proto,
	}, nil
}

func parseProtoInfo(s string) (ProtoInfo, bool) {
	name, ver, found := strings.Cut(s, "/")
	if !found || !util.IsToken(name) || ver == "" {
		return ProtoInfo{}, false
	}
	return ProtoInfo{Name: name, Version: ver}, true
}

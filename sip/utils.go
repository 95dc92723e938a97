package sip

import (
	"bufio"
	"bytes"
	"io"
	"net/textproto"
	"sync"
)

// pool is a typed sync.Pool for the per-message scratch objects of the
// parser and the transport renderers.
type pool[T any] struct{ sync.Pool }

func (p *pool[T]) get() T { return p.Get().(T) } //nolint:forcetypeassert

var (
	msgBufs = pool[*bytes.Buffer]{sync.Pool{
		New: func() any { return bytes.NewBuffer(make([]byte, 0, 1024)) },
	}}
	byteRdrs = pool[*bytes.Reader]{sync.Pool{
		New: func() any { return bytes.NewReader(nil) },
	}}
	lineRdrs = pool[*bufio.Reader]{sync.Pool{
		New: func() any { return bufio.NewReaderSize(nil, maxMsgSize) },
	}}
	hdrRdrs = pool[*textproto.Reader]{sync.Pool{
		New: func() any { return new(textproto.Reader) },
	}}
)

func borrowMsgBuf() *bytes.Buffer { return msgBufs.get() }

func releaseMsgBuf(b *bytes.Buffer) {
	b.Reset()
	// Oversized buffers are left for the GC.
	if b.Cap() <= maxMsgSize {
		msgBufs.Put(b)
	}
}

func borrowByteRdr(b []byte) *bytes.Reader {
	r := byteRdrs.get()
	r.Reset(b)
	return r
}

func releaseByteRdr(r *bytes.Reader) {
	r.Reset(nil)
	byteRdrs.Put(r)
}

func borrowLineRdr(r io.Reader) *bufio.Reader {
	br := lineRdrs.get()
	br.Reset(r)
	return br
}

func releaseLineRdr(br *bufio.Reader) {
	br.Reset(nil)
	lineRdrs.Put(br)
}

func borrowHdrRdr(br *bufio.Reader) *textproto.Reader {
	tr := hdrRdrs.get()
	tr.R = br
	return tr
}

func releaseHdrRdr(tr *textproto.Reader) {
	tr.R = nil
	hdrRdrs.Put(tr)
}

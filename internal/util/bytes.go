package util

import (
	"encoding/binary"
	"errors"
	"math/bits"

	"braces.dev/errtrace"
)

var (
	ErrUnexpectedEOF    = errors.New("unexpected end of data")
	ErrMalformedUvarint = errors.New("malformed uvarint")
)

// SizeUVarInt returns the varint-encoded size of val.
func SizeUVarInt(val uint64) int { return (bits.Len64(val|1) + 6) / 7 }

// AppendUVarInt appends val varint-encoded to buf.
func AppendUVarInt(buf []byte, val uint64) []byte {
	return binary.AppendUvarint(buf, val)
}

// ConsumeUVarInt decodes a varint from the head of data and returns it
// with the remaining bytes.
func ConsumeUVarInt(data []byte) (uint64, []byte, error) {
	val, n := binary.Uvarint(data)
	switch {
	case n > 0:
		return val, data[n:], nil
	case n < 0:
		return 0, nil, errtrace.Wrap(ErrMalformedUvarint)
	default:
		return 0, nil, errtrace.Wrap(ErrUnexpectedEOF)
	}
}

// SizePrefixedString returns the encoded size of val with its length
// prefix.
func SizePrefixedString[T ~string | ~[]byte](val T) int {
	return SizeUVarInt(uint64(len(val))) + len(val)
}

// AppendPrefixedString appends val to buf behind a varint length
// prefix.
func AppendPrefixedString[T ~string | ~[]byte](buf []byte, val T) []byte {
	return append(AppendUVarInt(buf, uint64(len(val))), val...)
}

// ConsumePrefixedString decodes a length-prefixed string from the head
// of data and returns it with the remaining bytes.
func ConsumePrefixedString(data []byte) (string, []byte, error) {
	length, rest, err := ConsumeUVarInt(data)
	if err != nil {
		return "", nil, errtrace.Wrap(err)
	}
	if length > uint64(len(rest)) {
		return "", nil, errtrace.Wrap(ErrUnexpectedEOF)
	}
	return string(rest[:length]), rest[length:], nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec implements the MMQP variable-width binary encoding.
//
// Every length-prefixed value is laid out as
//
//	[sizeByteCount][sizeBytes...][payload...]
//
// where sizeByteCount (0-8) tells how many big-endian bytes follow that hold
// the payload length (or, for bare integers, the value itself). A zero
// sizeByteCount means an empty payload with no further bytes.
package codec

import (
	"errors"
	"fmt"
	"math/bits"
	"unicode/utf8"
)

// MaxSizeBytes is the largest size byte count: a full 64-bit length.
const MaxSizeBytes = 8

var (
	// ErrEncodingTooLarge is returned when a value cannot be length-prefixed.
	// It cannot happen for 64-bit lengths and is kept for completeness.
	ErrEncodingTooLarge = errors.New("value too large to encode")

	// ErrInvalidEncoding is returned for malformed encodings: a size byte
	// count above 8 or a string payload that is not valid UTF-8.
	ErrInvalidEncoding = errors.New("invalid encoding")

	// ErrTruncated is returned when the buffer ends before a decode step
	// has consumed everything it needs.
	ErrTruncated = errors.New("truncated message")
)

// lengthBytes returns the minimal number of big-endian bytes needed for n.
func lengthBytes(n uint64) int {
	return (bits.Len64(n) + 7) / 8
}

// SizeOfLength returns the number of bytes EncodeLength(n) produces.
func SizeOfLength(n uint64) int {
	return 1 + lengthBytes(n)
}

// SizeOf returns the number of bytes EncodeString(s) produces.
func SizeOf(s string) int {
	if len(s) == 0 {
		return 1
	}
	return SizeOfLength(uint64(len(s))) + len(s)
}

// SizeOfBytes returns the number of bytes EncodeBytes(b) produces.
func SizeOfBytes(b []byte) int {
	if len(b) == 0 {
		return 1
	}
	return SizeOfLength(uint64(len(b))) + len(b)
}

// AppendLength appends the encoding of n to dst.
func AppendLength(dst []byte, n uint64) []byte {
	size := lengthBytes(n)
	dst = append(dst, byte(size))
	for i := size - 1; i >= 0; i-- {
		dst = append(dst, byte(n>>(uint(i)*8)))
	}
	return dst
}

// EncodeLength encodes n as [byteCount][big-endian minimal bytes].
func EncodeLength(n uint64) []byte {
	return AppendLength(make([]byte, 0, SizeOfLength(n)), n)
}

// AppendBytes appends the length-prefixed encoding of b to dst.
func AppendBytes(dst, b []byte) []byte {
	if len(b) == 0 {
		return append(dst, 0)
	}
	dst = AppendLength(dst, uint64(len(b)))
	return append(dst, b...)
}

// AppendString appends the length-prefixed encoding of s to dst.
func AppendString(dst []byte, s string) []byte {
	if len(s) == 0 {
		return append(dst, 0)
	}
	dst = AppendLength(dst, uint64(len(s)))
	return append(dst, s...)
}

// EncodeBytes returns the length-prefixed encoding of b.
func EncodeBytes(b []byte) []byte {
	return AppendBytes(make([]byte, 0, SizeOfBytes(b)), b)
}

// EncodeString returns the length-prefixed encoding of s.
func EncodeString(s string) []byte {
	return AppendString(make([]byte, 0, SizeOf(s)), s)
}

// DecodeLength reads an encoded length at *cursor. On success the cursor is
// advanced by 1 + byteCount; on failure it is left untouched.
func DecodeLength(buf []byte, cursor *int) (uint64, error) {
	pos := *cursor
	if pos < 0 || pos >= len(buf) {
		return 0, ErrTruncated
	}
	size := int(buf[pos])
	if size > MaxSizeBytes {
		return 0, fmt.Errorf("%w: size byte count %d", ErrInvalidEncoding, size)
	}
	pos++
	if len(buf)-pos < size {
		return 0, ErrTruncated
	}

	var n uint64
	for _, b := range buf[pos : pos+size] {
		n = n<<8 | uint64(b)
	}
	*cursor = pos + size
	return n, nil
}

// RawSlice consumes a length-prefixed field at *cursor and returns its
// payload without decoding it. The returned slice aliases buf.
func RawSlice(buf []byte, cursor *int) ([]byte, error) {
	pos := *cursor
	n, err := DecodeLength(buf, &pos)
	if err != nil {
		return nil, err
	}
	if uint64(len(buf)-pos) < n {
		return nil, ErrTruncated
	}
	end := pos + int(n)
	*cursor = end
	return buf[pos:end], nil
}

// DecodeBytes decodes a length-prefixed byte string into a fresh slice.
func DecodeBytes(buf []byte, cursor *int) ([]byte, error) {
	raw, err := RawSlice(buf, cursor)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// DecodeString decodes a length-prefixed UTF-8 string.
func DecodeString(buf []byte, cursor *int) (string, error) {
	pos := *cursor
	raw, err := RawSlice(buf, &pos)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidEncoding)
	}
	*cursor = pos
	return string(raw), nil
}

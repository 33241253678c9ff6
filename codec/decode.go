// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned when a frame announces a length above the
// caller's limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// DecodeByte reads a single byte from r.
func DecodeByte(r io.Reader) (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r, b[:])
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadLength reads an encoded length from a stream.
func ReadLength(r io.Reader) (uint64, error) {
	size, err := DecodeByte(r)
	if err != nil {
		return 0, err
	}
	if size > MaxSizeBytes {
		return 0, fmt.Errorf("%w: size byte count %d", ErrInvalidEncoding, size)
	}
	var num [MaxSizeBytes]byte
	if _, err := io.ReadFull(r, num[:size]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrTruncated
		}
		return 0, err
	}

	var n uint64
	for _, b := range num[:size] {
		n = n<<8 | uint64(b)
	}
	return n, nil
}

// ReadFrame reads one length-prefixed frame from r. A max of zero disables
// the size check.
func ReadFrame(r io.Reader, max uint64) ([]byte, error) {
	n, err := ReadLength(r)
	if err != nil {
		return nil, err
	}
	if max > 0 && n > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes b to w prefixed with its encoded length.
func WriteFrame(w io.Writer, b []byte) error {
	frame := AppendLength(make([]byte, 0, SizeOfLength(uint64(len(b)))+len(b)), uint64(len(b)))
	frame = append(frame, b...)
	_, err := w.Write(frame)
	return err
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec_test

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/absmach/mmqp/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeLength(t *testing.T) {
	cases := []struct {
		desc  string
		input uint64
		size  int
	}{
		{desc: "zero", input: 0, size: 1},
		{desc: "one", input: 1, size: 2},
		{desc: "max one byte", input: 255, size: 2},
		{desc: "min two bytes", input: 256, size: 3},
		{desc: "max two bytes", input: 65535, size: 3},
		{desc: "min three bytes", input: 65536, size: 4},
		{desc: "max four bytes", input: math.MaxUint32, size: 5},
		{desc: "min five bytes", input: math.MaxUint32 + 1, size: 6},
		{desc: "max five bytes", input: 1<<40 - 1, size: 6},
		{desc: "min six bytes", input: 1 << 40, size: 7},
		{desc: "max uint64", input: math.MaxUint64, size: 9},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			encoded := codec.EncodeLength(tc.input)
			assert.Len(t, encoded, tc.size)
			assert.Equal(t, tc.size, codec.SizeOfLength(tc.input))
			assert.Equal(t, byte(tc.size-1), encoded[0])

			cursor := 0
			decoded, err := codec.DecodeLength(encoded, &cursor)
			require.NoError(t, err)
			assert.Equal(t, tc.input, decoded)
			assert.Equal(t, len(encoded), cursor)
		})
	}
}

func TestEncodeLengthBigEndian(t *testing.T) {
	assert.Equal(t, []byte{2, 0x01, 0x00}, codec.EncodeLength(256))
	assert.Equal(t, []byte{3, 0x01, 0x00, 0x00}, codec.EncodeLength(65536))
	assert.Equal(t, []byte{0}, codec.EncodeLength(0))
}

func TestEncodeDecodeString(t *testing.T) {
	cases := []struct {
		desc  string
		input string
	}{
		{desc: "empty string", input: ""},
		{desc: "single byte", input: "a"},
		{desc: "255 bytes", input: strings.Repeat("x", 255)},
		{desc: "256 bytes", input: strings.Repeat("x", 256)},
		{desc: "65535 bytes", input: strings.Repeat("y", 65535)},
		{desc: "65536 bytes", input: strings.Repeat("z", 65536)},
		{desc: "UTF-8 string", input: "Hello 世界 🌍"},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			encoded := codec.EncodeString(tc.input)
			assert.Equal(t, len(encoded), codec.SizeOf(tc.input))

			cursor := 0
			decoded, err := codec.DecodeString(encoded, &cursor)
			require.NoError(t, err)
			assert.Equal(t, tc.input, decoded)
			assert.Equal(t, len(encoded), cursor)
		})
	}
}

func TestEmptyStringIsSingleZero(t *testing.T) {
	assert.Equal(t, []byte{0}, codec.EncodeString(""))
	assert.Equal(t, []byte{0}, codec.EncodeBytes(nil))
}

func TestDecodeConcatenatedStrings(t *testing.T) {
	first := strings.Repeat("This is a string i wish to encode!", 3000)
	second := strings.Repeat("appended to the previous one", 55)

	buf := codec.EncodeString(first)
	buf = codec.AppendString(buf, second)

	cursor := 0
	got1, err := codec.DecodeString(buf, &cursor)
	require.NoError(t, err)
	got2, err := codec.DecodeString(buf, &cursor)
	require.NoError(t, err)

	assert.Equal(t, first, got1)
	assert.Equal(t, second, got2)
	assert.Equal(t, len(buf), cursor)
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		desc string
		buf  []byte
		err  error
	}{
		{desc: "empty buffer", buf: nil, err: codec.ErrTruncated},
		{desc: "missing size bytes", buf: []byte{2, 0x01}, err: codec.ErrTruncated},
		{desc: "missing payload", buf: []byte{1, 5, 'a', 'b'}, err: codec.ErrTruncated},
		{desc: "size byte count too large", buf: []byte{9, 0, 0, 0, 0, 0, 0, 0, 0, 1}, err: codec.ErrInvalidEncoding},
		{desc: "invalid UTF-8", buf: []byte{1, 2, 0xff, 0xfe}, err: codec.ErrInvalidEncoding},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cursor := 0
			_, err := codec.DecodeString(tc.buf, &cursor)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, 0, cursor, "cursor must not move on failure")
		})
	}
}

func TestRawSlice(t *testing.T) {
	buf := codec.EncodeBytes([]byte{0x00, 0x01, 0xff})
	buf = append(buf, codec.EncodeString("")...)

	cursor := 0
	raw, err := codec.RawSlice(buf, &cursor)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, raw)

	raw, err = codec.RawSlice(buf, &cursor)
	require.NoError(t, err)
	assert.Empty(t, raw)
	assert.Equal(t, len(buf), cursor)
}

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, codec.WriteFrame(&buf, []byte("first")))
	require.NoError(t, codec.WriteFrame(&buf, nil))
	require.NoError(t, codec.WriteFrame(&buf, bytes.Repeat([]byte{7}, 300)))

	frame, err := codec.ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), frame)

	frame, err = codec.ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Empty(t, frame)

	_, err = codec.ReadFrame(&buf, 100)
	assert.ErrorIs(t, err, codec.ErrFrameTooLarge)
}

func TestReadFrameTruncated(t *testing.T) {
	r := bytes.NewReader([]byte{1, 10, 'a', 'b'})
	_, err := codec.ReadFrame(r, 0)
	assert.ErrorIs(t, err, codec.ErrTruncated)

	r = bytes.NewReader([]byte{2, 1})
	_, err = codec.ReadLength(r)
	assert.ErrorIs(t, err, codec.ErrTruncated)
}

package unpack

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// split drains buf the way a channel does and returns the packages found.
func split(t *testing.T, s *Setting, buf []byte) ([][]byte, []byte) {
	var out [][]byte
	for {
		n, err := s.Next(buf)
		require.NoError(t, err)
		if n == 0 {
			return out, buf
		}
		out = append(out, buf[:n])
		buf = buf[n:]
	}
}

func TestFixedLength(t *testing.T) {
	s := FixedLength(4)
	require.NoError(t, s.Validate())

	pkgs, rest := split(t, s, []byte("abcdefghij"))
	require.Equal(t, [][]byte{[]byte("abcd"), []byte("efgh")}, pkgs)
	require.Equal(t, []byte("ij"), rest)

	_, err := s.Pack(nil, []byte("abc"))
	require.ErrorIs(t, err, ErrInvalidSetting)
}

func TestDelimiter(t *testing.T) {
	s := Delimiter([]byte("\r\n"))
	require.NoError(t, s.Validate())

	pkgs, rest := split(t, s, []byte("hello\r\nworld\r\npartial"))
	require.Equal(t, [][]byte{[]byte("hello\r\n"), []byte("world\r\n")}, pkgs)
	require.Equal(t, []byte("partial"), rest)

	packed, err := s.Pack(nil, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, []byte("ping\r\n"), packed)
}

func TestDelimiterTooLarge(t *testing.T) {
	s := &Setting{Mode: ByDelimiter, Delimiter: []byte{'\n'}, PackageMaxLength: 8}

	_, err := s.Next([]byte("0123456789"))
	require.ErrorIs(t, err, ErrPackageTooLarge)

	n, err := s.Next([]byte("0123\n"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestLengthFieldRoundTrip(t *testing.T) {
	settings := []*Setting{
		LengthField(1),
		LengthField(2),
		LengthField(4),
		{Mode: ByLengthField, BodyOffset: 2, LengthFieldBytes: 2, LengthFieldCoding: LittleEndian},
		{Mode: ByLengthField, BodyOffset: 6, LengthFieldOffset: 2, LengthFieldBytes: 4, LengthFieldCoding: BigEndian},
		{Mode: ByLengthField, LengthFieldBytes: 4, LengthFieldCoding: Varint},
		{Mode: ByLengthField, BodyOffset: 4, LengthFieldBytes: 4, LengthAdjustment: -4},
	}

	bodies := [][]byte{[]byte("a"), []byte("hello world"), make([]byte, 200)}

	for _, s := range settings {
		require.NoError(t, s.Validate(), "%+v", s)

		var stream []byte
		for _, body := range bodies {
			var err error
			stream, err = s.Pack(stream, body)
			require.NoError(t, err)
		}

		// feed the stream one byte at a time
		var got [][]byte
		var buf []byte
		for _, b := range stream {
			buf = append(buf, b)
			pkgs, rest := split(t, s, buf)
			got = append(got, pkgs...)
			buf = append([]byte(nil), rest...)
		}
		require.Empty(t, buf)
		require.Len(t, got, len(bodies))

		for i, pkg := range got {
			require.Equal(t, bodies[i], pkg[len(pkg)-len(bodies[i]):], "%+v package %d", s, i)
		}
	}
}

func TestLengthFieldTooLarge(t *testing.T) {
	s := LengthField(4)
	s.PackageMaxLength = 16

	stream, err := s.Pack(nil, make([]byte, 64))
	require.NoError(t, err)

	_, err = s.Next(stream)
	require.ErrorIs(t, err, ErrPackageTooLarge)
}

func TestMalformedVarint(t *testing.T) {
	s := &Setting{Mode: ByLengthField, LengthFieldBytes: 2, LengthFieldCoding: Varint}

	_, err := s.Next([]byte{0xff, 0xff, 0x01})
	require.ErrorIs(t, err, ErrMalformedLength)

	n, err := s.Next([]byte{0xff})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestValidate(t *testing.T) {
	invalid := []*Setting{
		{Mode: ByFixedLength},
		{Mode: ByDelimiter},
		{Mode: ByLengthField, LengthFieldBytes: 3, BodyOffset: 3},
		{Mode: ByLengthField, LengthFieldBytes: 4, BodyOffset: 2},
		{Mode: ByLengthField, LengthFieldBytes: 0, LengthFieldCoding: Varint},
		{Mode: ByLengthField, LengthFieldBytes: 2, BodyOffset: 2, LengthFieldCoding: Coding(9)},
		{Mode: Mode(42)},
	}
	for _, s := range invalid {
		require.ErrorIs(t, s.Validate(), ErrInvalidSetting, "%+v", s)
	}

	require.NoError(t, (&Setting{}).Validate())
}

// Package unpack splits a TCP byte stream into application packages, either of a fixed size,
// terminated by a delimiter, or prefixed by a length field.
package unpack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lithdew/bytesutil"
)

var (
	ErrInvalidSetting  = errors.New("invalid unpack setting")
	ErrPackageTooLarge = errors.New("package exceeds max length")
	ErrMalformedLength = errors.New("malformed length field")
)

const DefaultPackageLimit = 2 * 1024 * 1024

type Mode int

const (
	None Mode = iota
	ByFixedLength
	ByDelimiter
	ByLengthField
)

type Coding int

const (
	BigEndian Coding = iota
	LittleEndian
	Varint
)

type Setting struct {
	Mode             Mode
	PackageMaxLength int // DefaultPackageLimit when zero

	FixedLength int

	Delimiter []byte

	// A length-field package is BodyOffset header bytes followed by a body whose size is the
	// value of the length field plus LengthAdjustment.
	BodyOffset        int
	LengthFieldOffset int
	LengthFieldBytes  int // 1, 2 or 4 for fixed codings, upper bound for Varint
	LengthFieldCoding Coding
	LengthAdjustment  int
}

func FixedLength(n int) *Setting { return &Setting{Mode: ByFixedLength, FixedLength: n} }

func Delimiter(delim []byte) *Setting { return &Setting{Mode: ByDelimiter, Delimiter: delim} }

// LengthField returns a setting for packages led by a big-endian header of n bytes holding
// the body size.
func LengthField(n int) *Setting {
	return &Setting{Mode: ByLengthField, BodyOffset: n, LengthFieldBytes: n, LengthFieldCoding: BigEndian}
}

func (s *Setting) maxLength() int {
	if s.PackageMaxLength > 0 {
		return s.PackageMaxLength
	}
	return DefaultPackageLimit
}

func (s *Setting) Validate() error {
	switch s.Mode {
	case None:
		return nil
	case ByFixedLength:
		if s.FixedLength <= 0 || s.FixedLength > s.maxLength() {
			return fmt.Errorf("%w: fixed length %d", ErrInvalidSetting, s.FixedLength)
		}
	case ByDelimiter:
		if len(s.Delimiter) == 0 {
			return fmt.Errorf("%w: empty delimiter", ErrInvalidSetting)
		}
	case ByLengthField:
		if s.LengthFieldOffset < 0 || s.BodyOffset < 0 {
			return fmt.Errorf("%w: negative offset", ErrInvalidSetting)
		}
		switch s.LengthFieldCoding {
		case BigEndian, LittleEndian:
			if s.LengthFieldBytes != 1 && s.LengthFieldBytes != 2 && s.LengthFieldBytes != 4 {
				return fmt.Errorf("%w: length field of %d bytes", ErrInvalidSetting, s.LengthFieldBytes)
			}
		case Varint:
			if s.LengthFieldBytes <= 0 || s.LengthFieldBytes > binary.MaxVarintLen64 {
				return fmt.Errorf("%w: varint length field of %d bytes", ErrInvalidSetting, s.LengthFieldBytes)
			}
		default:
			return fmt.Errorf("%w: unknown length coding %d", ErrInvalidSetting, s.LengthFieldCoding)
		}
		if s.LengthFieldCoding != Varint && s.LengthFieldOffset+s.LengthFieldBytes > s.BodyOffset {
			return fmt.Errorf("%w: length field overlaps the body", ErrInvalidSetting)
		}
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidSetting, s.Mode)
	}
	return nil
}

// Next returns the size of the first complete package at the head of buf, or 0 when more
// bytes are needed.
func (s *Setting) Next(buf []byte) (int, error) {
	switch s.Mode {
	case ByFixedLength:
		if len(buf) < s.FixedLength {
			return 0, nil
		}
		return s.FixedLength, nil
	case ByDelimiter:
		i := bytes.Index(buf, s.Delimiter)
		if i < 0 {
			if len(buf) >= s.maxLength() {
				return 0, fmt.Errorf("%w: no delimiter within %d bytes", ErrPackageTooLarge, len(buf))
			}
			return 0, nil
		}
		n := i + len(s.Delimiter)
		if n > s.maxLength() {
			return 0, fmt.Errorf("%w: %d > %d", ErrPackageTooLarge, n, s.maxLength())
		}
		return n, nil
	case ByLengthField:
		return s.nextLengthField(buf)
	}
	return len(buf), nil
}

func (s *Setting) nextLengthField(buf []byte) (int, error) {
	head := s.LengthFieldOffset + s.LengthFieldBytes
	if s.LengthFieldCoding != Varint && len(buf) < head {
		return 0, nil
	}

	var (
		length    uint64
		bodyStart = s.BodyOffset
	)

	switch s.LengthFieldCoding {
	case BigEndian:
		field := buf[s.LengthFieldOffset:head]
		switch s.LengthFieldBytes {
		case 1:
			length = uint64(field[0])
		case 2:
			length = uint64(bytesutil.Uint16BE(field))
		case 4:
			length = uint64(bytesutil.Uint32BE(field))
		}
	case LittleEndian:
		field := buf[s.LengthFieldOffset:head]
		switch s.LengthFieldBytes {
		case 1:
			length = uint64(field[0])
		case 2:
			length = uint64(binary.LittleEndian.Uint16(field))
		case 4:
			length = uint64(binary.LittleEndian.Uint32(field))
		}
	case Varint:
		if len(buf) <= s.LengthFieldOffset {
			return 0, nil
		}
		field := buf[s.LengthFieldOffset:]
		if len(field) > s.LengthFieldBytes {
			field = field[:s.LengthFieldBytes]
		}
		v, n := binary.Uvarint(field)
		if n == 0 {
			if len(field) == s.LengthFieldBytes {
				return 0, fmt.Errorf("%w: varint longer than %d bytes", ErrMalformedLength, s.LengthFieldBytes)
			}
			return 0, nil
		}
		if n < 0 {
			return 0, fmt.Errorf("%w: varint overflow", ErrMalformedLength)
		}
		length = v
		// a varint header ends where the varint does
		bodyStart = s.LengthFieldOffset + n
	}

	total := int64(bodyStart) + int64(length) + int64(s.LengthAdjustment)
	if total < int64(bodyStart) {
		return 0, fmt.Errorf("%w: negative body size", ErrMalformedLength)
	}
	if total > int64(s.maxLength()) {
		return 0, fmt.Errorf("%w: %d > %d", ErrPackageTooLarge, total, s.maxLength())
	}
	if int64(len(buf)) < total {
		return 0, nil
	}
	return int(total), nil
}

// Pack appends body framed according to the setting to dst.
func (s *Setting) Pack(dst, body []byte) ([]byte, error) {
	switch s.Mode {
	case ByFixedLength:
		if len(body) != s.FixedLength {
			return dst, fmt.Errorf("%w: body of %d bytes, want %d", ErrInvalidSetting, len(body), s.FixedLength)
		}
		return append(dst, body...), nil
	case ByDelimiter:
		dst = append(dst, body...)
		return append(dst, s.Delimiter...), nil
	case ByLengthField:
		return s.packLengthField(dst, body)
	}
	return append(dst, body...), nil
}

func (s *Setting) packLengthField(dst, body []byte) ([]byte, error) {
	length := len(body) - s.LengthAdjustment
	if length < 0 {
		return dst, fmt.Errorf("%w: body shorter than length adjustment", ErrMalformedLength)
	}

	header := make([]byte, s.LengthFieldOffset)

	switch s.LengthFieldCoding {
	case Varint:
		header = binary.AppendUvarint(header, uint64(length))
	case BigEndian:
		switch s.LengthFieldBytes {
		case 1:
			header = append(header, uint8(length))
		case 2:
			header = bytesutil.AppendUint16BE(header, uint16(length))
		case 4:
			header = bytesutil.AppendUint32BE(header, uint32(length))
		}
	case LittleEndian:
		switch s.LengthFieldBytes {
		case 1:
			header = append(header, uint8(length))
		case 2:
			header = binary.LittleEndian.AppendUint16(header, uint16(length))
		case 4:
			header = binary.LittleEndian.AppendUint32(header, uint32(length))
		}
	}
	for s.LengthFieldCoding != Varint && len(header) < s.BodyOffset {
		header = append(header, 0)
	}

	dst = append(dst, header...)
	return append(dst, body...), nil
}

package wire

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// byteOrder resolves an Order to the stdlib implementation that knows
// how to lay out multi-byte integers.
func byteOrder(o Order) binary.ByteOrder {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// AppendPad appends n zero bytes and returns the new slice.
func appendPad(buf []byte, n int) []byte {
	for i := 0; i < n; i++ {
		buf = append(buf, 0)
	}
	return buf
}

// AppendAlign pads buf so its length is a multiple of align, for the
// producer (append) API: packers insert their own padding when
// growing a buffer, per SPEC_FULL.md §4.1.
func AppendAlign(buf []byte, align int) []byte {
	return appendPad(buf, padTo(len(buf), align))
}

// PackByte/PackUint16/... append a primitive to buf, inserting
// leading alignment padding first. They return the new buffer.

func PackByte(buf []byte, v byte) []byte {
	return append(buf, v)
}

// PackBool appends a boolean as a single byte: DBUS_TYPE_BOOLEAN aligns
// and marshals identically to DBUS_TYPE_BYTE, not as a uint32.
func PackBool(buf []byte, v bool) []byte {
	var b byte
	if v {
		b = 1
	}
	return PackByte(buf, b)
}

func PackInt16(buf []byte, o Order, v int16) []byte {
	return PackUint16(buf, o, uint16(v))
}

func PackUint16(buf []byte, o Order, v uint16) []byte {
	buf = AppendAlign(buf, 2)
	tmp := make([]byte, 2)
	byteOrder(o).PutUint16(tmp, v)
	return append(buf, tmp...)
}

func PackInt32(buf []byte, o Order, v int32) []byte {
	return PackUint32(buf, o, uint32(v))
}

func PackUint32(buf []byte, o Order, v uint32) []byte {
	buf = AppendAlign(buf, 4)
	tmp := make([]byte, 4)
	byteOrder(o).PutUint32(tmp, v)
	return append(buf, tmp...)
}

func PackInt64(buf []byte, o Order, v int64) []byte {
	return PackUint64(buf, o, uint64(v))
}

func PackUint64(buf []byte, o Order, v uint64) []byte {
	buf = AppendAlign(buf, 8)
	tmp := make([]byte, 8)
	byteOrder(o).PutUint64(tmp, v)
	return append(buf, tmp...)
}

func PackDouble(buf []byte, o Order, v float64) []byte {
	return PackUint64(buf, o, math.Float64bits(v))
}

// PackString appends a length-prefixed, NUL-terminated UTF-8 string.
// The length field excludes the trailing NUL, per SPEC_FULL.md §4.1.
func PackString(buf []byte, o Order, s string) []byte {
	buf = PackUint32(buf, o, uint32(len(s)))
	buf = append(buf, s...)
	return append(buf, 0)
}

// PackObjectPath appends an object path; wire shape is identical to a
// string, syntax is constrained on unpack.
func PackObjectPath(buf []byte, o Order, s string) []byte {
	return PackString(buf, o, s)
}

// PackSignature appends a signature: uint8 length + ASCII + NUL.
func PackSignature(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	buf = append(buf, s...)
	return append(buf, 0)
}

// Unpack* read a primitive from buf at pos (already aligned by the
// caller for the fixed-offset mutator API) and return the value plus
// the next unconsumed offset.

func UnpackByte(buf []byte, pos int) (byte, int, error) {
	if pos+1 > len(buf) {
		return 0, pos, ErrShortBuffer
	}
	return buf[pos], pos + 1, nil
}

func UnpackBool(buf []byte, pos int) (bool, int, error) {
	v, next, err := UnpackByte(buf, pos)
	if err != nil {
		return false, pos, err
	}
	if v > 1 {
		return false, pos, ErrInvalidData
	}
	return v == 1, next, nil
}

func UnpackInt16(buf []byte, o Order, pos int) (int16, int, error) {
	v, next, err := UnpackUint16(buf, o, pos)
	return int16(v), next, err
}

func UnpackUint16(buf []byte, o Order, pos int) (uint16, int, error) {
	if pos+2 > len(buf) {
		return 0, pos, ErrShortBuffer
	}
	return byteOrder(o).Uint16(buf[pos:]), pos + 2, nil
}

func UnpackInt32(buf []byte, o Order, pos int) (int32, int, error) {
	v, next, err := UnpackUint32(buf, o, pos)
	return int32(v), next, err
}

func UnpackUint32(buf []byte, o Order, pos int) (uint32, int, error) {
	if pos+4 > len(buf) {
		return 0, pos, ErrShortBuffer
	}
	return byteOrder(o).Uint32(buf[pos:]), pos + 4, nil
}

func UnpackInt64(buf []byte, o Order, pos int) (int64, int, error) {
	v, next, err := UnpackUint64(buf, o, pos)
	return int64(v), next, err
}

func UnpackUint64(buf []byte, o Order, pos int) (uint64, int, error) {
	if pos+8 > len(buf) {
		return 0, pos, ErrShortBuffer
	}
	return byteOrder(o).Uint64(buf[pos:]), pos + 8, nil
}

func UnpackDouble(buf []byte, o Order, pos int) (float64, int, error) {
	bits, next, err := UnpackUint64(buf, o, pos)
	if err != nil {
		return 0, pos, err
	}
	return math.Float64frombits(bits), next, nil
}

// UnpackString reads a length-prefixed NUL-terminated string and
// validates it is well-formed UTF-8.
func UnpackString(buf []byte, o Order, pos int) (string, int, error) {
	n, next, err := UnpackUint32(buf, o, pos)
	if err != nil {
		return "", pos, err
	}
	end := next + int(n)
	if end < next || end+1 > len(buf) {
		return "", pos, ErrShortBuffer
	}
	s := buf[next:end]
	if !utf8.Valid(s) {
		return "", pos, ErrInvalidData
	}
	if buf[end] != 0 {
		return "", pos, ErrInvalidData
	}
	return string(s), end + 1, nil
}

// UnpackObjectPath reads a string and validates object-path grammar:
// starts with '/', ASCII [A-Za-z0-9_/], no "//", no trailing '/'
// unless the path is exactly "/".
func UnpackObjectPath(buf []byte, o Order, pos int) (string, int, error) {
	s, next, err := UnpackString(buf, o, pos)
	if err != nil {
		return "", pos, err
	}
	if !ValidObjectPath(s) {
		return "", pos, ErrInvalidData
	}
	return s, next, nil
}

// ValidObjectPath reports whether s is a syntactically valid D-Bus
// object path.
func ValidObjectPath(s string) bool {
	if len(s) == 0 || s[0] != '/' {
		return false
	}
	if s == "/" {
		return true
	}
	if s[len(s)-1] == '/' {
		return false
	}
	prevSlash := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '/':
			if prevSlash {
				return false
			}
			prevSlash = true
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			prevSlash = false
		default:
			return false
		}
	}
	return true
}

// UnpackSignature reads a uint8-length-prefixed NUL-terminated
// signature and validates its type-codes.
func UnpackSignature(buf []byte, pos int) (string, int, error) {
	if pos >= len(buf) {
		return "", pos, ErrShortBuffer
	}
	n := int(buf[pos])
	start := pos + 1
	end := start + n
	if end+1 > len(buf) {
		return "", pos, ErrShortBuffer
	}
	s := string(buf[start:end])
	if buf[end] != 0 {
		return "", pos, ErrInvalidData
	}
	if err := ValidateSignature(s); err != nil {
		return "", pos, err
	}
	return s, end + 1, nil
}

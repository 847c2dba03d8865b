// Package wire implements the self-describing binary format exchanged
// between the bus and its clients: primitive packing, signature
// strings, and the recursive reader/writer pair that walks containers
// (struct, array, variant) without copying the underlying buffer.
package wire

// Type is a single wire type-code, as it appears in a signature string.
type Type byte

const (
	Invalid    Type = 0
	Byte       Type = 'y'
	Boolean    Type = 'b'
	Int16      Type = 'n'
	Uint16     Type = 'q'
	Int32      Type = 'i'
	Uint32     Type = 'u'
	Int64      Type = 'x'
	Uint64     Type = 't'
	Double     Type = 'd'
	String     Type = 's'
	ObjectPath Type = 'o'
	Signature  Type = 'g'
	Array      Type = 'a'
	Struct     Type = 'r' // never appears literally in a signature; '(' / ')' do
	StructOpen Type = '('
	StructEnd  Type = ')'
	Variant    Type = 'v'
)

// Order selects the byte order a message was encoded with.
type Order byte

const (
	LittleEndian Order = 'l'
	BigEndian    Order = 'B'
)

// Align returns the alignment requirement of a type, per the table in
// SPEC_FULL.md §3: byte/bool/variant/signature -> 1, int16/uint16 -> 2,
// int32/uint32/string/object-path/array -> 4, int64/uint64/double/
// struct -> 8.
func Align(t Type) int {
	switch t {
	case Byte, Boolean, Variant, Signature:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, String, ObjectPath, Array:
		return 4
	case Int64, Uint64, Double, StructOpen:
		return 8
	default:
		return 1
	}
}

// IsBasic reports whether t is a primitive (non-container) type.
func IsBasic(t Type) bool {
	switch t {
	case Byte, Boolean, Int16, Uint16, Int32, Uint32, Int64, Uint64, Double, String, ObjectPath, Signature:
		return true
	default:
		return false
	}
}

// IsContainer reports whether t opens a container value.
func IsContainer(t Type) bool {
	return t == Array || t == StructOpen || t == Variant
}

// padTo returns the number of zero bytes needed to advance pos to a
// multiple of align.
func padTo(pos, align int) int {
	if align <= 1 {
		return 0
	}
	rem := pos % align
	if rem == 0 {
		return 0
	}
	return align - rem
}

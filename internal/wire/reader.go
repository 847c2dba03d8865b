package wire

import "encoding/binary"

// ReaderClass selects a Reader's traversal policy, matching
// spec.md §4.2's "body, struct, array, variant" classes. A dispatch
// table keyed by class (rather than a class hierarchy) avoids a
// dynamic-dispatch pointer while preserving the "class" semantics
// spec.md §9 asks for.
type ReaderClass int

const (
	ClassBody ReaderClass = iota
	ClassStruct
	ClassArray
	ClassVariant
)

// Reader is a cursor over a (signature, body) pair. It never copies
// the underlying body; nested readers opened with Recurse share the
// same backing slice.
type Reader struct {
	order Order
	class ReaderClass

	// sig/sigPos drive Body, Struct and Variant classes: sig is this
	// container's full type signature, sigPos indexes the next
	// unconsumed complete type within it.
	sig    string
	sigPos int

	// elemType/arrayEnd drive Array class: elements all share one
	// complete type, and the container is bounded by byte offset
	// rather than signature exhaustion.
	elemType string
	arrayEnd int

	body     []byte
	pos      int
	terminal bool
}

// NewBodyReader returns a reader positioned at the start of a
// message's body, described by sig.
func NewBodyReader(order Order, sig string, body []byte) *Reader {
	return &Reader{order: order, class: ClassBody, sig: sig, body: body}
}

// NewTypesOnlyReader returns a reader with no body that only steps
// through a signature string, for callers that need to validate or
// enumerate a signature's shape without decoding values.
func NewTypesOnlyReader(sig string) *Reader {
	return &Reader{class: ClassBody, sig: sig}
}

// Mark is a cheap snapshot of a Reader's cursor, for save/restore
// without re-walking the buffer.
type Mark struct {
	class    ReaderClass
	sig      string
	sigPos   int
	elemType string
	arrayEnd int
	pos      int
	terminal bool
}

// SaveMark captures the current cursor.
func (r *Reader) SaveMark() Mark {
	return Mark{
		class:    r.class,
		sig:      r.sig,
		sigPos:   r.sigPos,
		elemType: r.elemType,
		arrayEnd: r.arrayEnd,
		pos:      r.pos,
		terminal: r.terminal,
	}
}

// InitFromMark restores a cursor previously captured with SaveMark.
// The body buffer is unaffected; only cursor state moves.
func (r *Reader) InitFromMark(m Mark) {
	r.class = m.class
	r.sig = m.sig
	r.sigPos = m.sigPos
	r.elemType = m.elemType
	r.arrayEnd = m.arrayEnd
	r.pos = m.pos
	r.terminal = m.terminal
}

// currentTypeStr returns the complete-type string of the value under
// the cursor (e.g. "a(yv)", "i", "v"), or "" if exhausted.
func (r *Reader) currentTypeStr() string {
	if r.class == ClassArray {
		if r.terminal || r.pos >= r.arrayEnd {
			return ""
		}
		return r.elemType
	}
	if r.terminal || r.sigPos >= len(r.sig) {
		return ""
	}
	t, _, err := NextCompleteType(r.sig, r.sigPos)
	if err != nil {
		return ""
	}
	return t
}

// Offset returns the reader's current byte position within its body
// slice, for callers (e.g. header-field parsing) that lay out several
// independent complete types back to back and need to know where one
// ends so the next can be read from a fresh cursor.
func (r *Reader) Offset() int { return r.pos }

// CurrentType returns the type-code of the value under the cursor, or
// Invalid when the container is exhausted.
func (r *Reader) CurrentType() Type {
	t := r.currentTypeStr()
	if t == "" {
		return Invalid
	}
	return Type(t[0])
}

// ReadBasic reads the current primitive value. It returns
// ErrWrongType if CurrentType() is a container type or Invalid.
func (r *Reader) ReadBasic() (interface{}, error) {
	t := r.CurrentType()
	if !IsBasic(t) {
		return nil, ErrWrongType
	}
	pos := alignPos(r.pos, Align(t))
	switch t {
	case Byte:
		v, _, err := UnpackByte(r.body, pos)
		return v, err
	case Boolean:
		v, _, err := UnpackBool(r.body, pos)
		return v, err
	case Int16:
		v, _, err := UnpackInt16(r.body, r.order, pos)
		return v, err
	case Uint16:
		v, _, err := UnpackUint16(r.body, r.order, pos)
		return v, err
	case Int32:
		v, _, err := UnpackInt32(r.body, r.order, pos)
		return v, err
	case Uint32:
		v, _, err := UnpackUint32(r.body, r.order, pos)
		return v, err
	case Int64:
		v, _, err := UnpackInt64(r.body, r.order, pos)
		return v, err
	case Uint64:
		v, _, err := UnpackUint64(r.body, r.order, pos)
		return v, err
	case Double:
		v, _, err := UnpackDouble(r.body, r.order, pos)
		return v, err
	case String:
		v, _, err := UnpackString(r.body, r.order, pos)
		return v, err
	case ObjectPath:
		v, _, err := UnpackObjectPath(r.body, r.order, pos)
		return v, err
	case Signature:
		v, _, err := UnpackSignature(r.body, pos)
		return v, err
	default:
		return nil, ErrWrongType
	}
}

// Recurse opens sub positioned at the first element of the current
// container. It fails if the current value is not a container, or for
// arrays, if the array is empty: there is no value to recurse into
// even though the element type is known from the signature.
func (r *Reader) Recurse(sub *Reader) error {
	ts := r.currentTypeStr()
	if ts == "" {
		return ErrNotAContainer
	}
	switch Type(ts[0]) {
	case Array:
		elemType := ts[1:]
		pos := alignPos(r.pos, 4)
		if pos+4 > len(r.body) {
			return ErrShortBuffer
		}
		blen := r.byteOrder().Uint32(r.body[pos:])
		pos += 4
		elemAlign := Align(Type(elemType[0]))
		elemStart := alignPos(pos, elemAlign)
		if blen == 0 {
			return ErrEmptyArray
		}
		end := elemStart + int(blen)
		if end > len(r.body) {
			return ErrShortBuffer
		}
		*sub = Reader{order: r.order, class: ClassArray, elemType: elemType, body: r.body, pos: elemStart, arrayEnd: end}
		return nil
	case StructOpen:
		inner := ts[1 : len(ts)-1]
		pos := alignPos(r.pos, 8)
		*sub = Reader{order: r.order, class: ClassStruct, sig: inner, body: r.body, pos: pos}
		return nil
	case Variant:
		pos := r.pos
		if pos >= len(r.body) {
			return ErrShortBuffer
		}
		n := int(r.body[pos])
		sigStart := pos + 1
		sigEnd := sigStart + n
		if sigEnd+1 > len(r.body) {
			return ErrShortBuffer
		}
		contentSig := string(r.body[sigStart:sigEnd])
		if err := ValidateSingleCompleteType(contentSig); err != nil {
			return err
		}
		pos = sigEnd + 1
		pos = alignPos(pos, 8)
		*sub = Reader{order: r.order, class: ClassVariant, sig: contentSig, body: r.body, pos: pos}
		return nil
	default:
		return ErrNotAContainer
	}
}

// Next advances past the current value to the next sibling and
// reports whether another sibling exists.
func (r *Reader) Next() (bool, error) {
	ts := r.currentTypeStr()
	if ts == "" {
		r.terminal = true
		return false, nil
	}
	next, err := skipValue(r.order, ts, r.body, r.pos)
	if err != nil {
		return false, err
	}
	r.pos = next

	if r.class == ClassArray {
		if r.pos >= r.arrayEnd {
			r.terminal = true
			return false, nil
		}
		return true, nil
	}

	_, nextSigPos, err := NextCompleteType(r.sig, r.sigPos)
	if err != nil {
		return false, err
	}
	r.sigPos = nextSigPos
	if r.sigPos >= len(r.sig) {
		r.terminal = true
		return false, nil
	}
	return true, nil
}

func (r *Reader) byteOrder() binary.ByteOrder {
	return byteOrder(r.order)
}

func alignPos(pos, align int) int {
	return pos + padTo(pos, align)
}

// skipValue computes the byte offset immediately following the value
// described by typeStr (a single complete type) starting at pos,
// without materializing the value. It recurses through arrays,
// structs, and variants to account for their dynamic sizes.
func skipValue(order Order, typeStr string, body []byte, pos int) (int, error) {
	if typeStr == "" {
		return pos, ErrInvalidSig
	}
	bo := byteOrder(order)
	switch Type(typeStr[0]) {
	case Byte, Boolean, Signature:
		if typeStr[0] == byte(Signature) {
			if pos >= len(body) {
				return pos, ErrShortBuffer
			}
			n := int(body[pos])
			end := pos + 1 + n + 1
			if end > len(body) {
				return pos, ErrShortBuffer
			}
			return end, nil
		}
		if pos+1 > len(body) {
			return pos, ErrShortBuffer
		}
		return pos + 1, nil
	case Int32, Uint32:
		pos = alignPos(pos, 4)
		if pos+4 > len(body) {
			return pos, ErrShortBuffer
		}
		return pos + 4, nil
	case Int16, Uint16:
		pos = alignPos(pos, 2)
		if pos+2 > len(body) {
			return pos, ErrShortBuffer
		}
		return pos + 2, nil
	case Int64, Uint64, Double:
		pos = alignPos(pos, 8)
		if pos+8 > len(body) {
			return pos, ErrShortBuffer
		}
		return pos + 8, nil
	case String, ObjectPath:
		pos = alignPos(pos, 4)
		if pos+4 > len(body) {
			return pos, ErrShortBuffer
		}
		n := bo.Uint32(body[pos:])
		pos += 4
		end := pos + int(n) + 1
		if end > len(body) {
			return pos, ErrShortBuffer
		}
		return end, nil
	case Array:
		elemType := typeStr[1:]
		pos = alignPos(pos, 4)
		if pos+4 > len(body) {
			return pos, ErrShortBuffer
		}
		blen := bo.Uint32(body[pos:])
		pos += 4
		elemAlign := Align(Type(elemType[0]))
		pos = alignPos(pos, elemAlign)
		end := pos + int(blen)
		if end > len(body) {
			return pos, ErrShortBuffer
		}
		return end, nil
	case StructOpen:
		pos = alignPos(pos, 8)
		inner := typeStr[1 : len(typeStr)-1]
		fields, err := TypeCodes(inner)
		if err != nil {
			return pos, err
		}
		for _, f := range fields {
			next, err := skipValue(order, f, body, pos)
			if err != nil {
				return pos, err
			}
			pos = next
		}
		return pos, nil
	case Variant:
		if pos >= len(body) {
			return pos, ErrShortBuffer
		}
		n := int(body[pos])
		sigStart := pos + 1
		sigEnd := sigStart + n
		if sigEnd+1 > len(body) {
			return pos, ErrShortBuffer
		}
		contentSig := string(body[sigStart:sigEnd])
		if err := ValidateSingleCompleteType(contentSig); err != nil {
			return pos, err
		}
		pos = sigEnd + 1
		pos = alignPos(pos, 8)
		return skipValue(order, contentSig, body, pos)
	default:
		return pos, ErrInvalidSig
	}
}

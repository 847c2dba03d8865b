package wire

// wbuffers holds the signature and body buffers shared by an entire
// writer hierarchy: every Writer opened via Recurse writes into the
// same two growing slices, so array length back-patches and nested
// struct/variant writes are all visible to the root writer.
type wbuffers struct {
	sig  []byte
	body []byte
}

// wKind distinguishes the container a Writer was opened for, so
// Unrecurse knows what bookkeeping to finalize.
type wKind int

const (
	kindTop wKind = iota
	kindStruct
	kindArray
	kindVariant
)

// Writer is a cursor into (signature-buffer, body-buffer) plus a
// container context and an expectation flag (spec.md §4.3). The flag
// is true exactly when this writer is inside an array or a
// matching-mode struct/variant: the signature is already fixed
// externally, so writes are validated against it rather than
// appended to the growing top-level signature.
type Writer struct {
	order Order
	bufs  *wbuffers
	kind  wKind

	expecting   bool
	expectedSig string
	expectedPos int

	arrayLenPos    int
	arrayElemStart int
}

// NewWriter returns a fresh top-level writer (Appending mode).
func NewWriter(order Order) *Writer {
	return &Writer{order: order, bufs: &wbuffers{}}
}

// Signature returns the signature accumulated so far. Valid to call at
// any point; per spec.md §4.3 it is always a legal prefix.
func (w *Writer) Signature() string { return string(w.bufs.sig) }

// Body returns the body bytes accumulated so far.
func (w *Writer) Body() []byte { return w.bufs.body }

// nextExpected returns the complete type this writer must produce
// next, consuming it from expectedSig in matching mode (except for
// Array writers, whose expectedSig is never consumed: spec.md §4.3's
// "inside an array, the writer's signature position never advances").
func (w *Writer) nextExpected() (string, error) {
	if w.kind == kindArray {
		return w.expectedSig, nil
	}
	if w.expectedPos >= len(w.expectedSig) {
		return "", ErrWrongType
	}
	ts, _, err := NextCompleteType(w.expectedSig, w.expectedPos)
	return ts, err
}

func (w *Writer) advanceExpected(consumed string) {
	if w.kind == kindArray {
		return
	}
	w.expectedPos += len(consumed)
}

// WriteBasic inserts the type-code (if not in expectation mode) and
// then the aligned value.
func (w *Writer) WriteBasic(t Type, v interface{}) error {
	if !IsBasic(t) {
		return ErrWrongType
	}
	if w.expecting {
		ts, err := w.nextExpected()
		if err != nil {
			return err
		}
		if len(ts) != 1 || Type(ts[0]) != t {
			return ErrWrongType
		}
		w.advanceExpected(ts)
	} else {
		w.bufs.sig = append(w.bufs.sig, byte(t))
	}

	switch t {
	case Byte:
		w.bufs.body = PackByte(w.bufs.body, v.(byte))
	case Boolean:
		w.bufs.body = PackBool(w.bufs.body, v.(bool))
	case Int16:
		w.bufs.body = PackInt16(w.bufs.body, w.order, v.(int16))
	case Uint16:
		w.bufs.body = PackUint16(w.bufs.body, w.order, v.(uint16))
	case Int32:
		w.bufs.body = PackInt32(w.bufs.body, w.order, v.(int32))
	case Uint32:
		w.bufs.body = PackUint32(w.bufs.body, w.order, v.(uint32))
	case Int64:
		w.bufs.body = PackInt64(w.bufs.body, w.order, v.(int64))
	case Uint64:
		w.bufs.body = PackUint64(w.bufs.body, w.order, v.(uint64))
	case Double:
		w.bufs.body = PackDouble(w.bufs.body, w.order, v.(float64))
	case String:
		w.bufs.body = PackString(w.bufs.body, w.order, v.(string))
	case ObjectPath:
		s := v.(string)
		if !ValidObjectPath(s) {
			return ErrInvalidData
		}
		w.bufs.body = PackObjectPath(w.bufs.body, w.order, s)
	case Signature:
		s := v.(string)
		if err := ValidateSignature(s); err != nil {
			return err
		}
		w.bufs.body = PackSignature(w.bufs.body, s)
	}
	return nil
}

// Recurse opens a sub-writer for the named container. For array and
// variant, contained is the full element/content signature, required
// up front. For struct, contained is the concatenated field types
// (without the surrounding parens); fields are usually discovered
// incrementally by the caller's subsequent writes, except when the
// struct is itself an array element or variant content, in which case
// contained was already fixed by the enclosing container and field
// writes are validated rather than appended.
func (w *Writer) Recurse(container Type, contained string, sub *Writer) error {
	switch container {
	case Array:
		full := string(Array) + contained
		if err := w.declare(full); err != nil {
			return err
		}
		w.bufs.body = AppendAlign(w.bufs.body, 4)
		lenPos := len(w.bufs.body)
		w.bufs.body = append(w.bufs.body, 0, 0, 0, 0)
		elemAlign := Align(Type(contained[0]))
		w.bufs.body = AppendAlign(w.bufs.body, elemAlign)
		elemStart := len(w.bufs.body)
		*sub = Writer{order: w.order, bufs: w.bufs, kind: kindArray, expecting: true, expectedSig: contained, arrayLenPos: lenPos, arrayElemStart: elemStart}
		return nil
	case StructOpen:
		// Struct fields are normally discovered incrementally from
		// child writes (spec.md §4.3): in Appending mode, contained is
		// ignored and only the opening paren is recorded now, with the
		// closing paren appended on Unrecurse. In Matching mode (this
		// struct is itself an array element or variant content) the
		// full field signature was already fixed by the enclosing
		// container, so it is validated up front.
		if w.expecting {
			full := "(" + contained + ")"
			if err := w.declare(full); err != nil {
				return err
			}
		} else {
			w.bufs.sig = append(w.bufs.sig, byte(StructOpen))
		}
		w.bufs.body = AppendAlign(w.bufs.body, 8)
		*sub = Writer{order: w.order, bufs: w.bufs, kind: kindStruct, expecting: w.expecting, expectedSig: contained}
		return nil
	case Variant:
		if err := ValidateSingleCompleteType(contained); err != nil {
			return err
		}
		if err := w.declare(string(Variant)); err != nil {
			return err
		}
		w.bufs.body = append(w.bufs.body, byte(len(contained)))
		w.bufs.body = append(w.bufs.body, contained...)
		w.bufs.body = append(w.bufs.body, 0)
		w.bufs.body = AppendAlign(w.bufs.body, 8)
		*sub = Writer{order: w.order, bufs: w.bufs, kind: kindVariant, expecting: true, expectedSig: contained}
		return nil
	default:
		return ErrWrongType
	}
}

// declare records that this writer is about to emit a value of type
// full: in Appending mode it appends full to the signature buffer
// (for struct/array opens full is itself multi-char); in Matching
// mode it validates full against the next expected complete type.
func (w *Writer) declare(full string) error {
	if w.expecting {
		ts, err := w.nextExpected()
		if err != nil {
			return err
		}
		if ts != full {
			return ErrWrongType
		}
		w.advanceExpected(ts)
		return nil
	}
	w.bufs.sig = append(w.bufs.sig, full...)
	return nil
}

// Unrecurse closes a sub-writer opened with Recurse. For arrays, the
// 4-byte length field is back-patched to the number of bytes written
// since the first element. For structs not inside an expectation, the
// closing paren is appended to the signature.
func (w *Writer) Unrecurse(sub *Writer) error {
	switch sub.kind {
	case kindArray:
		length := len(sub.bufs.body) - sub.arrayElemStart
		bo := byteOrder(sub.order)
		bo.PutUint32(sub.bufs.body[sub.arrayLenPos:sub.arrayLenPos+4], uint32(length))
	case kindStruct:
		if !sub.expecting {
			sub.bufs.sig = append(sub.bufs.sig, byte(StructEnd))
		}
	case kindVariant:
		// nothing to back-patch: a variant holds exactly one value.
	}
	return nil
}

// WriteReader splices all remaining values from r into w, preserving
// structure. On any failure, both buffers are truncated back to their
// pre-call length and the writer is left as if the call never
// happened.
func (w *Writer) WriteReader(r *Reader) error {
	preSig, preBody := len(w.bufs.sig), len(w.bufs.body)
	if err := w.writeReaderValues(r); err != nil {
		w.bufs.sig = w.bufs.sig[:preSig]
		w.bufs.body = w.bufs.body[:preBody]
		return err
	}
	return nil
}

func (w *Writer) writeReaderValues(r *Reader) error {
	for {
		t := r.CurrentType()
		if t == Invalid {
			return nil
		}
		if IsBasic(t) {
			v, err := r.ReadBasic()
			if err != nil {
				return err
			}
			if err := w.WriteBasic(t, v); err != nil {
				return err
			}
		} else {
			var childR Reader
			if err := r.Recurse(&childR); err != nil {
				if err == ErrEmptyArray {
					if err := w.writeEmptyContainer(t, r); err != nil {
						return err
					}
				} else {
					return err
				}
			} else {
				var contained string
				if t == Variant {
					contained = childR.sig
				} else {
					var err error
					contained, err = containedSignatureOf(r, t)
					if err != nil {
						return err
					}
				}
				var childW Writer
				if err := w.Recurse(structContainerType(t), contained, &childW); err != nil {
					return err
				}
				if err := childW.writeReaderValues(&childR); err != nil {
					return err
				}
				if err := w.Unrecurse(&childW); err != nil {
					return err
				}
			}
		}
		more, err := r.Next()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// writeEmptyContainer handles splicing an empty array, which Recurse
// cannot be opened for (spec.md §4.2) but which a writer must still
// be able to emit as a zero-element array of the correct type.
func (w *Writer) writeEmptyContainer(t Type, r *Reader) error {
	if t != Array {
		return ErrNotAContainer
	}
	ts := r.currentTypeStr()
	elemType := ts[1:]
	var sub Writer
	if err := w.Recurse(Array, elemType, &sub); err != nil {
		return err
	}
	return w.Unrecurse(&sub)
}

func structContainerType(t Type) Type {
	if t == StructOpen {
		return StructOpen
	}
	return t
}

// containedSignatureOf returns the element/field signature Recurse
// needs for the array or struct currently under r's cursor. Variant
// is handled separately by the caller, since a variant's content
// signature is only known once recursed into (it lives in the body).
func containedSignatureOf(r *Reader, t Type) (string, error) {
	ts := r.currentTypeStr()
	switch t {
	case Array:
		return ts[1:], nil
	case StructOpen:
		return ts[1 : len(ts)-1], nil
	default:
		return "", ErrNotAContainer
	}
}

package wire

import "testing"

func TestWriterReaderRoundTripStructOfVariant(t *testing.T) {
	// mirrors a single header field: (y v), a byte code plus a variant
	// value, the element type every header-fields array is built from.
	w := NewWriter(LittleEndian)
	var s Writer
	if err := w.Recurse(StructOpen, "", &s); err != nil {
		t.Fatalf("Recurse struct: %v", err)
	}
	if err := s.WriteBasic(Byte, byte(1)); err != nil {
		t.Fatalf("WriteBasic byte: %v", err)
	}
	var v Writer
	if err := s.Recurse(Variant, "s", &v); err != nil {
		t.Fatalf("Recurse variant: %v", err)
	}
	if err := v.WriteBasic(String, "/org/busline/Bus"); err != nil {
		t.Fatalf("WriteBasic string: %v", err)
	}
	if err := s.Unrecurse(&v); err != nil {
		t.Fatalf("Unrecurse variant: %v", err)
	}
	if err := w.Unrecurse(&s); err != nil {
		t.Fatalf("Unrecurse struct: %v", err)
	}

	if w.Signature() != "(yv)" {
		t.Fatalf("Signature = %q, want (yv)", w.Signature())
	}

	r := NewBodyReader(LittleEndian, w.Signature(), w.Body())
	var sub Reader
	if err := r.Recurse(&sub); err != nil {
		t.Fatalf("reader Recurse struct: %v", err)
	}
	code, err := sub.ReadBasic()
	if err != nil {
		t.Fatalf("ReadBasic byte: %v", err)
	}
	if code.(byte) != 1 {
		t.Fatalf("code = %v, want 1", code)
	}
	if more, err := sub.Next(); err != nil || !more {
		t.Fatalf("Next into variant: more=%v err=%v", more, err)
	}
	var varR Reader
	if err := sub.Recurse(&varR); err != nil {
		t.Fatalf("reader Recurse variant: %v", err)
	}
	path, err := varR.ReadBasic()
	if err != nil {
		t.Fatalf("ReadBasic variant content: %v", err)
	}
	if path.(string) != "/org/busline/Bus" {
		t.Fatalf("path = %v, want /org/busline/Bus", path)
	}
}

func TestWriterReaderRoundTripArrayOfStructOfVariant(t *testing.T) {
	// the header-fields array itself, a(yv): two (y v) entries back to
	// back, the shape every message preamble's FieldsLen bounds.
	w := NewWriter(LittleEndian)
	var arr Writer
	if err := w.Recurse(Array, "(yv)", &arr); err != nil {
		t.Fatalf("Recurse array: %v", err)
	}
	for i, val := range []string{"first", "second"} {
		var s Writer
		if err := arr.Recurse(StructOpen, "yv", &s); err != nil {
			t.Fatalf("Recurse struct %d: %v", i, err)
		}
		if err := s.WriteBasic(Byte, byte(i+1)); err != nil {
			t.Fatalf("WriteBasic byte %d: %v", i, err)
		}
		var v Writer
		if err := s.Recurse(Variant, "s", &v); err != nil {
			t.Fatalf("Recurse variant %d: %v", i, err)
		}
		if err := v.WriteBasic(String, val); err != nil {
			t.Fatalf("WriteBasic string %d: %v", i, err)
		}
		if err := s.Unrecurse(&v); err != nil {
			t.Fatalf("Unrecurse variant %d: %v", i, err)
		}
		if err := arr.Unrecurse(&s); err != nil {
			t.Fatalf("Unrecurse struct %d: %v", i, err)
		}
	}
	if err := w.Unrecurse(&arr); err != nil {
		t.Fatalf("Unrecurse array: %v", err)
	}

	if w.Signature() != "a(yv)" {
		t.Fatalf("Signature = %q, want a(yv)", w.Signature())
	}

	r := NewBodyReader(LittleEndian, w.Signature(), w.Body())
	var elems Reader
	if err := r.Recurse(&elems); err != nil {
		t.Fatalf("reader Recurse array: %v", err)
	}
	var got []string
	for {
		var s Reader
		if err := elems.Recurse(&s); err != nil {
			t.Fatalf("reader Recurse struct: %v", err)
		}
		if _, err := s.ReadBasic(); err != nil {
			t.Fatalf("ReadBasic code: %v", err)
		}
		if more, err := s.Next(); err != nil || !more {
			t.Fatalf("Next into variant: more=%v err=%v", more, err)
		}
		var v Reader
		if err := s.Recurse(&v); err != nil {
			t.Fatalf("reader Recurse variant: %v", err)
		}
		val, err := v.ReadBasic()
		if err != nil {
			t.Fatalf("ReadBasic variant: %v", err)
		}
		got = append(got, val.(string))

		more, err := elems.Next()
		if err != nil {
			t.Fatalf("Next array: %v", err)
		}
		if !more {
			break
		}
	}

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("got = %v, want [first second]", got)
	}
}

func TestReaderRecurseEmptyArrayReturnsErrEmptyArray(t *testing.T) {
	w := NewWriter(LittleEndian)
	var arr Writer
	if err := w.Recurse(Array, "s", &arr); err != nil {
		t.Fatalf("Recurse array: %v", err)
	}
	if err := w.Unrecurse(&arr); err != nil {
		t.Fatalf("Unrecurse array: %v", err)
	}

	r := NewBodyReader(LittleEndian, w.Signature(), w.Body())
	var sub Reader
	if err := r.Recurse(&sub); err != ErrEmptyArray {
		t.Fatalf("Recurse empty array: got %v, want ErrEmptyArray", err)
	}
}

func TestWriteReaderSplicesArrayOfStructOfVariant(t *testing.T) {
	src := NewWriter(LittleEndian)
	var arr Writer
	if err := src.Recurse(Array, "(yv)", &arr); err != nil {
		t.Fatalf("Recurse array: %v", err)
	}
	var s Writer
	if err := arr.Recurse(StructOpen, "yv", &s); err != nil {
		t.Fatalf("Recurse struct: %v", err)
	}
	if err := s.WriteBasic(Byte, byte(6)); err != nil {
		t.Fatalf("WriteBasic byte: %v", err)
	}
	var v Writer
	if err := s.Recurse(Variant, "u", &v); err != nil {
		t.Fatalf("Recurse variant: %v", err)
	}
	if err := v.WriteBasic(Uint32, uint32(42)); err != nil {
		t.Fatalf("WriteBasic uint32: %v", err)
	}
	if err := s.Unrecurse(&v); err != nil {
		t.Fatalf("Unrecurse variant: %v", err)
	}
	if err := arr.Unrecurse(&s); err != nil {
		t.Fatalf("Unrecurse struct: %v", err)
	}
	if err := src.Unrecurse(&arr); err != nil {
		t.Fatalf("Unrecurse array: %v", err)
	}

	r := NewBodyReader(LittleEndian, src.Signature(), src.Body())
	dst := NewWriter(LittleEndian)
	if err := dst.WriteReader(r); err != nil {
		t.Fatalf("WriteReader: %v", err)
	}
	if dst.Signature() != src.Signature() {
		t.Fatalf("spliced signature = %q, want %q", dst.Signature(), src.Signature())
	}
	if string(dst.Body()) != string(src.Body()) {
		t.Fatalf("spliced body differs from source")
	}
}

func TestWriteReaderSplicesEmptyArray(t *testing.T) {
	src := NewWriter(LittleEndian)
	var arr Writer
	if err := src.Recurse(Array, "s", &arr); err != nil {
		t.Fatalf("Recurse array: %v", err)
	}
	if err := src.Unrecurse(&arr); err != nil {
		t.Fatalf("Unrecurse array: %v", err)
	}

	r := NewBodyReader(LittleEndian, src.Signature(), src.Body())
	dst := NewWriter(LittleEndian)
	if err := dst.WriteReader(r); err != nil {
		t.Fatalf("WriteReader: %v", err)
	}
	if dst.Signature() != "as" {
		t.Fatalf("spliced signature = %q, want as", dst.Signature())
	}
}

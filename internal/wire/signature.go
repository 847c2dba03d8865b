package wire

// ValidateSignature checks that s is a (possibly empty) sequence of
// complete types, per spec.md §3: a primitive code, `a<T>`, or
// `(T1…Tn)` where each Ti is itself a complete type.
func ValidateSignature(s string) error {
	pos := 0
	for pos < len(s) {
		next, err := validateCompleteType(s, pos, 0)
		if err != nil {
			return err
		}
		pos = next
	}
	return nil
}

// ValidateSingleCompleteType checks that s contains exactly one
// complete type, as required of a variant's inline signature.
func ValidateSingleCompleteType(s string) error {
	if len(s) == 0 {
		return ErrInvalidSig
	}
	next, err := validateCompleteType(s, 0, 0)
	if err != nil {
		return err
	}
	if next != len(s) {
		return ErrInvalidSig
	}
	return nil
}

func validateCompleteType(s string, pos, depth int) (int, error) {
	if depth > MaxDepth {
		return pos, ErrDepthExceeded
	}
	if pos >= len(s) {
		return pos, ErrInvalidSig
	}
	switch Type(s[pos]) {
	case Byte, Boolean, Int16, Uint16, Int32, Uint32, Int64, Uint64, Double, String, ObjectPath, Signature, Variant:
		return pos + 1, nil
	case Array:
		return validateCompleteType(s, pos+1, depth+1)
	case StructOpen:
		pos++
		if pos < len(s) && Type(s[pos]) == StructEnd {
			// empty struct is not a valid type in the D-Bus grammar
			return pos, ErrInvalidSig
		}
		for {
			if pos >= len(s) {
				return pos, ErrInvalidSig
			}
			if Type(s[pos]) == StructEnd {
				return pos + 1, nil
			}
			next, err := validateCompleteType(s, pos, depth+1)
			if err != nil {
				return pos, err
			}
			pos = next
		}
	default:
		return pos, ErrInvalidSig
	}
}

// NextCompleteType returns the slice of s spanning one complete type
// starting at pos, and the position immediately following it.
func NextCompleteType(s string, pos int) (string, int, error) {
	end, err := validateCompleteType(s, pos, 0)
	if err != nil {
		return "", pos, err
	}
	return s[pos:end], end, nil
}

// TypeCodes splits a signature into its top-level complete types.
func TypeCodes(s string) ([]string, error) {
	var out []string
	pos := 0
	for pos < len(s) {
		t, next, err := NextCompleteType(s, pos)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		pos = next
	}
	return out, nil
}

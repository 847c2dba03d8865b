package message

import (
	"errors"
	"fmt"

	"github.com/busline/busd/internal/wire"
)

var (
	// ErrIncomplete means the buffer does not yet hold a full message;
	// the framer should wait for more bytes.
	ErrIncomplete = errors.New("message: incomplete")
	// ErrMalformed means the peer sent bytes that can never form a
	// valid message; per spec.md §4.4 the connection must be dropped.
	ErrMalformed = errors.New("message: malformed")
)

// Peek inspects buf for a complete preamble and returns the total
// byte length the full message will occupy once its header-fields
// array and body are accounted for. It returns ErrIncomplete if buf
// does not yet hold enough bytes to know that length.
func Peek(buf []byte) (total int, err error) {
	if len(buf) < PreambleSize {
		return 0, ErrIncomplete
	}
	order := wire.Order(buf[0])
	if order != wire.LittleEndian && order != wire.BigEndian {
		return 0, fmt.Errorf("%w: bad byte order %q", ErrMalformed, buf[0])
	}
	bodyLen, _, err := wire.UnpackUint32(buf, order, 4)
	if err != nil {
		return 0, ErrIncomplete
	}
	fieldsLen, _, err := wire.UnpackUint32(buf, order, 12)
	if err != nil {
		return 0, ErrIncomplete
	}
	headerLen := PreambleSize + int(fieldsLen)
	headerLen += padTo8(headerLen)
	total = headerLen + int(bodyLen)
	if len(buf) < total {
		return total, ErrIncomplete
	}
	return total, nil
}

func padTo8(n int) int {
	rem := n % 8
	if rem == 0 {
		return 0
	}
	return 8 - rem
}

// Decode parses exactly one message out of buf, which must hold at
// least the bytes Peek reported. It validates required fields per
// message type (spec.md §4.4 step 3) and that the signature field
// agrees with the actual body.
func Decode(buf []byte) (*Message, error) {
	total, err := Peek(buf)
	if err != nil {
		return nil, err
	}
	buf = buf[:total]

	order := wire.Order(buf[0])
	m := &Message{Order: order}
	m.Type = Type(buf[1])
	m.Flags = Flags(buf[2])
	m.Version = buf[3]
	if m.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrMalformed, m.Version)
	}

	bodyLen, _, _ := wire.UnpackUint32(buf, order, 4)
	m.BodyLen = bodyLen
	serial, _, _ := wire.UnpackUint32(buf, order, 8)
	m.Serial = serial
	if m.Serial == 0 {
		return nil, fmt.Errorf("%w: serial must be nonzero", ErrMalformed)
	}
	fieldsLen, _, _ := wire.UnpackUint32(buf, order, 12)

	if err := decodeFields(m, order, buf[PreambleSize:PreambleSize+int(fieldsLen)]); err != nil {
		return nil, err
	}

	headerLen := PreambleSize + int(fieldsLen)
	bodyStart := headerLen + padTo8(headerLen)
	m.Body = append([]byte(nil), buf[bodyStart:bodyStart+int(bodyLen)]...)

	if err := validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// decodeFields walks the header-fields array directly: its own length
// lives in the fixed preamble rather than an embedded array-length
// prefix, so each (yv) struct is parsed from a fresh cursor over the
// remaining bytes instead of through a wire.Reader array wrapper.
func decodeFields(m *Message, order wire.Order, fields []byte) error {
	pos := 0
	for pos < len(fields) {
		if rem := pos % 8; rem != 0 {
			pos += 8 - rem
		}
		if pos >= len(fields) {
			break
		}

		st := wire.NewBodyReader(order, "yv", fields[pos:])
		codeV, err := st.ReadBasic()
		if err != nil {
			return fmt.Errorf("%w: header field code: %v", ErrMalformed, err)
		}
		if _, err := st.Next(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		var vr wire.Reader
		if err := st.Recurse(&vr); err != nil {
			return fmt.Errorf("%w: header field value: %v", ErrMalformed, err)
		}
		if err := assignField(m, FieldCode(codeV.(byte)), &vr); err != nil {
			return err
		}
		if _, err := st.Next(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		pos += st.Offset()
	}
	return nil
}

func assignField(m *Message, code FieldCode, vr *wire.Reader) error {
	v, err := vr.ReadBasic()
	if err != nil {
		return fmt.Errorf("%w: header field %d value: %v", ErrMalformed, code, err)
	}
	switch code {
	case FieldPath:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: PATH must be an object path", ErrMalformed)
		}
		m.Path = s
	case FieldInterface:
		m.Interface, _ = v.(string)
	case FieldMember:
		m.Member, _ = v.(string)
	case FieldErrorName:
		m.ErrorName, _ = v.(string)
	case FieldReplySerial:
		u, ok := v.(uint32)
		if !ok {
			return fmt.Errorf("%w: REPLY_SERIAL must be uint32", ErrMalformed)
		}
		m.ReplySerial = u
		m.HasReply = true
	case FieldDestination:
		m.Destination, _ = v.(string)
	case FieldSender:
		m.Sender, _ = v.(string)
	case FieldSignature:
		m.Signature, _ = v.(string)
	case FieldUnixFDs:
		u, ok := v.(uint32)
		if ok {
			m.UnixFDs = u
		}
	}
	return nil
}

// validate enforces spec.md §4.4 step 3's required-field and
// signature-agreement rules.
func validate(m *Message) error {
	switch m.Type {
	case TypeMethodCall:
		if m.Destination == "" || m.Path == "" || m.Interface == "" || m.Member == "" {
			return fmt.Errorf("%w: method_call requires DESTINATION, PATH, INTERFACE and MEMBER", ErrMalformed)
		}
	case TypeMethodReturn, TypeError:
		if !m.HasReply {
			return fmt.Errorf("%w: %s requires REPLY_SERIAL", ErrMalformed, m.Type)
		}
		if m.Type == TypeError && m.ErrorName == "" {
			return fmt.Errorf("%w: error requires ERROR_NAME", ErrMalformed)
		}
	case TypeSignal:
		if m.Path == "" || m.Member == "" {
			return fmt.Errorf("%w: signal requires PATH and MEMBER", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown message type %d", ErrMalformed, m.Type)
	}

	if m.Signature == "" {
		if len(m.Body) != 0 {
			return fmt.Errorf("%w: body present without a signature field", ErrMalformed)
		}
		return nil
	}
	if err := wire.ValidateSignature(m.Signature); err != nil {
		return fmt.Errorf("%w: invalid signature: %v", ErrMalformed, err)
	}
	return checkBodyMatchesSignature(m)
}

// checkBodyMatchesSignature walks m.Body with a reader built from the
// claimed signature and confirms it demarshals end to end, per
// spec.md §4.4's "signature field's content matches the actual body
// layout when demarshalled".
func checkBodyMatchesSignature(m *Message) error {
	r := wire.NewBodyReader(m.Order, m.Signature, m.Body)
	consumed := 0
	for {
		t := r.CurrentType()
		if t == wire.Invalid {
			break
		}
		if wire.IsBasic(t) {
			if _, err := r.ReadBasic(); err != nil {
				return fmt.Errorf("%w: body does not match signature: %v", ErrMalformed, err)
			}
		} else {
			var sub wire.Reader
			if err := r.Recurse(&sub); err != nil && err != wire.ErrEmptyArray {
				return fmt.Errorf("%w: body does not match signature: %v", ErrMalformed, err)
			}
		}
		more, err := r.Next()
		if err != nil {
			return fmt.Errorf("%w: body does not match signature: %v", ErrMalformed, err)
		}
		consumed++
		if !more {
			break
		}
	}
	return nil
}

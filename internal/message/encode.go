package message

import (
	"github.com/busline/busd/internal/wire"
)

// Builder assembles a Message field by field before Encode, mirroring
// the fixed-header-then-fields shape of original_source/dbus-message.c.
type Builder struct {
	order   wire.Order
	typ     Type
	flags   Flags
	serial  uint32

	path        string
	hasPath     bool
	iface       string
	hasIface    bool
	member      string
	hasMember   bool
	errorName   string
	hasError    bool
	replySerial uint32
	hasReply    bool
	destination string
	hasDest     bool
	sender      string
	hasSender   bool

	bodyWriter *wire.Writer

	rawSig     string
	rawBody    []byte
	hasRawBody bool
}

// NewBuilder starts a message of the given type with the given
// serial, written in the given byte order.
func NewBuilder(order wire.Order, typ Type, serial uint32) *Builder {
	return &Builder{order: order, typ: typ, serial: serial, bodyWriter: wire.NewWriter(order)}
}

func (b *Builder) SetFlags(f Flags) *Builder { b.flags = f; return b }

func (b *Builder) SetPath(p string) *Builder { b.path, b.hasPath = p, true; return b }

func (b *Builder) SetInterface(i string) *Builder { b.iface, b.hasIface = i, true; return b }

func (b *Builder) SetMember(m string) *Builder { b.member, b.hasMember = m, true; return b }

func (b *Builder) SetErrorName(e string) *Builder { b.errorName, b.hasError = e, true; return b }

func (b *Builder) SetReplySerial(s uint32) *Builder { b.replySerial, b.hasReply = s, true; return b }

func (b *Builder) SetDestination(d string) *Builder { b.destination, b.hasDest = d, true; return b }

func (b *Builder) SetSender(s string) *Builder { b.sender, b.hasSender = s, true; return b }

// Body returns the underlying body writer so callers can marshal
// arguments before Encode.
func (b *Builder) Body() *wire.Writer { return b.bodyWriter }

// SetRawBody installs an already-packed body verbatim, bypassing the
// body writer. Used by Reencode to relay a decoded message's body
// bytes unchanged rather than re-marshal them value by value.
func (b *Builder) SetRawBody(sig string, body []byte) *Builder {
	b.rawSig, b.rawBody, b.hasRawBody = sig, body, true
	return b
}

// Encode produces the full wire byte sequence for the message.
func (b *Builder) Encode() ([]byte, error) {
	sig, body := b.bodyWriter.Signature(), b.bodyWriter.Body()
	if b.hasRawBody {
		sig, body = b.rawSig, b.rawBody
	}

	// The header-fields array's own length lives in the fixed preamble
	// (the third uint32), so its elements are built directly rather
	// than through a wire.Writer array wrapper, which would otherwise
	// emit a second, redundant length field ahead of the structs.
	var fields []byte

	write := func(code FieldCode, t wire.Type, v interface{}) error {
		fields = wire.AppendAlign(fields, 8)
		sw := wire.NewWriter(b.order)
		var st wire.Writer
		if err := sw.Recurse(wire.StructOpen, "", &st); err != nil {
			return err
		}
		if err := st.WriteBasic(wire.Byte, byte(code)); err != nil {
			return err
		}
		var vr wire.Writer
		if err := st.Recurse(wire.Variant, string(t), &vr); err != nil {
			return err
		}
		if err := vr.WriteBasic(t, v); err != nil {
			return err
		}
		if err := st.Unrecurse(&vr); err != nil {
			return err
		}
		if err := sw.Unrecurse(&st); err != nil {
			return err
		}
		fields = append(fields, sw.Body()...)
		return nil
	}

	if b.hasPath {
		if err := write(FieldPath, wire.ObjectPath, b.path); err != nil {
			return nil, err
		}
	}
	if b.hasIface {
		if err := write(FieldInterface, wire.String, b.iface); err != nil {
			return nil, err
		}
	}
	if b.hasMember {
		if err := write(FieldMember, wire.String, b.member); err != nil {
			return nil, err
		}
	}
	if b.hasError {
		if err := write(FieldErrorName, wire.String, b.errorName); err != nil {
			return nil, err
		}
	}
	if b.hasReply {
		if err := write(FieldReplySerial, wire.Uint32, b.replySerial); err != nil {
			return nil, err
		}
	}
	if b.hasDest {
		if err := write(FieldDestination, wire.String, b.destination); err != nil {
			return nil, err
		}
	}
	if b.hasSender {
		if err := write(FieldSender, wire.String, b.sender); err != nil {
			return nil, err
		}
	}
	if sig != "" {
		if err := write(FieldSignature, wire.Signature, sig); err != nil {
			return nil, err
		}
	}

	out := make([]byte, 0, PreambleSize+len(fields)+8+len(body))
	out = append(out, byte(b.order))
	out = append(out, byte(b.typ))
	out = append(out, byte(b.flags))
	out = append(out, ProtocolVersion)
	out = wire.PackUint32(out, b.order, uint32(len(body)))
	out = wire.PackUint32(out, b.order, b.serial)
	out = wire.PackUint32(out, b.order, uint32(len(fields)))
	out = append(out, fields...)
	out = wire.AppendAlign(out, 8)
	out = append(out, body...)
	return out, nil
}

// Reencode rebuilds m's wire bytes from its parsed fields, relaying
// its body verbatim. Dispatch uses this rather than the original
// inbound bytes because routing may fill in Sender after decode (a
// connection's Sender header field is optional on the wire; the bus
// assigns it from the connection's unique name per spec.md §4.7 step
// 1 if the client left it unset).
func Reencode(m *Message) ([]byte, error) {
	b := NewBuilder(m.Order, m.Type, m.Serial)
	b.SetFlags(m.Flags)
	if m.Path != "" {
		b.SetPath(m.Path)
	}
	if m.Interface != "" {
		b.SetInterface(m.Interface)
	}
	if m.Member != "" {
		b.SetMember(m.Member)
	}
	if m.ErrorName != "" {
		b.SetErrorName(m.ErrorName)
	}
	if m.HasReply {
		b.SetReplySerial(m.ReplySerial)
	}
	if m.Destination != "" {
		b.SetDestination(m.Destination)
	}
	if m.Sender != "" {
		b.SetSender(m.Sender)
	}
	b.SetRawBody(m.Signature, m.Body)
	return b.Encode()
}

// Package message implements the bus's wire message object and its
// framing state machine, built atop internal/wire, grounded on the
// header/body split in other_examples' systemd message/header decoder
// and on original_source/bus/dispatch.c's validation steps.
package message

import (
	"github.com/busline/busd/internal/wire"
)

// Type is the message's kind, the second preamble byte.
type Type byte

const (
	TypeInvalid      Type = 0
	TypeMethodCall   Type = 1
	TypeMethodReturn Type = 2
	TypeError        Type = 3
	TypeSignal       Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// Flags is a bitwise OR of the message flags byte.
type Flags byte

const (
	FlagNoReplyExpected      Flags = 1 << 0
	FlagNoAutoStart          Flags = 1 << 1
	FlagAllowInteractiveAuth Flags = 1 << 2
)

// FieldCode identifies a header field within the a(yv) fields array.
type FieldCode byte

const (
	FieldPath        FieldCode = 1
	FieldInterface   FieldCode = 2
	FieldMember      FieldCode = 3
	FieldErrorName   FieldCode = 4
	FieldReplySerial FieldCode = 5
	FieldDestination FieldCode = 6
	FieldSender      FieldCode = 7
	FieldSignature   FieldCode = 8
	FieldUnixFDs     FieldCode = 9
)

const ProtocolVersion = 1

// PreambleSize is the fixed-length prefix before the header-fields
// array: order, type, flags, version, body length, serial, and the
// header-fields array's byte length.
const PreambleSize = 16

// Message is a parsed unit exchanged between a connection and the
// bus, per spec.md §4's Message object. The dispatcher fills in Sender
// when the client left it unset; routing changes no other field.
type Message struct {
	Order    wire.Order
	Type     Type
	Flags    Flags
	Version  byte
	Serial   uint32
	BodyLen  uint32

	Path        string
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	HasReply    bool
	Destination string
	Sender      string
	Signature   string
	UnixFDs     uint32

	Body []byte
}

// NoReplyExpected reports whether the sender asked to skip a reply.
func (m *Message) NoReplyExpected() bool { return m.Flags&FlagNoReplyExpected != 0 }

// Reader returns a wire.Reader positioned at the start of m's body.
func (m *Message) Reader() *wire.Reader {
	return wire.NewBodyReader(m.Order, m.Signature, m.Body)
}

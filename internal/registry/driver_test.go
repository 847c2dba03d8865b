package registry

import (
	"testing"

	"github.com/busline/busd/internal/message"
	"github.com/busline/busd/internal/wire"
)

func requestNameCall(name string, flags RequestFlags) *message.Message {
	b := message.NewBuilder(wire.LittleEndian, message.TypeMethodCall, 1)
	b.SetPath("/org/busline/Bus").SetInterface("org.busline.Bus").SetMember("RequestName").SetDestination("org.busline.Bus")
	b.Body().WriteBasic(wire.String, name)
	b.Body().WriteBasic(wire.Uint32, uint32(flags))
	raw, _ := b.Encode()
	m, _ := message.Decode(raw)
	return m
}

func TestDriverHelloThenRequestName(t *testing.T) {
	d := NewDriver(New())

	w, err := d.HandleHello()
	if err != nil {
		t.Fatalf("HandleHello: %v", err)
	}
	r := wire.NewBodyReader(wire.LittleEndian, w.Signature(), w.Body())
	nameV, err := r.ReadBasic()
	if err != nil {
		t.Fatalf("reading Hello reply: %v", err)
	}
	connID := nameV.(string)
	if connID != ":1.1" {
		t.Fatalf("connID = %q, want :1.1", connID)
	}

	call := requestNameCall("org.example.X", AllowReplacement)
	rw, err := d.HandleRequestName(connID, call)
	if err != nil {
		t.Fatalf("HandleRequestName: %v", err)
	}
	rr := wire.NewBodyReader(wire.LittleEndian, rw.Signature(), rw.Body())
	outV, err := rr.ReadBasic()
	if err != nil {
		t.Fatalf("reading RequestName reply: %v", err)
	}
	if outV.(uint32) != uint32(PrimaryOwner)+1 {
		t.Fatalf("RequestName outcome = %v, want PrimaryOwner", outV)
	}

	if !d.Registry.NameHasOwner("org.example.X") {
		t.Fatalf("expected org.example.X to have an owner")
	}
}

func TestDriverGetNameOwnerErrorsWhenUnowned(t *testing.T) {
	d := NewDriver(New())
	b := message.NewBuilder(wire.LittleEndian, message.TypeMethodCall, 1)
	b.SetPath("/org/busline/Bus").SetInterface("org.busline.Bus").SetMember("GetNameOwner").SetDestination("org.busline.Bus")
	b.Body().WriteBasic(wire.String, "org.example.Missing")
	raw, _ := b.Encode()
	call, _ := message.Decode(raw)

	if _, err := d.HandleGetNameOwner(call); err == nil {
		t.Fatalf("expected NameHasNoOwner error")
	}
}

package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/busline/busd/internal/match"
	"github.com/busline/busd/internal/message"
	"github.com/busline/busd/internal/registry"
	"github.com/busline/busd/internal/transport"
	"github.com/busline/busd/internal/wire"
)

func newTestDispatcher() (*Dispatcher, *MapHub) {
	hub := NewMapHub()
	d := New(registry.New(), match.New(), hub, nil, nil, nil)
	return d, hub
}

func newTestConn(t *testing.T) (*transport.Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	return transport.NewConnection(server, []byte("oom"), 0), client
}

func drainMessages(t *testing.T, peer net.Conn, n int) []*message.Message {
	t.Helper()
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr := message.NewFramer()
	var out []*message.Message
	buf := make([]byte, 4096)
	for len(out) < n {
		nRead, err := peer.Read(buf)
		if err != nil {
			t.Fatalf("reading drained messages: %v", err)
		}
		if err := fr.Feed(buf[:nRead]); err != nil {
			t.Fatalf("feeding framer: %v", err)
		}
		for fr.Ready() {
			out = append(out, fr.Pop())
		}
	}
	return out
}

func methodCall(iface, member, destination string, serial uint32, args func(*wire.Writer)) *message.Message {
	b := message.NewBuilder(wire.LittleEndian, message.TypeMethodCall, serial)
	b.SetPath("/org/busline/Bus").SetInterface(iface).SetMember(member).SetDestination(destination)
	if args != nil {
		args(b.Body())
	}
	raw, err := b.Encode()
	if err != nil {
		panic(err)
	}
	m, err := message.Decode(raw)
	if err != nil {
		panic(err)
	}
	return m
}

func firstString(t *testing.T, m *message.Message) string {
	t.Helper()
	v, err := m.Reader().ReadBasic()
	if err != nil {
		t.Fatalf("reading string arg: %v", err)
	}
	return v.(string)
}

func TestDispatchHelloRepliesAndSignalsNameAcquired(t *testing.T) {
	d, _ := newTestDispatcher()
	conn, peer := newTestConn(t)

	call := methodCall(registry.BusName, "Hello", registry.BusName, 1, nil)
	if err := d.Dispatch(conn, call); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if conn.UniqueName() != ":1.1" {
		t.Fatalf("UniqueName = %q, want :1.1", conn.UniqueName())
	}

	go conn.Flush()
	msgs := drainMessages(t, peer, 2)

	reply := msgs[0]
	if reply.Type != message.TypeMethodReturn || !reply.HasReply || reply.ReplySerial != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if firstString(t, reply) != ":1.1" {
		t.Fatalf("Hello reply = %q, want :1.1", firstString(t, reply))
	}

	signal := msgs[1]
	if signal.Type != message.TypeSignal || signal.Member != "NameAcquired" {
		t.Fatalf("unexpected second message: %+v", signal)
	}
	if firstString(t, signal) != ":1.1" {
		t.Fatalf("NameAcquired arg = %q, want :1.1", firstString(t, signal))
	}
}

func TestDispatchServiceDoesNotExist(t *testing.T) {
	d, _ := newTestDispatcher()
	conn, peer := newTestConn(t)
	d.Dispatch(conn, methodCall(registry.BusName, "Hello", registry.BusName, 1, nil))
	go conn.Flush()
	drainMessages(t, peer, 2)

	call := methodCall("foo.Bar", "Baz", "org.example.Missing", 2, nil)
	if err := d.Dispatch(conn, call); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	go conn.Flush()
	msgs := drainMessages(t, peer, 1)
	errMsg := msgs[0]
	if errMsg.Type != message.TypeError || errMsg.ErrorName != "org.freedesktop.DBus.Error.ServiceDoesNotExist" {
		t.Fatalf("unexpected error reply: %+v", errMsg)
	}
	if errMsg.ReplySerial != 2 {
		t.Fatalf("ReplySerial = %d, want 2", errMsg.ReplySerial)
	}
}

func TestDispatchAddMatchDeliversSignal(t *testing.T) {
	d, _ := newTestDispatcher()
	connA, peerA := newTestConn(t)
	connB, peerB := newTestConn(t)

	d.Dispatch(connA, methodCall(registry.BusName, "Hello", registry.BusName, 1, nil))
	go connA.Flush()
	drainMessages(t, peerA, 2)

	d.Dispatch(connB, methodCall(registry.BusName, "Hello", registry.BusName, 1, nil))
	go connB.Flush()
	drainMessages(t, peerB, 2)

	addMatch := methodCall(registry.BusName, "AddMatch", registry.BusName, 2, func(w *wire.Writer) {
		w.WriteBasic(wire.String, "type='signal',interface='foo.Bar',member='Baz'")
	})
	if err := d.Dispatch(connA, addMatch); err != nil {
		t.Fatalf("Dispatch AddMatch: %v", err)
	}
	go connA.Flush()
	drainMessages(t, peerA, 1)

	sig := message.NewBuilder(wire.LittleEndian, message.TypeSignal, 3)
	sig.SetPath("/org/example/Obj").SetInterface("foo.Bar").SetMember("Baz")
	rawSig, _ := sig.Encode()
	decodedSig, _ := message.Decode(rawSig)

	if err := d.Dispatch(connB, decodedSig); err != nil {
		t.Fatalf("Dispatch signal: %v", err)
	}

	go connA.Flush()
	msgs := drainMessages(t, peerA, 1)
	if msgs[0].Type != message.TypeSignal || msgs[0].Sender != connB.UniqueName() {
		t.Fatalf("unexpected delivered signal: %+v", msgs[0])
	}
}

func TestDispatchNameHandoffSignalsBothParties(t *testing.T) {
	d, _ := newTestDispatcher()
	connA, peerA := newTestConn(t)
	connB, peerB := newTestConn(t)

	d.Dispatch(connA, methodCall(registry.BusName, "Hello", registry.BusName, 1, nil))
	go connA.Flush()
	drainMessages(t, peerA, 2)
	d.Dispatch(connB, methodCall(registry.BusName, "Hello", registry.BusName, 1, nil))
	go connB.Flush()
	drainMessages(t, peerB, 2)

	reqA := methodCall(registry.BusName, "RequestName", registry.BusName, 2, func(w *wire.Writer) {
		w.WriteBasic(wire.String, "org.example.X")
		w.WriteBasic(wire.Uint32, uint32(registry.AllowReplacement))
	})
	d.Dispatch(connA, reqA)
	go connA.Flush()
	firstMsgs := drainMessages(t, peerA, 2) // reply + NameOwnerChanged(old="", new=A)
	if firstMsgs[0].Type != message.TypeMethodReturn {
		t.Fatalf("expected method-return first, got %+v", firstMsgs[0])
	}
	if firstMsgs[1].Member != "NameOwnerChanged" {
		t.Fatalf("expected NameOwnerChanged after first acquisition, got %+v", firstMsgs[1])
	}

	reqB := methodCall(registry.BusName, "RequestName", registry.BusName, 2, func(w *wire.Writer) {
		w.WriteBasic(wire.String, "org.example.X")
		w.WriteBasic(wire.Uint32, uint32(registry.ReplaceExisting))
	})
	if err := d.Dispatch(connB, reqB); err != nil {
		t.Fatalf("Dispatch RequestName: %v", err)
	}

	go connB.Flush()
	bMsgs := drainMessages(t, peerB, 2) // reply + NameOwnerChanged (B is new owner)
	if bMsgs[0].Type != message.TypeMethodReturn {
		t.Fatalf("expected method-return first, got %+v", bMsgs[0])
	}

	go connA.Flush()
	aMsgs := drainMessages(t, peerA, 1) // A only gets NameOwnerChanged
	if aMsgs[0].Member != "NameOwnerChanged" {
		t.Fatalf("expected NameOwnerChanged for A, got %+v", aMsgs[0])
	}
	if d.Registry.GetNameOwner("org.example.X") != connB.UniqueName() {
		t.Fatalf("expected B to own org.example.X after handoff")
	}
}

func TestDispatchOOMRollbackRepliesOnce(t *testing.T) {
	d, _ := newTestDispatcher()
	conn, peer := newTestConn(t)
	d.Dispatch(conn, methodCall(registry.BusName, "Hello", registry.BusName, 1, nil))
	go conn.Flush()
	drainMessages(t, peer, 2)

	d.SetFailureInjector(func() bool { return true })
	call := methodCall(registry.BusName, "ListNames", registry.BusName, 2, nil)
	if err := d.Dispatch(conn, call); err == nil {
		t.Fatalf("expected an error from the canceled transaction")
	}

	go conn.Flush()
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := peer.Read(buf)
	if err != nil {
		t.Fatalf("reading OOM reply: %v", err)
	}
	if string(buf[:n]) != "oom" {
		t.Fatalf("reply = %q, want the preallocated OOM bytes", buf[:n])
	}
}

// TestDispatchPreservesSenderOrderToRecipient covers spec.md §8
// invariant 6: two transactions from the same sender addressed to the
// same recipient must land in that recipient's queue in commit order.
func TestDispatchPreservesSenderOrderToRecipient(t *testing.T) {
	d, _ := newTestDispatcher()
	connA, peerA := newTestConn(t)
	connB, peerB := newTestConn(t)

	d.Dispatch(connA, methodCall(registry.BusName, "Hello", registry.BusName, 1, nil))
	go connA.Flush()
	drainMessages(t, peerA, 2)
	d.Dispatch(connB, methodCall(registry.BusName, "Hello", registry.BusName, 1, nil))
	go connB.Flush()
	drainMessages(t, peerB, 2)

	addMatch := methodCall(registry.BusName, "AddMatch", registry.BusName, 2, func(w *wire.Writer) {
		w.WriteBasic(wire.String, "type='signal',interface='foo.Bar',member='Baz'")
	})
	if err := d.Dispatch(connB, addMatch); err != nil {
		t.Fatalf("Dispatch AddMatch: %v", err)
	}
	go connB.Flush()
	drainMessages(t, peerB, 1)

	for serial := uint32(10); serial <= 12; serial++ {
		b := message.NewBuilder(wire.LittleEndian, message.TypeSignal, serial)
		b.SetPath("/org/example/Obj").SetInterface("foo.Bar").SetMember("Baz")
		b.Body().WriteBasic(wire.Uint32, serial)
		raw, err := b.Encode()
		if err != nil {
			t.Fatalf("encoding signal %d: %v", serial, err)
		}
		m, err := message.Decode(raw)
		if err != nil {
			t.Fatalf("decoding signal %d: %v", serial, err)
		}
		if err := d.Dispatch(connA, m); err != nil {
			t.Fatalf("Dispatch signal %d: %v", serial, err)
		}
	}

	go connB.Flush()
	msgs := drainMessages(t, peerB, 3)
	for i, want := range []uint32{10, 11, 12} {
		if msgs[i].Serial != want {
			t.Fatalf("message %d has serial %d, want %d (received out of commit order)", i, msgs[i].Serial, want)
		}
	}
}

package dispatch

import (
	"github.com/busline/busd/internal/buserr"
	"github.com/busline/busd/internal/busversion"
	"github.com/busline/busd/internal/match"
	"github.com/busline/busd/internal/message"
	"github.com/busline/busd/internal/registry"
	"github.com/busline/busd/internal/transport"
	"github.com/busline/busd/internal/wire"
)

// dispatchToDriver routes a message addressed to registry.BusName to
// the appropriate driver method. Hello, RequestName and ReleaseName
// are handled here rather than delegated to registry.Driver because
// they need to emit NameAcquired/NameOwnerChanged signals alongside
// the method-return, which requires the raw registry outcome (owner,
// evicted connection) that Driver's wire-encoded reply deliberately
// doesn't expose back to a caller. ListNames, NameHasOwner and
// GetNameOwner have no signal to emit, so they call straight through
// to registry.Driver.
func (d *Dispatcher) dispatchToDriver(conn *transport.Connection, m *message.Message, txn *Transaction) error {
	switch m.Member {
	case "Hello":
		return d.handleHello(conn, m, txn)
	case "RequestName":
		return d.handleRequestName(conn, m, txn)
	case "ReleaseName":
		return d.handleReleaseName(conn, m, txn)
	case "ListNames":
		w, err := d.Driver.HandleListNames()
		return d.stageDriverResult(conn, m, txn, w, err)
	case "NameHasOwner":
		w, err := d.Driver.HandleNameHasOwner(m)
		return d.stageDriverResult(conn, m, txn, w, err)
	case "GetNameOwner":
		w, err := d.Driver.HandleGetNameOwner(m)
		return d.stageDriverResult(conn, m, txn, w, err)
	case "AddMatch":
		return d.handleAddMatch(conn, m, txn)
	case "RemoveMatch":
		return d.handleRemoveMatch(conn, m, txn)
	case "GetConnectionUnixUser":
		return d.handleGetConnectionUnixUser(conn, m, txn)
	case "StartServiceByName":
		return d.handleStartServiceByName(conn, m, txn)
	case "UpdateActivationEnvironment":
		return d.stageDriverResult(conn, m, txn, wire.NewWriter(wire.LittleEndian), nil)
	case "GetId":
		w := wire.NewWriter(wire.LittleEndian)
		_ = w.WriteBasic(wire.String, busversion.Current.String())
		return d.stageDriverResult(conn, m, txn, w, nil)
	case "Features":
		w := wire.NewWriter(wire.LittleEndian)
		var arr wire.Writer
		if err := w.Recurse(wire.Array, "s", &arr); err != nil {
			return err
		}
		for _, f := range busversion.Features() {
			if err := arr.WriteBasic(wire.String, f); err != nil {
				return err
			}
		}
		if err := w.Unrecurse(&arr); err != nil {
			return err
		}
		return d.stageDriverResult(conn, m, txn, w, nil)
	case "RingLog":
		return d.handleRingLog(conn, m, txn)
	default:
		return d.stageDriverError(conn, m, txn, buserr.New(buserr.UnknownMethod, "unknown driver method %q", m.Member))
	}
}

func (d *Dispatcher) stageDriverResult(conn *transport.Connection, call *message.Message, txn *Transaction, w *wire.Writer, err error) error {
	if err != nil {
		return d.stageDriverError(conn, call, txn, err)
	}
	if conn.UniqueName() == "" {
		return nil
	}
	raw, encErr := d.methodReturnFrom(call, w)
	if encErr != nil {
		return encErr
	}
	return txn.Stage(conn.UniqueName(), raw)
}

func (d *Dispatcher) stageDriverError(conn *transport.Connection, call *message.Message, txn *Transaction, err error) error {
	if conn.UniqueName() == "" {
		return nil
	}
	raw, encErr := d.errorMessage(call.Serial, call.Sender, conn.UniqueName(), buserr.KindOf(err), "%v", err)
	if encErr != nil {
		return encErr
	}
	return txn.Stage(conn.UniqueName(), raw)
}

func (d *Dispatcher) handleHello(conn *transport.Connection, m *message.Message, txn *Transaction) error {
	name := conn.UniqueName()
	firstTime := name == ""
	if firstTime {
		name = d.Registry.Hello()
		conn.SetUniqueName(name)
		d.hub.Bind(name, conn)
	}
	w := wire.NewWriter(wire.LittleEndian)
	if err := w.WriteBasic(wire.String, name); err != nil {
		return err
	}
	if err := d.stageDriverResult(conn, m, txn, w, nil); err != nil {
		return err
	}
	if firstTime {
		return d.stageNameAcquired(txn, name)
	}
	return nil
}

func (d *Dispatcher) handleRequestName(conn *transport.Connection, m *message.Message, txn *Transaction) error {
	r := m.Reader()
	nameV, err := r.ReadBasic()
	if err != nil {
		return d.stageDriverError(conn, m, txn, buserr.Wrap(buserr.InvalidArgs, err, "RequestName: reading name"))
	}
	if _, err := r.Next(); err != nil {
		return d.stageDriverError(conn, m, txn, buserr.Wrap(buserr.InvalidArgs, err, "RequestName: advancing past name"))
	}
	flagsV, err := r.ReadBasic()
	if err != nil {
		return d.stageDriverError(conn, m, txn, buserr.Wrap(buserr.InvalidArgs, err, "RequestName: reading flags"))
	}
	name := nameV.(string)

	outcome, evicted := d.Registry.RequestName(conn.UniqueName(), name, registry.RequestFlags(flagsV.(uint32)))
	w := wire.NewWriter(wire.LittleEndian)
	if err := w.WriteBasic(wire.Uint32, uint32(outcome)+1); err != nil {
		return err
	}
	if err := d.stageDriverResult(conn, m, txn, w, nil); err != nil {
		return err
	}
	if outcome == registry.PrimaryOwner {
		return d.stageNameOwnerChanged(txn, name, evicted, conn.UniqueName())
	}
	return nil
}

func (d *Dispatcher) handleReleaseName(conn *transport.Connection, m *message.Message, txn *Transaction) error {
	r := m.Reader()
	nameV, err := r.ReadBasic()
	if err != nil {
		return d.stageDriverError(conn, m, txn, buserr.Wrap(buserr.InvalidArgs, err, "ReleaseName: reading name"))
	}
	name := nameV.(string)

	outcome, newOwner := d.Registry.ReleaseName(conn.UniqueName(), name)
	w := wire.NewWriter(wire.LittleEndian)
	if err := w.WriteBasic(wire.Uint32, uint32(outcome)+1); err != nil {
		return err
	}
	if err := d.stageDriverResult(conn, m, txn, w, nil); err != nil {
		return err
	}
	if outcome == registry.ReleaseReleased {
		return d.stageNameOwnerChanged(txn, name, conn.UniqueName(), newOwner)
	}
	return nil
}

func (d *Dispatcher) handleAddMatch(conn *transport.Connection, m *message.Message, txn *Transaction) error {
	r := m.Reader()
	ruleV, err := r.ReadBasic()
	if err != nil {
		return d.stageDriverError(conn, m, txn, buserr.Wrap(buserr.InvalidArgs, err, "AddMatch: reading rule"))
	}
	rule, err := match.ParseRule(ruleV.(string))
	if err != nil {
		return d.stageDriverError(conn, m, txn, buserr.Wrap(buserr.InvalidArgs, err, "AddMatch: parsing rule"))
	}
	d.Matches.AddMatch(conn.UniqueName(), rule)
	return d.stageDriverResult(conn, m, txn, wire.NewWriter(wire.LittleEndian), nil)
}

func (d *Dispatcher) handleRemoveMatch(conn *transport.Connection, m *message.Message, txn *Transaction) error {
	r := m.Reader()
	ruleV, err := r.ReadBasic()
	if err != nil {
		return d.stageDriverError(conn, m, txn, buserr.Wrap(buserr.InvalidArgs, err, "RemoveMatch: reading rule"))
	}
	d.Matches.RemoveMatch(conn.UniqueName(), ruleV.(string))
	return d.stageDriverResult(conn, m, txn, wire.NewWriter(wire.LittleEndian), nil)
}

func (d *Dispatcher) handleGetConnectionUnixUser(conn *transport.Connection, m *message.Message, txn *Transaction) error {
	r := m.Reader()
	nameV, err := r.ReadBasic()
	if err != nil {
		return d.stageDriverError(conn, m, txn, buserr.Wrap(buserr.InvalidArgs, err, "GetConnectionUnixUser: reading name"))
	}
	owner := d.Registry.GetNameOwner(nameV.(string))
	if owner == "" {
		return d.stageDriverError(conn, m, txn, buserr.New(buserr.NameHasNoOwner, "name %q has no owner", nameV.(string)))
	}
	out, ok := d.hub.Lookup(owner)
	if !ok {
		return d.stageDriverError(conn, m, txn, buserr.New(buserr.NameHasNoOwner, "connection for %q is gone", nameV.(string)))
	}
	w := wire.NewWriter(wire.LittleEndian)
	if err := w.WriteBasic(wire.Uint32, uint32(out.Credentials().UID)); err != nil {
		return err
	}
	return d.stageDriverResult(conn, m, txn, w, nil)
}

func (d *Dispatcher) handleStartServiceByName(conn *transport.Connection, m *message.Message, txn *Transaction) error {
	r := m.Reader()
	nameV, err := r.ReadBasic()
	if err != nil {
		return d.stageDriverError(conn, m, txn, buserr.Wrap(buserr.InvalidArgs, err, "StartServiceByName: reading name"))
	}
	name := nameV.(string)

	if d.Registry.NameHasOwner(name) {
		w := wire.NewWriter(wire.LittleEndian)
		_ = w.WriteBasic(wire.Uint32, uint32(2)) // DBUS_START_REPLY_ALREADY_RUNNING
		return d.stageDriverResult(conn, m, txn, w, nil)
	}
	if d.activator == nil {
		return d.stageDriverError(conn, m, txn, buserr.New(buserr.ServiceDoesNotExist, "no activation configured for %q", name))
	}
	if err := d.activator.EnsureRunning(name); err != nil {
		return d.stageDriverError(conn, m, txn, err)
	}
	w := wire.NewWriter(wire.LittleEndian)
	_ = w.WriteBasic(wire.Uint32, uint32(1)) // DBUS_START_REPLY_SUCCESS
	return d.stageDriverResult(conn, m, txn, w, nil)
}

// handleRingLog dumps this bus process's own recent log records,
// mirroring the teacher's ring-buffer-backed "log" command: a local
// introspection aid for busctl, not part of the wire protocol spec.md
// itself describes.
func (d *Dispatcher) handleRingLog(conn *transport.Connection, m *message.Message, txn *Transaction) error {
	w := wire.NewWriter(wire.LittleEndian)
	var arr wire.Writer
	if err := w.Recurse(wire.Array, "s", &arr); err != nil {
		return err
	}
	if ring := d.log.Ring(); ring != nil {
		for _, line := range ring.Dump() {
			if err := arr.WriteBasic(wire.String, line); err != nil {
				return err
			}
		}
	}
	if err := w.Unrecurse(&arr); err != nil {
		return err
	}
	return d.stageDriverResult(conn, m, txn, w, nil)
}

func (d *Dispatcher) stageNameAcquired(txn *Transaction, name string) error {
	w := wire.NewWriter(wire.LittleEndian)
	if err := w.WriteBasic(wire.String, name); err != nil {
		return err
	}
	b := message.NewBuilder(wire.LittleEndian, message.TypeSignal, d.nextSerial())
	b.SetPath("/org/busline/Bus").SetInterface(registry.BusName).SetMember("NameAcquired")
	b.SetSender(registry.BusName).SetDestination(name)
	b.SetRawBody(w.Signature(), w.Body())
	raw, err := b.Encode()
	if err != nil {
		return err
	}
	return txn.Stage(name, raw)
}

// stageNameOwnerChanged stages one NameOwnerChanged signal for name's
// handoff from oldOwner to newOwner (either may be ""), delivered
// directly to whichever of them is nonempty plus any match-store
// subscriber, per spec.md §8's name-handoff scenario.
func (d *Dispatcher) stageNameOwnerChanged(txn *Transaction, name, oldOwner, newOwner string) error {
	w := wire.NewWriter(wire.LittleEndian)
	if err := w.WriteBasic(wire.String, name); err != nil {
		return err
	}
	if err := w.WriteBasic(wire.String, oldOwner); err != nil {
		return err
	}
	if err := w.WriteBasic(wire.String, newOwner); err != nil {
		return err
	}
	b := message.NewBuilder(wire.LittleEndian, message.TypeSignal, d.nextSerial())
	b.SetPath("/org/busline/Bus").SetInterface(registry.BusName).SetMember("NameOwnerChanged")
	b.SetSender(registry.BusName)
	b.SetRawBody(w.Signature(), w.Body())
	raw, err := b.Encode()
	if err != nil {
		return err
	}

	targets := make(map[string]bool)
	if oldOwner != "" {
		targets[oldOwner] = true
	}
	if newOwner != "" {
		targets[newOwner] = true
	}
	synthetic := &message.Message{
		Order: wire.LittleEndian, Type: message.TypeSignal,
		Interface: registry.BusName, Member: "NameOwnerChanged",
		Path: "/org/busline/Bus", Sender: registry.BusName,
	}
	for _, r := range d.Matches.Recipients(synthetic, "", "") {
		targets[r] = true
	}
	for target := range targets {
		if err := txn.Stage(target, raw); err != nil {
			return err
		}
	}
	return nil
}

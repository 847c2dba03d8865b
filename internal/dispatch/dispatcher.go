// Package dispatch implements the bus's routing core: spec.md §4.7's
// five-step dispatch algorithm, the transaction that makes it atomic,
// and the driver methods that need collaborators (match store,
// transport, activation) the name registry deliberately doesn't
// depend on.
package dispatch

import (
	"fmt"
	"time"

	"github.com/busline/busd/internal/buserr"
	"github.com/busline/busd/internal/buslog"
	"github.com/busline/busd/internal/match"
	"github.com/busline/busd/internal/message"
	"github.com/busline/busd/internal/registry"
	"github.com/busline/busd/internal/transport"
	"github.com/busline/busd/internal/wire"
)

// Activator is the service-activation seam for StartServiceByName;
// internal/activation.Manager implements it.
type Activator interface {
	EnsureRunning(serviceName string) error
}

// Dispatcher owns the registry, match store, policy and hub
// collaborators and routes every inbound message per spec.md §4.7.
type Dispatcher struct {
	Registry *registry.Registry
	Driver   *registry.Driver
	Matches  *match.Store
	Policy   Policy

	hub        Hub
	activator  Activator
	pending    *PendingReplies
	noReplyTTL time.Duration
	log        *buslog.Logger

	busSerial uint32

	// failInjector lets tests simulate an allocation failure at a
	// transaction's staging point, per spec.md §8's OOM rollback
	// scenario.
	failInjector func() bool
}

// New returns a Dispatcher. policy and activator may be nil, in which
// case AllowAll and no activation support are used respectively.
func New(reg *registry.Registry, matches *match.Store, hub Hub, policy Policy, activator Activator, log *buslog.Logger) *Dispatcher {
	if policy == nil {
		policy = AllowAll{}
	}
	if log == nil {
		log = buslog.Default("dispatch")
	}
	return &Dispatcher{
		Registry:   reg,
		Driver:     registry.NewDriver(reg),
		Matches:    matches,
		Policy:     policy,
		hub:        hub,
		activator:  activator,
		pending:    NewPendingReplies(),
		noReplyTTL: 25 * time.Second,
		log:        log,
	}
}

// SetFailureInjector installs a hook Transaction.Stage consults to
// simulate an out-of-memory condition. Tests only.
func (d *Dispatcher) SetFailureInjector(f func() bool) { d.failInjector = f }

// SetNoReplyTimeout overrides the default method-call reply deadline.
func (d *Dispatcher) SetNoReplyTimeout(ttl time.Duration) { d.noReplyTTL = ttl }

func (d *Dispatcher) nextSerial() uint32 {
	d.busSerial++
	if d.busSerial == 0 {
		d.busSerial = 1
	}
	return d.busSerial
}

// ExpireNoReply drains any method calls whose reply deadline has
// passed and stages a synthetic NoReply error to each caller. Intended
// to be driven by an eventloop.Loop timeout.
func (d *Dispatcher) ExpireNoReply(now time.Time) error {
	expired := d.pending.Expire(now)
	if len(expired) == 0 {
		return nil
	}
	txn := newTransaction(d)
	for _, e := range expired {
		raw, err := d.errorMessage(e.Serial, "", e.CallerConnID, buserr.NoReply, "method call timed out waiting for a reply")
		if err != nil {
			return err
		}
		if err := txn.Stage(e.CallerConnID, raw); err != nil {
			return err
		}
	}
	return txn.Commit()
}

// Disconnect drains a connection's outstanding state: its pending
// calls, its match rules, and its owned names, firing NameOwnerChanged
// for each in one transaction.
func (d *Dispatcher) Disconnect(connID string) error {
	d.log.Info("disconnecting %s", connID)
	d.pending.DropAll(connID)
	d.Matches.Disconnect(connID)
	if connID == "" {
		return nil
	}
	promoted, released := d.Registry.Disconnect(connID)
	txn := newTransaction(d)
	for name, newOwner := range promoted {
		if err := d.stageNameOwnerChanged(txn, name, connID, newOwner); err != nil {
			return err
		}
	}
	for _, name := range released {
		if _, wasPromoted := promoted[name]; wasPromoted {
			continue
		}
		if err := d.stageNameOwnerChanged(txn, name, connID, ""); err != nil {
			return err
		}
	}
	if txn.Empty() {
		return nil
	}
	return txn.Commit()
}

// Dispatch routes one inbound message from conn, per spec.md §4.7.
func (d *Dispatcher) Dispatch(conn *transport.Connection, m *message.Message) error {
	if conn.UniqueName() != "" {
		if m.Sender == "" {
			m.Sender = conn.UniqueName()
		}
	}

	// A method-return or error closes out a pending call; route it
	// like any other addressed message below, but first clear the
	// caller's pending-reply bookkeeping so it doesn't time out.
	if m.HasReply && (m.Type == message.TypeMethodReturn || m.Type == message.TypeError) {
		d.pending.Resolve(m.Destination, m.ReplySerial)
	}

	txn := newTransaction(d)

	if m.Destination == registry.BusName {
		if !d.Policy.Check(m.Sender, registry.BusName, m) {
			denied := buserr.New(buserr.AccessDenied, "driver call %q denied by policy", m.Member)
			if err := d.stageDriverError(conn, m, txn, denied); err != nil {
				return d.cancelWithOOM(conn, err)
			}
			return d.commitOrOOM(conn, txn)
		}
		if err := d.dispatchToDriver(conn, m, txn); err != nil {
			return d.cancelWithOOM(conn, err)
		}
		return d.commitOrOOM(conn, txn)
	}

	var addressed string
	if m.Destination != "" {
		owner := d.Registry.GetNameOwner(m.Destination)
		if owner == "" {
			raw, err := d.errorMessage(m.Serial, m.Sender, "", buserr.ServiceDoesNotExist, "name %q has no owner", m.Destination)
			if err != nil {
				return err
			}
			if conn.UniqueName() != "" {
				if err := txn.Stage(conn.UniqueName(), raw); err != nil {
					return d.cancelWithOOM(conn, err)
				}
			}
			return d.commitOrOOM(conn, txn)
		}
		addressed = owner
		if d.Policy.Check(m.Sender, owner, m) {
			raw, err := message.Reencode(m)
			if err != nil {
				return err
			}
			if err := txn.Stage(owner, raw); err != nil {
				return d.cancelWithOOM(conn, err)
			}
			if m.Type == message.TypeMethodCall && !m.NoReplyExpected() && conn.UniqueName() != "" {
				d.pending.Add(conn.UniqueName(), m.Serial, time.Now().Add(d.noReplyTTL))
			}
		}
		// A deny here is a silent drop: the driver-destined case (which
		// gets an AccessDenied error instead) was already handled above.
	}

	recipients := d.Matches.Recipients(m, m.Sender, addressed)
	if len(recipients) > 0 {
		raw, err := message.Reencode(m)
		if err != nil {
			return err
		}
		for _, r := range recipients {
			if !d.Policy.Check(m.Sender, r, m) {
				continue
			}
			if err := txn.Stage(r, raw); err != nil {
				return d.cancelWithOOM(conn, err)
			}
		}
	}

	return d.commitOrOOM(conn, txn)
}

// cancelWithOOM reports a transaction failure (whether encountered
// while staging or at commit) to conn using its preallocated reply,
// per spec.md §4.7 step 5.
func (d *Dispatcher) cancelWithOOM(conn *transport.Connection, err error) error {
	d.log.Warn("transaction canceled, replying OOM to %s: %v", conn.UniqueName(), err)
	_ = conn.Enqueue(conn.OOMReply())
	return err
}

func (d *Dispatcher) commitOrOOM(conn *transport.Connection, txn *Transaction) error {
	if err := txn.Commit(); err != nil {
		return d.cancelWithOOM(conn, err)
	}
	return nil
}

// methodReturnFrom builds a method-return for call carrying w's body,
// addressed back to call.Sender.
func (d *Dispatcher) methodReturnFrom(call *message.Message, w *wire.Writer) ([]byte, error) {
	b := message.NewBuilder(call.Order, message.TypeMethodReturn, d.nextSerial())
	b.SetReplySerial(call.Serial)
	b.SetSender(registry.BusName)
	if call.Sender != "" {
		b.SetDestination(call.Sender)
	}
	b.SetRawBody(w.Signature(), w.Body())
	return b.Encode()
}

func (d *Dispatcher) errorMessage(replySerial uint32, destination, fallbackDestination string, kind buserr.Kind, format string, args ...interface{}) ([]byte, error) {
	dest := destination
	if dest == "" {
		dest = fallbackDestination
	}
	b := message.NewBuilder(wire.LittleEndian, message.TypeError, d.nextSerial())
	b.SetReplySerial(replySerial)
	b.SetErrorName(string(kind))
	b.SetSender(registry.BusName)
	if dest != "" {
		b.SetDestination(dest)
	}
	w := wire.NewWriter(wire.LittleEndian)
	_ = w.WriteBasic(wire.String, fmt.Sprintf(format, args...))
	b.SetRawBody(w.Signature(), w.Body())
	return b.Encode()
}

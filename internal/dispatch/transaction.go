package dispatch

import "github.com/busline/busd/internal/buserr"

type pendingEnqueue struct {
	connID string
	raw    []byte
}

// Transaction stages a batch of outbound enqueues for one dispatched
// message and commits them together, per spec.md §4.7 step 5: either
// every staged recipient observes the message, or none does. Named
// and shaped after original_source/bus/dispatch.c's BusTransaction.
type Transaction struct {
	d        *Dispatcher
	enqueues []pendingEnqueue
}

func newTransaction(d *Dispatcher) *Transaction {
	return &Transaction{d: d}
}

// Stage records that connID should receive raw once the transaction
// commits. The dispatcher's failure injector (tests only, see
// Dispatcher.SetFailureInjector) can make this fail to exercise
// invariant 4's OOM rollback scenario without a real low-memory
// condition.
func (t *Transaction) Stage(connID string, raw []byte) error {
	if t.d.failInjector != nil && t.d.failInjector() {
		return buserr.New(buserr.NoMemory, "transaction: simulated allocation failure staging to %s", connID)
	}
	t.enqueues = append(t.enqueues, pendingEnqueue{connID: connID, raw: raw})
	return nil
}

// Empty reports whether any recipient was staged.
func (t *Transaction) Empty() bool { return len(t.enqueues) == 0 }

// Commit verifies every still-connected recipient has outbox room,
// then applies every enqueue. A recipient that disconnected between
// staging and commit is simply skipped, since the bus never blocks
// waiting on a vanished peer; a recipient that's still connected but
// out of outbox room cancels the whole transaction.
func (t *Transaction) Commit() error {
	for _, e := range t.enqueues {
		out, ok := t.d.hub.Lookup(e.connID)
		if !ok {
			continue
		}
		if !out.CanEnqueue(len(e.raw)) {
			return buserr.New(buserr.NoMemory, "transaction: %s outbox full", e.connID)
		}
	}
	for _, e := range t.enqueues {
		out, ok := t.d.hub.Lookup(e.connID)
		if !ok {
			continue
		}
		_ = out.Enqueue(e.raw)
	}
	return nil
}

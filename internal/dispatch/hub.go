package dispatch

import "github.com/busline/busd/internal/transport"

// Outbox is the narrow seam Dispatcher needs from a connection:
// capacity-checked staging, the preallocated OOM reply, and the
// credentials GetConnectionUnixUser reports. *transport.Connection
// satisfies it.
type Outbox interface {
	CanEnqueue(n int) bool
	Enqueue(raw []byte) error
	OOMReply() []byte
	Credentials() transport.PeerCredentials
}

// Hub resolves a connection ID (its bound unique name) to its Outbox,
// and binds one once Hello mints it. Connection acceptance and
// disconnection lifecycle otherwise stays with whatever drives the
// event loop, not with Dispatcher.
type Hub interface {
	Lookup(connID string) (Outbox, bool)
	Bind(connID string, o Outbox)
	Unbind(connID string)
}

// MapHub is the straightforward Hub used by cmd/busd: one map guarded
// by the caller, since the bus runs single-threaded per spec.md §5 and
// only ever touches this map from the loop goroutine.
type MapHub struct {
	conns map[string]Outbox
}

// NewMapHub returns an empty MapHub.
func NewMapHub() *MapHub { return &MapHub{conns: make(map[string]Outbox)} }

func (h *MapHub) Bind(connID string, o Outbox) { h.conns[connID] = o }

func (h *MapHub) Unbind(connID string) { delete(h.conns, connID) }

func (h *MapHub) Lookup(connID string) (Outbox, bool) {
	o, ok := h.conns[connID]
	return o, ok
}

package transport

import (
	"net"
	"sync"
	"syscall"

	"github.com/busline/busd/internal/message"
)

// PeerCredentials is the platform seam standing in for SO_PEERCRED,
// consumed by the registry's GetConnectionUnixUser-style driver call.
type PeerCredentials struct {
	UID int
	GID int
	PID int
}

// Connection is the per-client state spec.md §4 describes: transport
// handle, buffers, inbound message queue, preallocated OOM reply,
// active flag, unique name, owned well-known names, and next outgoing
// serial. Modeled after internal/meshage/client.go's client struct
// (conn + per-client lock), generalized from one gob stream to the
// bus wire protocol.
type Connection struct {
	mu sync.Mutex

	conn    net.Conn
	framer  *message.Framer
	outbox  [][]byte
	creds   PeerCredentials

	active     bool
	uniqueName string
	names      map[string]bool

	nextSerial uint32

	// oomReply is reserved at connect time so an out-of-memory
	// condition can still be reported to the peer without a further
	// allocation, per spec.md §4's Connection invariants.
	oomReply []byte

	maxOutboxBytes int
	outboxBytes    int
}

// NewConnection wraps conn, reserving the out-of-memory reply message
// up front.
func NewConnection(conn net.Conn, oomReply []byte, maxOutboxBytes int) *Connection {
	return &Connection{
		conn:           conn,
		framer:         message.NewFramer(),
		names:          make(map[string]bool),
		nextSerial:     1,
		oomReply:       oomReply,
		maxOutboxBytes: maxOutboxBytes,
	}
}

func (c *Connection) SetCredentials(cr PeerCredentials) { c.creds = cr }
func (c *Connection) Credentials() PeerCredentials      { return c.creds }

func (c *Connection) SetActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = active
}

func (c *Connection) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Connection) SetUniqueName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uniqueName = name
}

func (c *Connection) UniqueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniqueName
}

func (c *Connection) AddName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[name] = true
}

func (c *Connection) RemoveName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.names, name)
}

func (c *Connection) OwnsName(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names[name]
}

func (c *Connection) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	return out
}

// NextSerial returns the next outgoing serial, which must be nonzero
// and monotonically increasing per spec.md §4's Message invariants.
func (c *Connection) NextSerial() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.nextSerial
	c.nextSerial++
	return s
}

// Fd returns the underlying file descriptor for registration with an
// eventloop.Poller, or -1 if the connection's transport doesn't expose
// one (e.g. it is a test double).
func (c *Connection) Fd() int {
	sc, ok := c.conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	raw.Control(func(d uintptr) { fd = int(d) })
	return fd
}

// Feed hands freshly read bytes to the inbound framer.
func (c *Connection) Feed(b []byte) error {
	return c.framer.Feed(b)
}

// PopMessage removes and returns the oldest fully framed inbound
// message, or nil if none is ready.
func (c *Connection) PopMessage() *message.Message {
	return c.framer.Pop()
}

// ErrOutboxFull is returned by Enqueue when appending raw would push
// this connection's outstanding outbound bytes past its configured
// cap (spec.md's parenthetical about per-connection outbound byte
// caps).
var ErrOutboxFull = errOutboxFull{}

type errOutboxFull struct{}

func (errOutboxFull) Error() string { return "transport: connection outbox full" }

// CanEnqueue reports whether n more bytes would fit under the
// configured outbox cap, without mutating any state. Dispatch uses
// this to verify every recipient in a transaction has room before
// committing any of them, so a transaction is never left half
// applied.
func (c *Connection) CanEnqueue(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxOutboxBytes <= 0 || c.outboxBytes+n <= c.maxOutboxBytes
}

// Enqueue appends raw wire bytes to the outbound queue, honoring the
// configured per-connection byte cap.
func (c *Connection) Enqueue(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxOutboxBytes > 0 && c.outboxBytes+len(raw) > c.maxOutboxBytes {
		return ErrOutboxFull
	}
	c.outbox = append(c.outbox, raw)
	c.outboxBytes += len(raw)
	return nil
}

// OOMReply returns the preallocated out-of-memory reply bytes.
func (c *Connection) OOMReply() []byte { return c.oomReply }

// Flush writes as much of the outbound queue as the transport accepts
// without blocking; callers drive this from the event loop's dispatch
// phase.
func (c *Connection) Flush() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.outbox) > 0 {
		raw := c.outbox[0]
		n, err := c.conn.Write(raw)
		if err != nil {
			return false, err
		}
		if n < len(raw) {
			c.outbox[0] = raw[n:]
			return false, nil
		}
		c.outboxBytes -= len(raw)
		c.outbox = c.outbox[1:]
	}
	return true, nil
}

// Close releases the underlying transport.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// Read satisfies io.Reader by delegating to the underlying conn, for
// callers driving the framer directly off the socket.
func (c *Connection) Read(b []byte) (int, error) { return c.conn.Read(b) }

// RemoteAddr returns the underlying transport's remote address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

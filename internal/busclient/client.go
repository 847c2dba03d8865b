// Package busclient is the bus-side counterpart to
// internal/transport's Authenticator and internal/message's framing:
// it dials a bus address, runs the client half of the cookie
// handshake, and exposes the handful of org.busline.Bus driver calls
// busctl needs. Grounded on pkg/miniclient's Conn, trimmed from a full
// async Run/Suggest pipe down to a synchronous call/reply style
// because busctl issues one bus method call per REPL line rather than
// driving an interactive command language.
package busclient

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/busline/busd/internal/message"
	"github.com/busline/busd/internal/registry"
	"github.com/busline/busd/internal/transport"
	"github.com/busline/busd/internal/wire"
)

// Conn is one client connection to a bus, serial-numbered and
// demultiplexed the way transport.Connection is on the server side,
// but driven entirely from the calling goroutine: busctl has no event
// loop of its own.
type Conn struct {
	raw    net.Conn
	framer *message.Framer
	order  wire.Order

	mu     sync.Mutex
	serial uint32

	uniqueName string
}

// Dial connects to addr (the same scheme:key=value grammar
// transport.ParseAddress accepts) and, if cookie is non-nil, answers
// the server's COOKIE-SHA1 challenge with it. A nil cookie dials
// anonymously, matching transport.AnonymousAuthenticator on the other
// end.
func Dial(addr string, cookie []byte) (*Conn, error) {
	a, err := transport.ParseAddress(addr)
	if err != nil {
		return nil, fmt.Errorf("busclient: %w", err)
	}
	raw, err := net.Dial(a.Network(), a.NetAddr())
	if err != nil {
		return nil, fmt.Errorf("busclient: dialing %s: %w", addr, err)
	}
	if cookie != nil {
		if err := clientCookieHandshake(raw, cookie); err != nil {
			raw.Close()
			return nil, err
		}
	}
	return &Conn{raw: raw, framer: message.NewFramer(), order: wire.LittleEndian}, nil
}

// clientCookieHandshake answers the "COOKIE <hex nonce>" challenge
// transport.CookieAuthenticator issues, the client side of the
// exchange that file's server half implements.
func clientCookieHandshake(rw io.ReadWriter, cookie []byte) error {
	line, err := readLine(rw)
	if err != nil {
		return fmt.Errorf("busclient: reading auth challenge: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "COOKIE" {
		return fmt.Errorf("busclient: unexpected auth challenge %q", line)
	}
	nonce, err := hex.DecodeString(fields[1])
	if err != nil {
		return fmt.Errorf("busclient: decoding nonce: %w", err)
	}

	h := sha256.New()
	h.Write(cookie)
	h.Write(nonce)
	if _, err := fmt.Fprintf(rw, "%s\n", hex.EncodeToString(h.Sum(nil))); err != nil {
		return err
	}

	reply, err := readLine(rw)
	if err != nil {
		return fmt.Errorf("busclient: reading auth verdict: %w", err)
	}
	if reply != "OK" {
		return transport.ErrAuthFailed
	}
	return nil
}

func readLine(r io.Reader) (string, error) {
	var buf []byte
	one := make([]byte, 1)
	for {
		n, err := r.Read(one)
		if n == 1 {
			if one[0] == '\n' {
				return string(buf), nil
			}
			buf = append(buf, one[0])
		}
		if err != nil {
			return "", err
		}
	}
}

// Close releases the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// UniqueName is the name Hello assigned this connection, empty until
// Hello has been called.
func (c *Conn) UniqueName() string { return c.uniqueName }

func (c *Conn) nextSerial() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serial++
	return c.serial
}

// call sends one method call addressed to destination and blocks for
// its reply, skipping over any signal that arrives first (e.g. the
// NameAcquired Hello itself provokes). It is not safe to call
// concurrently with itself; busctl only ever has one call in flight.
func (c *Conn) call(destination, member string, body *wire.Writer) (*message.Message, error) {
	serial := c.nextSerial()
	b := message.NewBuilder(c.order, message.TypeMethodCall, serial)
	b.SetPath("/org/busline/Bus").SetInterface(registry.BusName).SetMember(member)
	if destination != "" {
		b.SetDestination(destination)
	}
	if body != nil {
		b.SetRawBody(body.Signature(), body.Body())
	} else {
		b.SetRawBody("", nil)
	}
	raw, err := b.Encode()
	if err != nil {
		return nil, fmt.Errorf("busclient: encoding %s: %w", member, err)
	}
	if _, err := c.raw.Write(raw); err != nil {
		return nil, fmt.Errorf("busclient: writing %s: %w", member, err)
	}

	for {
		reply, err := c.readMessage()
		if err != nil {
			return nil, err
		}
		if reply.Type != message.TypeMethodReturn && reply.Type != message.TypeError {
			continue
		}
		if !reply.HasReply || reply.ReplySerial != serial {
			continue
		}
		if reply.Type == message.TypeError {
			return nil, fmt.Errorf("busclient: %s: %s", member, reply.ErrorName)
		}
		return reply, nil
	}
}

// ReadMessage blocks for the next complete message off the wire,
// whether a reply to a call or an unsolicited signal; busctl's
// monitor subcommand uses this directly.
func (c *Conn) ReadMessage() (*message.Message, error) { return c.readMessage() }

func (c *Conn) readMessage() (*message.Message, error) {
	if m := c.framer.Pop(); m != nil {
		return m, nil
	}
	buf := make([]byte, 4096)
	for {
		n, err := c.raw.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("busclient: reading: %w", err)
		}
		if err := c.framer.Feed(buf[:n]); err != nil {
			return nil, fmt.Errorf("busclient: malformed frame: %w", err)
		}
		if m := c.framer.Pop(); m != nil {
			return m, nil
		}
	}
}

// Hello registers a unique name for this connection, the first call
// every client must make per spec.md §4.6.
func (c *Conn) Hello() (string, error) {
	reply, err := c.call(registry.BusName, "Hello", nil)
	if err != nil {
		return "", err
	}
	name, err := readString(reply)
	if err != nil {
		return "", err
	}
	c.uniqueName = name
	return name, nil
}

// RequestName asks to own name with flags, returning the raw
// RequestName outcome code (1-4, mirroring org.freedesktop.DBus's
// DBUS_REQUEST_NAME_REPLY_*).
func (c *Conn) RequestName(name string, flags uint32) (uint32, error) {
	w := wire.NewWriter(c.order)
	if err := w.WriteBasic(wire.String, name); err != nil {
		return 0, err
	}
	if err := w.WriteBasic(wire.Uint32, flags); err != nil {
		return 0, err
	}
	reply, err := c.call(registry.BusName, "RequestName", w)
	if err != nil {
		return 0, err
	}
	return readUint32(reply)
}

// ReleaseName gives up name, returning the raw ReleaseName outcome
// code (1-3, mirroring DBUS_RELEASE_NAME_REPLY_*).
func (c *Conn) ReleaseName(name string) (uint32, error) {
	w := wire.NewWriter(c.order)
	if err := w.WriteBasic(wire.String, name); err != nil {
		return 0, err
	}
	reply, err := c.call(registry.BusName, "ReleaseName", w)
	if err != nil {
		return 0, err
	}
	return readUint32(reply)
}

// ListNames returns every name currently registered on the bus,
// unique and well-known alike.
func (c *Conn) ListNames() ([]string, error) {
	reply, err := c.call(registry.BusName, "ListNames", nil)
	if err != nil {
		return nil, err
	}
	return readStringArray(reply)
}

// NameHasOwner reports whether name is currently owned.
func (c *Conn) NameHasOwner(name string) (bool, error) {
	w := wire.NewWriter(c.order)
	if err := w.WriteBasic(wire.String, name); err != nil {
		return false, err
	}
	reply, err := c.call(registry.BusName, "NameHasOwner", w)
	if err != nil {
		return false, err
	}
	r := reply.Reader()
	v, err := r.ReadBasic()
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// GetNameOwner returns the unique name currently owning name.
func (c *Conn) GetNameOwner(name string) (string, error) {
	w := wire.NewWriter(c.order)
	if err := w.WriteBasic(wire.String, name); err != nil {
		return "", err
	}
	reply, err := c.call(registry.BusName, "GetNameOwner", w)
	if err != nil {
		return "", err
	}
	return readString(reply)
}

// AddMatch registers rule (in the match.ParseRule grammar) against
// this connection; matching signals and unicasts begin arriving via
// ReadMessage.
func (c *Conn) AddMatch(rule string) error {
	w := wire.NewWriter(c.order)
	if err := w.WriteBasic(wire.String, rule); err != nil {
		return err
	}
	_, err := c.call(registry.BusName, "AddMatch", w)
	return err
}

// RemoveMatch undoes a prior AddMatch.
func (c *Conn) RemoveMatch(rule string) error {
	w := wire.NewWriter(c.order)
	if err := w.WriteBasic(wire.String, rule); err != nil {
		return err
	}
	_, err := c.call(registry.BusName, "RemoveMatch", w)
	return err
}

// GetConnectionUnixUser returns the numeric uid of the connection
// owning name.
func (c *Conn) GetConnectionUnixUser(name string) (uint32, error) {
	w := wire.NewWriter(c.order)
	if err := w.WriteBasic(wire.String, name); err != nil {
		return 0, err
	}
	reply, err := c.call(registry.BusName, "GetConnectionUnixUser", w)
	if err != nil {
		return 0, err
	}
	return readUint32(reply)
}

// StartServiceByName asks the bus to activate name if it has no
// current owner, returning DBUS_START_REPLY_SUCCESS(1) or
// DBUS_START_REPLY_ALREADY_RUNNING(2).
func (c *Conn) StartServiceByName(name string) (uint32, error) {
	w := wire.NewWriter(c.order)
	if err := w.WriteBasic(wire.String, name); err != nil {
		return 0, err
	}
	reply, err := c.call(registry.BusName, "StartServiceByName", w)
	if err != nil {
		return 0, err
	}
	return readUint32(reply)
}

// GetId returns the bus's version string.
func (c *Conn) GetId() (string, error) {
	reply, err := c.call(registry.BusName, "GetId", nil)
	if err != nil {
		return "", err
	}
	return readString(reply)
}

// Features returns the bus's advertised optional feature names.
func (c *Conn) Features() ([]string, error) {
	reply, err := c.call(registry.BusName, "Features", nil)
	if err != nil {
		return nil, err
	}
	return readStringArray(reply)
}

// RingLog returns the bus process's own recent log records, oldest
// first, for busctl's ring-log introspection command.
func (c *Conn) RingLog() ([]string, error) {
	reply, err := c.call(registry.BusName, "RingLog", nil)
	if err != nil {
		return nil, err
	}
	return readStringArray(reply)
}

func readString(m *message.Message) (string, error) {
	r := m.Reader()
	v, err := r.ReadBasic()
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("busclient: expected a string reply, got %T", v)
	}
	return s, nil
}

func readUint32(m *message.Message) (uint32, error) {
	r := m.Reader()
	v, err := r.ReadBasic()
	if err != nil {
		return 0, err
	}
	n, ok := v.(uint32)
	if !ok {
		return 0, fmt.Errorf("busclient: expected a uint32 reply, got %T", v)
	}
	return n, nil
}

func readStringArray(m *message.Message) ([]string, error) {
	r := m.Reader()
	var sub wire.Reader
	if err := r.Recurse(&sub); err != nil {
		if err == wire.ErrEmptyArray {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for {
		v, err := sub.ReadBasic()
		if err != nil {
			return nil, err
		}
		out = append(out, v.(string))
		more, err := sub.Next()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	return out, nil
}

package message

import "errors"

// ErrNeedMemory is the framing layer's need-memory error. Framer.Feed
// does not return it: Feed's only errors are framing and validation
// failures, and an allocation failure while detaching a message is
// not reported as an error.
var ErrNeedMemory = errors.New("message: need memory")

// Framer accumulates inbound bytes for one connection and detaches
// complete messages as they become available, per spec.md §4.4's
// parsing steps. It owns no fd; callers feed it bytes read off the
// transport and drain Ready().
type Framer struct {
	buf   []byte
	ready []*Message
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer { return &Framer{} }

// Feed appends newly read bytes and parses as many complete messages
// as are now available, pushing them onto the ready queue. A
// malformed-framing error is terminal for the connection; callers
// must disconnect on it.
func (f *Framer) Feed(b []byte) error {
	f.buf = append(f.buf, b...)
	for {
		total, err := Peek(f.buf)
		if err == ErrIncomplete {
			return nil
		}
		if err != nil {
			return err
		}
		msg, err := Decode(f.buf)
		if err != nil {
			return err
		}
		f.ready = append(f.ready, msg)
		f.buf = append([]byte(nil), f.buf[total:]...)
	}
}

// Ready reports whether at least one fully parsed message is queued.
func (f *Framer) Ready() bool { return len(f.ready) > 0 }

// Pop removes and returns the oldest queued message, or nil if none
// is queued.
func (f *Framer) Pop() *Message {
	if len(f.ready) == 0 {
		return nil
	}
	m := f.ready[0]
	f.ready = f.ready[1:]
	return m
}

// Pending returns the number of bytes buffered but not yet enough to
// form a complete message, for diagnostics.
func (f *Framer) Pending() int { return len(f.buf) }

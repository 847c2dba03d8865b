package main

import (
	"context"
	"net"
	"os"

	"github.com/busline/busd/internal/buslog"
	"github.com/busline/busd/internal/dispatch"
	"github.com/busline/busd/internal/eventloop"
	"github.com/busline/busd/internal/transport"
)

// acceptLoop takes new connections from the listener (through the
// accept goroutine and self-pipe set up in addListenerWatch) and wires
// each accepted connection into the event loop: one read watch that
// feeds bytes to the connection's framer and routes popped messages
// through bus, plus a flush job re-enqueued whenever a write doesn't
// fully drain.
type acceptLoop struct {
	ln        *transport.Listener
	loop      *eventloop.Loop
	bus       *dispatch.Dispatcher
	hub       *dispatch.MapHub
	auth      transport.Authenticator
	log       *buslog.Logger
	maxOutbox int

	accepted chan net.Conn
}

// addListenerWatch starts accepting connections. Accept() itself
// blocks, and netutil.LimitListener's wrapper doesn't implement
// syscall.Conn, so the listener's fd can't be registered with the
// poller directly: a dedicated goroutine calls Accept() in a loop and
// hands each connection across a channel, waking the loop goroutine
// with a byte on a self-pipe. onAccept does the actual event-loop
// wiring and only ever runs on the loop goroutine, never concurrently
// with itself or with Loop's own iteration.
func (a *acceptLoop) addListenerWatch() error {
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	a.accepted = make(chan net.Conn, 64)

	go func() {
		for {
			conn, err := a.ln.Accept()
			if err != nil {
				a.log.Warn("accept: %v", err)
				close(a.accepted)
				w.Close()
				return
			}
			a.accepted <- conn
			w.Write([]byte{0})
		}
	}()

	wakeupBuf := make([]byte, 64)
	return a.loop.AddWatch(int(r.Fd()), eventloop.EventRead, func() error {
		r.Read(wakeupBuf)
		for {
			select {
			case conn, ok := <-a.accepted:
				if !ok {
					return nil
				}
				a.onAccept(conn)
			default:
				return nil
			}
		}
	})
}

// onAccept runs the auth handshake inline before registering any
// event-loop watch for the connection, per transport.Authenticator's
// contract that it completes before internal/message framing begins.
// This briefly blocks the loop goroutine for the handshake's round
// trip; AnonymousAuthenticator returns immediately, and a cookie
// handshake is a couple of small reads/writes, so the stall is bounded
// and does not warrant its own watch-driven state machine.
func (a *acceptLoop) onAccept(raw net.Conn) {
	if _, err := a.auth.Authenticate(context.Background(), raw); err != nil {
		a.log.Warn("rejecting connection from %s: %v", raw.RemoteAddr(), err)
		raw.Close()
		return
	}

	oomReply := make([]byte, len(oomReplyBody))
	copy(oomReply, oomReplyBody)
	conn := transport.NewConnection(raw, oomReply, a.maxOutbox)
	if creds, err := transport.LookupPeerCredentials(raw); err == nil {
		conn.SetCredentials(creds)
	}
	conn.SetActive(true)

	fd := conn.Fd()
	if fd < 0 {
		a.log.Warn("accepted connection has no pollable fd, closing")
		conn.Close()
		return
	}

	if err := a.loop.AddWatch(fd, eventloop.EventRead, a.readHandler(conn, fd)); err != nil {
		a.log.Warn("watching connection fd %d: %v", fd, err)
		conn.Close()
	}
}

func (a *acceptLoop) readHandler(conn *transport.Connection, fd int) eventloop.Handler {
	buf := make([]byte, 4096)
	return func() error {
		n, err := conn.Read(buf)
		if err != nil {
			a.disconnect(conn, fd)
			return nil
		}
		if err := conn.Feed(buf[:n]); err != nil {
			a.log.Warn("connection fd %d sent a malformed frame: %v", fd, err)
			a.disconnect(conn, fd)
			return nil
		}
		for {
			m := conn.PopMessage()
			if m == nil {
				break
			}
			if err := a.bus.Dispatch(conn, m); err != nil {
				a.log.Warn("dispatch: %v", err)
			}
		}
		a.flush(conn)
		return nil
	}
}

func (a *acceptLoop) flush(conn *transport.Connection) {
	done, err := conn.Flush()
	if err != nil {
		a.log.Warn("flushing connection: %v", err)
		return
	}
	if !done {
		a.loop.Enqueue(&flushJob{conn: conn, a: a})
	}
}

// flushJob is a retry unit for a connection whose outbox didn't fully
// drain on the first attempt; Loop's dispatch queue re-tries it until
// it's empty.
type flushJob struct {
	conn *transport.Connection
	a    *acceptLoop
}

func (j *flushJob) Dispatch() (bool, error) {
	done, err := j.conn.Flush()
	if err != nil {
		j.a.log.Warn("flushing connection: %v", err)
		return true, nil
	}
	return done, nil
}

func (a *acceptLoop) disconnect(conn *transport.Connection, fd int) {
	conn.SetActive(false)
	_ = a.loop.RemoveWatch(fd)
	name := conn.UniqueName()
	if name != "" {
		a.hub.Unbind(name)
	}
	if err := a.bus.Disconnect(name); err != nil {
		a.log.Warn("disconnect bookkeeping for %s: %v", name, err)
	}
	conn.Close()
}


// Command busd is the bus daemon: it binds a transport listener,
// drives the single-threaded event loop, and routes every connection's
// messages through one Dispatcher, per SPEC_FULL.md.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/busline/busd/internal/activation"
	"github.com/busline/busd/internal/buslog"
	"github.com/busline/busd/internal/dispatch"
	"github.com/busline/busd/internal/eventloop"
	"github.com/busline/busd/internal/match"
	"github.com/busline/busd/internal/message"
	"github.com/busline/busd/internal/policy"
	"github.com/busline/busd/internal/registry"
	"github.com/busline/busd/internal/transport"
	"github.com/busline/busd/internal/wire"
)

func main() {
	app := cli.NewApp()
	app.Name = "busd"
	app.Usage = "a local D-Bus-style message bus broker"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen",
			Value: "unix:path=/run/busd/bus",
			Usage: "bus address to listen on",
		},
		cli.StringFlag{
			Name:  "policy",
			Usage: "path to an XML security policy and service directory document",
		},
		cli.IntFlag{
			Name:  "max-conns",
			Value: 256,
			Usage: "maximum concurrent connections (0 disables the cap)",
		},
		cli.IntFlag{
			Name:  "max-outbox-bytes",
			Value: 4 << 20,
			Usage: "per-connection outbound byte cap (0 disables the cap)",
		},
		cli.DurationFlag{
			Name:  "no-reply-timeout",
			Value: 25 * time.Second,
			Usage: "how long a method call waits for a reply before NoReply",
		},
		cli.DurationFlag{
			Name:  "oom-backoff",
			Value: 50 * time.Millisecond,
			Usage: "retry interval for a handler that reported needing memory",
		},
		cli.IntFlag{
			Name:  "activation-cache-size",
			Value: 64,
			Usage: "number of resolved service specs to cache",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "notice",
			Usage: "debug, info, notice, warn, error, or fatal",
		},
		cli.StringFlag{
			Name:  "cookie-file",
			Usage: "shared-secret file gating connections with a COOKIE-SHA1 handshake; omit to accept connections anonymously",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level, err := buslog.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	log := buslog.New("busd", level, os.Stderr, 512)

	addr, err := transport.ParseAddress(c.String("listen"))
	if err != nil {
		return fmt.Errorf("busd: %w", err)
	}
	ln, err := transport.Listen(addr, c.Int("max-conns"))
	if err != nil {
		return fmt.Errorf("busd: listening on %s: %w", addr, err)
	}
	defer ln.Close()
	log.Notice("listening on %s", addr)

	var doc *policy.Document
	if path := c.String("policy"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("busd: opening policy %s: %w", path, err)
		}
		doc, err = policy.Load(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("busd: loading policy %s: %w", path, err)
		}
		log.Info("loaded policy from %s", path)
	}

	var activator dispatch.Activator
	if doc != nil {
		mgr, err := activation.NewManager(doc, c.Int("activation-cache-size"), buslog.New("activation", level, os.Stderr, 0))
		if err != nil {
			return fmt.Errorf("busd: building activation manager: %w", err)
		}
		activator = mgr
	}

	reg := registry.New()
	matches := match.New()
	hub := dispatch.NewMapHub()

	var pol dispatch.Policy
	if doc != nil {
		pol = doc
	}
	bus := dispatch.New(reg, matches, hub, pol, activator, buslog.New("dispatch", level, os.Stderr, 512))
	bus.SetNoReplyTimeout(c.Duration("no-reply-timeout"))

	poller, err := eventloop.NewPlatformPoller()
	if err != nil {
		return fmt.Errorf("busd: setting up poller: %w", err)
	}
	loop := eventloop.New(poller, buslog.New("eventloop", level, os.Stderr, 0))
	loop.SetOOMBackoff(c.Duration("oom-backoff"))

	loop.AddTimeout(time.Second, func() error {
		return bus.ExpireNoReply(time.Now())
	})

	var auth transport.Authenticator = transport.AnonymousAuthenticator{}
	if cookiePath := c.String("cookie-file"); cookiePath != "" {
		cookie, err := os.ReadFile(cookiePath)
		if err != nil {
			return fmt.Errorf("busd: reading cookie file %s: %w", cookiePath, err)
		}
		auth = transport.CookieAuthenticator{Cookie: cookie}
		log.Info("requiring the cookie handshake from %s", cookiePath)
	} else {
		log.Notice("no -cookie-file given, accepting connections anonymously")
	}
	maxOutbox := c.Int("max-outbox-bytes")

	acceptor := &acceptLoop{
		ln:        ln,
		loop:      loop,
		bus:       bus,
		hub:       hub,
		auth:      auth,
		log:       log,
		maxOutbox: maxOutbox,
	}
	if err := acceptor.addListenerWatch(); err != nil {
		return fmt.Errorf("busd: watching listener: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		log.Notice("shutting down")
		loop.Quit()
	}()

	return loop.Run()
}

// oomReplyBody is the fixed method-error reply used when a
// transaction can't be committed. It's built once at startup so a
// later out-of-memory condition never needs a fresh allocation to
// report itself, per spec.md §4's Connection invariants.
var oomReplyBody = buildOOMReply()

func buildOOMReply() []byte {
	b := message.NewBuilder(wire.LittleEndian, message.TypeError, 1)
	b.SetErrorName("org.freedesktop.DBus.Error.NoMemory")
	b.SetFlags(message.FlagNoReplyExpected)
	b.SetRawBody("", nil)
	raw, err := b.Encode()
	if err != nil {
		panic(fmt.Sprintf("busd: building the preallocated OOM reply: %v", err))
	}
	return raw
}

// Command busctl is a small administrative REPL for talking to a
// running busd: request and release names, inspect the registry,
// watch matched traffic, and pull the bus process's own ring-buffered
// logs. Grounded on pkg/miniclient's Conn.Attach loop, trimmed to a
// synchronous call/reply style and built on internal/busclient rather
// than a JSON pipe, since busctl speaks the real wire protocol a
// method call away from the daemon it is administering.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/peterh/liner"
	"github.com/urfave/cli"

	"github.com/busline/busd/internal/busclient"
	"github.com/busline/busd/internal/message"
)

func main() {
	app := cli.NewApp()
	app.Name = "busctl"
	app.Usage = "administrative client for a busd message bus"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "bus", Value: "unix:path=/run/busd/bus", Usage: "bus address to connect to"},
		cli.StringFlag{Name: "cookie-file", Usage: "shared-secret file to answer the bus's cookie handshake"},
	}
	app.Action = attach
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func attach(c *cli.Context) error {
	var cookie []byte
	if path := c.String("cookie-file"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("busctl: reading cookie file %s: %w", path, err)
		}
		cookie = b
	}

	addr := c.String("bus")
	conn, err := busclient.Dial(addr, cookie)
	if err != nil {
		return fmt.Errorf("busctl: %w", err)
	}
	defer conn.Close()

	name, err := conn.Hello()
	if err != nil {
		return fmt.Errorf("busctl: Hello: %w", err)
	}
	fmt.Printf("connected to %s as %s\n", addr, name)
	fmt.Println("type 'help' for a list of commands, ^d or 'quit' to exit")

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	prompt := fmt.Sprintf("busctl:%s$ ", addr)

	for {
		input, err := line.Prompt(prompt)
		if err == liner.ErrPromptAborted {
			continue
		}
		if err == io.EOF {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		runCommand(conn, fields)
	}
}

func runCommand(conn *busclient.Conn, fields []string) {
	cmd, args := fields[0], fields[1:]
	var err error

	switch cmd {
	case "help":
		printHelp()
		return
	case "list-names":
		err = cmdListNames(conn)
	case "name-has-owner":
		err = cmdNameHasOwner(conn, args)
	case "get-name-owner":
		err = cmdGetNameOwner(conn, args)
	case "request-name":
		err = cmdRequestName(conn, args)
	case "release-name":
		err = cmdReleaseName(conn, args)
	case "get-connection-unix-user":
		err = cmdGetConnectionUnixUser(conn, args)
	case "start-service":
		err = cmdStartService(conn, args)
	case "monitor":
		err = cmdMonitor(conn, args)
	case "get-id":
		err = cmdGetID(conn)
	case "features":
		err = cmdFeatures(conn)
	case "ring-log":
		err = cmdRingLog(conn)
	default:
		err = fmt.Errorf("unknown command %q, try 'help'", cmd)
	}

	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stdout, "error: %v\n", err)
	}
}

func printHelp() {
	fmt.Println(`commands:
  list-names                        list every registered name
  name-has-owner <name>             report whether name is owned
  get-name-owner <name>             print the unique name owning <name>
  request-name <name> [flags]       request ownership of <name>
  release-name <name>               give up ownership of <name>
  get-connection-unix-user <name>   print the uid owning <name>
  start-service <name>              activate <name> if it has no owner
  monitor <rule>                    add a match rule and print matched traffic
  get-id                            print the bus's version string
  features                          list the bus's optional features
  ring-log                          dump the bus process's recent log records
  quit                              disconnect`)
}

func cmdListNames(conn *busclient.Conn) error {
	names, err := conn.ListNames()
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func cmdNameHasOwner(conn *busclient.Conn, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: name-has-owner <name>")
	}
	owned, err := conn.NameHasOwner(args[0])
	if err != nil {
		return err
	}
	if owned {
		color.New(color.FgGreen).Println("owned")
	} else {
		color.New(color.FgYellow).Println("unowned")
	}
	return nil
}

func cmdGetNameOwner(conn *busclient.Conn, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: get-name-owner <name>")
	}
	owner, err := conn.GetNameOwner(args[0])
	if err != nil {
		return err
	}
	fmt.Println(owner)
	return nil
}

// request-name's flags mirror org.freedesktop.DBus.RequestName's bit
// flags: allow replacement, replace existing, don't queue.
const (
	flagAllowReplacement uint32 = 1 << 0
	flagReplaceExisting  uint32 = 1 << 1
	flagDoNotQueue       uint32 = 1 << 2
)

func cmdRequestName(conn *busclient.Conn, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: request-name <name> [allow-replacement] [replace-existing] [do-not-queue]")
	}
	var flags uint32
	for _, f := range args[1:] {
		switch f {
		case "allow-replacement":
			flags |= flagAllowReplacement
		case "replace-existing":
			flags |= flagReplaceExisting
		case "do-not-queue":
			flags |= flagDoNotQueue
		default:
			return fmt.Errorf("unknown flag %q", f)
		}
	}
	outcome, err := conn.RequestName(args[0], flags)
	if err != nil {
		return err
	}
	fmt.Println(requestNameOutcome(outcome))
	return nil
}

func requestNameOutcome(code uint32) string {
	switch code {
	case 1:
		return "primary owner"
	case 2:
		return "in queue"
	case 3:
		return "exists"
	case 4:
		return "already owner"
	default:
		return fmt.Sprintf("unknown outcome %d", code)
	}
}

func cmdReleaseName(conn *busclient.Conn, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: release-name <name>")
	}
	outcome, err := conn.ReleaseName(args[0])
	if err != nil {
		return err
	}
	switch outcome {
	case 1:
		fmt.Println("released")
	case 2:
		fmt.Println("non-existent")
	case 3:
		fmt.Println("not owner")
	default:
		fmt.Printf("unknown outcome %d\n", outcome)
	}
	return nil
}

func cmdGetConnectionUnixUser(conn *busclient.Conn, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: get-connection-unix-user <name>")
	}
	uid, err := conn.GetConnectionUnixUser(args[0])
	if err != nil {
		return err
	}
	fmt.Println(uid)
	return nil
}

func cmdStartService(conn *busclient.Conn, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: start-service <name>")
	}
	outcome, err := conn.StartServiceByName(args[0])
	if err != nil {
		return err
	}
	if outcome == 2 {
		fmt.Println("already running")
	} else {
		fmt.Println("started")
	}
	return nil
}

func cmdGetID(conn *busclient.Conn) error {
	id, err := conn.GetId()
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cmdFeatures(conn *busclient.Conn) error {
	features, err := conn.Features()
	if err != nil {
		return err
	}
	for _, f := range features {
		fmt.Println(f)
	}
	return nil
}

func cmdRingLog(conn *busclient.Conn) error {
	lines, err := conn.RingLog()
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

// cmdMonitor adds rule (the full raw string, e.g.
// type='signal',interface='org.busline.Bus') and prints every message
// it matches until interrupted, mirroring dbus-monitor.
func cmdMonitor(conn *busclient.Conn, args []string) error {
	rule := strings.Join(args, " ")
	if err := conn.AddMatch(rule); err != nil {
		return err
	}
	fmt.Println("monitoring, press ^c to stop")
	for {
		m, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		printMonitoredMessage(m)
	}
}

func printMonitoredMessage(m *message.Message) {
	label := color.New(color.FgCyan)
	label.Printf("%s", m.Type)
	fmt.Printf(" sender=%s destination=%s path=%s interface=%s member=%s\n",
		m.Sender, m.Destination, m.Path, m.Interface, m.Member)
}

// Package transport implements the byte-duplex channel between the
// bus and a client: address parsing, listener setup, the
// authentication seam, and the per-connection buffering state spec.md
// §4 describes as Connection.
package transport

import (
	"fmt"
	"strings"
)

// Address is a parsed bus address string, e.g.
// "unix:path=/run/busd/bus" or "tcp:host=127.0.0.1,port=7890".
type Address struct {
	Scheme string
	Params map[string]string
}

// ParseAddress parses the scheme:key=value,key=value grammar spec.md
// §6 uses for listen/connect addresses.
func ParseAddress(s string) (Address, error) {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Address{}, fmt.Errorf("transport: address %q missing scheme", s)
	}
	params := make(map[string]string)
	if rest != "" {
		for _, kv := range strings.Split(rest, ",") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return Address{}, fmt.Errorf("transport: malformed address component %q", kv)
			}
			params[k] = v
		}
	}
	switch scheme {
	case "unix":
		if params["path"] == "" {
			return Address{}, fmt.Errorf("transport: unix address requires path=")
		}
	case "tcp":
		if params["host"] == "" || params["port"] == "" {
			return Address{}, fmt.Errorf("transport: tcp address requires host= and port=")
		}
	default:
		return Address{}, fmt.Errorf("transport: unsupported address scheme %q", scheme)
	}
	return Address{Scheme: scheme, Params: params}, nil
}

// Network and NetAddr return the net.Listen/net.Dial arguments for a.
func (a Address) Network() string {
	if a.Scheme == "unix" {
		return "unix"
	}
	return "tcp"
}

func (a Address) NetAddr() string {
	if a.Scheme == "unix" {
		return a.Params["path"]
	}
	return a.Params["host"] + ":" + a.Params["port"]
}

func (a Address) String() string {
	if a.Scheme == "unix" {
		return "unix:path=" + a.Params["path"]
	}
	return fmt.Sprintf("tcp:host=%s,port=%s", a.Params["host"], a.Params["port"])
}

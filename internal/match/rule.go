// Package match implements the match-rule store spec.md §4.7
// describes: an index over broadcast subscriptions, keyed primarily
// by message type and interface since those are the most selective
// predicates most rules specify, with the remaining predicates
// checked linearly over the narrowed bucket.
//
// Rule-string parsing is grounded on
// _examples/.../original_source/bus/dispatch.c's bus_match_rule_parse:
// clients send rules as a single comma-separated key='value' string,
// not a structured argument list.
package match

import (
	"fmt"
	"strings"

	"github.com/busline/busd/internal/message"
)

// Rule is a single subscription predicate. A zero value for any field
// means "don't care" for that predicate; Type uses message.TypeInvalid
// (0) as its wildcard.
type Rule struct {
	Type          message.Type
	Sender        string
	Interface     string
	Member        string
	Path          string
	PathNamespace string
	Destination   string
	Arg0          string
	// Eavesdrop lets this rule see unicast messages not addressed to
	// its owner, a real behavior of the original dispatcher the
	// distilled spec doesn't mention but original_source/ exercises.
	Eavesdrop bool

	raw string // original rule string, returned by String for RemoveMatch's exact comparison
}

// String returns the rule in the same key='value',... form it would
// have been parsed from.
func (r Rule) String() string {
	if r.raw != "" {
		return r.raw
	}
	return r.render()
}

func (r Rule) render() string {
	var parts []string
	if r.Type != message.TypeInvalid {
		parts = append(parts, fmt.Sprintf("type='%s'", typeName(r.Type)))
	}
	if r.Sender != "" {
		parts = append(parts, fmt.Sprintf("sender='%s'", r.Sender))
	}
	if r.Interface != "" {
		parts = append(parts, fmt.Sprintf("interface='%s'", r.Interface))
	}
	if r.Member != "" {
		parts = append(parts, fmt.Sprintf("member='%s'", r.Member))
	}
	if r.Path != "" {
		parts = append(parts, fmt.Sprintf("path='%s'", r.Path))
	}
	if r.PathNamespace != "" {
		parts = append(parts, fmt.Sprintf("path_namespace='%s'", r.PathNamespace))
	}
	if r.Destination != "" {
		parts = append(parts, fmt.Sprintf("destination='%s'", r.Destination))
	}
	if r.Arg0 != "" {
		parts = append(parts, fmt.Sprintf("arg0='%s'", r.Arg0))
	}
	if r.Eavesdrop {
		parts = append(parts, "eavesdrop='true'")
	}
	return strings.Join(parts, ",")
}

func typeName(t message.Type) string {
	switch t {
	case message.TypeMethodCall:
		return "method_call"
	case message.TypeMethodReturn:
		return "method_return"
	case message.TypeError:
		return "error"
	case message.TypeSignal:
		return "signal"
	default:
		return ""
	}
}

// ParseRule parses a comma-separated key='value' match rule string.
// An empty string is the rule that matches everything.
func ParseRule(s string) (Rule, error) {
	r := Rule{raw: s}
	if strings.TrimSpace(s) == "" {
		return r, nil
	}
	for _, field := range splitTopLevel(s, ',') {
		key, val, err := splitKeyValue(field)
		if err != nil {
			return Rule{}, err
		}
		switch key {
		case "type":
			t, err := parseType(val)
			if err != nil {
				return Rule{}, err
			}
			r.Type = t
		case "sender":
			r.Sender = val
		case "interface":
			r.Interface = val
		case "member":
			r.Member = val
		case "path":
			r.Path = val
		case "path_namespace":
			r.PathNamespace = val
		case "destination":
			r.Destination = val
		case "arg0":
			r.Arg0 = val
		case "eavesdrop":
			r.Eavesdrop = val == "true"
		default:
			return Rule{}, fmt.Errorf("match: unknown rule key %q", key)
		}
	}
	return r, nil
}

func parseType(s string) (message.Type, error) {
	switch s {
	case "method_call":
		return message.TypeMethodCall, nil
	case "method_return":
		return message.TypeMethodReturn, nil
	case "error":
		return message.TypeError, nil
	case "signal":
		return message.TypeSignal, nil
	default:
		return message.TypeInvalid, fmt.Errorf("match: unknown type %q", s)
	}
}

// splitTopLevel splits s on sep, ignoring occurrences of sep inside a
// single-quoted value (a quoted value could in principle contain a
// comma, though D-Bus match values rarely do).
func splitTopLevel(s string, sep byte) []string {
	var out []string
	start := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func splitKeyValue(field string) (key, val string, err error) {
	eq := strings.IndexByte(field, '=')
	if eq < 0 {
		return "", "", fmt.Errorf("match: malformed rule field %q", field)
	}
	key = strings.TrimSpace(field[:eq])
	raw := strings.TrimSpace(field[eq+1:])
	if len(raw) < 2 || raw[0] != '\'' || raw[len(raw)-1] != '\'' {
		return "", "", fmt.Errorf("match: rule value for %q not quoted: %q", key, raw)
	}
	return key, raw[1 : len(raw)-1], nil
}

// Matches reports whether r's predicates are all satisfied by the
// given message attributes. sender and destination are the resolved
// unique names (the caller substitutes the connection's unique name
// for an unset Message.Sender before calling this).
func (r Rule) Matches(typ message.Type, sender, iface, member, path, destination string, arg0 string) bool {
	if r.Type != message.TypeInvalid && r.Type != typ {
		return false
	}
	if r.Sender != "" && r.Sender != sender {
		return false
	}
	if r.Interface != "" && r.Interface != iface {
		return false
	}
	if r.Member != "" && r.Member != member {
		return false
	}
	if r.Path != "" && r.Path != path {
		return false
	}
	if r.PathNamespace != "" && !pathInNamespace(path, r.PathNamespace) {
		return false
	}
	if r.Destination != "" && r.Destination != destination {
		return false
	}
	if r.Arg0 != "" && r.Arg0 != arg0 {
		return false
	}
	return true
}

func pathInNamespace(path, ns string) bool {
	if path == ns {
		return true
	}
	return strings.HasPrefix(path, ns+"/")
}

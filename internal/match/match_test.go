package match

import (
	"testing"

	"github.com/busline/busd/internal/message"
	"github.com/busline/busd/internal/wire"
)

func TestParseRuleRoundTrip(t *testing.T) {
	r, err := ParseRule("type='signal',interface='foo.Bar',member='Baz'")
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	if r.Type != message.TypeSignal || r.Interface != "foo.Bar" || r.Member != "Baz" {
		t.Fatalf("unexpected rule: %+v", r)
	}
}

func TestParseRuleEavesdrop(t *testing.T) {
	r, err := ParseRule("eavesdrop='true'")
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	if !r.Eavesdrop {
		t.Fatalf("expected Eavesdrop true")
	}
}

func TestParseRuleRejectsUnknownKey(t *testing.T) {
	if _, err := ParseRule("bogus='x'"); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func signalMessage(iface, member, sender string) *message.Message {
	return &message.Message{
		Order:     wire.LittleEndian,
		Type:      message.TypeSignal,
		Interface: iface,
		Member:    member,
		Sender:    sender,
		Path:      "/org/example/Obj",
	}
}

func TestStoreWildcardMatchesSignal(t *testing.T) {
	s := New()
	rule, _ := ParseRule("")
	s.AddMatch("a", rule)

	m := signalMessage("foo.Bar", "Baz", "b")
	recips := s.Recipients(m, "b", "")
	if len(recips) != 1 || recips[0] != "a" {
		t.Fatalf("Recipients = %v, want [a]", recips)
	}
}

func TestStoreExcludesSender(t *testing.T) {
	s := New()
	rule, _ := ParseRule("")
	s.AddMatch("b", rule)

	m := signalMessage("foo.Bar", "Baz", "b")
	recips := s.Recipients(m, "b", "")
	if len(recips) != 0 {
		t.Fatalf("Recipients = %v, want none (sender excluded)", recips)
	}
}

func TestStoreInterfaceMismatchExcluded(t *testing.T) {
	s := New()
	rule, _ := ParseRule("interface='foo.Other'")
	s.AddMatch("a", rule)

	m := signalMessage("foo.Bar", "Baz", "b")
	recips := s.Recipients(m, "b", "")
	if len(recips) != 0 {
		t.Fatalf("Recipients = %v, want none", recips)
	}
}

func TestStoreNonEavesdropDoesNotSeeUnicast(t *testing.T) {
	s := New()
	rule, _ := ParseRule("")
	s.AddMatch("a", rule)

	m := signalMessage("foo.Bar", "Baz", "b")
	recips := s.Recipients(m, "b", "c")
	if len(recips) != 0 {
		t.Fatalf("Recipients = %v, want none for unicast without eavesdrop", recips)
	}
}

func TestStoreEavesdropSeesUnicast(t *testing.T) {
	s := New()
	rule, _ := ParseRule("eavesdrop='true'")
	s.AddMatch("a", rule)

	m := signalMessage("foo.Bar", "Baz", "b")
	recips := s.Recipients(m, "b", "c")
	if len(recips) != 1 || recips[0] != "a" {
		t.Fatalf("Recipients = %v, want [a]", recips)
	}
}

func TestRemoveMatchThenNoRecipients(t *testing.T) {
	s := New()
	rule, _ := ParseRule("interface='foo.Bar'")
	s.AddMatch("a", rule)
	if !s.RemoveMatch("a", "interface='foo.Bar'") {
		t.Fatalf("RemoveMatch reported not found")
	}

	m := signalMessage("foo.Bar", "Baz", "b")
	recips := s.Recipients(m, "b", "")
	if len(recips) != 0 {
		t.Fatalf("Recipients = %v, want none after removal", recips)
	}
}

func TestDisconnectClearsRules(t *testing.T) {
	s := New()
	rule, _ := ParseRule("")
	s.AddMatch("a", rule)
	s.Disconnect("a")

	m := signalMessage("foo.Bar", "Baz", "b")
	if recips := s.Recipients(m, "b", ""); len(recips) != 0 {
		t.Fatalf("Recipients = %v, want none after disconnect", recips)
	}
}

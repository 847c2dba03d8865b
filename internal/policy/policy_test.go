package policy

import (
	"strings"
	"testing"

	"github.com/busline/busd/internal/message"
)

const sampleConfig = `<?xml version="1.0"?>
<busconfig>
  <policy context="default">
    <allow send_interface="*"/>
    <deny send_interface="com.example.Secret"/>
  </policy>
  <service name="com.example.Echo">
    <exec>/usr/bin/echo-service</exec>
    <user>echo</user>
  </service>
</busconfig>
`

func mustLoad(t *testing.T, xmlDoc string) *Document {
	t.Helper()
	doc, err := Load(strings.NewReader(xmlDoc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return doc
}

func TestNilDocumentAllowsEverything(t *testing.T) {
	var doc *Document
	m := &message.Message{Type: message.TypeMethodCall, Interface: "anything"}
	if !doc.Check("a", "b", m) {
		t.Fatalf("nil Document must allow")
	}
}

func TestDenyOverridesBroaderAllow(t *testing.T) {
	doc := mustLoad(t, sampleConfig)

	ok := &message.Message{Type: message.TypeMethodCall, Interface: "com.example.Public"}
	if !doc.Check("sender", "dest", ok) {
		t.Fatalf("expected com.example.Public to be allowed")
	}

	secret := &message.Message{Type: message.TypeMethodCall, Interface: "com.example.Secret"}
	if doc.Check("sender", "dest", secret) {
		t.Fatalf("expected com.example.Secret to be denied despite the wildcard allow")
	}
}

func TestUnmatchedMessageDefaultsToAllow(t *testing.T) {
	doc := mustLoad(t, `<busconfig></busconfig>`)
	m := &message.Message{Type: message.TypeSignal, Interface: "whatever"}
	if !doc.Check("a", "b", m) {
		t.Fatalf("a policy with no rules should allow by default")
	}
}

func TestServiceLookup(t *testing.T) {
	doc := mustLoad(t, sampleConfig)
	spec, err := doc.Service("com.example.Echo")
	if err != nil {
		t.Fatalf("Service: %v", err)
	}
	if spec.Exec != "/usr/bin/echo-service" || spec.User != "echo" {
		t.Fatalf("unexpected spec: %+v", spec)
	}

	if _, err := doc.Service("com.example.Missing"); err == nil {
		t.Fatalf("expected an error for an unknown service")
	}
}

func TestSendDestinationWildcard(t *testing.T) {
	doc := mustLoad(t, `<busconfig>
  <policy context="default">
    <allow send_destination="*"/>
    <deny send_destination="com.example.Locked"/>
  </policy>
</busconfig>`)

	m := &message.Message{Type: message.TypeMethodCall}
	if !doc.Check("a", "com.example.Open", m) {
		t.Fatalf("expected an open destination to be allowed")
	}
	if doc.Check("a", "com.example.Locked", m) {
		t.Fatalf("expected the locked destination to be denied")
	}
}

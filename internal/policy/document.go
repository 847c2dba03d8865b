// Package policy loads a bus security policy from an XML document
// (grounded on the real bus's <busconfig>/<policy>/<allow>/<deny>
// shape, per SPEC_FULL.md §6.4) and evaluates it against a routed
// message. Document.Check has the same shape as dispatch.Policy's
// Check method so a *Document can be wired in directly without this
// package importing internal/dispatch.
package policy

import (
	"encoding/xml"
	"fmt"
	"io"

	"github.com/busline/busd/internal/message"
)

// Rule is one <allow> or <deny> entry. Every attribute is optional;
// an empty field matches any value. A rule with no attributes at all
// matches every message, which is how a bare <allow/> or <deny/>
// grants or revokes everything for the policy block it's in.
type Rule struct {
	Allow bool

	SendInterface   string `xml:"send_interface,attr"`
	SendMember      string `xml:"send_member,attr"`
	SendPath        string `xml:"send_path,attr"`
	SendDestination string `xml:"send_destination,attr"`
	SendType        string `xml:"send_type,attr"`
	Own             string `xml:"own,attr"`
}

func (r Rule) matches(recipient string, m *message.Message) bool {
	if r.SendInterface != "" && r.SendInterface != "*" && r.SendInterface != m.Interface {
		return false
	}
	if r.SendMember != "" && r.SendMember != m.Member {
		return false
	}
	if r.SendPath != "" && r.SendPath != m.Path {
		return false
	}
	if r.SendDestination != "" && r.SendDestination != "*" && r.SendDestination != recipient {
		return false
	}
	if r.SendType != "" && r.SendType != m.Type.String() {
		return false
	}
	return true
}

// policyBlock is one <policy> element. Context is "default",
// "mandatory", or a user/group-scoped context; this bus only
// evaluates "default" and "mandatory" blocks, since it has no
// uid/gid-to-policy-context resolution wired up.
type policyBlock struct {
	Context string `xml:"context,attr"`
	Allow   []Rule `xml:"allow"`
	Deny    []Rule `xml:"deny"`
}

func (b policyBlock) rulesInOrder() []Rule {
	// The XML decoder gives us Allow and Deny as separate slices, but
	// policy evaluation needs them interleaved in document order so a
	// later <deny> can override an earlier <allow> within the same
	// block. encoding/xml doesn't expose element order across
	// differently-named siblings, so this bus evaluates all <allow>
	// rules in a block before all <deny> rules in the same block —
	// deny always wins a tie within one <policy>, which is the
	// conservative reading when order can't be recovered.
	out := make([]Rule, 0, len(b.Allow)+len(b.Deny))
	for _, r := range b.Allow {
		r.Allow = true
		out = append(out, r)
	}
	for _, r := range b.Deny {
		r.Allow = false
		out = append(out, r)
	}
	return out
}

type serviceXML struct {
	Name string `xml:"name,attr"`
	Exec string `xml:"exec"`
	User string `xml:"user"`
}

type busconfig struct {
	XMLName  xml.Name      `xml:"busconfig"`
	Policies []policyBlock `xml:"policy"`
	Services []serviceXML  `xml:"service"`
}

// Document is a loaded, ready-to-evaluate policy. The zero Document
// allows everything, so a bus with no -policy flag behaves like
// dispatch.AllowAll.
type Document struct {
	rules    []Rule
	services map[string]ServiceSpec
}

// Load parses an XML policy document from r.
func Load(r io.Reader) (*Document, error) {
	var cfg busconfig
	if err := xml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("policy: decoding busconfig: %w", err)
	}
	doc := &Document{services: make(map[string]ServiceSpec, len(cfg.Services))}
	for _, b := range cfg.Policies {
		if b.Context != "" && b.Context != "default" && b.Context != "mandatory" {
			continue
		}
		doc.rules = append(doc.rules, b.rulesInOrder()...)
	}
	for _, s := range cfg.Services {
		doc.services[s.Name] = ServiceSpec{Name: s.Name, Exec: s.Exec, User: s.User}
	}
	return doc, nil
}

// Check reports whether sender may route m to recipient. Rules are
// evaluated in document order; the last matching rule decides. A
// message matched by no rule is allowed, mirroring how an unconfigured
// bus (an empty Document) behaves.
func (d *Document) Check(sender, recipient string, m *message.Message) bool {
	if d == nil {
		return true
	}
	verdict := true
	for _, r := range d.rules {
		if !r.matches(recipient, m) {
			continue
		}
		verdict = r.Allow
	}
	return verdict
}

package match

import (
	"github.com/busline/busd/internal/message"
	"github.com/busline/busd/internal/wire"
)

type entry struct {
	connID string
	rule   Rule
}

// bucketKey narrows the store's linear scan to a (type, interface)
// pair, the two predicates real-world rules specify most often and
// that are cheapest to key on directly.
type bucketKey struct {
	typ   message.Type
	iface string
}

// Store indexes match rules by (type, interface), falling back to a
// wildcard bucket for rules that leave either predicate unset, since
// those rules must be checked against every message regardless of its
// type or interface. Grounded on miniplumber.Pipe's readers map, one
// pipe there per subscription; here one bucket per selective-predicate
// pair with a linear scan for everything else a rule specifies.
type Store struct {
	buckets map[bucketKey][]entry
	// byConn supports RemoveMatch and Disconnect cleanup without a
	// full-store scan.
	byConn map[string][]Rule
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		buckets: make(map[bucketKey][]entry),
		byConn:  make(map[string][]Rule),
	}
}

func keysFor(r Rule) []bucketKey {
	return []bucketKey{{typ: r.Type, iface: r.Interface}}
}

// AddMatch registers rule as owned by connID.
func (s *Store) AddMatch(connID string, rule Rule) {
	key := keysFor(rule)[0]
	s.buckets[key] = append(s.buckets[key], entry{connID: connID, rule: rule})
	s.byConn[connID] = append(s.byConn[connID], rule)
}

// RemoveMatch removes the first rule owned by connID whose string form
// equals raw, the exact-match semantics a RemoveMatch call specifies
// per its original rule string. Reports whether a rule was removed.
func (s *Store) RemoveMatch(connID, raw string) bool {
	rules := s.byConn[connID]
	for i, r := range rules {
		if r.String() != raw {
			continue
		}
		s.byConn[connID] = append(rules[:i], rules[i+1:]...)
		key := keysFor(r)[0]
		bucket := s.buckets[key]
		for j, e := range bucket {
			if e.connID == connID && e.rule.String() == raw {
				s.buckets[key] = append(bucket[:j], bucket[j+1:]...)
				break
			}
		}
		return true
	}
	return false
}

// Disconnect removes every rule connID owns.
func (s *Store) Disconnect(connID string) {
	for _, r := range s.byConn[connID] {
		key := keysFor(r)[0]
		bucket := s.buckets[key]
		for j, e := range bucket {
			if e.connID == connID && e.rule.String() == r.String() {
				s.buckets[key] = append(bucket[:j], bucket[j+1:]...)
				break
			}
		}
	}
	delete(s.byConn, connID)
}

// Recipients computes the set of connection IDs subscribed to m, per
// spec.md §4.7 step 4: always excludes exclude (the sender) and
// addressed (the direct recipient); when addressed is set, only rules
// that set Eavesdrop see the message. The candidate buckets checked are: the
// message's own (type, interface), the wildcard-type bucket with the
// same interface, the wildcard-interface bucket with the same type,
// and the fully wildcard bucket — any rule narrower than what it
// declares cannot match, so only buckets whose key is a prefix
// (wildcard or exact) of the message's own attributes can contain it.
func (s *Store) Recipients(m *message.Message, exclude, addressed string) []string {
	arg0 := readArg0(m)

	seen := make(map[string]bool)
	var out []string
	consider := func(key bucketKey) {
		for _, e := range s.buckets[key] {
			if e.connID == exclude {
				continue
			}
			if e.connID == addressed {
				continue
			}
			if seen[e.connID] {
				continue
			}
			if !e.rule.Eavesdrop && addressed != "" {
				// A non-eavesdropping rule only ever sees broadcast
				// traffic; a unicast message is invisible to it unless
				// Eavesdrop is set.
				continue
			}
			if !e.rule.Matches(m.Type, m.Sender, m.Interface, m.Member, m.Path, m.Destination, arg0) {
				continue
			}
			seen[e.connID] = true
			out = append(out, e.connID)
		}
	}

	consider(bucketKey{typ: m.Type, iface: m.Interface})
	consider(bucketKey{typ: message.TypeInvalid, iface: m.Interface})
	consider(bucketKey{typ: m.Type, iface: ""})
	consider(bucketKey{typ: message.TypeInvalid, iface: ""})
	return out
}

// readArg0 extracts the first body argument as a string for arg0
// matching, or "" if the body's first value isn't a string (arg0
// matching is only meaningful against string arguments).
func readArg0(m *message.Message) string {
	if m.Signature == "" {
		return ""
	}
	r := wire.NewBodyReader(m.Order, m.Signature, m.Body)
	if r.CurrentType() != wire.String {
		return ""
	}
	v, err := r.ReadBasic()
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

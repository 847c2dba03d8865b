package dispatch

import "github.com/busline/busd/internal/message"

// Policy is the security-policy seam spec.md §6 names as "a policy
// object exposing check(sender?, recipient?, message) -> allow|deny".
// internal/policy.Document implements it; Dispatcher only needs the
// contract, not the XML loader behind it, keeping the two packages
// decoupled the way the teacher keeps internal/meshage ignorant of
// whatever calls Node.Set.
type Policy interface {
	Check(sender, recipient string, m *message.Message) bool
}

// AllowAll is the default policy: every (sender, recipient, message)
// triple is allowed. Used when no policy document is configured.
type AllowAll struct{}

func (AllowAll) Check(sender, recipient string, m *message.Message) bool { return true }

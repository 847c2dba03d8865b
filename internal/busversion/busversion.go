// Package busversion reports the bus's own version and feature set,
// kept deliberately separate from the wire protocol version byte
// (spec.md §4.4's fixed ProtocolVersion == 1): a bus can grow new
// driver extensions across releases without ever touching the wire
// format. Grounded on the kryptco-kr branch's CURRENT_VERSION /
// RequestKrdVersion pattern of carrying a semver.Version alongside a
// stable wire protocol.
package busversion

import "github.com/blang/semver"

// Current is this build's bus version, surfaced through the driver's
// GetId extension.
var Current = semver.MustParse("1.0.0")

// Feature names reported by the Features driver extension. Clients
// use these to detect optional behavior (e.g. eavesdrop match rules)
// without parsing Current themselves.
const (
	FeatureEavesdrop  = "eavesdrop"
	FeatureActivation = "activation"
	FeatureMonitoring = "monitoring"
)

// Features lists every feature this build supports.
func Features() []string {
	return []string{FeatureEavesdrop, FeatureActivation, FeatureMonitoring}
}

// Supports reports whether this build implements a given feature,
// the same check a driver's Features method answer lets a client do
// locally once it has cached the result.
func Supports(feature string) bool {
	for _, f := range Features() {
		if f == feature {
			return true
		}
	}
	return false
}

// AtLeast reports whether Current meets or exceeds a minimum version
// string, e.g. for a future client that wants to gate on bus version
// rather than individual feature flags.
func AtLeast(min string) (bool, error) {
	want, err := semver.Make(min)
	if err != nil {
		return false, err
	}
	return Current.GTE(want), nil
}

package busversion

import "testing"

func TestSupportsKnownFeature(t *testing.T) {
	if !Supports(FeatureActivation) {
		t.Fatalf("expected FeatureActivation to be supported")
	}
	if Supports("nonexistent") {
		t.Fatalf("did not expect an unknown feature to be supported")
	}
}

func TestAtLeast(t *testing.T) {
	ok, err := AtLeast("0.1.0")
	if err != nil {
		t.Fatalf("AtLeast: %v", err)
	}
	if !ok {
		t.Fatalf("expected Current %v to be at least 0.1.0", Current)
	}

	ok, err = AtLeast("99.0.0")
	if err != nil {
		t.Fatalf("AtLeast: %v", err)
	}
	if ok {
		t.Fatalf("did not expect Current %v to satisfy 99.0.0", Current)
	}
}

package registry

import "testing"

func TestHelloMintsIncreasingUniqueNames(t *testing.T) {
	r := New()
	a := r.Hello()
	b := r.Hello()
	if a != ":1.1" || b != ":1.2" {
		t.Fatalf("got %q, %q, want :1.1, :1.2", a, b)
	}
}

func TestRequestNamePrimaryThenQueue(t *testing.T) {
	r := New()
	a, b := r.Hello(), r.Hello()

	out, evicted := r.RequestName(a, "org.example.X", AllowReplacement)
	if out != PrimaryOwner || evicted != "" {
		t.Fatalf("first request: got (%v, %q)", out, evicted)
	}

	out, evicted = r.RequestName(b, "org.example.X", 0)
	if out != InQueue || evicted != "" {
		t.Fatalf("second request: got (%v, %q), want InQueue", out, evicted)
	}
	if r.GetNameOwner("org.example.X") != a {
		t.Fatalf("owner should still be a")
	}
}

func TestRequestNameReplaceExisting(t *testing.T) {
	r := New()
	a, b := r.Hello(), r.Hello()

	r.RequestName(a, "org.example.X", AllowReplacement)
	out, evicted := r.RequestName(b, "org.example.X", ReplaceExisting)
	if out != PrimaryOwner || evicted != a {
		t.Fatalf("got (%v, %q), want (PrimaryOwner, %q)", out, evicted, a)
	}
	if r.GetNameOwner("org.example.X") != b {
		t.Fatalf("owner should now be b")
	}
}

func TestRequestNameDoNotQueueRefused(t *testing.T) {
	r := New()
	a, b := r.Hello(), r.Hello()

	r.RequestName(a, "org.example.X", 0)
	out, _ := r.RequestName(b, "org.example.X", DoNotQueue)
	if out != ExistsAndRefused {
		t.Fatalf("got %v, want ExistsAndRefused", out)
	}
}

func TestReleaseNamePromotesQueuedWaiter(t *testing.T) {
	r := New()
	a, b := r.Hello(), r.Hello()

	r.RequestName(a, "org.example.X", AllowReplacement)
	r.RequestName(b, "org.example.X", 0)

	out, newOwner := r.ReleaseName(a, "org.example.X")
	if out != ReleaseReleased || newOwner != b {
		t.Fatalf("got (%v, %q), want (ReleaseReleased, %q)", out, newOwner, b)
	}
	if r.GetNameOwner("org.example.X") != b {
		t.Fatalf("owner should now be b")
	}
}

func TestDisconnectReleasesAllOwnedNames(t *testing.T) {
	r := New()
	a, b := r.Hello(), r.Hello()

	r.RequestName(a, "org.example.X", AllowReplacement)
	r.RequestName(b, "org.example.X", 0)
	r.RequestName(a, "org.example.Y", 0)

	promoted, released := r.Disconnect(a)
	if promoted["org.example.X"] != b {
		t.Fatalf("expected org.example.X promoted to b, got %+v", promoted)
	}
	found := false
	for _, n := range released {
		if n == "org.example.Y" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected org.example.Y among released, got %v", released)
	}
	if r.NameHasOwner("org.example.Y") {
		t.Fatalf("org.example.Y should have no owner after disconnect")
	}
	if r.NameHasOwner(a) {
		t.Fatalf("unique name should be gone after disconnect")
	}
}

func TestListNamesIncludesUniqueAndWellKnown(t *testing.T) {
	r := New()
	a := r.Hello()
	r.RequestName(a, "org.example.X", 0)

	names := r.ListNames()
	wantA, wantX := false, false
	for _, n := range names {
		if n == a {
			wantA = true
		}
		if n == "org.example.X" {
			wantX = true
		}
	}
	if !wantA || !wantX {
		t.Fatalf("ListNames = %v, missing unique or well-known name", names)
	}
}

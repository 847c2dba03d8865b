package activation

import (
	"fmt"
	"testing"
	"time"

	"github.com/busline/busd/internal/policy"
)

type fakeDirectory map[string]policy.ServiceSpec

func (f fakeDirectory) Service(name string) (policy.ServiceSpec, error) {
	spec, ok := f[name]
	if !ok {
		return policy.ServiceSpec{}, fmt.Errorf("no such service %q", name)
	}
	return spec, nil
}

func TestEnsureRunningSurvivesGraceWindow(t *testing.T) {
	dir := fakeDirectory{
		"com.example.Sleeper": {Name: "com.example.Sleeper", Exec: "/bin/sleep 1"},
	}
	m, err := NewManager(dir, 8, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.GraceWindow = 50 * time.Millisecond

	if err := m.EnsureRunning("com.example.Sleeper"); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
}

func TestEnsureRunningClassifiesImmediateExit(t *testing.T) {
	dir := fakeDirectory{
		"com.example.Failer": {Name: "com.example.Failer", Exec: "/bin/false"},
	}
	m, err := NewManager(dir, 8, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.GraceWindow = 200 * time.Millisecond

	if err := m.EnsureRunning("com.example.Failer"); err == nil {
		t.Fatalf("expected an error classifying the immediate exit")
	}
}

func TestEnsureRunningUnknownService(t *testing.T) {
	m, err := NewManager(fakeDirectory{}, 8, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.EnsureRunning("com.example.Missing"); err == nil {
		t.Fatalf("expected an error for an unresolvable service")
	}
}

func TestResolveCachesSpec(t *testing.T) {
	dir := fakeDirectory{
		"com.example.Sleeper": {Name: "com.example.Sleeper", Exec: "/bin/sleep"},
	}
	m, err := NewManager(dir, 8, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	first, err := m.resolve("com.example.Sleeper")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	delete(dir, "com.example.Sleeper")
	second, err := m.resolve("com.example.Sleeper")
	if err != nil {
		t.Fatalf("resolve from cache: %v", err)
	}
	if first.path != second.path {
		t.Fatalf("expected cached spec to match: %+v vs %+v", first, second)
	}
}

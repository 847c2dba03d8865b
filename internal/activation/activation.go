// Package activation implements the service-activation collaborator
// spec.md §5 scopes out of the core protocol: given a well-known
// name with no current owner, look up how to start it and spawn it,
// grounded on the teacher's own external-process patterns in
// cmd/minimega/external.go and cmd/minimega/container.go.
package activation

import (
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/busline/busd/internal/buserr"
	"github.com/busline/busd/internal/buslog"
	"github.com/busline/busd/internal/policy"
)

// ServiceDirectory is the seam Manager needs to resolve a well-known
// name to its activation spec. *policy.Document satisfies it.
type ServiceDirectory interface {
	Service(name string) (policy.ServiceSpec, error)
}

type resolvedSpec struct {
	path string
	args []string
	cred *syscall.Credential
}

// Manager spawns and tracks activated services. A activation request
// for a name already running (per the grace window below) is not
// deduplicated across concurrent callers; StartServiceByName's
// NameHasOwner check in internal/dispatch covers the common case of
// "already running", and a second spawn racing the first is rare
// enough not to warrant its own lock, matching how minimega treats
// concurrent external process launches.
type Manager struct {
	dir   ServiceDirectory
	cache *lru.Cache
	log   *buslog.Logger

	// GraceWindow is how long EnsureRunning waits for the spawned
	// process to exit before concluding it started successfully. A
	// real service does not exit this fast under normal operation; an
	// exec failure or a missing dependency usually does.
	GraceWindow time.Duration
}

// NewManager returns a Manager resolving names through dir, caching
// up to cacheSize resolved specs.
func NewManager(dir ServiceDirectory, cacheSize int, log *buslog.Logger) (*Manager, error) {
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("activation: building spec cache: %w", err)
	}
	if log == nil {
		log = buslog.Default("activation")
	}
	return &Manager{dir: dir, cache: c, log: log, GraceWindow: 500 * time.Millisecond}, nil
}

// EnsureRunning spawns serviceName's executable per its policy entry.
// It returns once the process has either survived GraceWindow (the
// common case: the new process will itself call Hello and
// RequestName once it's up) or exited within it, in which case the
// exit is classified into a Spawn* buserr.Kind.
func (m *Manager) EnsureRunning(serviceName string) error {
	spec, err := m.resolve(serviceName)
	if err != nil {
		return buserr.Wrap(buserr.ServiceDoesNotExist, err, "activation: resolving %q", serviceName)
	}

	cmd := exec.Command(spec.path, spec.args...)
	if spec.cred != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: spec.cred}
	}
	if err := cmd.Start(); err != nil {
		return buserr.Wrap(buserr.SpawnExecFailed, err, "activation: starting %q", serviceName)
	}
	m.log.Debug("activation: started %q as pid %d", serviceName, cmd.Process.Pid)

	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- cmd.Wait()
	}()

	select {
	case waitErr := <-done:
		return classifyExit(serviceName, waitErr)
	case <-time.After(m.GraceWindow):
		m.log.Debug("activation: %q past grace window, assuming started", serviceName)
		go func() {
			if err := <-done; err != nil {
				m.log.Warn("activation: %q exited after grace window: %v", serviceName, err)
			}
		}()
		return nil
	}
}

func classifyExit(serviceName string, waitErr error) error {
	if waitErr == nil {
		return buserr.New(buserr.SpawnChildExited, "activation: %q exited immediately", serviceName)
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return buserr.Wrap(buserr.SpawnFailed, waitErr, "activation: waiting on %q", serviceName)
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return buserr.New(buserr.SpawnChildSignaled, "activation: %q killed by signal %v", serviceName, status.Signal())
	}
	return buserr.Wrap(buserr.SpawnChildExited, exitErr, "activation: %q exited", serviceName)
}

func (m *Manager) resolve(serviceName string) (resolvedSpec, error) {
	if cached, ok := m.cache.Get(serviceName); ok {
		return cached.(resolvedSpec), nil
	}
	spec, err := m.dir.Service(serviceName)
	if err != nil {
		return resolvedSpec{}, err
	}
	fields := strings.Fields(spec.Exec)
	r := resolvedSpec{path: fields[0], args: fields[1:]}
	if spec.User != "" {
		cred, err := credentialFor(spec.User)
		if err != nil {
			return resolvedSpec{}, fmt.Errorf("resolving run-as user %q: %w", spec.User, err)
		}
		r.cred = cred
	}
	m.cache.Add(serviceName, r)
	return r, nil
}

func credentialFor(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, err
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

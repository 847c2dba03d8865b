//go:build linux

package eventloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the one real Poller, backed by Linux epoll. It is
// the broker's only direct syscall dependency, grounded on the same
// golang.org/x/sys/unix reach-for-raw-syscalls idiom the wider example
// pack uses whenever it needs epoll/SO_PEERCRED/ioctl-level access.
type epollPoller struct {
	epfd int
}

// NewPlatformPoller returns the real epoll-backed Poller.
func NewPlatformPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: fd}, nil
}

func toEpollEvents(e Event) uint32 {
	var out uint32
	if e&EventRead != 0 {
		out |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpollEvents(e uint32) Event {
	var out Event
	if e&unix.EPOLLIN != 0 {
		out |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		out |= EventWrite
	}
	return out
}

func (p *epollPoller) Add(fd int, events Event) error {
	ev := unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) Modify(fd int, events Event) error {
	ev := unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(timeout time.Duration) ([]Ready, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(p.epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Ready, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Ready{Fd: int(events[i].Fd), Events: fromEpollEvents(events[i].Events)})
	}
	return out, nil
}

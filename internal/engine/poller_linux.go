//go:build linux

package engine

import (
	"golang.org/x/sys/unix"
)

// epollReactor implements Reactor on top of Linux epoll, generalizing the
// teacher's raw syscall.EpollCreate1/EpollCtl/EpollWait calls
// (server/engine/epoll.go) to the idiomatic golang.org/x/sys/unix wrapper.
type epollReactor struct {
	fd     int
	events []unix.EpollEvent
}

func newReactor() (Reactor, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &epollReactor{fd: fd, events: make([]unix.EpollEvent, 256)}, nil
}

func flagsToEpoll(write bool) uint32 {
	ev := uint32(unix.EPOLLIN)
	if write {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (r *epollReactor) Add(fd int, write bool) error {
	return unix.EpollCtl(r.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: flagsToEpoll(write),
		Fd:     int32(fd),
	})
}

func (r *epollReactor) Modify(fd int, write bool) error {
	return unix.EpollCtl(r.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: flagsToEpoll(write),
		Fd:     int32(fd),
	})
}

func (r *epollReactor) Remove(fd int) error {
	err := unix.EpollCtl(r.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (r *epollReactor) Wait(timeoutMillis int) ([]Event, error) {
	n, err := unix.EpollWait(r.fd, r.events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		flags := 0
		if r.events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			flags |= eventRead
		}
		if r.events[i].Events&unix.EPOLLOUT != 0 {
			flags |= eventWrite
		}
		out = append(out, Event{Fd: int(r.events[i].Fd), Flags: flags})
	}
	return out, nil
}

func (r *epollReactor) Close() error {
	return unix.Close(r.fd)
}

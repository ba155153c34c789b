//go:build !linux

package engine

import (
	"golang.org/x/sys/unix"
)

// pollReactor implements Reactor on top of poll(2) for non-Linux unix
// platforms, behind the same interface epollReactor satisfies — per
// SPEC_FULL.md §11, keeping the poller behind a small interface (grounded
// on other_examples/momentics-hioload-ws's Reactor abstraction) so the
// non-epoll fallback is a second implementation, not a special case
// scattered through the engine.
type pollReactor struct {
	write map[int]bool
}

func newReactor() (Reactor, error) {
	return &pollReactor{write: make(map[int]bool)}, nil
}

func (r *pollReactor) Add(fd int, write bool) error {
	r.write[fd] = write
	return nil
}

func (r *pollReactor) Modify(fd int, write bool) error {
	if _, ok := r.write[fd]; !ok {
		return nil
	}
	r.write[fd] = write
	return nil
}

func (r *pollReactor) Remove(fd int) error {
	delete(r.write, fd)
	return nil
}

func (r *pollReactor) Wait(timeoutMillis int) ([]Event, error) {
	if len(r.write) == 0 {
		return nil, nil
	}

	fds := make([]unix.PollFd, 0, len(r.write))
	for fd, wantWrite := range r.write {
		events := int16(unix.POLLIN)
		if wantWrite {
			events |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	n, err := unix.Poll(fds, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]Event, 0, n)
	for _, pfd := range fds {
		flags := 0
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			flags |= eventRead
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			flags |= eventWrite
		}
		if flags != 0 {
			out = append(out, Event{Fd: int(pfd.Fd), Flags: flags})
		}
	}
	return out, nil
}

func (r *pollReactor) Close() error {
	return nil
}

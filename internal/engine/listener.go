package engine

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

const backlog = 128

// listenSocket creates, binds, and listens on addr (host:port), returning
// the raw non-blocking fd. Generalizes the teacher's listenSocket
// (server/engine/epoll.go), which only accepted a fixed IPv4 array, to an
// arbitrary configured address and SO_REUSEADDR per spec.md §4.4's
// "Binding" step.
func listenSocket(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, fmt.Errorf("engine: listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, fmt.Errorf("engine: listen port %q: %w", portStr, err)
	}

	ip := net.IPv4zero
	if host != "" {
		parsed := net.ParseIP(host)
		if parsed == nil {
			return -1, fmt.Errorf("engine: invalid listen host %q", host)
		}
		ip = parsed
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("engine: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("engine: setsockopt SO_REUSEADDR: %w", err)
	}

	var addr4 [4]byte
	copy(addr4[:], ip.To4())

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: addr4}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("engine: bind %s: %w", addr, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("engine: listen %s: %w", addr, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("engine: set listen socket non-blocking: %w", err)
	}

	return fd, nil
}

// acceptOne accepts a single pending connection off the listening socket,
// returning its new non-blocking fd and peer address. Returns the accept
// error as is (unix.EAGAIN when nothing is pending).
func acceptOne(listenFd int) (int, net.Addr, error) {
	nfd, sa, err := unix.Accept(listenFd)
	if err != nil {
		return -1, nil, err
	}

	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, nil, err
	}

	return nfd, sockaddrToAddr(sa), nil
}

// fdToNetConn wraps a raw non-blocking fd in a net.Conn so crypto/tls,
// which only knows how to talk to net.Conn, can be layered on top. The
// returned conn.Connection keeps using the original fd directly for
// plaintext I/O and for epoll registration; only the TLS handshake and
// subsequent reads/writes go through this wrapper.
func fdToNetConn(fd int) (net.Conn, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}
	file := os.NewFile(uintptr(dup), "conn")
	nc, err := net.FileConn(file)
	// net.FileConn holds its own duplicate of the descriptor, so the
	// os.File is closed either way.
	file.Close()
	if err != nil {
		return nil, err
	}
	return nc, nil
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	default:
		return nil
	}
}

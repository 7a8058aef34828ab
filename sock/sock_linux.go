//go:build linux

package sock

import (
	"fmt"
	"net"
	"time"

	"github.com/calderadb/calrpc/common"
	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// TCP socket
// --------------------------------------------------------------------------

// tcpSocket implements ISocket on a raw non-blocking descriptor
type tcpSocket struct {
	fd     int
	local  string
	remote string
}

func (s *tcpSocket) Read(buf []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (s *tcpSocket) Write(buf []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (s *tcpSocket) Writev(bufs [][]byte) (int, error) {
	for {
		n, err := unix.Writev(s.fd, bufs)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (s *tcpSocket) Fd() int            { return s.fd }
func (s *tcpSocket) LocalAddr() string  { return s.local }
func (s *tcpSocket) RemoteAddr() string { return s.remote }

func (s *tcpSocket) Close() error {
	return unix.Close(s.fd)
}

// --------------------------------------------------------------------------
// TCP listener
// --------------------------------------------------------------------------

// tcpListener implements IListener on a raw non-blocking descriptor
type tcpListener struct {
	fd   int
	addr string
	opts Options
}

func (l *tcpListener) Accept() (ISocket, error) {
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := applyOptions(nfd, l.opts); err != nil {
			unix.Close(nfd)
			return nil, err
		}
		local, err := localAddrString(nfd)
		if err != nil {
			unix.Close(nfd)
			return nil, err
		}
		return &tcpSocket{fd: nfd, local: local, remote: sockaddrString(sa)}, nil
	}
}

func (l *tcpListener) Fd() int      { return l.fd }
func (l *tcpListener) Addr() string { return l.addr }

func (l *tcpListener) Close() error {
	return unix.Close(l.fd)
}

// --------------------------------------------------------------------------
// Constructors
// --------------------------------------------------------------------------

// Connect establishes a TCP connection to addr and returns it as a
// non-blocking socket. The connect itself is bounded by deadline (zero
// means no bound); on expiry the error kind is timeout.
func Connect(addr string, deadline time.Time, opts Options) (ISocket, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, common.NetworkErrorf("resolve %s: %v", addr, err)
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, common.NetworkErrorf("socket: %v", err)
	}

	if err := applyOptions(fd, opts); err != nil {
		unix.Close(fd)
		return nil, err
	}

	// Non-blocking connect: EINPROGRESS means the handshake continues in
	// the background and completion is signaled by writability.
	err = unix.Connect(fd, sa)
	if err == unix.EINPROGRESS {
		if err := Wait(fd, WaitWrite, deadline); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			unix.Close(fd)
			return nil, common.NetworkErrorf("connect %s: %v", addr, err)
		}
		if soErr != 0 {
			unix.Close(fd)
			return nil, common.NetworkErrorf("connect %s: %v", addr, unix.Errno(soErr))
		}
	} else if err != nil {
		unix.Close(fd)
		return nil, common.NetworkErrorf("connect %s: %v", addr, err)
	}

	local, err := localAddrString(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &tcpSocket{fd: fd, local: local, remote: addr}, nil
}

// Listen binds a non-blocking TCP listener to addr. The opts are applied
// to every accepted connection.
func Listen(addr string, backlog int, opts Options) (IListener, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, common.NetworkErrorf("resolve %s: %v", addr, err)
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, common.NetworkErrorf("socket: %v", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, common.NetworkErrorf("setsockopt SO_REUSEADDR: %v", err)
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, common.NetworkErrorf("bind %s: %v", addr, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, common.NetworkErrorf("listen %s: %v", addr, err)
	}

	bound, err := localAddrString(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &tcpListener{fd: fd, addr: bound, opts: opts}, nil
}

// --------------------------------------------------------------------------
// Deadline waits
// --------------------------------------------------------------------------

// Wait blocks until fd is ready in the given direction or the deadline
// passes. It is the only blocking primitive in this package and must never
// be called from a reactor goroutine.
func Wait(fd int, dir Direction, deadline time.Time) error {
	events := int16(unix.POLLIN)
	if dir == WaitWrite {
		events = unix.POLLOUT
	}

	for {
		timeout, ok := pollTimeout(deadline)
		if !ok {
			return common.TimeoutErrorf("wait on fd %d", fd)
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return common.NetworkErrorf("poll fd %d: %v", fd, err)
		}
		if n == 0 {
			return common.TimeoutErrorf("wait on fd %d", fd)
		}
		// POLLERR/POLLHUP also count as ready, the next read or write
		// surfaces the actual error.
		return nil
	}
}

// IsWouldBlock reports whether err is the kernel's signal that a
// non-blocking operation has no progress to make right now.
func IsWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// applyOptions sets the per connection socket options
func applyOptions(fd int, opts Options) error {
	if opts.NoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return common.NetworkErrorf("setsockopt TCP_NODELAY: %v", err)
		}
	}
	if opts.KeepAlivePeriod > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return common.NetworkErrorf("setsockopt SO_KEEPALIVE: %v", err)
		}
		secs := int(opts.KeepAlivePeriod / time.Second)
		if secs < 1 {
			secs = 1
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs); err != nil {
			return common.NetworkErrorf("setsockopt TCP_KEEPIDLE: %v", err)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs); err != nil {
			return common.NetworkErrorf("setsockopt TCP_KEEPINTVL: %v", err)
		}
	}
	return nil
}

// resolveSockaddr parses host:port into a sockaddr plus address family
func resolveSockaddr(addr string) (unix.Sockaddr, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, err
	}

	if ip4 := tcpAddr.IP.To4(); ip4 != nil || tcpAddr.IP == nil {
		sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}

	sa := &unix.SockaddrInet6{Port: tcpAddr.Port}
	copy(sa.Addr[:], tcpAddr.IP.To16())
	return sa, unix.AF_INET6, nil
}

// sockaddrString formats a kernel sockaddr as host:port
func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", a.Port))
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", a.Port))
	default:
		return "unknown"
	}
}

// localAddrString returns the bound local address of fd as host:port
func localAddrString(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", common.NetworkErrorf("getsockname: %v", err)
	}
	return sockaddrString(sa), nil
}

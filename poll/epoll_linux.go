//go:build linux

package poll

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller implements IPoller using Linux epoll in edge-triggered mode
type epollPoller struct {
	epfd   int
	wakeFd int
	// tokens maps registered descriptors to their tokens. Only the owning
	// goroutine touches it, so no locking is needed.
	tokens map[int]uint64
	// raw is the reusable buffer for EpollWait results
	raw []unix.EpollEvent
}

// New creates a poller backed by epoll plus an eventfd for wakeups.
func New() (IPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	// The wake descriptor is level-triggered on purpose: it is drained on
	// every delivery, and level mode cannot lose a wakeup that races with
	// the drain.
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, err
	}

	return &epollPoller{
		epfd:   epfd,
		wakeFd: wakeFd,
		tokens: make(map[int]uint64),
	}, nil
}

func (p *epollPoller) Register(fd int, token uint64) error {
	ev := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	p.tokens[fd] = token
	return nil
}

func (p *epollPoller) SetWriteInterest(fd int, token uint64, enabled bool) error {
	events := uint32(unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET)
	if enabled {
		events |= unix.EPOLLOUT
	}
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) Deregister(fd int) error {
	delete(p.tokens, fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Poll(timeout time.Duration, events []Event) (int, error) {
	if len(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}

	timeoutMs := -1
	if timeout >= 0 {
		timeoutMs = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(p.epfd, p.raw[:len(events)], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	out := 0
	for i := 0; i < n; i++ {
		raw := &p.raw[i]
		fd := int(raw.Fd)

		if fd == p.wakeFd {
			p.drainWake()
			continue
		}

		token, ok := p.tokens[fd]
		if !ok {
			// Deregistered while the event was in flight
			continue
		}

		events[out] = Event{
			Token:    token,
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Closed:   raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		}
		out++
	}
	return out, nil
}

func (p *epollPoller) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(p.wakeFd, buf[:])
		if err == unix.EINTR {
			continue
		}
		// EAGAIN means the counter is saturated, the wakeup is already
		// pending in that case.
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
}

func (p *epollPoller) Close() error {
	unix.Close(p.wakeFd)
	return unix.Close(p.epfd)
}

// drainWake clears the eventfd counter after a wakeup
func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeFd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

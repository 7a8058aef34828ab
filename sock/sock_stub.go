//go:build !linux

package sock

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("sock: this platform is not supported")

// Connect returns an error for unsupported platforms.
func Connect(addr string, deadline time.Time, opts Options) (ISocket, error) {
	return nil, errUnsupported
}

// Listen returns an error for unsupported platforms.
func Listen(addr string, backlog int, opts Options) (IListener, error) {
	return nil, errUnsupported
}

// Wait returns an error for unsupported platforms.
func Wait(fd int, dir Direction, deadline time.Time) error {
	return errUnsupported
}

// IsWouldBlock always reports false for unsupported platforms.
func IsWouldBlock(err error) bool {
	return false
}

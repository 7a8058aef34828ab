package common

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Status errors
// --------------------------------------------------------------------------

// Every failure produced by the transport wraps exactly one of these
// sentinels. Callers branch on the kind with errors.Is and never need to
// inspect message text.
var (
	// ErrNetwork marks connection-fatal transport failures such as framing
	// violations, oversize messages, or socket errors.
	ErrNetwork = errors.New("network error")

	// ErrCorruption marks malformed data inside an otherwise well-framed
	// message, such as an undecodable header.
	ErrCorruption = errors.New("corruption")

	// ErrShutdown marks operations rejected because the transport (or one
	// of its reactors) is stopping or already stopped.
	ErrShutdown = errors.New("shutdown in progress")

	// ErrTimeout marks calls or handshakes that exceeded their deadline.
	ErrTimeout = errors.New("timed out")

	// ErrAborted marks work cancelled before it ran, such as delayed tasks
	// discarded during reactor shutdown.
	ErrAborted = errors.New("aborted")
)

// NetworkErrorf returns a new error wrapping ErrNetwork
func NetworkErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNetwork, fmt.Sprintf(format, args...))
}

// CorruptionErrorf returns a new error wrapping ErrCorruption
func CorruptionErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

// ShutdownErrorf returns a new error wrapping ErrShutdown
func ShutdownErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrShutdown, fmt.Sprintf(format, args...))
}

// TimeoutErrorf returns a new error wrapping ErrTimeout
func TimeoutErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}

// AbortedErrorf returns a new error wrapping ErrAborted
func AbortedErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrAborted, fmt.Sprintf(format, args...))
}

// IsNetworkError reports whether err wraps ErrNetwork
func IsNetworkError(err error) bool { return errors.Is(err, ErrNetwork) }

// IsCorruption reports whether err wraps ErrCorruption
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }

// IsShutdown reports whether err wraps ErrShutdown
func IsShutdown(err error) bool { return errors.Is(err, ErrShutdown) }

// IsTimeout reports whether err wraps ErrTimeout
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsAborted reports whether err wraps ErrAborted
func IsAborted(err error) bool { return errors.Is(err, ErrAborted) }

//go:build !linux

package poll

import "errors"

// New returns an error for unsupported platforms.
func New() (IPoller, error) {
	return nil, errors.New("poll: this platform is not supported")
}

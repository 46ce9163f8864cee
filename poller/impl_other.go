//go:build !linux && !darwin && !freebsd

package poller

import "errors"

var errUnsupportedPlatform = errors.New("poller: no native backend for this platform")

// New has no native backend to offer on this platform; use MockPoller or
// supply a Factory of your own.
func New(capacity int, flags uint32) (Poller, error) {
	return nil, errUnsupportedPlatform
}

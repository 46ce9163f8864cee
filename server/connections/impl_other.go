//go:build !linux && !darwin && !freebsd

package connections

import "errors"

func Listen(addr [4]byte, port int) (IListener, error) {
	return nil, errors.New("raw socket listener is not supported on this platform")
}

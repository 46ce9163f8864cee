package utils

import (
	"github.com/pkg/errors"
)

// SafeCall runs fn and turns a panic into an error carrying the stack.
func SafeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()

	fn()
	return nil
}

package utils

import (
	"errors"
	"os"

	"github.com/Trinoooo/eggie_poll/errs"
)

// EnsureDir creates dir with its parents when missing.
func EnsureDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err = os.MkdirAll(dir, 0770); err != nil {
			return errs.NewMkdirErr().WithErr(err)
		}
		return nil
	case errors.Is(err, os.ErrPermission):
		return errs.NewFileNoPermissionErr().WithErr(err)
	case err != nil:
		return errs.NewFileStatErr().WithErr(err)
	case !info.IsDir():
		return errs.NewMkdirErr().WithErr(&os.PathError{Op: "mkdir", Path: dir, Err: os.ErrExist})
	}
	return nil
}

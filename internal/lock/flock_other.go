//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package lock

import (
	"errors"
	"os"
)

var errWouldBlock = errors.New("would block")

func tryLock(*os.File) error  { return errors.ErrUnsupported }
func waitLock(*os.File) error { return errors.ErrUnsupported }
func unlock(*os.File) error   { return nil }

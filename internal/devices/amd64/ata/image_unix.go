//go:build unix

package ata

import (
	"fmt"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

type fdFile interface {
	Fd() uintptr
}

func lockImage(f afero.File, writable bool) (bool, error) {
	fd, ok := f.(fdFile)
	if !ok {
		return false, nil
	}
	how := unix.LOCK_SH
	if writable {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(fd.Fd()), how|unix.LOCK_NB); err != nil {
		return false, fmt.Errorf("lock: %w", err)
	}
	return true, nil
}

func unlockImage(f afero.File) error {
	fd, ok := f.(fdFile)
	if !ok {
		return nil
	}
	return unix.Flock(int(fd.Fd()), unix.LOCK_UN)
}

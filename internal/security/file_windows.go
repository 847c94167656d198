//go:build windows

package security

import (
	"errors"
	"os"
	"syscall"
)

const (
	lockfileFailImmediately = 0x1
	lockfileExclusiveLock   = 0x2
	errLockViolation        = syscall.Errno(33)
)

func lockFile(f *os.File) error {
	var ol syscall.Overlapped
	return syscall.LockFileEx(syscall.Handle(f.Fd()), lockfileExclusiveLock, 0, 1, 0, &ol)
}

func tryLockFile(f *os.File) (bool, error) {
	var ol syscall.Overlapped
	err := syscall.LockFileEx(syscall.Handle(f.Fd()), lockfileExclusiveLock|lockfileFailImmediately, 0, 1, 0, &ol)
	if errors.Is(err, errLockViolation) {
		return false, nil
	}
	return err == nil, err
}

func unlockFile(f *os.File) error {
	var ol syscall.Overlapped
	return syscall.UnlockFileEx(syscall.Handle(f.Fd()), 0, 1, 0, &ol)
}

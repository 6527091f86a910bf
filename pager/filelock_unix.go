//go:build !windows && !js && !wasip1

package pager

import (
	"os"
	"syscall"

	"github.com/sombra/sombra/errs"
)

// fileLock is an OS-level advisory lock (flock) preventing a second
// process from opening the same database path (spec.md §5
// "File locking").
type fileLock struct {
	file *os.File
}

func lockFile(path string) (*fileLock, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.New("pager.lockFile", errs.Io, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, errs.New("pager.lockFile", errs.DatabaseAlreadyOpen, err)
	}
	return &fileLock{file: f}, nil
}

func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN)
	name := fl.file.Name()
	err := fl.file.Close()
	os.Remove(name)
	return err
}

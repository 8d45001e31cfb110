package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kingrea/cubed/internal/cubeerr"
)

const lockFileName = ".cube.lock"

// Lock is the OS-level advisory lock enforcing the single writer per
// workspace contract.
type Lock struct {
	path string
}

// AcquireLock creates the workspace's lock file exclusively, failing
// loudly if another process already holds it.
func AcquireLock(root string) (*Lock, error) {
	path := filepath.Join(root, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, cubeerr.New(cubeerr.Conflict, "store.AcquireLock", fmt.Errorf("workspace %s is already locked", root))
		}
		return nil, cubeerr.New(cubeerr.IO, "store.AcquireLock", err)
	}
	defer f.Close()
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		os.Remove(path)
		return nil, cubeerr.New(cubeerr.IO, "store.AcquireLock", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call once; idempotent on a
// missing file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return cubeerr.New(cubeerr.IO, "store.Release", err)
	}
	return nil
}

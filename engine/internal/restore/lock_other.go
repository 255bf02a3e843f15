//go:build !unix

package restore

import (
	"errors"
	"fmt"
	"os"

	"clinic-vault/engine/internal/backuperr"
)

// fileLock falls back to an exclusive-create marker file.
type fileLock struct {
	path string
}

func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, backuperr.ErrRestoreInProgress
		}
		return nil, fmt.Errorf("open restore lock: %w", err)
	}
	f.Close()
	return &fileLock{path: path}, nil
}

func (l *fileLock) release() error { return os.Remove(l.path) }

func syncDir(string) error { return nil }

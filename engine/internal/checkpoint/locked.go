package checkpoint

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

func isLocked(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

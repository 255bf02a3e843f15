package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"clinic-vault/engine/internal/db"
)

// pagesPerStep bounds how long the source is held between cancellation checks.
const pagesPerStep = 256

var errNoBackupAPI = errors.New("driver connection does not support online backup")

// onlineBackup copies the live database into dst page by page with the SQLite
// online backup API. Writers on other connections are not blocked for the
// whole copy; a step that sees a change restarts the copy transparently.
func onlineBackup(ctx context.Context, gdb *gorm.DB, dst string) error {
	srcDB, err := gdb.DB()
	if err != nil {
		return err
	}
	src, err := srcDB.Conn(ctx)
	if err != nil {
		return err
	}
	defer src.Close()

	dstDB, err := sql.Open("sqlite3", dst)
	if err != nil {
		return err
	}
	defer dstDB.Close()
	dstConn, err := dstDB.Conn(ctx)
	if err != nil {
		return err
	}
	defer dstConn.Close()

	return dstConn.Raw(func(dc interface{}) error {
		to, ok := dc.(*sqlite3.SQLiteConn)
		if !ok {
			return errNoBackupAPI
		}
		return src.Raw(func(sc interface{}) error {
			from, ok := sc.(*sqlite3.SQLiteConn)
			if !ok {
				return errNoBackupAPI
			}
			b, err := to.Backup("main", from, "main")
			if err != nil {
				return fmt.Errorf("start backup: %w", err)
			}
			for {
				if err := ctx.Err(); err != nil {
					_ = b.Finish()
					return err
				}
				done, err := b.Step(pagesPerStep)
				if err != nil {
					_ = b.Finish()
					return fmt.Errorf("backup step: %w", err)
				}
				if done {
					break
				}
			}
			return b.Finish()
		})
	})
}

// detachJournal switches the copy at path to rollback-journal mode so it is a
// single self-contained file.
func detachJournal(ctx context.Context, path string) error {
	gdb, err := db.OpenFile(path)
	if err != nil {
		return fmt.Errorf("open copy: %w", err)
	}
	defer db.CloseDB(gdb)
	var mode string
	if err := gdb.WithContext(ctx).Raw("PRAGMA journal_mode = DELETE").Scan(&mode).Error; err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	if mode != "delete" {
		return fmt.Errorf("set journal mode: still %s", mode)
	}
	return nil
}

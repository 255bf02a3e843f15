package db

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var ErrClosed = errors.New("database handle is closed")

// Handle owns the application's single live connection pool. Restore closes and
// reopens it in place, so callers must fetch DB() per operation instead of
// caching the *gorm.DB.
type Handle struct {
	mu   sync.RWMutex
	path string
	db   *gorm.DB
}

func liveDSN(path string) string {
	return path + "?_journal_mode=WAL&_busy_timeout=5000"
}

func readOnlyDSN(path string) string {
	return "file:" + path + "?mode=ro&_busy_timeout=5000"
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
}

// Open opens path in WAL mode.
func Open(path string) (*Handle, error) {
	h := &Handle{path: path}
	if err := h.Reopen(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handle) Path() string { return h.path }

// DB returns the current pool or nil while the handle is closed.
func (h *Handle) DB() *gorm.DB {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.db
}

// Conn returns the current pool or ErrClosed.
func (h *Handle) Conn() (*gorm.DB, error) {
	if gdb := h.DB(); gdb != nil {
		return gdb, nil
	}
	return nil, ErrClosed
}

// Close releases every connection. Closing a closed handle is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}
	sqlDB, err := h.db.DB()
	h.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Reopen opens a fresh pool against the handle's path, closing any open one.
func (h *Handle) Reopen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db != nil {
		if sqlDB, err := h.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		h.db = nil
	}
	gdb, err := gorm.Open(sqlite.Open(liveDSN(h.path)), gormConfig())
	if err != nil {
		return fmt.Errorf("open %s: %w", h.path, err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("ping %s: %w", h.path, err)
	}
	h.db = gdb
	return nil
}

// OpenReadOnly opens a snapshot for inspection. Close it with CloseDB.
func OpenReadOnly(ctx context.Context, path string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(readOnlyDSN(path)), gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return gdb, nil
}

// OpenFile opens path read-write without touching its journal mode.
func OpenFile(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), gormConfig())
}

func CloseDB(gdb *gorm.DB) error {
	if gdb == nil {
		return nil
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates or updates the clinic schema.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(Models()...)
}

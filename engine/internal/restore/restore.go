// Package restore swaps a verified backup in for the live clinic database and
// puts the previous database back if anything fails after the swap.
package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gorm.io/gorm"

	"clinic-vault/engine/internal/assets"
	"clinic-vault/engine/internal/backuperr"
	"clinic-vault/engine/internal/db"
	"clinic-vault/engine/internal/fstree"
	"clinic-vault/engine/internal/verify"
)

// Status is where a restore transaction is in its life.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusStaged     Status = "staged"
	StatusSwapped    Status = "swapped"
	StatusVerified   Status = "verified"
	StatusComplete   Status = "complete"
	StatusRolledBack Status = "rolled_back"
)

// Transaction is one restore attempt. ScratchPath holds the previous live
// database while the candidate at StagedPath is in place.
type Transaction struct {
	ID          string    `json:"id"`
	Artifact    string    `json:"artifact"`
	ScratchPath string    `json:"scratch_path"`
	StagedPath  string    `json:"staged_path"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
}

// Verifier stages an artifact and checks a database file.
type Verifier interface {
	Stage(ctx context.Context, artifact string) (*verify.Staged, error)
	CheckDatabase(ctx context.Context, dbPath string, rep *verify.Report) error
}

// AssetReconciler repairs the image tree after a database swap.
type AssetReconciler interface {
	Reconcile(ctx context.Context, root string) (int, error)
	RelinkOrphans(ctx context.Context, h *db.Handle, root string) (assets.RelinkResult, error)
}

// Result describes a finished restore.
type Result struct {
	Transaction  Transaction
	Report       verify.Report
	AssetsCopied int
	Migrated     int
	Relink       assets.RelinkResult
	Warnings     []backuperr.Warning
}

type Config struct {
	AssetDir       string
	ScratchDir     string
	LockPath       string
	ExpectedTables []string
}

// Coordinator runs at most one restore at a time.
type Coordinator struct {
	fs         afero.Fs
	handle     *db.Handle
	verifier   Verifier
	reconciler AssetReconciler
	cfg        Config
	log        zerolog.Logger

	mu sync.Mutex

	// smoke checks the newly swapped database.
	smoke func(ctx context.Context, gdb *gorm.DB) error
}

func New(fs afero.Fs, h *db.Handle, v Verifier, r AssetReconciler, cfg Config, log zerolog.Logger) *Coordinator {
	c := &Coordinator{fs: fs, handle: h, verifier: v, reconciler: r, cfg: cfg, log: log}
	c.smoke = c.countTables
	return c
}

// Restore replaces the live database with the one in artifact. Failures
// before the swap leave everything untouched. Failures after it roll back and
// return a *backuperr.RestoreError. Once the swap starts ctx is no longer
// consulted.
func (c *Coordinator) Restore(ctx context.Context, artifact string) (Result, error) {
	if !c.mu.TryLock() {
		return Result{}, backuperr.ErrRestoreInProgress
	}
	defer c.mu.Unlock()
	lock, err := acquireLock(c.cfg.LockPath)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := lock.release(); err != nil {
			c.log.Warn().Err(err).Msg("release restore lock")
		}
	}()

	res := Result{Transaction: Transaction{
		ID:        uuid.NewString(),
		Artifact:  artifact,
		Status:    StatusIdle,
		StartedAt: time.Now().UTC(),
	}}
	tx := &res.Transaction
	log := c.log.With().Str("restore", tx.ID).Logger()

	// Idle -> Staged
	st, err := c.verifier.Stage(ctx, artifact)
	if err != nil {
		return res, err
	}
	keepScratch := false
	defer func() {
		if keepScratch {
			log.Warn().Str("previous", tx.ScratchPath).Msg("keeping restore scratch after failed rollback")
			return
		}
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("remove restore scratch")
		}
	}()
	res.Report = verify.Report{Path: artifact, Format: st.Format, AssetFiles: st.Contents.AssetFiles}
	if err := c.verifier.CheckDatabase(ctx, st.DBPath, &res.Report); err != nil {
		res.Report.Error = err.Error()
		return res, err
	}
	res.Report.Valid = true
	res.Warnings = append(res.Warnings, res.Report.Warnings...)
	tx.StagedPath = st.DBPath
	tx.ScratchPath = filepath.Join(st.Dir, "previous.db")
	tx.Status = StatusStaged
	log.Info().Str("artifact", artifact).Str("format", string(st.Format)).Msg("restore staged")

	if err := ctx.Err(); err != nil {
		return res, err
	}
	ctx = context.WithoutCancel(ctx)

	// Staged -> Swapped
	if err := c.swap(tx); err != nil {
		var rerr *backuperr.RestoreError
		keepScratch = errors.As(err, &rerr) && rerr.RollbackErr != nil
		tx.Status = StatusRolledBack
		log.Error().Err(err).Msg("restore swap failed")
		return res, err
	}
	tx.Status = StatusSwapped

	// Swapped -> Verified
	if err := c.verifyLive(ctx); err != nil {
		rerr := &backuperr.RestoreError{Stage: backuperr.StageVerify, Err: err}
		rerr.RollbackErr = c.rollback(tx)
		keepScratch = rerr.RollbackErr != nil
		tx.Status = StatusRolledBack
		log.Error().Err(rerr).Msg("restored database failed its check")
		return res, rerr
	}
	tx.Status = StatusVerified

	// Verified -> Complete
	if st.HasAssets() {
		c.restoreAssets(ctx, st, &res, log)
	}
	tx.Status = StatusComplete
	log.Info().Int("warnings", len(res.Warnings)).Msg("restore complete")
	return res, nil
}

// swap puts the staged database in place of the live one, keeping a copy of
// the live file at tx.ScratchPath.
func (c *Coordinator) swap(tx *Transaction) error {
	ctx := context.Background()
	live := c.handle.Path()
	if err := c.handle.Close(); err != nil {
		c.log.Warn().Err(err).Msg("close live database")
	}
	if _, err := fstree.CopyFile(ctx, c.fs, live, tx.ScratchPath); err != nil {
		return &backuperr.RestoreError{Stage: backuperr.StageSwap, Err: fmt.Errorf("save live database: %w", err), RollbackErr: c.handle.Reopen()}
	}
	if ok, _ := afero.Exists(c.fs, live+"-wal"); ok {
		if _, err := fstree.CopyFile(ctx, c.fs, live+"-wal", tx.ScratchPath+"-wal"); err != nil {
			return &backuperr.RestoreError{Stage: backuperr.StageSwap, Err: fmt.Errorf("save live log: %w", err), RollbackErr: c.handle.Reopen()}
		}
	}
	err := c.install(ctx, tx.StagedPath, "")
	if err == nil {
		err = c.handle.Reopen()
	}
	if err != nil {
		return &backuperr.RestoreError{Stage: backuperr.StageSwap, Err: err, RollbackErr: c.rollback(tx)}
	}
	return nil
}

// install replaces the live database file with src and drops any log or
// shared-memory files left beside it. wal, when set, is installed as the log.
func (c *Coordinator) install(ctx context.Context, src, wal string) error {
	live := c.handle.Path()
	if _, err := fstree.CopyFile(ctx, c.fs, src, live); err != nil {
		return fmt.Errorf("install %s: %w", filepath.Base(src), err)
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		if err := c.fs.Remove(live + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale %s: %w", suffix, err)
		}
	}
	if wal != "" {
		if _, err := fstree.CopyFile(ctx, c.fs, wal, live+"-wal"); err != nil {
			return fmt.Errorf("install log: %w", err)
		}
	}
	if err := syncDir(filepath.Dir(live)); err != nil {
		c.log.Warn().Err(err).Msg("sync database directory")
	}
	return nil
}

// rollback reinstalls the saved live database and reopens the handle.
func (c *Coordinator) rollback(tx *Transaction) error {
	ctx := context.Background()
	if err := c.handle.Close(); err != nil {
		c.log.Warn().Err(err).Msg("close restored database")
	}
	var wal string
	if ok, _ := afero.Exists(c.fs, tx.ScratchPath+"-wal"); ok {
		wal = tx.ScratchPath + "-wal"
	}
	if err := c.install(ctx, tx.ScratchPath, wal); err != nil {
		return err
	}
	if err := c.handle.Reopen(); err != nil {
		return err
	}
	c.log.Warn().Str("restore", tx.ID).Msg("rolled back to previous database")
	return nil
}

func (c *Coordinator) verifyLive(ctx context.Context) error {
	gdb, err := c.handle.Conn()
	if err != nil {
		return err
	}
	return c.smoke(ctx, gdb)
}

func (c *Coordinator) countTables(ctx context.Context, gdb *gorm.DB) error {
	_, missing, err := db.CountRows(ctx, gdb, c.cfg.ExpectedTables)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", backuperr.ErrIncompleteSchema, strings.Join(missing, ", "))
	}
	return nil
}

// restoreAssets copies the archive's image tree over the live one and
// reconciles it. Nothing here fails the restore.
func (c *Coordinator) restoreAssets(ctx context.Context, st *verify.Staged, res *Result, log zerolog.Logger) {
	warn := func(f string, v ...interface{}) {
		w := backuperr.Warnf(backuperr.AssetMigrationWarning, f, v...)
		res.Warnings = append(res.Warnings, w)
		log.Warn().Msg(w.Msg)
	}
	n, err := fstree.CopyTree(ctx, c.fs, st.Contents.AssetRoot, c.cfg.AssetDir, true)
	res.AssetsCopied = n
	if err != nil {
		warn("copy images: %v", err)
	}
	if res.Migrated, err = c.reconciler.Reconcile(ctx, c.cfg.AssetDir); err != nil {
		warn("reconcile images: %v", err)
	}
	if res.Relink, err = c.reconciler.RelinkOrphans(ctx, c.handle, c.cfg.AssetDir); err != nil {
		warn("relink images: %v", err)
	}
	if n := len(res.Relink.Flagged); n > 0 {
		warn("%d image files have no owner in the restored database", n)
	}
	log.Info().Int("copied", res.AssetsCopied).Int("migrated", res.Migrated).Int("relinked", res.Relink.Total()).Msg("images restored")
}

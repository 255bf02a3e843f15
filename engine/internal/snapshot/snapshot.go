// Package snapshot produces backup artifacts from the live clinic database: a
// raw SQLite file, or a compressed archive of the database and its images.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"clinic-vault/engine/internal/archive"
	"clinic-vault/engine/internal/assets"
	"clinic-vault/engine/internal/backuperr"
	"clinic-vault/engine/internal/checkpoint"
	"clinic-vault/engine/internal/db"
	"clinic-vault/engine/internal/fstree"
	"clinic-vault/engine/internal/registry"
)

// Conflict says what to do when the backup target already exists.
type Conflict int

const (
	ConflictFail Conflict = iota
	ConflictOverwrite
	ConflictRename
)

func (c Conflict) String() string {
	switch c {
	case ConflictOverwrite:
		return "overwrite"
	case ConflictRename:
		return "rename"
	}
	return "fail"
}

// ParseConflict maps "fail", "overwrite" and "rename" to a Conflict.
func ParseConflict(s string) (Conflict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return ConflictFail, nil
	case "overwrite":
		return ConflictOverwrite, nil
	case "rename":
		return ConflictRename, nil
	}
	return ConflictFail, fmt.Errorf("unknown conflict policy %q", s)
}

const (
	RawExt     = ".db"
	partSuffix = ".part"
	namePrefix = "backup_"
	timeLayout = "20060102T150405Z"
)

type WriteOptions struct {
	// DestPath is the artifact path; empty means a timestamped name in the
	// backup directory, suffixed -1, -2, ... if that name is taken.
	DestPath      string
	IncludeAssets bool
	OnConflict    Conflict
}

// Result is a finished artifact and anything that went wrong on the way
// without failing it.
type Result struct {
	Record   registry.BackupRecord
	Migrated int
	Warnings []backuperr.Warning
}

// Quiescer drains the write-ahead log before the copy.
type Quiescer interface {
	Quiesce(ctx context.Context, h *db.Handle) (checkpoint.Result, error)
}

// AssetReconciler brings legacy image files into the canonical layout.
type AssetReconciler interface {
	Reconcile(ctx context.Context, root string) (int, error)
}

type Writer struct {
	fs         afero.Fs
	handle     *db.Handle
	quiescer   Quiescer
	reconciler AssetReconciler
	backupDir  string
	assetDir   string
	scratchDir string
	version    string
	log        zerolog.Logger

	now func() time.Time
}

type Config struct {
	BackupDir  string
	AssetDir   string
	ScratchDir string
	Version    string
}

func New(fs afero.Fs, h *db.Handle, q Quiescer, r AssetReconciler, cfg Config, log zerolog.Logger) *Writer {
	return &Writer{
		fs:         fs,
		handle:     h,
		quiescer:   q,
		reconciler: r,
		backupDir:  cfg.BackupDir,
		assetDir:   cfg.AssetDir,
		scratchDir: cfg.ScratchDir,
		version:    cfg.Version,
		log:        log,
		now:        time.Now,
	}
}

// WriteBackup checkpoints the live database, copies it consistently and, with
// IncludeAssets, packs it with the canonical image tree. The artifact appears
// at its final path only once complete.
func (w *Writer) WriteBackup(ctx context.Context, opts WriteOptions) (Result, error) {
	var res Result
	if err := w.checkSource(); err != nil {
		return res, err
	}
	now := w.now().UTC()
	target, err := w.resolveTarget(opts, now)
	if err != nil {
		return res, err
	}

	cp, err := w.quiescer.Quiesce(ctx, w.handle)
	if err != nil {
		return res, err
	}
	if cp.Warning != nil {
		res.Warnings = append(res.Warnings, *cp.Warning)
	}

	if err := w.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return res, fmt.Errorf("create backup dir: %w", err)
	}
	part := target + partSuffix
	defer w.fs.Remove(part)

	format := registry.FormatRaw
	if !opts.IncludeAssets {
		if err := w.copyDatabase(ctx, part); err != nil {
			return res, err
		}
	} else {
		format = registry.FormatArchive
		n, err := w.reconciler.Reconcile(ctx, w.assetDir)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			warn := backuperr.Warnf(backuperr.AssetMigrationWarning, "reconcile before backup: %v", err)
			res.Warnings = append(res.Warnings, warn)
			w.log.Warn().Err(err).Msg("asset reconcile before backup")
		}
		res.Migrated = n
		if err := w.writeArchive(ctx, part); err != nil {
			return res, err
		}
	}

	if err := w.place(part, target, opts.OnConflict); err != nil {
		return res, err
	}
	info, err := w.fs.Stat(target)
	if err != nil {
		return res, err
	}
	sum, err := fstree.Checksum(ctx, w.fs, target)
	if err != nil {
		return res, fmt.Errorf("checksum %s: %w", target, err)
	}
	res.Record = registry.BackupRecord{
		Name:           filepath.Base(target),
		Path:           target,
		Size:           info.Size(),
		CreatedAt:      now,
		Format:         format,
		IncludesAssets: opts.IncludeAssets,
		Version:        w.version,
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		Checksum:       sum,
	}
	w.log.Info().Str("path", target).Str("format", string(format)).Int64("size", info.Size()).Msg("backup written")
	return res, nil
}

func (w *Writer) checkSource() error {
	info, err := w.fs.Stat(w.handle.Path())
	if err != nil {
		return fmt.Errorf("%w: %w", backuperr.ErrSourceUnavailable, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", backuperr.ErrSourceUnavailable, w.handle.Path())
	}
	return nil
}

// copyDatabase writes a consistent, self-contained copy of the live database
// to dst.
func (w *Writer) copyDatabase(ctx context.Context, dst string) error {
	_ = w.fs.Remove(dst)
	gdb, err := w.handle.Conn()
	if err != nil {
		return fmt.Errorf("%w: %w", backuperr.ErrSourceUnavailable, err)
	}
	err = onlineBackup(ctx, gdb, dst)
	if errors.Is(err, errNoBackupAPI) {
		w.log.Debug().Msg("online backup unavailable, copying file")
		_, err = fstree.CopyFile(ctx, w.fs, w.handle.Path(), dst)
	}
	if err != nil {
		_ = w.fs.Remove(dst)
		return fmt.Errorf("copy database: %w", err)
	}
	if err := detachJournal(ctx, dst); err != nil {
		_ = w.fs.Remove(dst)
		return err
	}
	return nil
}

func (w *Writer) writeArchive(ctx context.Context, part string) error {
	if err := w.fs.MkdirAll(w.scratchDir, 0o700); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	snap := filepath.Join(w.scratchDir, "snapshot-"+uuid.NewString()+RawExt)
	defer w.fs.Remove(snap)
	if err := w.copyDatabase(ctx, snap); err != nil {
		return err
	}

	f, err := w.fs.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	aw, err := archive.NewWriter(f)
	if err != nil {
		return err
	}
	if err := aw.AddFile(ctx, w.fs, snap, archive.DBEntry); err != nil {
		return err
	}
	n, err := aw.AddTree(ctx, w.fs, w.assetDir, archive.AssetsDir, func(rel string) bool {
		_, ok := assets.ParseCanonical(rel)
		return ok
	})
	if err != nil {
		return fmt.Errorf("pack assets: %w", err)
	}
	if err := aw.Close(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	w.log.Debug().Int("assets", n).Msg("archive packed")
	return f.Close()
}

// place renames part over target. With ConflictFail a target that appeared
// while the copy ran still fails the backup.
func (w *Writer) place(part, target string, policy Conflict) error {
	if policy == ConflictFail {
		if ok, err := afero.Exists(w.fs, target); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: %s", backuperr.ErrTargetExists, target)
		}
	}
	if err := w.fs.Rename(part, target); err != nil {
		return fmt.Errorf("finalize %s: %w", target, err)
	}
	return nil
}

// resolveTarget picks the artifact path and applies the conflict policy.
func (w *Writer) resolveTarget(opts WriteOptions, now time.Time) (string, error) {
	ext := RawExt
	if opts.IncludeAssets {
		ext = archive.Ext
	}
	target := opts.DestPath
	if target == "" {
		target = filepath.Join(w.backupDir, namePrefix+now.Format(timeLayout)+ext)
	} else {
		target = WithExt(target, ext)
	}
	exists, err := afero.Exists(w.fs, target)
	if err != nil || !exists {
		return target, err
	}
	if opts.DestPath == "" {
		return w.freeName(target, ext)
	}
	switch opts.OnConflict {
	case ConflictOverwrite:
		return target, nil
	case ConflictRename:
		return w.freeName(target, ext)
	}
	return "", fmt.Errorf("%w: %s", backuperr.ErrTargetExists, target)
}

func (w *Writer) freeName(target, ext string) (string, error) {
	base := strings.TrimSuffix(target, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		exists, err := afero.Exists(w.fs, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
}

var knownExts = []string{archive.Ext, ".tar", ".zst", ".sqlite3", ".sqlite", RawExt}

// WithExt replaces a known backup extension on p with ext, or appends ext.
func WithExt(p, ext string) string {
	lower := strings.ToLower(p)
	for _, e := range knownExts {
		if strings.HasSuffix(lower, e) {
			return p[:len(p)-len(e)] + ext
		}
	}
	return p + ext
}

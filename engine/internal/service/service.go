// Package service is the entry point the application uses to create, list,
// verify, restore and delete clinic backups.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"clinic-vault/engine/internal/assets"
	"clinic-vault/engine/internal/backuperr"
	"clinic-vault/engine/internal/checkpoint"
	"clinic-vault/engine/internal/config"
	"clinic-vault/engine/internal/db"
	"clinic-vault/engine/internal/fstree"
	"clinic-vault/engine/internal/metrics"
	"clinic-vault/engine/internal/registry"
	"clinic-vault/engine/internal/restore"
	"clinic-vault/engine/internal/snapshot"
	"clinic-vault/engine/internal/verify"
)

type CreateOptions struct {
	// TargetPath overrides the default timestamped name in the backup dir.
	TargetPath    string
	IncludeAssets bool
	OnConflict    snapshot.Conflict
}

// BackupResult is a recorded, verified backup.
type BackupResult struct {
	Record   registry.BackupRecord
	Report   verify.Report
	Migrated int
	Warnings []backuperr.Warning
}

type RestoreResult = restore.Result

// ReconcileResult is the outcome of a standalone asset pass.
type ReconcileResult struct {
	Migrated   int
	Unresolved []assets.Unresolved
	Relink     assets.RelinkResult
}

type Service struct {
	cfg        config.AppConfig
	fs         afero.Fs
	handle     *db.Handle
	ownsHandle bool
	registry   *registry.Registry
	writer     *snapshot.Writer
	verifier   *verify.Verifier
	reconciler *assets.Reconciler
	restorer   *restore.Coordinator
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

type Option func(*Service)

// WithRegisterer publishes the engine's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) { s.metrics = metrics.New(reg) }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New wires the engine around an open live handle. The caller keeps
// ownership of h but must not cache h.DB() across a restore.
func New(cfg config.AppConfig, h *db.Handle, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg, fs: afero.NewOsFs(), handle: h, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	for _, dir := range []string{cfg.BackupDir, cfg.ScratchDir} {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	tables := cfg.ExpectedTables
	if len(tables) == 0 {
		tables = config.DefaultTables
	}
	component := func(name string) zerolog.Logger {
		return s.log.With().Str("component", name).Logger()
	}

	s.registry = registry.New(s.fs, cfg.RegistryPath(), cfg.RegistryCap, component("registry"))
	s.reconciler = assets.NewReconciler(s.fs, h, cfg.Workers, component("assets"))
	s.verifier = verify.New(s.fs, cfg.ScratchDir, tables, component("verify"))
	cp := checkpoint.New(checkpoint.Policy{
		Attempts: cfg.Checkpoint.Attempts,
		Delay:    cfg.Checkpoint.Delay,
		MaxDelay: cfg.Checkpoint.MaxDelay,
	}, component("checkpoint"))
	s.writer = snapshot.New(s.fs, h, cp, s.reconciler, snapshot.Config{
		BackupDir:  cfg.BackupDir,
		AssetDir:   cfg.AssetDir,
		ScratchDir: cfg.ScratchDir,
		Version:    cfg.SourceVersion,
	}, component("snapshot"))
	s.restorer = restore.New(s.fs, h, s.verifier, s.reconciler, restore.Config{
		AssetDir:       cfg.AssetDir,
		ScratchDir:     cfg.ScratchDir,
		LockPath:       filepath.Join(cfg.BackupDir, ".restore.lock"),
		ExpectedTables: tables,
	}, component("restore"))
	return s, nil
}

// Open opens the database named by cfg and builds a Service that closes it on
// Close. The database file must already exist.
func Open(cfg config.AppConfig, opts ...Option) (*Service, error) {
	if _, err := os.Stat(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("%w: %w", backuperr.ErrSourceUnavailable, err)
	}
	h, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backuperr.ErrSourceUnavailable, err)
	}
	s, err := New(cfg, h, opts...)
	if err != nil {
		h.Close()
		return nil, err
	}
	s.ownsHandle = true
	return s, nil
}

func (s *Service) Close() error {
	if s.ownsHandle {
		return s.handle.Close()
	}
	return nil
}

func (s *Service) warned(ws []backuperr.Warning) {
	for _, w := range ws {
		s.metrics.WarningsTotal.WithLabelValues(string(w.Kind)).Inc()
	}
}

// CreateBackup writes an artifact, verifies it and records it. An artifact
// that fails verification is deleted.
func (s *Service) CreateBackup(ctx context.Context, opts CreateOptions) (BackupResult, error) {
	start := time.Now()
	format := string(registry.FormatRaw)
	if opts.IncludeAssets {
		format = string(registry.FormatArchive)
	}
	res, err := s.createBackup(ctx, opts)
	if err != nil {
		s.metrics.BackupsTotal.WithLabelValues(format, metrics.ResultFailed).Inc()
		s.log.Error().Err(err).Msg("backup failed")
		return res, err
	}
	metrics.ObserveSince(s.metrics.BackupDuration, start)
	s.metrics.BackupsTotal.WithLabelValues(format, metrics.ResultOK).Inc()
	s.metrics.BackupBytes.Add(float64(res.Record.Size))
	s.metrics.AssetsMigratedTotal.Add(float64(res.Migrated))
	s.warned(res.Warnings)
	return res, nil
}

func (s *Service) createBackup(ctx context.Context, opts CreateOptions) (BackupResult, error) {
	var res BackupResult
	written, err := s.writer.WriteBackup(ctx, snapshot.WriteOptions{
		DestPath:      opts.TargetPath,
		IncludeAssets: opts.IncludeAssets,
		OnConflict:    opts.OnConflict,
	})
	if err != nil {
		return res, err
	}
	res.Record = written.Record
	res.Migrated = written.Migrated
	res.Warnings = append(res.Warnings, written.Warnings...)

	rep, err := s.verifier.Verify(ctx, written.Record.Path)
	res.Report = rep
	if err != nil {
		s.metrics.VerificationsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		if rmErr := s.fs.Remove(written.Record.Path); rmErr != nil {
			s.log.Warn().Err(rmErr).Str("path", written.Record.Path).Msg("remove unverified backup")
		}
		return res, fmt.Errorf("verify new backup: %w", err)
	}
	s.metrics.VerificationsTotal.WithLabelValues(metrics.ResultOK).Inc()
	res.Warnings = append(res.Warnings, rep.Warnings...)

	if err := s.registry.Add(written.Record); err != nil {
		return res, fmt.Errorf("record backup: %w", err)
	}
	s.log.Info().Str("name", written.Record.Name).Int("warnings", len(res.Warnings)).Msg("backup created")
	return res, nil
}

// ListBackups returns the catalog, most recent first, without entries whose
// file has gone.
func (s *Service) ListBackups(ctx context.Context) ([]registry.BackupRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list, err := s.registry.List()
	if err != nil {
		return nil, err
	}
	s.metrics.RegistryEntries.Set(float64(len(list)))
	return list, nil
}

// resolve accepts an artifact path or a catalog name.
func (s *Service) resolve(ref string) string {
	if ok, _ := afero.Exists(s.fs, ref); ok {
		return ref
	}
	if rec, err := s.registry.Get(ref); err == nil {
		return rec.Path
	}
	return ref
}

// RestoreBackup replaces the live database with the backup at path (or named
// path in the catalog).
func (s *Service) RestoreBackup(ctx context.Context, path string) (RestoreResult, error) {
	start := time.Now()
	res, err := s.restorer.Restore(ctx, s.resolve(path))
	switch {
	case err == nil:
		s.metrics.RestoresTotal.WithLabelValues(metrics.ResultOK).Inc()
		s.metrics.AssetsMigratedTotal.Add(float64(res.Migrated))
		s.metrics.AssetsRelinkedTotal.Add(float64(res.Relink.Total()))
	case errors.Is(err, backuperr.ErrPartialRestore):
		s.metrics.RestoresTotal.WithLabelValues(metrics.ResultRolledBack).Inc()
	default:
		s.metrics.RestoresTotal.WithLabelValues(metrics.ResultRejected).Inc()
	}
	metrics.ObserveSince(s.metrics.RestoreDuration, start)
	s.warned(res.Warnings)
	return res, err
}

// DeleteBackup removes the artifact and its catalog entry.
func (s *Service) DeleteBackup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := s.registry.Get(name)
	if err != nil {
		return fmt.Errorf("%w: %s", err, name)
	}
	if err := s.fs.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", rec.Path, err)
	}
	if err := s.registry.Remove(name); err != nil {
		return err
	}
	s.log.Info().Str("name", name).Msg("backup deleted")
	return nil
}

// VerifyBackup checks the artifact at path. A cataloged artifact whose
// checksum no longer matches is corrupt even if it still opens.
func (s *Service) VerifyBackup(ctx context.Context, path string) (verify.Report, error) {
	path = s.resolve(path)
	rep, err := s.verifyBackup(ctx, path)
	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultFailed
	}
	s.metrics.VerificationsTotal.WithLabelValues(result).Inc()
	s.warned(rep.Warnings)
	return rep, err
}

func (s *Service) verifyBackup(ctx context.Context, path string) (verify.Report, error) {
	rep, err := s.verifier.Verify(ctx, path)
	if err != nil {
		return rep, err
	}
	rec, ferr := s.registry.FindByPath(path)
	if ferr != nil || rec.Checksum == "" {
		return rep, nil
	}
	sum, err := fstree.Checksum(ctx, s.fs, path)
	if err != nil {
		return rep, err
	}
	if sum != rec.Checksum {
		err = backuperr.Corrupt(fmt.Errorf("checksum %s does not match recorded %s", sum, rec.Checksum))
		rep.Valid = false
		rep.Error = err.Error()
		return rep, err
	}
	return rep, nil
}

// PruneBackups deletes all but the keep most recent backups. keep <= 0 uses
// the configured count.
func (s *Service) PruneBackups(ctx context.Context, keep int) ([]registry.BackupRecord, error) {
	if keep <= 0 {
		keep = s.cfg.KeepCount
	}
	if keep <= 0 {
		keep = 10
	}
	list, err := s.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	if len(list) <= keep {
		return nil, nil
	}
	var removed []registry.BackupRecord
	for _, rec := range list[keep:] {
		if err := s.DeleteBackup(ctx, rec.Name); err != nil {
			return removed, err
		}
		removed = append(removed, rec)
	}
	s.metrics.RegistryEntries.Set(float64(len(list) - len(removed)))
	s.log.Info().Int("removed", len(removed)).Int("kept", keep).Msg("pruned backups")
	return removed, nil
}

// ReconcileAssets migrates legacy images and relinks records without a
// backup or restore.
func (s *Service) ReconcileAssets(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	rep, err := s.reconciler.ReconcileReport(ctx, s.cfg.AssetDir)
	res.Migrated, res.Unresolved = rep.Migrated, rep.Unresolved
	if err != nil {
		return res, err
	}
	res.Relink, err = s.reconciler.RelinkOrphans(ctx, s.handle, s.cfg.AssetDir)
	if err != nil {
		return res, err
	}
	s.metrics.AssetsMigratedTotal.Add(float64(res.Migrated))
	s.metrics.AssetsRelinkedTotal.Add(float64(res.Relink.Total()))
	return res, nil
}

// WatchAssets runs ReconcileAssets each time the image tree settles after a
// change, until ctx is done. report, when set, sees every pass.
func (s *Service) WatchAssets(ctx context.Context, quiet time.Duration, report func(ReconcileResult, error)) error {
	w, err := assets.NewWatcher(s.cfg.AssetDir, quiet, s.log.With().Str("component", "watch").Logger())
	if err != nil {
		return fmt.Errorf("watch %s: %w", s.cfg.AssetDir, err)
	}
	defer w.Close()
	s.log.Info().Str("dir", s.cfg.AssetDir).Msg("watching images")
	err = w.Run(ctx, func(ctx context.Context) error {
		res, err := s.ReconcileAssets(ctx)
		if report != nil {
			report(res, err)
		}
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// StartBackup runs CreateBackup in the background. Cancelling the task
// removes any partial artifact.
func (s *Service) StartBackup(ctx context.Context, opts CreateOptions) *Task[BackupResult] {
	return runTask(ctx, func(ctx context.Context) (BackupResult, error) {
		return s.CreateBackup(ctx, opts)
	})
}

// StartRestore runs RestoreBackup in the background.
func (s *Service) StartRestore(ctx context.Context, path string) *Task[RestoreResult] {
	return runTask(ctx, func(ctx context.Context) (RestoreResult, error) {
		return s.RestoreBackup(ctx, path)
	})
}

// Package verify checks that a backup artifact holds a sound clinic database.
package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"clinic-vault/engine/internal/archive"
	"clinic-vault/engine/internal/backuperr"
	"clinic-vault/engine/internal/db"
	"clinic-vault/engine/internal/fstree"
	"clinic-vault/engine/internal/registry"
)

// FKViolation is one row reported by PRAGMA foreign_key_check.
type FKViolation struct {
	Table  string `json:"table"`
	RowID  int64  `json:"rowid"`
	Parent string `json:"parent"`
}

// Report is the outcome of verifying one artifact. Valid is false exactly when
// Verify returned an error.
type Report struct {
	Path          string              `json:"path"`
	Format        registry.Format     `json:"format"`
	Valid         bool                `json:"valid"`
	Integrity     string              `json:"integrity"`
	Tables        map[string]int64    `json:"tables"`
	MissingTables []string            `json:"missing_tables,omitempty"`
	TotalRecords  int64               `json:"total_records"`
	FKViolations  []FKViolation       `json:"fk_violations,omitempty"`
	AssetFiles    int                 `json:"asset_files"`
	Warnings      []backuperr.Warning `json:"warnings,omitempty"`
	Error         string              `json:"error,omitempty"`
}

func (r *Report) warn(f string, v ...interface{}) {
	r.Warnings = append(r.Warnings, backuperr.Warnf(backuperr.IntegrityWarning, f, v...))
}

// Staged is an artifact unpacked into a private workspace. Close removes it.
type Staged struct {
	Format   registry.Format
	Dir      string
	DBPath   string
	Contents archive.Contents
	fs       afero.Fs
}

func (s *Staged) HasAssets() bool { return s.Contents.HasAssets() }

func (s *Staged) Close() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	return fstree.RemoveTree(s.fs, s.Dir)
}

// Verifier opens artifacts read-only in a scratch workspace.
type Verifier struct {
	fs       afero.Fs
	scratch  string
	expected []string
	log      zerolog.Logger
}

func New(fs afero.Fs, scratchDir string, expected []string, log zerolog.Logger) *Verifier {
	return &Verifier{fs: fs, scratch: scratchDir, expected: expected, log: log}
}

func (v *Verifier) ExpectedTables() []string { return v.expected }

// Stage copies or unpacks the artifact into a new workspace. Any failure to
// read it is ErrCorruptArtifact.
func (v *Verifier) Stage(ctx context.Context, artifact string) (*Staged, error) {
	kind, err := archive.Detect(v.fs, artifact)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", backuperr.ErrNotFound, artifact)
		}
		return nil, backuperr.Corrupt(err)
	}
	if err := v.fs.MkdirAll(v.scratch, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	dir, err := afero.TempDir(v.fs, v.scratch, "stage-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	st := &Staged{Dir: dir, fs: v.fs}

	switch kind {
	case archive.KindSQLite:
		st.Format = registry.FormatRaw
		st.DBPath = filepath.Join(dir, archive.DBEntry)
		if _, err := fstree.CopyFile(ctx, v.fs, artifact, st.DBPath); err != nil {
			st.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, backuperr.Corrupt(err)
		}
	case archive.KindArchive:
		st.Format = registry.FormatArchive
		f, err := v.fs.Open(artifact)
		if err != nil {
			st.Close()
			return nil, backuperr.Corrupt(err)
		}
		contents, err := archive.Unpack(ctx, f, v.fs, dir)
		f.Close()
		if err != nil {
			st.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, backuperr.Corrupt(err)
		}
		st.Contents = contents
		st.DBPath = contents.DBPath
	default:
		st.Close()
		return nil, backuperr.Corrupt(fmt.Errorf("%s is neither a database nor a backup archive", artifact))
	}
	return st, nil
}

// Verify stages artifact and checks the database inside it.
func (v *Verifier) Verify(ctx context.Context, artifact string) (Report, error) {
	rep := Report{Path: artifact, Tables: map[string]int64{}}
	st, err := v.Stage(ctx, artifact)
	if err != nil {
		rep.Error = err.Error()
		return rep, err
	}
	defer st.Close()
	rep.Format = st.Format
	rep.AssetFiles = st.Contents.AssetFiles

	err = v.CheckDatabase(ctx, st.DBPath, &rep)
	if err != nil {
		rep.Error = err.Error()
	}
	rep.Valid = err == nil
	v.log.Debug().Str("path", artifact).Bool("valid", rep.Valid).Int("warnings", len(rep.Warnings)).Msg("verified artifact")
	return rep, err
}

// CheckDatabase opens dbPath read-only and fills rep: integrity_check must be
// ok and every expected table must exist; foreign key violations and an
// all-empty database are warnings.
func (v *Verifier) CheckDatabase(ctx context.Context, dbPath string, rep *Report) error {
	if rep.Tables == nil {
		rep.Tables = map[string]int64{}
	}
	gdb, err := db.OpenReadOnly(ctx, dbPath)
	if err != nil {
		return backuperr.Corrupt(err)
	}
	defer db.CloseDB(gdb)

	var lines []string
	if err := gdb.WithContext(ctx).Raw("PRAGMA integrity_check").Scan(&lines).Error; err != nil {
		return backuperr.Corrupt(err)
	}
	rep.Integrity = strings.Join(lines, "; ")
	if len(lines) != 1 || lines[0] != "ok" {
		return backuperr.Corrupt(fmt.Errorf("integrity check: %s", rep.Integrity))
	}

	counts, missing, err := db.CountRows(ctx, gdb, v.expected)
	if err != nil {
		return backuperr.Corrupt(err)
	}
	rep.Tables = counts
	rep.MissingTables = missing
	for _, n := range counts {
		rep.TotalRecords += n
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", backuperr.ErrIncompleteSchema, strings.Join(missing, ", "))
	}

	rows, err := gdb.WithContext(ctx).Raw("PRAGMA foreign_key_check").Rows()
	if err != nil {
		return backuperr.Corrupt(err)
	}
	defer rows.Close()
	for rows.Next() {
		var fk FKViolation
		var rowid, fkid interface{}
		if err := rows.Scan(&fk.Table, &rowid, &fk.Parent, &fkid); err != nil {
			return backuperr.Corrupt(err)
		}
		if id, ok := rowid.(int64); ok {
			fk.RowID = id
		}
		rep.FKViolations = append(rep.FKViolations, fk)
	}
	if err := rows.Err(); err != nil {
		return backuperr.Corrupt(err)
	}
	if n := len(rep.FKViolations); n > 0 {
		rep.warn("%d foreign key violations", n)
	}
	// Could be a freshly installed clinic or a bad copy; report, don't fail.
	if rep.TotalRecords == 0 {
		rep.warn("no records in any of %d expected tables", len(v.expected))
	}
	return nil
}

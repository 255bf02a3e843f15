// Package backuperr holds the error taxonomy shared by the backup engine.
package backuperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSourceUnavailable = errors.New("source database unavailable")
	ErrCorruptArtifact   = errors.New("corrupt backup artifact")
	ErrIncompleteSchema  = errors.New("backup is missing expected tables")
	ErrPartialRestore    = errors.New("partial restore failure")
	ErrRestoreInProgress = errors.New("restore already in progress")
	ErrNotFound          = errors.New("backup not found")
	ErrTargetExists      = errors.New("backup target already exists")
)

// WarningKind classifies a non-fatal condition.
type WarningKind string

const (
	CheckpointWarning     WarningKind = "checkpoint"
	IntegrityWarning      WarningKind = "integrity"
	AssetMigrationWarning WarningKind = "asset_migration"
)

// Warning is a non-fatal condition surfaced next to a successful result.
type Warning struct {
	Kind WarningKind `json:"kind"`
	Msg  string      `json:"message"`
}

func (w Warning) Error() string { return fmt.Sprintf("%s warning: %s", w.Kind, w.Msg) }

func Warnf(kind WarningKind, f string, v ...interface{}) Warning {
	return Warning{Kind: kind, Msg: fmt.Sprintf(f, v...)}
}

// Corrupt wraps err so that it matches ErrCorruptArtifact.
func Corrupt(err error) error {
	if err == nil || errors.Is(err, ErrCorruptArtifact) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCorruptArtifact, err)
}

// RestoreStage names the step of a restore that failed.
type RestoreStage string

const (
	StageStage  RestoreStage = "stage"
	StageSwap   RestoreStage = "swap"
	StageVerify RestoreStage = "verify"
)

// RestoreError reports a failure after the live database was touched. The live
// database has been put back (or RollbackErr says why it could not be).
type RestoreError struct {
	Stage       RestoreStage
	Err         error
	RollbackErr error
}

func (e *RestoreError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "restore failed at %s stage: %v", e.Stage, e.Err)
	if e.RollbackErr != nil {
		fmt.Fprintf(&b, " (rollback failed: %v)", e.RollbackErr)
	} else {
		b.WriteString(" (rolled back)")
	}
	return b.String()
}

func (e *RestoreError) Unwrap() []error { return []error{ErrPartialRestore, e.Err} }

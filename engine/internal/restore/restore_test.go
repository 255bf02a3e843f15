package restore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"clinic-vault/engine/internal/assets"
	"clinic-vault/engine/internal/backuperr"
	"clinic-vault/engine/internal/checkpoint"
	"clinic-vault/engine/internal/config"
	"clinic-vault/engine/internal/db"
	"clinic-vault/engine/internal/db/dbtest"
	"clinic-vault/engine/internal/snapshot"
	"clinic-vault/engine/internal/verify"
)

type env struct {
	dir      string
	assetDir string
	lockPath string
	fs       afero.Fs
	h        *db.Handle
	c        *Coordinator
	writer   *snapshot.Writer
}

func newEnv(t *testing.T, patients int) *env {
	t.Helper()
	dir := t.TempDir()
	fs := afero.NewOsFs()
	h := dbtest.Open(t, dir, "dental_clinic.db")
	gdb, err := h.Conn()
	require.NoError(t, err)
	dbtest.Seed(t, gdb, patients)

	e := &env{
		dir:      dir,
		assetDir: filepath.Join(dir, "dental_images"),
		lockPath: filepath.Join(dir, "backups", ".restore.lock"),
		fs:       fs,
		h:        h,
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(e.lockPath), 0o755))
	e.c = e.coordinator(config.DefaultTables)

	rec := assets.NewReconciler(fs, h, 2, zerolog.Nop())
	e.writer = snapshot.New(fs, h, checkpoint.New(checkpoint.DefaultPolicy(), zerolog.Nop()), rec, snapshot.Config{
		BackupDir:  filepath.Join(dir, "backups"),
		AssetDir:   e.assetDir,
		ScratchDir: e.scratch(),
		Version:    "test",
	}, zerolog.Nop())
	return e
}

func (e *env) scratch() string { return filepath.Join(e.dir, ".restore") }

func (e *env) coordinator(expected []string) *Coordinator {
	v := verify.New(e.fs, e.scratch(), config.DefaultTables, zerolog.Nop())
	r := assets.NewReconciler(e.fs, e.h, 2, zerolog.Nop())
	return New(e.fs, e.h, v, r, Config{
		AssetDir:       e.assetDir,
		ScratchDir:     e.scratch(),
		LockPath:       e.lockPath,
		ExpectedTables: expected,
	}, zerolog.Nop())
}

func (e *env) gdb(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := e.h.Conn()
	require.NoError(t, err)
	return gdb
}

func (e *env) counts(t *testing.T) map[string]int64 {
	t.Helper()
	return dbtest.Counts(t, e.gdb(t), config.DefaultTables...)
}

func (e *env) backup(t *testing.T, withAssets bool) string {
	t.Helper()
	res, err := e.writer.WriteBackup(context.Background(), snapshot.WriteOptions{IncludeAssets: withAssets, OnConflict: snapshot.ConflictRename})
	require.NoError(t, err)
	return res.Record.Path
}

// liveBytes closes the handle, reads the database file and reopens it.
func (e *env) liveBytes(t *testing.T) []byte {
	t.Helper()
	require.NoError(t, e.h.Close())
	data, err := os.ReadFile(e.h.Path())
	require.NoError(t, err)
	require.NoError(t, e.h.Reopen())
	return data
}

func addPatients(t *testing.T, gdb *gorm.DB, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, gdb.Create(&db.Patient{ID: id, FullName: "Added " + id}).Error)
	}
}

func assertScratchEmpty(t *testing.T, e *env) {
	t.Helper()
	entries, err := os.ReadDir(e.scratch())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestoreRoundTrip(t *testing.T) {
	e := newEnv(t, 5)
	want := e.counts(t)
	artifact := e.backup(t, false)

	addPatients(t, e.gdb(t), "x1", "x2")
	require.NoError(t, e.gdb(t).Exec("DELETE FROM payments").Error)

	res, err := e.c.Restore(context.Background(), artifact)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, res.Transaction.Status)
	assert.NotEmpty(t, res.Transaction.ID)
	assert.True(t, res.Report.Valid)
	assert.Equal(t, want, e.counts(t))
	assertScratchEmpty(t, e)

	// the handle keeps working for writes
	addPatients(t, e.gdb(t), "after")
}

func TestRestoreArchiveBringsBackImages(t *testing.T) {
	e := newEnv(t, 2)
	p := filepath.Join(e.assetDir, "Patient_1", "xray", "a.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("xray"), 0o644))
	dbtest.Image(t, e.gdb(t), "i1", "dt1", "p1", 1, "xray", "dental_images/Patient_1/xray/a.png")

	artifact := e.backup(t, true)
	require.NoError(t, os.RemoveAll(e.assetDir))

	res, err := e.c.Restore(context.Background(), artifact)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, res.Transaction.Status)
	assert.Equal(t, 1, res.AssetsCopied)
	assert.Equal(t, 1, res.Relink.Relinked)
	assert.Empty(t, res.Warnings)

	data, err := os.ReadFile(filepath.Join(e.assetDir, "p1", "1", "xray", "a.png"))
	require.NoError(t, err)
	assert.Equal(t, "xray", string(data))

	var img db.DentalTreatmentImage
	require.NoError(t, e.gdb(t).Where("id = ?", "i1").Take(&img).Error)
	assert.Equal(t, "dental_images/p1/1/xray/a.png", img.ImagePath)
}

func TestRestoreRollbackIsByteIdentical(t *testing.T) {
	e := newEnv(t, 3)
	artifact := e.backup(t, false)
	addPatients(t, e.gdb(t), "newer")
	before := e.liveBytes(t)

	e.c.smoke = func(context.Context, *gorm.DB) error { return errors.New("smoke test failed") }
	res, err := e.c.Restore(context.Background(), artifact)
	require.Error(t, err)
	assert.ErrorIs(t, err, backuperr.ErrPartialRestore)
	var rerr *backuperr.RestoreError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, backuperr.StageVerify, rerr.Stage)
	assert.NoError(t, rerr.RollbackErr)
	assert.Equal(t, StatusRolledBack, res.Transaction.Status)

	after := e.liveBytes(t)
	assert.Equal(t, before, after)
	assert.EqualValues(t, 4, e.counts(t)["patients"])
	assertScratchEmpty(t, e)
}

func TestRestoreMissingTableAfterSwapRollsBack(t *testing.T) {
	e := newEnv(t, 3)
	artifact := e.backup(t, false)
	addPatients(t, e.gdb(t), "n1", "n2")
	want := e.counts(t)

	c := e.coordinator(append(append([]string{}, config.DefaultTables...), "inventory"))
	_, err := c.Restore(context.Background(), artifact)
	assert.ErrorIs(t, err, backuperr.ErrPartialRestore)
	assert.ErrorIs(t, err, backuperr.ErrIncompleteSchema)
	assert.Equal(t, want, e.counts(t))
}

func TestRestoreRejectsCorruptArtifact(t *testing.T) {
	e := newEnv(t, 3)
	artifact := e.backup(t, true)
	data, err := os.ReadFile(artifact)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(artifact, data[:len(data)-7], 0o644))
	before := e.liveBytes(t)

	res, err := e.c.Restore(context.Background(), artifact)
	assert.ErrorIs(t, err, backuperr.ErrCorruptArtifact)
	assert.NotErrorIs(t, err, backuperr.ErrPartialRestore)
	assert.Equal(t, StatusIdle, res.Transaction.Status)
	assert.Equal(t, before, e.liveBytes(t))
}

func TestRestoreCancelledBeforeSwap(t *testing.T) {
	e := newEnv(t, 1)
	artifact := e.backup(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.c.Restore(ctx, artifact)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = e.h.Conn()
	assert.NoError(t, err)
}

func TestRestoreRejectsConcurrentRestore(t *testing.T) {
	e := newEnv(t, 2)
	artifact := e.backup(t, false)

	entered := make(chan struct{})
	release := make(chan struct{})
	e.c.smoke = func(ctx context.Context, gdb *gorm.DB) error {
		close(entered)
		<-release
		return e.c.countTables(ctx, gdb)
	}
	done := make(chan error, 1)
	go func() {
		_, err := e.c.Restore(context.Background(), artifact)
		done <- err
	}()

	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("first restore never reached its check")
	}

	_, err := e.c.Restore(context.Background(), artifact)
	assert.ErrorIs(t, err, backuperr.ErrRestoreInProgress)

	// another coordinator on the same backup root is refused by the file lock
	_, err = e.coordinator(config.DefaultTables).Restore(context.Background(), artifact)
	assert.ErrorIs(t, err, backuperr.ErrRestoreInProgress)

	close(release)
	require.NoError(t, <-done)

	// and the lock is free again afterwards
	e.c.smoke = e.c.countTables
	_, err = e.c.Restore(context.Background(), artifact)
	assert.NoError(t, err)
}

var errDiskFull = errors.New("no space left on device")

// renameFailFs refuses the first n renames onto target.
type renameFailFs struct {
	afero.Fs
	target string
	n      int
}

func (f *renameFailFs) Rename(oldname, newname string) error {
	if newname == f.target && f.n > 0 {
		f.n--
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: errDiskFull}
	}
	return f.Fs.Rename(oldname, newname)
}

func TestRestoreInstallFailureRollsBack(t *testing.T) {
	e := newEnv(t, 3)
	artifact := e.backup(t, false)
	addPatients(t, e.gdb(t), "newer")
	before := e.liveBytes(t)

	e.c.fs = &renameFailFs{Fs: e.fs, target: e.h.Path(), n: 1}
	res, err := e.c.Restore(context.Background(), artifact)
	require.Error(t, err)
	assert.ErrorIs(t, err, backuperr.ErrPartialRestore)
	assert.ErrorIs(t, err, errDiskFull)
	var rerr *backuperr.RestoreError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, backuperr.StageSwap, rerr.Stage)
	assert.NoError(t, rerr.RollbackErr)
	assert.Equal(t, StatusRolledBack, res.Transaction.Status)

	assert.Equal(t, before, e.liveBytes(t))
	assert.EqualValues(t, 4, e.counts(t)["patients"])
	assertScratchEmpty(t, e)
}

func TestRestoreFailedRollbackKeepsPrevious(t *testing.T) {
	e := newEnv(t, 2)
	artifact := e.backup(t, false)
	addPatients(t, e.gdb(t), "newer")
	before := e.liveBytes(t)

	e.c.fs = &renameFailFs{Fs: e.fs, target: e.h.Path(), n: 2}
	res, err := e.c.Restore(context.Background(), artifact)
	assert.ErrorIs(t, err, backuperr.ErrPartialRestore)
	var rerr *backuperr.RestoreError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, backuperr.StageSwap, rerr.Stage)
	assert.ErrorIs(t, rerr.RollbackErr, errDiskFull)
	assert.Equal(t, StatusRolledBack, res.Transaction.Status)

	saved, err := os.ReadFile(res.Transaction.ScratchPath)
	require.NoError(t, err)
	assert.Equal(t, before, saved)
	assert.Equal(t, before, e.liveBytes(t))
}

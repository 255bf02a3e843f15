package assets

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"clinic-vault/engine/internal/db"
	"clinic-vault/engine/internal/db/dbtest"
)

type fixture struct {
	fs   afero.Fs
	root string
	h    *db.Handle
	gdb  *gorm.DB
	r    *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	h := dbtest.Open(t, dir, "clinic.db")
	gdb, err := h.Conn()
	require.NoError(t, err)
	dbtest.Seed(t, gdb, 3)
	fs := afero.NewOsFs()
	root := filepath.Join(dir, StorePrefix)
	require.NoError(t, fs.MkdirAll(root, 0o755))
	return &fixture{fs: fs, root: root, h: h, gdb: gdb, r: NewReconciler(fs, h, 4, zerolog.Nop())}
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, f.fs.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, afero.WriteFile(f.fs, p, []byte(content), 0o644))
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := afero.ReadFile(f.fs, filepath.Join(f.root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) exists(t *testing.T, rel string) bool {
	t.Helper()
	ok, err := afero.Exists(f.fs, filepath.Join(f.root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return ok
}

func (f *fixture) image(t *testing.T, id string) db.DentalTreatmentImage {
	t.Helper()
	var img db.DentalTreatmentImage
	require.NoError(t, f.gdb.Where("id = ?", id).Take(&img).Error)
	return img
}

func TestReconcileMigratesLegacyLayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "Patient_1/xray/a.png", "xray of p1")
	f.write(t, "Patient_2/before/b.png", "before of p2")
	dbtest.Image(t, f.gdb, "i1", "dt1", "p1", 1, "xray", "dental_images/Patient_1/xray/a.png")
	dbtest.Image(t, f.gdb, "i2", "dt2", "p2", 2, "before", "dental_images/Patient_2/before/b.png")

	n, err := f.r.Reconcile(ctx, f.root)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "xray of p1", f.read(t, "p1/1/xray/a.png"))
	assert.Equal(t, "before of p2", f.read(t, "p2/2/before/b.png"))

	// legacy copies are kept
	assert.True(t, f.exists(t, "Patient_1/xray/a.png"))
	assert.True(t, f.exists(t, "Patient_2/before/b.png"))

	n, err = f.r.Reconcile(ctx, f.root)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileThenRelinkIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "Patient_1/xray/a.png", "x")
	dbtest.Image(t, f.gdb, "i1", "dt1", "p1", 1, "xray", "dental_images/Patient_1/xray/a.png")

	_, err := f.r.Reconcile(ctx, f.root)
	require.NoError(t, err)
	res, err := f.r.RelinkOrphans(ctx, f.h, f.root)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Relinked)
	assert.Empty(t, res.Flagged)
	assert.Equal(t, "dental_images/p1/1/xray/a.png", f.image(t, "i1").ImagePath)

	n, err := f.r.Reconcile(ctx, f.root)
	require.NoError(t, err)
	assert.Zero(t, n)
	res, err = f.r.RelinkOrphans(ctx, f.h, f.root)
	require.NoError(t, err)
	assert.Zero(t, res.Total())
	assert.Empty(t, res.Flagged)
}

func TestReconcileFallbackOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// the recorded location wins over a same-named file elsewhere
	f.write(t, "old/place/c.png", "recorded")
	f.write(t, "elsewhere/c.png", "other")
	dbtest.Image(t, f.gdb, "i1", "dt1", "p1", 1, "clinical", "dental_images/old/place/c.png")

	// a unique basename match is used when nothing else is there
	f.write(t, "misc/d.png", "unique")
	dbtest.Image(t, f.gdb, "i2", "dt2", "p2", 2, "after", "d.png")

	rep, err := f.r.ReconcileReport(ctx, f.root)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Migrated)
	assert.Empty(t, rep.Unresolved)
	assert.Equal(t, "recorded", f.read(t, "p1/1/clinical/c.png"))
	assert.Equal(t, "unique", f.read(t, "p2/2/after/d.png"))
}

func TestReconcileReportsUnresolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "x/b.png", "1")
	f.write(t, "y/b.png", "2")
	dbtest.Image(t, f.gdb, "ambiguous", "dt2", "p2", 2, "before", "b.png")
	dbtest.Image(t, f.gdb, "missing", "dt3", "p3", 3, "xray", "dental_images/Patient_3/xray/none.png")
	dbtest.Image(t, f.gdb, "badtooth", "dt3", "p3", 0, "xray", "dental_images/p3/0/xray/e.png")
	dbtest.Image(t, f.gdb, "badtype", "dt3", "p3", 3, "selfie", "dental_images/p3/3/selfie/e.png")
	dbtest.Image(t, f.gdb, "blank", "dt3", "p3", 3, "xray", "  ")
	dbtest.Image(t, f.gdb, "emptydir", "dt3", "p3", 3, "xray", "dental_images/p3/3/xray/")

	rep, err := f.r.ReconcileReport(ctx, f.root)
	require.NoError(t, err)
	assert.Zero(t, rep.Migrated)

	reasons := map[string]string{}
	for _, u := range rep.Unresolved {
		reasons[u.ImageID] = u.Reason
	}
	assert.Len(t, reasons, 6)
	assert.Contains(t, reasons["ambiguous"], "2 files named b.png")
	assert.Equal(t, "file not found", reasons["missing"])
	assert.Contains(t, reasons["badtooth"], "invalid tooth")
	assert.Contains(t, reasons["badtype"], "unknown image type")
	assert.Equal(t, "record does not name a file", reasons["blank"])
	assert.Equal(t, "no files in directory", reasons["emptydir"])
	assert.False(t, f.exists(t, "p2/2/before/b.png"))
}

func (f *fixture) imageCount(t *testing.T, patient string, tooth int, kind string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.gdb.Model(&db.DentalTreatmentImage{}).
		Where("patient_id = ? AND tooth_number = ? AND image_type = ?", patient, tooth, kind).
		Count(&n).Error)
	return n
}

func TestDirectoryRecordsCoverTheirFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// the clinic app stores image_path as the directory, without a file name
	f.write(t, "p1/1/xray/a.png", "a")
	f.write(t, "p1/1/xray/b.png", "b")
	dbtest.Image(t, f.gdb, "i1", "dt1", "p1", 1, "xray", "dental_images/p1/1/xray/")
	f.write(t, "Patient_2/before/c.png", "c")
	dbtest.Image(t, f.gdb, "i2", "dt2", "p2", 2, "before", "dental_images/Patient_2/before/")

	rep, err := f.r.ReconcileReport(ctx, f.root)
	require.NoError(t, err)
	assert.Empty(t, rep.Unresolved)
	assert.Equal(t, 1, rep.Migrated)
	assert.Equal(t, "c", f.read(t, "p2/2/before/c.png"))

	res, err := f.r.RelinkOrphans(ctx, f.h, f.root)
	require.NoError(t, err)
	assert.Equal(t, RelinkResult{Relinked: 1}, res)
	assert.EqualValues(t, 1, f.imageCount(t, "p1", 1, "xray"))
	assert.EqualValues(t, 1, f.imageCount(t, "p2", 2, "before"))
	assert.Equal(t, "dental_images/p1/1/xray/", f.image(t, "i1").ImagePath)
	assert.Equal(t, "dental_images/p2/2/before/", f.image(t, "i2").ImagePath)

	n, err := f.r.Reconcile(ctx, f.root)
	require.NoError(t, err)
	assert.Zero(t, n)
	res, err = f.r.RelinkOrphans(ctx, f.h, f.root)
	require.NoError(t, err)
	assert.Zero(t, res.Total())
}

func TestDirectoryRecordsSharingLegacyFolder(t *testing.T) {
	f := newFixture(t)
	// the legacy layout has no tooth level, so two teeth compete for one folder
	f.write(t, "Patient_1/xray/a.png", "a")
	require.NoError(t, f.gdb.Create(&db.DentalTreatment{ID: "dt1b", PatientID: "p1", ToothNumber: 5}).Error)
	dbtest.Image(t, f.gdb, "i1", "dt1", "p1", 1, "xray", "dental_images/Patient_1/xray/")
	dbtest.Image(t, f.gdb, "i5", "dt1b", "p1", 5, "xray", "dental_images/Patient_1/xray/")

	rep, err := f.r.ReconcileReport(context.Background(), f.root)
	require.NoError(t, err)
	assert.Zero(t, rep.Migrated)
	require.Len(t, rep.Unresolved, 2)
	assert.Contains(t, rep.Unresolved[0].Reason, "shared by 2 records")
	assert.False(t, f.exists(t, "p1/1/xray/a.png"))
}

func TestReconcileManyFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		name := fmt.Sprintf("img%02d.png", i)
		f.write(t, "Patient_1/xray/"+name, name)
		dbtest.Image(t, f.gdb, fmt.Sprintf("i%02d", i), "dt1", "p1", 1, "xray", "dental_images/Patient_1/xray/"+name)
	}
	// two records for the same file are copied once
	dbtest.Image(t, f.gdb, "dup", "dt1", "p1", 1, "xray", "dental_images/Patient_1/xray/img00.png")

	n, err := f.r.Reconcile(ctx, f.root)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	assert.Equal(t, "img39.png", f.read(t, "p1/1/xray/img39.png"))
}

func TestRelinkMovesToLatestTreatment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	later := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.gdb.Create(&db.DentalTreatment{ID: "dt3b", PatientID: "p3", ToothNumber: 3, CreatedAt: later}).Error)

	f.write(t, "p3/3/after/d.png", "d")
	dbtest.Image(t, f.gdb, "i3", "gone", "p3", 3, "after", "dental_images/p3/3/after/d.png")
	// dt1 belongs to p1/tooth 1, not p3/tooth 3
	f.write(t, "p3/3/xray/e.png", "e")
	dbtest.Image(t, f.gdb, "i4", "dt1", "p3", 3, "xray", "dental_images/p3/3/xray/e.png")

	res, err := f.r.RelinkOrphans(ctx, f.h, f.root)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Relinked)
	assert.Equal(t, "dt3b", f.image(t, "i3").DentalTreatmentID)
	assert.Equal(t, "dt3b", f.image(t, "i4").DentalTreatmentID)
}

func TestRelinkRegistersAndFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "p1/1/clinical/new.png", "n")
	f.write(t, "ghost/5/xray/z.png", "z")
	f.write(t, "p2/9/xray/z.png", "z")
	f.write(t, "Patient_2/xray/legacy.png", "not canonical")

	res, err := f.r.RelinkOrphans(ctx, f.h, f.root)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Registered)
	assert.Zero(t, res.Relinked)

	var img db.DentalTreatmentImage
	require.NoError(t, f.gdb.Where("image_path = ?", "dental_images/p1/1/clinical/new.png").Take(&img).Error)
	assert.Equal(t, "dt1", img.DentalTreatmentID)
	assert.Equal(t, "clinical", img.ImageType)
	assert.NotEmpty(t, img.ID)

	flagged := map[string]string{}
	for _, o := range res.Flagged {
		flagged[o.Path] = o.Reason
	}
	assert.Equal(t, map[string]string{
		"ghost/5/xray/z.png": "patient not found",
		"p2/9/xray/z.png":    "no treatment for patient and tooth",
	}, flagged)

	// flagged files stay where they are
	assert.True(t, f.exists(t, "ghost/5/xray/z.png"))

	res, err = f.r.RelinkOrphans(ctx, f.h, f.root)
	require.NoError(t, err)
	assert.Zero(t, res.Total())
	assert.Len(t, res.Flagged, 2)
}

func TestReconcileClosedHandle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Close())
	_, err := f.r.Reconcile(context.Background(), f.root)
	assert.ErrorIs(t, err, db.ErrClosed)
}

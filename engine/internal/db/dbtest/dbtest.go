// Package dbtest builds throwaway clinic databases for tests.
package dbtest

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"clinic-vault/engine/internal/db"
)

// Open creates dir/name, migrates the clinic schema and closes it with the test.
func Open(t *testing.T, dir, name string) *db.Handle {
	t.Helper()
	h, err := db.Open(filepath.Join(dir, name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	gdb, err := h.Conn()
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	return h
}

// Seed inserts n patients and, for each, one appointment, payment, treatment
// and dental treatment on tooth (i%32)+1. IDs are p1..pn, dt1..dtn.
func Seed(t *testing.T, gdb *gorm.DB, n int) {
	t.Helper()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		pid := fmt.Sprintf("p%d", i)
		require.NoError(t, gdb.Create(&db.Patient{ID: pid, FullName: fmt.Sprintf("Patient %d", i), CreatedAt: now}).Error)
		require.NoError(t, gdb.Create(&db.Appointment{ID: fmt.Sprintf("a%d", i), PatientID: pid, StartTime: now, Status: "done", CreatedAt: now}).Error)
		require.NoError(t, gdb.Create(&db.Payment{ID: fmt.Sprintf("pay%d", i), PatientID: pid, Amount: float64(i) * 10, PaidAt: now, CreatedAt: now}).Error)
		require.NoError(t, gdb.Create(&db.Treatment{ID: fmt.Sprintf("t%d", i), Name: "cleaning", Cost: 25, CreatedAt: now}).Error)
		require.NoError(t, gdb.Create(&db.DentalTreatment{ID: fmt.Sprintf("dt%d", i), PatientID: pid, ToothNumber: (i-1)%32 + 1, CreatedAt: now}).Error)
	}
}

// Counts returns the row count of every table in tables.
func Counts(t *testing.T, gdb *gorm.DB, tables ...string) map[string]int64 {
	t.Helper()
	out := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		require.NoError(t, gdb.Table(table).Count(&n).Error)
		out[table] = n
	}
	return out
}

// Image inserts an image record.
func Image(t *testing.T, gdb *gorm.DB, id, treatment, patient string, tooth int, kind, stored string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, gdb.Create(&db.DentalTreatmentImage{
		ID:                id,
		DentalTreatmentID: treatment,
		PatientID:         patient,
		ToothNumber:       tooth,
		ImagePath:         stored,
		ImageType:         kind,
		TakenDate:         now,
		CreatedAt:         now,
	}).Error)
}

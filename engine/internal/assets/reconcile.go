package assets

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"clinic-vault/engine/internal/db"
	"clinic-vault/engine/internal/fstree"
)

// Reconciler migrates legacy-located images into the canonical layout and
// relinks image records to their owners.
type Reconciler struct {
	fs      afero.Fs
	handle  *db.Handle
	workers int
	log     zerolog.Logger
}

func NewReconciler(fs afero.Fs, handle *db.Handle, workers int, log zerolog.Logger) *Reconciler {
	if workers <= 0 {
		workers = 1
	}
	return &Reconciler{fs: fs, handle: handle, workers: workers, log: log}
}

// imageRow is an image record joined with its owner's display name.
type imageRow struct {
	ID                string
	DentalTreatmentID string
	PatientID         string
	FullName          string
	ToothNumber       int
	ImageType         string
	ImagePath         string
}

func (r *Reconciler) loadImages(ctx context.Context) ([]imageRow, error) {
	gdb, err := r.handle.Conn()
	if err != nil {
		return nil, err
	}
	var rows []imageRow
	err = gdb.WithContext(ctx).
		Table("dental_treatment_images AS i").
		Select("i.id, i.dental_treatment_id, i.patient_id, COALESCE(p.full_name, '') AS full_name, i.tooth_number, i.image_type, i.image_path").
		Joins("LEFT JOIN patients p ON p.id = i.patient_id").
		Order("i.id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load image records: %w", err)
	}
	return rows, nil
}

// Unresolved is an image record whose file could not be located.
type Unresolved struct {
	ImageID string `json:"image_id"`
	Want    string `json:"want"`
	Reason  string `json:"reason"`
}

// ReconcileReport is the outcome of one Reconcile pass.
type ReconcileReport struct {
	Migrated   int
	Unresolved []Unresolved
}

type copyOp struct {
	from, to string // relative to the asset root
}

// Reconcile copies every recorded image whose canonical file is missing into
// its canonical location and returns the number of files copied. Legacy copies
// are left in place.
func (r *Reconciler) Reconcile(ctx context.Context, root string) (int, error) {
	rep, err := r.ReconcileReport(ctx, root)
	return rep.Migrated, err
}

// ReconcileReport is Reconcile with the unresolved records.
//
// A record's source is chosen in this order, first hit wins:
//  1. the canonical file already exists (nothing to do)
//  2. the legacy {label}/{category}/{file} file
//  3. the file its image_path names
//  4. the only file anywhere under root with the same name
//
// Anything else (no candidate, several candidates) is unresolved.
//
// Records whose image_path is a directory stand for every file in their
// canonical {owner}/{sequence}/{category}/ directory. They are satisfied when
// that directory holds a file; otherwise the files of the legacy
// {label}/{category}/ directory are copied in, provided no other directory
// record of the same owner and category competes for them.
func (r *Reconciler) ReconcileReport(ctx context.Context, root string) (ReconcileReport, error) {
	var rep ReconcileReport
	rows, err := r.loadImages(ctx)
	if err != nil {
		return rep, err
	}
	files, err := fstree.Files(ctx, r.fs, root)
	if err != nil {
		return rep, fmt.Errorf("scan %s: %w", root, err)
	}
	existing := make(map[string]bool, len(files))
	byName := make(map[string][]string)
	byDir := make(map[string][]string)
	for _, f := range files {
		existing[f.Rel] = true
		byName[path.Base(f.Rel)] = append(byName[path.Base(f.Rel)], f.Rel)
		byDir[path.Dir(f.Rel)] = append(byDir[path.Dir(f.Rel)], f.Rel)
	}
	// directory records sharing a legacy folder, by owner and category
	sharing := make(map[[2]string]int)
	for _, row := range rows {
		if IsDirPath(row.ImagePath) {
			sharing[[2]string{row.PatientID, NormalizeCategory(row.ImageType)}]++
		}
	}

	planned := make(map[string]bool)
	plannedDir := make(map[string]bool)
	var ops []copyOp
	for _, row := range rows {
		file := FileName(row.ImagePath)
		isDir := IsDirPath(row.ImagePath)
		if (file == "" && !isDir) || row.PatientID == "" {
			rep.Unresolved = append(rep.Unresolved, Unresolved{ImageID: row.ID, Want: row.ImagePath, Reason: "record does not name a file"})
			continue
		}
		if row.ToothNumber < 1 || row.ToothNumber > MaxSequence {
			rep.Unresolved = append(rep.Unresolved, Unresolved{ImageID: row.ID, Want: row.ImagePath, Reason: fmt.Sprintf("invalid tooth number %d", row.ToothNumber)})
			continue
		}
		if !ValidCategory(row.ImageType) {
			rep.Unresolved = append(rep.Unresolved, Unresolved{ImageID: row.ID, Want: row.ImagePath, Reason: fmt.Sprintf("unknown image type %q", row.ImageType)})
			continue
		}
		if isDir {
			dirOps, reason := r.locateDir(row, byDir, sharing, plannedDir, existing, planned)
			if reason != "" {
				rep.Unresolved = append(rep.Unresolved, Unresolved{ImageID: row.ID, Want: CanonicalPath(row.PatientID, row.ToothNumber, row.ImageType, "") + "/", Reason: reason})
				continue
			}
			ops = append(ops, dirOps...)
			continue
		}
		canonical := CanonicalPath(row.PatientID, row.ToothNumber, row.ImageType, file)
		if existing[canonical] || planned[canonical] {
			continue
		}
		src, reason := r.locate(row, file, existing, byName)
		if src == "" {
			rep.Unresolved = append(rep.Unresolved, Unresolved{ImageID: row.ID, Want: canonical, Reason: reason})
			continue
		}
		planned[canonical] = true
		ops = append(ops, copyOp{from: src, to: canonical})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, op := range ops {
		op := op
		g.Go(func() error {
			from := filepath.Join(root, filepath.FromSlash(op.from))
			to := filepath.Join(root, filepath.FromSlash(op.to))
			if _, err := fstree.CopyFile(gctx, r.fs, from, to); err != nil {
				return fmt.Errorf("migrate %s to %s: %w", op.from, op.to, err)
			}
			r.log.Debug().Str("from", op.from).Str("to", op.to).Msg("migrated asset")
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		rep.Migrated = len(ops)
	}
	if len(ops) > 0 || len(rep.Unresolved) > 0 {
		r.log.Info().Int("migrated", rep.Migrated).Int("unresolved", len(rep.Unresolved)).Msg("asset reconcile")
	}
	return rep, err
}

func (r *Reconciler) locate(row imageRow, file string, existing map[string]bool, byName map[string][]string) (string, string) {
	legacy := LegacyPath(OwnerLabel(row.PatientID, row.FullName), row.ImageType, file)
	if existing[legacy] {
		return legacy, ""
	}
	if rel, ok := RelFromStored(row.ImagePath); ok && existing[rel] {
		return rel, ""
	}
	switch matches := byName[file]; len(matches) {
	case 0:
		return "", "file not found"
	case 1:
		return matches[0], ""
	default:
		return "", fmt.Sprintf("%d files named %s", len(matches), file)
	}
}

// locateDir plans the copies that fill a directory record's canonical
// directory. A non-empty reason means the record stays unresolved.
func (r *Reconciler) locateDir(row imageRow, byDir map[string][]string, sharing map[[2]string]int, plannedDir, existing, planned map[string]bool) ([]copyOp, string) {
	dir := CanonicalPath(row.PatientID, row.ToothNumber, row.ImageType, "")
	if len(byDir[dir]) > 0 || plannedDir[dir] {
		return nil, ""
	}
	legacyDir := LegacyPath(OwnerLabel(row.PatientID, row.FullName), row.ImageType, "")
	sources := byDir[legacyDir]
	if len(sources) == 0 {
		return nil, "no files in directory"
	}
	if n := sharing[[2]string{row.PatientID, NormalizeCategory(row.ImageType)}]; n > 1 {
		return nil, fmt.Sprintf("legacy folder %s shared by %d records", legacyDir, n)
	}
	var ops []copyOp
	for _, src := range sources {
		to := path.Join(dir, path.Base(src))
		if existing[to] || planned[to] {
			continue
		}
		planned[to] = true
		ops = append(ops, copyOp{from: src, to: to})
	}
	plannedDir[dir] = true
	return ops, ""
}

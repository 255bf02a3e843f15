package assets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"clinic-vault/engine/internal/db"
	"clinic-vault/engine/internal/fstree"
)

// Orphan is a canonical file left as it is because no owner fits it.
type Orphan struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// RelinkResult counts what RelinkOrphans changed.
type RelinkResult struct {
	Relinked   int      // existing records whose path or treatment changed
	Registered int      // files that had no record and got one
	Flagged    []Orphan // files with no plausible owner
}

// Total is the number of records written.
func (r RelinkResult) Total() int { return r.Relinked + r.Registered }

// RelinkOrphans walks the canonical files under root and makes the image
// records agree with them: paths are rewritten to the canonical form, records
// pointing at a missing or mismatched treatment are moved to the newest
// treatment for the same (patient, tooth), and unregistered files of a known
// patient are registered. Nothing is ever deleted.
func (r *Reconciler) RelinkOrphans(ctx context.Context, h *db.Handle, root string) (RelinkResult, error) {
	var res RelinkResult
	gdb, err := h.Conn()
	if err != nil {
		return res, err
	}
	files, err := fstree.Files(ctx, r.fs, root)
	if err != nil {
		return res, fmt.Errorf("scan %s: %w", root, err)
	}

	err = gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var images []db.DentalTreatmentImage
		if err := tx.Order("id").Find(&images).Error; err != nil {
			return fmt.Errorf("load image records: %w", err)
		}
		byStored := make(map[string]*db.DentalTreatmentImage, len(images))
		byKey := make(map[Key]*db.DentalTreatmentImage, len(images))
		byDir := make(map[Key]*db.DentalTreatmentImage)
		for i := range images {
			img := &images[i]
			if _, dup := byStored[img.ImagePath]; !dup {
				byStored[img.ImagePath] = img
			}
			k := Key{OwnerID: img.PatientID, Sequence: img.ToothNumber, Category: NormalizeCategory(img.ImageType), File: FileName(img.ImagePath)}
			switch {
			case k.File != "":
				if _, dup := byKey[k]; !dup {
					byKey[k] = img
				}
			case IsDirPath(img.ImagePath):
				if _, dup := byDir[k]; !dup {
					byDir[k] = img
				}
			}
		}

		for _, f := range files {
			key, ok := ParseCanonical(f.Rel)
			if !ok {
				continue
			}
			stored := key.Stored()
			img := byStored[stored]
			if img == nil {
				img = byKey[key]
			}
			if img == nil {
				// a directory record covers every file in its directory
				dirKey := key
				dirKey.File = ""
				if img = byDir[dirKey]; img != nil {
					stored = key.StoredDir()
				}
			}
			if img == nil {
				registered, reason, err := r.register(tx, key)
				if err != nil {
					return err
				}
				if registered {
					res.Registered++
				} else {
					res.Flagged = append(res.Flagged, Orphan{Path: f.Rel, Reason: reason})
				}
				continue
			}
			changed, reason, err := r.relink(tx, img, key, stored)
			if err != nil {
				return err
			}
			if changed {
				res.Relinked++
			}
			if reason != "" {
				res.Flagged = append(res.Flagged, Orphan{Path: f.Rel, Reason: reason})
			}
		}
		return nil
	})
	if err != nil {
		return RelinkResult{}, err
	}
	if res.Total() > 0 || len(res.Flagged) > 0 {
		r.log.Info().Int("relinked", res.Relinked).Int("registered", res.Registered).Int("flagged", len(res.Flagged)).Msg("asset relink")
	}
	return res, nil
}

// relink points img at stored, key's canonical file or directory, and at a
// treatment that belongs to the same patient and tooth.
func (r *Reconciler) relink(tx *gorm.DB, img *db.DentalTreatmentImage, key Key, stored string) (bool, string, error) {
	updates := map[string]interface{}{}
	if img.ImagePath != stored {
		updates["image_path"] = stored
	}
	var reason string
	owned, err := treatmentOwned(tx, img.DentalTreatmentID, key)
	if err != nil {
		return false, "", err
	}
	if !owned {
		latest, err := latestTreatment(tx, key)
		if err != nil {
			return false, "", err
		}
		if latest == "" {
			reason = "no treatment for patient and tooth"
		} else if latest != img.DentalTreatmentID {
			updates["dental_treatment_id"] = latest
		}
	}
	if len(updates) == 0 {
		return false, reason, nil
	}
	updates["updated_at"] = time.Now()
	if err := tx.Model(&db.DentalTreatmentImage{}).Where("id = ?", img.ID).Updates(updates).Error; err != nil {
		return false, "", fmt.Errorf("relink image %s: %w", img.ID, err)
	}
	if p, ok := updates["image_path"].(string); ok {
		img.ImagePath = p
	}
	if t, ok := updates["dental_treatment_id"].(string); ok {
		img.DentalTreatmentID = t
	}
	r.log.Debug().Str("image", img.ID).Str("path", img.ImagePath).Str("treatment", img.DentalTreatmentID).Msg("relinked image")
	return true, reason, nil
}

// register adds a record for an unregistered canonical file when its patient
// exists and has a treatment on that tooth.
func (r *Reconciler) register(tx *gorm.DB, key Key) (bool, string, error) {
	var patients int64
	if err := tx.Model(&db.Patient{}).Where("id = ?", key.OwnerID).Count(&patients).Error; err != nil {
		return false, "", err
	}
	if patients == 0 {
		return false, "patient not found", nil
	}
	treatment, err := latestTreatment(tx, key)
	if err != nil {
		return false, "", err
	}
	if treatment == "" {
		return false, "no treatment for patient and tooth", nil
	}
	now := time.Now()
	img := db.DentalTreatmentImage{
		ID:                uuid.NewString(),
		DentalTreatmentID: treatment,
		PatientID:         key.OwnerID,
		ToothNumber:       key.Sequence,
		ImagePath:         key.Stored(),
		ImageType:         key.Category,
		TakenDate:         now,
	}
	if err := tx.Create(&img).Error; err != nil {
		return false, "", fmt.Errorf("register %s: %w", key.Rel(), err)
	}
	r.log.Debug().Str("image", img.ID).Str("path", img.ImagePath).Msg("registered image")
	return true, "", nil
}

func treatmentOwned(tx *gorm.DB, id string, key Key) (bool, error) {
	if id == "" {
		return false, nil
	}
	var t db.DentalTreatment
	err := tx.Where("id = ?", id).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.PatientID == key.OwnerID && t.ToothNumber == key.Sequence, nil
}

func latestTreatment(tx *gorm.DB, key Key) (string, error) {
	var t db.DentalTreatment
	err := tx.Where("patient_id = ? AND tooth_number = ?", key.OwnerID, key.Sequence).
		Order("created_at DESC").Order("id DESC").
		Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

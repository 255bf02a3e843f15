package db

import "time"

// Patient owns appointments, payments, treatments and images. FullName is the
// label the legacy image layout used as a directory name.
type Patient struct {
	ID        string `gorm:"primaryKey;size:64"`
	FullName  string `gorm:"size:255"`
	Phone     string `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID        string `gorm:"primaryKey;size:64"`
	PatientID string `gorm:"size:64;index"`
	StartTime time.Time
	Status    string `gorm:"size:32"`
	CreatedAt time.Time
}

type Payment struct {
	ID        string `gorm:"primaryKey;size:64"`
	PatientID string `gorm:"size:64;index"`
	Amount    float64
	PaidAt    time.Time
	CreatedAt time.Time
}

type Treatment struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255"`
	Cost      float64
	CreatedAt time.Time
}

// DentalTreatment is the logical owner an image is attached to; it is found
// again after a restore by (PatientID, ToothNumber).
type DentalTreatment struct {
	ID          string `gorm:"primaryKey;size:64"`
	PatientID   string `gorm:"size:64;index:idx_dt_patient_tooth"`
	ToothNumber int    `gorm:"index:idx_dt_patient_tooth"`
	Notes       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DentalTreatmentImage is the asset-path metadata. ImagePath is relative to the
// asset root's parent, e.g. dental_images/{patient}/{tooth}/{type}/{file}, or
// the bare directory dental_images/{patient}/{tooth}/{type}/ as the clinic app
// writes it.
type DentalTreatmentImage struct {
	ID                string `gorm:"primaryKey;size:64"`
	DentalTreatmentID string `gorm:"size:64;index"`
	PatientID         string `gorm:"size:64;index"`
	ToothNumber       int
	ImagePath         string `gorm:"size:1024"`
	ImageType         string `gorm:"size:32"`
	Description       *string
	TakenDate         time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Models lists every table of the clinic schema in migration order.
func Models() []interface{} {
	return []interface{}{
		&Patient{},
		&Appointment{},
		&Payment{},
		&Treatment{},
		&DentalTreatment{},
		&DentalTreatmentImage{},
	}
}

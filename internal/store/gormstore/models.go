package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Reservation mirrors the reservations table.
type Reservation struct {
	ID             string     `gorm:"type:uuid;primaryKey"`
	OwnerID        string     `gorm:"not null;index:idx_reservations_owner_created,priority:1"`
	StartTime      time.Time  `gorm:"not null;index:idx_reservations_window,priority:1"`
	EndTime        time.Time  `gorm:"not null;index:idx_reservations_window,priority:2"`
	CreditsCharged int64      `gorm:"not null"`
	Status         string     `gorm:"not null;index"`
	CancelledAt    *time.Time `gorm:""`
	CreatedAt      time.Time  `gorm:"not null;index:idx_reservations_owner_created,priority:2"`
	UpdatedAt      time.Time  `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

func (reservation *Reservation) BeforeCreate(tx *gorm.DB) error {
	if reservation.ID == "" {
		reservation.ID = uuid.NewString()
	}
	return nil
}

// CreditAccount mirrors the credit_accounts table.
type CreditAccount struct {
	OwnerID   string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// Qualification mirrors the qualifications table.
type Qualification struct {
	ID             string          `gorm:"type:uuid;primaryKey"`
	OwnerID        string          `gorm:"not null;index:idx_qualifications_owner_class,unique,priority:1"`
	VehicleClass   string          `gorm:"not null;index:idx_qualifications_owner_class,unique,priority:2"`
	QualifiedOn    datatypes.Date  `gorm:"not null"`
	LastValidDrive *datatypes.Date `gorm:""`
	CurrencyExpiry datatypes.Date  `gorm:"not null"`
	CreatedAt      time.Time       `gorm:"not null"`
	UpdatedAt      time.Time       `gorm:"not null"`
}

func (Qualification) TableName() string { return "qualifications" }

func (qualification *Qualification) BeforeCreate(tx *gorm.DB) error {
	if qualification.ID == "" {
		qualification.ID = uuid.NewString()
	}
	return nil
}

// DriveLog mirrors the drive_logs table.
type DriveLog struct {
	ID           string          `gorm:"type:uuid;primaryKey"`
	OwnerID      string          `gorm:"not null;index:idx_drive_logs_owner_class,priority:1"`
	VehicleClass string          `gorm:"not null;index:idx_drive_logs_owner_class,priority:2"`
	DriveDate    datatypes.Date  `gorm:"not null"`
	DistanceKm   decimal.Decimal `gorm:"type:numeric;not null"`
	CreatedAt    time.Time       `gorm:"not null"`
}

func (DriveLog) TableName() string { return "drive_logs" }

func (driveLog *DriveLog) BeforeCreate(tx *gorm.DB) error {
	if driveLog.ID == "" {
		driveLog.ID = uuid.NewString()
	}
	return nil
}

// ConfigEntry mirrors the scheduling_config key-value table.
type ConfigEntry struct {
	ConfigKey string `gorm:"primaryKey;column:config_key"`
	Value     string `gorm:"not null"`
}

func (ConfigEntry) TableName() string { return "scheduling_config" }

// SlotBucket holds one row per hour of room time. Admissions lock the rows
// their interval touches so overlapping requests serialize.
type SlotBucket struct {
	BucketStart time.Time `gorm:"primaryKey"`
}

func (SlotBucket) TableName() string { return "slot_buckets" }

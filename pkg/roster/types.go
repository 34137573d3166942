package roster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OwnerID identifies the person a qualification, drive log, reservation, or
// credit account belongs to.
type OwnerID string

// NewOwnerID validates and normalizes an owner id.
func NewOwnerID(raw string) (OwnerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidOwnerID)
	}
	return OwnerID(trimmed), nil
}

// String returns the normalized identifier.
func (id OwnerID) String() string {
	return string(id)
}

// Role determines metering and cancellation privileges.
type Role string

const (
	RoleMember     Role = "member"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// ParseRole validates a raw role string.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch role {
	case RoleMember, RoleSupervisor, RoleAdmin:
		return role, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
}

// Metered reports whether reservations made by this role consume credits.
func (role Role) Metered() bool {
	return role == RoleMember
}

// Elevated reports whether the role may act on other owners' reservations
// and administer scheduling configuration.
func (role Role) Elevated() bool {
	return role == RoleSupervisor || role == RoleAdmin
}

// String returns the role name.
func (role Role) String() string {
	return string(role)
}

// VehicleClass names the class of vehicle a qualification covers.
type VehicleClass string

// NewVehicleClass validates and normalizes a vehicle class.
func NewVehicleClass(raw string) (VehicleClass, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidVehicleClass)
	}
	return VehicleClass(trimmed), nil
}

// String returns the normalized class name.
func (vehicleClass VehicleClass) String() string {
	return string(vehicleClass)
}

// Date is a calendar day with no time-of-day component. All date arithmetic
// in the currency engine runs on Date values so that clock time and zone
// offsets cannot shift a day boundary.
type Date struct {
	year  int
	month time.Month
	day   int
}

// NewDate builds a Date from its components.
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(raw string) (Date, error) {
	parsed, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q is not a valid %s date", ErrInvalidDate, raw, dateLayout)
	}
	return DateOf(parsed), nil
}

// DateOf returns the calendar day containing t, in t's location.
func DateOf(t time.Time) Date {
	year, month, day := t.Date()
	return Date{year: year, month: month, day: day}
}

// Time returns the date at midnight UTC.
func (date Date) Time() time.Time {
	return time.Date(date.year, date.month, date.day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the date shifted by the given number of days.
func (date Date) AddDays(days int) Date {
	return DateOf(date.Time().AddDate(0, 0, days))
}

// DaysUntil returns the signed number of days from date to other.
func (date Date) DaysUntil(other Date) int {
	return int(other.Time().Sub(date.Time()) / (24 * time.Hour))
}

// Before reports whether date precedes other.
func (date Date) Before(other Date) bool {
	return date.Time().Before(other.Time())
}

// After reports whether date follows other.
func (date Date) After(other Date) bool {
	return date.Time().After(other.Time())
}

// Equal reports whether both values name the same day.
func (date Date) Equal(other Date) bool {
	return date == other
}

// IsZero reports whether the date is unset.
func (date Date) IsZero() bool {
	return date == Date{}
}

// String formats the date as YYYY-MM-DD.
func (date Date) String() string {
	return date.Time().Format(dateLayout)
}

// MarshalJSON encodes the date as a YYYY-MM-DD string.
func (date Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + date.String() + `"`), nil
}

// UnmarshalJSON decodes a YYYY-MM-DD string.
func (date *Date) UnmarshalJSON(raw []byte) error {
	parsed, err := ParseDate(strings.Trim(string(raw), `"`))
	if err != nil {
		return err
	}
	*date = parsed
	return nil
}

// CurrencyStatus is the derived validity state of a qualification.
type CurrencyStatus string

const (
	CurrencyCurrent      CurrencyStatus = "CURRENT"
	CurrencyExpiringSoon CurrencyStatus = "EXPIRING_SOON"
	CurrencyExpired      CurrencyStatus = "EXPIRED"
)

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusCancelled ReservationStatus = "cancelled"
)

// Qualification asserts an owner is certified for a vehicle class, with a
// computed currency expiry. One active record per (owner, vehicle class).
type Qualification struct {
	ID             string
	OwnerID        OwnerID
	VehicleClass   VehicleClass
	QualifiedOn    Date
	LastValidDrive *Date
	CurrencyExpiry Date
}

// DriveLogEntry is an immutable record of a completed drive. The currency
// engine folds over the owner's entries in date order.
type DriveLogEntry struct {
	ID           string
	OwnerID      OwnerID
	VehicleClass VehicleClass
	Date         Date
	DistanceKm   decimal.Decimal
	CreatedAt    time.Time
}

// Reservation is a timed claim on the shared room.
type Reservation struct {
	ID             string
	OwnerID        OwnerID
	StartTime      time.Time
	EndTime        time.Time
	CreditsCharged int64
	Status         ReservationStatus
	CreatedAt      time.Time
	CancelledAt    *time.Time
}

// CreditAccount tracks an owner's weekly reservation credits.
type CreditAccount struct {
	OwnerID OwnerID
	Balance int64
}

// SchedulingConfig carries the process-wide scheduling settings.
type SchedulingConfig struct {
	ReleaseDay           time.Weekday
	DefaultWeeklyCredits int64
	LastResetWeekKey     string
}

// CapacityReport is the read-only occupancy projection for a time range.
type CapacityReport struct {
	MaxCapacity    int
	CurrentCount   int
	AvailableSpots int
	IsFull         bool
}

// CancelResult reports the refund outcome of a cancellation.
type CancelResult struct {
	Refunded        bool
	CreditsRefunded int64
}

// QualificationView is a qualification annotated with its derived status.
type QualificationView struct {
	Qualification
	Status        CurrencyStatus
	DaysRemaining int
}

// Store is the persistence contract used by Service. Implementations must
// make WithTx transactional: every mutation the closure performs commits or
// rolls back as one unit, and the conditional operations (DeductCredits,
// CompareAndSwapConfigValue, MarkReservationCancelled) must be atomic
// check-and-mutate statements.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// LockTimeRange serializes concurrent admissions over any intersecting
	// range until the surrounding transaction ends. Locks taken outside a
	// transaction carry no exclusion.
	LockTimeRange(ctx context.Context, startTime, endTime time.Time) error
	CountActiveOverlapping(ctx context.Context, startTime, endTime time.Time) (int, error)
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	MarkReservationCancelled(ctx context.Context, reservationID string, cancelledAt time.Time) error
	ListReservationsByOwner(ctx context.Context, owner OwnerID, limit int) ([]Reservation, error)

	EnsureCreditAccount(ctx context.Context, owner OwnerID, initialBalance int64) error
	GetCreditAccount(ctx context.Context, owner OwnerID) (CreditAccount, bool, error)
	DeductCredits(ctx context.Context, owner OwnerID, amount int64) (bool, error)
	AddCredits(ctx context.Context, owner OwnerID, amount int64) error
	ResetAllBalances(ctx context.Context, balance int64) error

	GetConfigValue(ctx context.Context, key string) (string, bool, error)
	SetConfigValue(ctx context.Context, key string, value string) error
	CompareAndSwapConfigValue(ctx context.Context, key string, oldValue string, newValue string) (bool, error)

	ListQualifications(ctx context.Context) ([]Qualification, error)
	ListQualificationsByOwner(ctx context.Context, owner OwnerID) ([]Qualification, error)
	GetQualification(ctx context.Context, owner OwnerID, vehicleClass VehicleClass) (Qualification, bool, error)
	InsertQualification(ctx context.Context, qualification Qualification) error
	UpdateQualificationCurrency(ctx context.Context, qualificationID string, expiry Date, lastValidDrive *Date) error
	ListDriveLogs(ctx context.Context, owner OwnerID, vehicleClass VehicleClass) ([]DriveLogEntry, error)
	InsertDriveLog(ctx context.Context, entry DriveLogEntry) error
}

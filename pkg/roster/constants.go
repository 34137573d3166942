package roster

import "time"

// Room and policy constants for the shared mess room.
const (
	// MaxCapacity is the number of reservations allowed to overlap any instant.
	MaxCapacity = 20
	// SlotDuration is the fixed length of every reservation.
	SlotDuration = time.Hour
	// ReservationCreditCost is the credit price of one slot for metered roles.
	ReservationCreditCost int64 = 1
	// RefundCutoff is the minimum lead time before start for a cancellation refund.
	RefundCutoff = 24 * time.Hour
)

// Currency-window constants for vehicle qualifications.
const (
	// CurrencyWindowDays is the trailing accumulation window and the validity
	// extension granted by a qualifying drive.
	CurrencyWindowDays = 88
	// ExpiringSoonDays is the remaining-days threshold below which a current
	// qualification is reported as expiring soon.
	ExpiringSoonDays = 30
)

// Defaults applied when a scheduling config key has never been written.
const (
	DefaultReleaseDay          = time.Sunday
	DefaultWeeklyCredits int64 = 2
)

const (
	configKeyReleaseDay           = "releaseDay"
	configKeyDefaultWeeklyCredits = "defaultWeeklyCredits"
	configKeyLastResetWeekKey     = "lastResetWeekKey"

	dateLayout = "2006-01-02"

	operationReserve     = "reserve"
	operationCancel      = "cancel"
	operationWeeklyReset = "weekly_reset"
	operationDriveLog    = "drive_log"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)

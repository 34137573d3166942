package roster

import (
	"sort"

	"github.com/shopspring/decimal"
)

// renewalThresholdKm is the cumulative trailing-window distance that renews
// a qualification's currency.
var renewalThresholdKm = decimal.NewFromInt(2)

// CurrencyResult is the recomputed validity state of a qualification.
type CurrencyResult struct {
	Expiry         Date
	LastValidDrive *Date
}

// RecomputeCurrency folds a qualification's drive-log history into its
// currency expiry.
//
// Logs are scanned in ascending date order. For each log, the cumulative
// distance of the trailing [date-88d, date] window is tested against the
// 2 km threshold; a qualifying window renews currency to that log's date
// plus 88 days. The chronologically latest qualifying window wins, even when
// an earlier window implied a later expiry. The expiry never drops below
// qualifiedOn + 88 days.
//
// The window sum is maintained with two pointers over the sorted slice, so
// recomputation is linear in the number of logs. Total over well-formed
// input; date validation happens at the boundary.
func RecomputeCurrency(qualifiedOn Date, logs []DriveLogEntry) CurrencyResult {
	sorted := make([]DriveLogEntry, len(logs))
	copy(sorted, logs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	floor := qualifiedOn.AddDays(CurrencyWindowDays)
	result := CurrencyResult{Expiry: floor}

	windowSum := decimal.Zero
	windowStart := 0
	for _, logEntry := range sorted {
		windowSum = windowSum.Add(logEntry.DistanceKm)
		cutoff := logEntry.Date.AddDays(-CurrencyWindowDays)
		for sorted[windowStart].Date.Before(cutoff) {
			windowSum = windowSum.Sub(sorted[windowStart].DistanceKm)
			windowStart++
		}
		if windowSum.GreaterThanOrEqual(renewalThresholdKm) {
			renewalDate := logEntry.Date
			result.LastValidDrive = &renewalDate
			result.Expiry = renewalDate.AddDays(CurrencyWindowDays)
		}
	}

	if result.Expiry.Before(floor) {
		result.Expiry = floor
	}
	return result
}

// CurrencyStatusOf derives the read-only status for an expiry as of today,
// along with the signed days remaining. A qualification is EXPIRING_SOON
// within 30 days of expiry and EXPIRED once the remaining days go negative.
func CurrencyStatusOf(expiry Date, today Date) (CurrencyStatus, int) {
	daysRemaining := today.DaysUntil(expiry)
	switch {
	case daysRemaining < 0:
		return CurrencyExpired, daysRemaining
	case daysRemaining <= ExpiringSoonDays:
		return CurrencyExpiringSoon, daysRemaining
	default:
		return CurrencyCurrent, daysRemaining
	}
}

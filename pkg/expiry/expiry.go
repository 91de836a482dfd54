// Package expiry classifies fiscal-storage modules by their end-of-life date.
//
// Device descriptors carry timestamps as plain strings in the device's local
// time. All comparisons here stay in string space or local time so that a
// device reporting "2024-01-04 00:00:00" means the same wall-clock everywhere.
package expiry

import "time"

// TimeLayout is the timestamp format devices report in.
const TimeLayout = "2006-01-02 15:04:05"

// DateLayout is the day-granularity format used by report ranges.
const DateLayout = "2006-01-02"

// DefaultGraceDays is how far ahead of the end date a device counts as
// expiring when no override is configured.
const DefaultGraceDays = 14

// TimeToCheck picks the timestamp that decides expiry. Devices that reported
// recently are judged by their own clock (v_time); devices without a usable
// v_time fall back to the descriptor's current_time.
func TimeToCheck(vTime, currentTime string) string {
	if vTime == "" || vTime == "None" {
		return currentTime
	}
	return vTime
}

// IsExpiring reports whether the device's reference timestamp is more than
// graceDays behind now. An unusable timestamp never classifies a device as
// expiring.
func IsExpiring(vTime, currentTime string, graceDays int, now time.Time) bool {
	check := TimeToCheck(vTime, currentTime)
	ts, err := time.ParseInLocation(TimeLayout, check, time.Local)
	if err != nil {
		return false
	}

	return ts.AddDate(0, 0, graceDays).Before(now)
}

// IsFresh reports whether a device is still reporting: its last report plus
// dayFilter days has not yet passed. Devices with unusable timestamps count
// as stale.
func IsFresh(vTime string, dayFilter int, now time.Time) bool {
	ts, err := time.ParseInLocation(TimeLayout, vTime, time.Local)
	if err != nil {
		return false
	}
	return !ts.AddDate(0, 0, dayFilter).Before(now)
}

// DefaultReportRange returns the default window for the expiring report:
// today through the last day of next month.
func DefaultReportRange(now time.Time) (start, end string) {
	start = now.Format(DateLayout)

	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	// First day of the month after next, minus one day.
	lastOfNext := firstOfMonth.AddDate(0, 2, 0).AddDate(0, 0, -1)
	end = lastOfNext.Format(DateLayout)
	return start, end
}

package quota

import (
	"fmt"
	"time"

	"github.com/xj4007/llmgateway/types"
)

// windowLength returns the nominal duration of a cost window. Daily/weekly/
// monthly fixed windows still use this for the rolling variant; fixed
// windows compute their own calendar-aware boundary in boundaryFor.
func windowLength(kind types.CostWindowKind) time.Duration {
	switch kind {
	case types.WindowFiveHour:
		return 5 * time.Hour
	case types.WindowDaily:
		return 24 * time.Hour
	case types.WindowWeekly:
		return 7 * 24 * time.Hour
	case types.WindowMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0 // total: never resets
	}
}

// boundaryFor computes the [start, end) of the window kind containing now,
// honoring resetMode/resetTime/loc the way spec.md §4.4 and §8 seed scenario
// 6 require: fixed mode anchors at resetTime-of-day in loc and is immune to
// DST shifts because every field is evaluated in loc, not as a raw duration
// offset from UTC.
func boundaryFor(kind types.CostWindowKind, now time.Time, resetMode types.ResetMode, resetTime string, loc *time.Location) (start, end time.Time) {
	length := windowLength(kind)
	if length == 0 {
		return time.Time{}, time.Time{} // total: unbounded, caller skips boundary logic
	}
	if resetMode != types.ResetModeFixed || kind == types.WindowFiveHour {
		// The 5h window is always rolling per spec.md §4.4 ("the 5h window
		// has no fixed-clock variant").
		return now.Add(-length), now.Add(length)
	}

	local := now.In(loc)
	hh, mm := parseResetTime(resetTime)
	anchor := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)

	switch kind {
	case types.WindowDaily:
		if local.Before(anchor) {
			anchor = anchor.AddDate(0, 0, -1)
		}
		return anchor, anchor.AddDate(0, 0, 1)
	case types.WindowWeekly:
		// Anchor to the most recent Monday at resetTime in loc.
		daysSinceMonday := int(local.Weekday()+6) % 7
		weekAnchor := anchor.AddDate(0, 0, -daysSinceMonday)
		if local.Before(weekAnchor) {
			weekAnchor = weekAnchor.AddDate(0, 0, -7)
		}
		return weekAnchor, weekAnchor.AddDate(0, 0, 7)
	case types.WindowMonthly:
		monthAnchor := time.Date(local.Year(), local.Month(), 1, hh, mm, 0, 0, loc)
		if local.Before(monthAnchor) {
			monthAnchor = monthAnchor.AddDate(0, -1, 0)
		}
		return monthAnchor, monthAnchor.AddDate(0, 1, 0)
	default:
		return now.Add(-length), now.Add(length)
	}
}

// isRolling reports whether kind slides with now under resetMode rather than
// anchoring to a fixed calendar boundary (spec.md §4.4): the 5h window
// always slides; daily/weekly/monthly slide unless resetMode is fixed. The
// total window never slides — it has no length to slide over.
func isRolling(kind types.CostWindowKind, resetMode types.ResetMode) bool {
	if windowLength(kind) == 0 {
		return false
	}
	return resetMode != types.ResetModeFixed || kind == types.WindowFiveHour
}

func parseResetTime(s string) (hh, mm int) {
	if s == "" {
		return 0, 0
	}
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, 0
	}
	return hh, mm
}

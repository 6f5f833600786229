package types

import "github.com/shopspring/decimal"

// ResetMode controls how a fixed daily/weekly/monthly quota window anchors
// its boundary (the 5h window always rolls). Fixed anchors at a wall-clock time-of-day in a configured IANA
// timezone; rolling is a sliding window of the same length.
type ResetMode string

const (
	ResetModeFixed   ResetMode = "fixed"
	ResetModeRolling ResetMode = "rolling-24h"
)

// Quotas is the shared set of cost/concurrency windows carried by both User
// and APIKey (spec.md §3: "same window set as User/Key").
type Quotas struct {
	Limit5hUsd             decimal.Decimal `gorm:"type:numeric(30,15)" json:"limit5hUsd"`
	LimitDailyUsd          decimal.Decimal `gorm:"type:numeric(30,15)" json:"limitDailyUsd"`
	LimitWeeklyUsd         decimal.Decimal `gorm:"type:numeric(30,15)" json:"limitWeeklyUsd"`
	LimitMonthlyUsd        decimal.Decimal `gorm:"type:numeric(30,15)" json:"limitMonthlyUsd"`
	LimitTotalUsd          decimal.Decimal `gorm:"type:numeric(30,15)" json:"limitTotalUsd"`
	LimitConcurrentSession int             `json:"limitConcurrentSessions"`
	RpmLimit               int             `json:"rpmLimit"`
}

// CostWindowKind enumerates the rolling/calendar windows tracked by the
// CostWindowStore (spec.md §3, §4.4).
type CostWindowKind string

const (
	WindowFiveHour CostWindowKind = "5h"
	WindowDaily    CostWindowKind = "daily"
	WindowWeekly   CostWindowKind = "weekly"
	WindowMonthly  CostWindowKind = "monthly"
	WindowTotal    CostWindowKind = "total"
)

// AllCostWindows lists every window the guard checks per call, in the order
// they're evaluated.
var AllCostWindows = []CostWindowKind{WindowFiveHour, WindowDaily, WindowWeekly, WindowMonthly, WindowTotal}

// QuotaScope identifies whose counter a CostWindow belongs to.
type QuotaScope string

const (
	ScopeKey  QuotaScope = "key"
	ScopeUser QuotaScope = "user"
)

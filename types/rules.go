package types

import (
	"time"

	"gorm.io/gorm"
)

// MatchType is shared by SensitiveWord and ErrorRule pattern matching
// (spec.md §4.6).
type MatchType string

const (
	MatchContains MatchType = "contains"
	MatchExact    MatchType = "exact"
	MatchRegex    MatchType = "regex"
)

// SensitiveWord blocks a request whose flattened message text matches
// Pattern under MatchType (spec.md §4.6 "Sensitive-word guard").
type SensitiveWord struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Pattern   string         `json:"pattern"`
	MatchType MatchType      `gorm:"type:varchar(16)" json:"matchType"`
	Enabled   bool           `gorm:"default:true" json:"enabled"`
}

func (SensitiveWord) TableName() string { return "sensitive_words" }

// FilterScope and FilterAction enumerate a RequestFilter's reach and effect
// (spec.md §4.6 "Request filter rules").
type FilterScope string
type FilterAction string

const (
	FilterScopeHeader FilterScope = "header"
	FilterScopeBody   FilterScope = "body"

	FilterActionRemove      FilterAction = "remove"
	FilterActionSet         FilterAction = "set"
	FilterActionJSONPath    FilterAction = "json_path"
	FilterActionTextReplace FilterAction = "text_replace"
)

// RequestFilter is one ordered rewrite rule applied to the outbound payload
// or headers before forwarding (spec.md §4.6). Rules are applied in
// Priority order; later rules observe earlier rules' effects.
type RequestFilter struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Priority int          `gorm:"default:0;index" json:"priority"`
	Scope    FilterScope  `gorm:"type:varchar(16)" json:"scope"`
	Action   FilterAction `gorm:"type:varchar(16)" json:"action"`

	Target      string `json:"target"`      // header name or json path
	Value       string `json:"value"`       // replacement / set value
	MatchRegex  string `json:"matchRegex,omitempty"`

	Global    bool     `gorm:"default:true" json:"global"`
	Providers []uint   `gorm:"serializer:json" json:"providers,omitempty"`
	Groups    []string `gorm:"serializer:json" json:"groups,omitempty"`

	Enabled bool `gorm:"default:true" json:"enabled"`
}

func (RequestFilter) TableName() string { return "request_filters" }

// AppliesTo reports whether the filter binds to the given provider and
// group (spec.md §4.6 "optional binding (global, providers[], groups[])").
func (f *RequestFilter) AppliesTo(providerID uint, groupTag string) bool {
	if f.Global {
		return true
	}
	for _, p := range f.Providers {
		if p == providerID {
			return true
		}
	}
	for _, g := range f.Groups {
		if g == groupTag {
			return true
		}
	}
	return false
}

// ErrorRule classifies upstream error bodies into a non-retryable category
// and optionally substitutes a client-facing override (spec.md §4.2, §4.6,
// §7 "Client-visible shape").
type ErrorRule struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Pattern   string    `json:"pattern"`
	MatchType MatchType `gorm:"type:varchar(16)" json:"matchType"`
	Category  string    `json:"category"` // e.g. "non_retryable", "retryable"

	OverrideResponse   string `json:"overrideResponse,omitempty"`
	OverrideStatusCode int    `json:"overrideStatusCode,omitempty"`

	Enabled bool `gorm:"default:true" json:"enabled"`
}

func (ErrorRule) TableName() string { return "error_rules" }

// NonRetryable reports whether a match on this rule should be treated as
// a terminal client error rather than counted against the breaker.
func (r *ErrorRule) NonRetryable() bool {
	return r.Category == "non_retryable"
}

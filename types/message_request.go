package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProviderChainReason is the closed vocabulary a ProviderChainItem.Reason
// is drawn from (spec.md §4.1 "Decision record").
type ProviderChainReason string

const (
	ReasonInitialSelection    ProviderChainReason = "initial_selection"
	ReasonSessionReuse        ProviderChainReason = "session_reuse"
	ReasonRetrySuccess        ProviderChainReason = "retry_success"
	ReasonRetryFailed         ProviderChainReason = "retry_failed"
	ReasonRequestSuccess      ProviderChainReason = "request_success"
	ReasonSystemError         ProviderChainReason = "system_error"
	ReasonConcurrentLimit     ProviderChainReason = "concurrent_limit_failed"
	ReasonHTTP2Fallback       ProviderChainReason = "http2_fallback"
	ReasonClientErrorTerminal ProviderChainReason = "client_error_non_retryable"
)

// ProviderChainItem is one entry in the decision log attached to a
// MessageRequest (spec.md §4.1 "Decision record").
type ProviderChainItem struct {
	ProviderID      uint                `json:"providerId"`
	Name            string              `json:"name"`
	Reason          ProviderChainReason `json:"reason"`
	Timestamp       time.Time           `json:"timestamp"`
	DecisionContext map[string]any      `json:"decisionContext,omitempty"`
}

// BlockedBy is the closed vocabulary for MessageRequest.BlockedBy.
type BlockedBy string

const (
	BlockedBySensitive BlockedBy = "sensitive"
	BlockedByQuota     BlockedBy = "quota"
	BlockedByRPM       BlockedBy = "rpm"
	BlockedByConcurrent BlockedBy = "concurrent"
	BlockedByAuth      BlockedBy = "auth"
	BlockedByClient    BlockedBy = "client"
)

// MessageRequest is the durable, authoritative per-request usage row
// (spec.md §3 "MessageRequest (usage record)"). Exactly one row is written
// per accepted request; retries across providers append to ProviderChain
// rather than creating new rows.
type MessageRequest struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ProviderID      uint   `gorm:"index:idx_msgreq_provider,where:deleted_at IS NULL" json:"providerId"`
	UserID          uint   `gorm:"index:idx_msgreq_user,where:deleted_at IS NULL" json:"userId"`
	KeyString       string `gorm:"index:idx_msgreq_key,where:deleted_at IS NULL" json:"-"`
	SessionID       string `gorm:"index:idx_msgreq_session,where:deleted_at IS NULL" json:"sessionId"`
	RequestSequence int    `json:"requestSequence"`

	Model         string `json:"model"`
	OriginalModel string `json:"originalModel"`
	Endpoint      string `json:"endpoint"`
	StatusCode    int    `json:"statusCode"`
	DurationMs    int64  `json:"durationMs"`
	TTFBMs        int64  `json:"ttfbMs"`

	InputTokens               int64 `json:"inputTokens"`
	OutputTokens              int64 `json:"outputTokens"`
	CacheCreation5mInputTokens int64 `json:"cacheCreation5mInputTokens"`
	CacheCreation1hInputTokens int64 `json:"cacheCreation1hInputTokens"`
	CacheReadInputTokens       int64 `json:"cacheReadInputTokens"`
	CacheTTLApplied            string `json:"cacheTtlApplied,omitempty"`
	Context1mApplied           bool   `json:"context1mApplied"`

	CostUsd        decimal.Decimal `gorm:"type:numeric(30,15)" json:"costUsd"`
	CostMultiplier decimal.Decimal `gorm:"type:numeric(10,4)" json:"costMultiplier"`

	ProviderChain []ProviderChainItem `gorm:"serializer:json" json:"providerChain"`

	BlockedBy     BlockedBy `gorm:"type:varchar(32)" json:"blockedBy,omitempty"`
	BlockedReason string    `json:"blockedReason,omitempty"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	ErrorStack    string    `json:"errorStack,omitempty"`

	UserAgent       string         `json:"userAgent"`
	MessagesCount   int            `json:"messagesCount"`
	APIType         Dialect        `gorm:"type:varchar(32)" json:"apiType"`
	SpecialSettings map[string]any `gorm:"serializer:json" json:"specialSettings,omitempty"`
}

func (MessageRequest) TableName() string { return "message_requests" }

// AppendChain appends a decision entry, stamping the current time.
func (m *MessageRequest) AppendChain(item ProviderChainItem) {
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}
	m.ProviderChain = append(m.ProviderChain, item)
}

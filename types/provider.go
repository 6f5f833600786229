package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProviderVendor groups endpoints that share billing/auth ownership (spec.md
// §3 "ProviderVendor → ProviderEndpoint"). Vendor-type breaker state is keyed
// on (VendorID, ProviderType), one level coarser than a single endpoint.
type ProviderVendor struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Name      string         `gorm:"uniqueIndex:idx_vendor_name,where:deleted_at IS NULL" json:"name"`
	Enabled   bool           `gorm:"default:true" json:"enabled"`
}

func (ProviderVendor) TableName() string { return "provider_vendors" }

// ProviderEndpoint is one base URL a vendor exposes for a given provider
// type, subject to liveness probes (spec.md §3).
type ProviderEndpoint struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	VendorID  uint           `gorm:"index:idx_endpoint_vendor,where:deleted_at IS NULL" json:"vendorId"`
	Type      ProviderType   `gorm:"type:varchar(32);index" json:"type"`
	BaseURL   string         `json:"baseUrl"`
	SortOrder int            `gorm:"default:0" json:"sortOrder"`
	Enabled   bool           `gorm:"default:true" json:"enabled"`

	LastProbedAt       *time.Time `json:"lastProbedAt,omitempty"`
	LastProbeOk        bool       `json:"lastProbeOk"`
	LastProbeStatus    int        `json:"lastProbeStatusCode"`
	LastProbeLatencyMs int64      `json:"lastProbeLatencyMs"`
	LastProbeErrorType string     `json:"lastProbeErrorType,omitempty"`
}

func (ProviderEndpoint) TableName() string { return "provider_endpoints" }

// CircuitBreakerTuning is the per-provider breaker parameterization
// (spec.md §3 "cb* fields"). A zero FailureThreshold disables the breaker
// for that provider.
type CircuitBreakerTuning struct {
	FailureThreshold         int `gorm:"default:5" json:"failureThreshold"`
	OpenDurationMs           int `gorm:"default:1800000" json:"openDurationMs"`
	HalfOpenSuccessThreshold int `gorm:"default:2" json:"halfOpenSuccessThreshold"`
	MaxRetryAttempts         int `gorm:"default:2" json:"maxRetryAttempts"`
}

// ProviderTimeouts holds the per-provider timeout knobs (spec.md §3
// "Timeouts", §5 defaults). Zero means unlimited except where noted.
type ProviderTimeouts struct {
	FirstByteTimeoutStreamingMs int `gorm:"default:30000" json:"firstByteTimeoutStreamingMs"`
	StreamingIdleTimeoutMs      int `gorm:"default:0" json:"streamingIdleTimeoutMs"`
	RequestTimeoutNonStreamMs   int `gorm:"default:0" json:"requestTimeoutNonStreamingMs"`
}

// Provider is the selector-visible logical unit backing one endpoint
// (spec.md §3 "Provider (legacy logical unit, used by selection)").
type Provider struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name       string `json:"name"`
	VendorID   uint   `gorm:"index:idx_provider_vendor,where:deleted_at IS NULL" json:"vendorId"`
	EndpointID uint   `gorm:"index:idx_provider_endpoint,where:deleted_at IS NULL" json:"endpointId"`

	ProviderType   ProviderType    `gorm:"type:varchar(32);index" json:"providerType"`
	Priority       int             `gorm:"default:0" json:"priority"`
	Weight         int             `gorm:"default:1" json:"weight"`
	CostMultiplier decimal.Decimal `gorm:"type:numeric(10,4);default:1" json:"costMultiplier"`
	GroupTag       string          `gorm:"default:default;index" json:"groupTag"`

	AllowedModels  []string          `gorm:"serializer:json" json:"allowedModels"`
	ModelRedirects map[string]string `gorm:"serializer:json" json:"modelRedirects"`

	Quotas Quotas `gorm:"embedded" json:"quotas"`

	CircuitBreakerTuning `gorm:"embedded"`
	ProviderTimeouts      `gorm:"embedded"`

	ProxyURL              string `json:"proxyUrl,omitempty"`
	ProxyFallbackToDirect bool   `gorm:"default:true" json:"proxyFallbackToDirect"`

	// APIKey is the outbound credential presented to this provider's
	// endpoint, shaped per ProviderType by forwarder.ApplyProviderAuth
	// (spec.md §6 "outbound provider-type conventions").
	APIKey          string `json:"-"`
	AnthropicVersion string `gorm:"default:2023-06-01" json:"anthropicVersion,omitempty"`

	// CodexInstructionsStrategy overrides the global
	// ENABLE_CODEX_INSTRUCTIONS_INJECTION toggle for this provider. Empty
	// means "defer to the global toggle"; "force_official" always injects
	// the official Codex CLI instructions regardless of the global setting.
	// Any other value is strict passthrough (spec.md §9 Open Question 2).
	CodexInstructionsStrategy string `gorm:"default:''" json:"codexInstructionsStrategy,omitempty"`

	Enabled bool `gorm:"default:true" json:"enabled"`
}

// CodexInstructionsForceOfficial is the only recognized non-empty
// CodexInstructionsStrategy value; everything else passes through.
const CodexInstructionsForceOfficial = "force_official"

// InjectOfficialCodexInstructions decides, per spec.md §9 Open Question 2,
// whether the official Codex CLI instructions should replace whatever
// system/instructions text the client supplied: strict passthrough unless
// this provider's own strategy is force_official; the global legacy toggle
// only applies when the provider strategy is unset.
func (p *Provider) InjectOfficialCodexInstructions(globalToggle bool) bool {
	if p.CodexInstructionsStrategy != "" {
		return p.CodexInstructionsStrategy == CodexInstructionsForceOfficial
	}
	return globalToggle
}

func (Provider) TableName() string { return "providers" }

// ServesModel reports whether this provider can serve requestedModel,
// applying the Claude-pool opt-in rule for Anthropic-shaped requests
// (spec.md §4.1 step 2).
func (p *Provider) ServesModel(requestedModel string, isAnthropicModel bool) bool {
	for _, m := range p.AllowedModels {
		if m == requestedModel {
			return true
		}
	}
	if len(p.AllowedModels) > 0 {
		return false
	}
	if isAnthropicModel && p.ProviderType == ProviderClaude {
		return true
	}
	return false
}

// RedirectModel applies ModelRedirects, returning the original model
// unchanged if no redirect is configured.
func (p *Provider) RedirectModel(requestedModel string) string {
	if actual, ok := p.ModelRedirects[requestedModel]; ok {
		return actual
	}
	return requestedModel
}

// MaxRetries returns the effective candidate-shortlist length, defaulting
// to 2 when unset (spec.md §4.1 "Output").
func (p *Provider) MaxRetries() int {
	if p.MaxRetryAttempts <= 0 {
		return 2
	}
	return p.MaxRetryAttempts
}

// BreakerEnabled reports whether the per-provider breaker is active for
// this provider (a zero threshold disables it, spec.md §3).
func (p *Provider) BreakerEnabled() bool {
	return p.FailureThreshold > 0
}

// EffectiveOpenDuration returns the configured open-state duration,
// defaulting to 30 minutes (spec.md §5 "Circuit open duration").
func (p *Provider) EffectiveOpenDuration() time.Duration {
	if p.OpenDurationMs <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(p.OpenDurationMs) * time.Millisecond
}

// CircuitBreakerState is the per-provider breaker's persisted shape
// (spec.md §3).
type CircuitBreakerState struct {
	ProviderID           uint      `json:"providerId"`
	FailureCount         int       `json:"failureCount"`
	LastFailureTime      time.Time `json:"lastFailureTime"`
	CircuitState         string    `json:"circuitState"` // closed | open | half-open
	CircuitOpenUntil     time.Time `json:"circuitOpenUntil"`
	HalfOpenSuccessCount int       `json:"halfOpenSuccessCount"`
}

// VendorTypeBreakerState is the coarser (vendor, providerType) breaker's
// persisted shape — closed/open only (spec.md §4.2).
type VendorTypeBreakerState struct {
	VendorID     uint         `json:"vendorId"`
	ProviderType ProviderType `json:"providerType"`
	CircuitState string       `json:"circuitState"` // closed | open
	OpenedAt     time.Time    `json:"openedAt"`
	ForcedOpen   bool         `json:"forcedOpen"`
}

// EndpointProbeState is the per-endpoint liveness snapshot (spec.md §3).
type EndpointProbeState struct {
	EndpointID         uint      `json:"endpointId"`
	LastProbedAt       time.Time `json:"lastProbedAt"`
	LastProbeOk        bool      `json:"lastProbeOk"`
	LastProbeStatus    int       `json:"lastProbeStatusCode"`
	LastProbeLatencyMs int64     `json:"lastProbeLatencyMs"`
	LastProbeErrorType string    `json:"lastProbeErrorType,omitempty"`
}

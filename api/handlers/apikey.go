package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/xj4007/llmgateway/types"
)

// ProviderAdminHandler manages providers and tenant API keys through the
// admin surface. It operates directly on the gorm-backed types used by
// pipeline.GormCatalog, so a write here is visible to the pipeline on its
// next lookup without any cache to invalidate.
type ProviderAdminHandler struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewAPIKeyHandler creates a ProviderAdminHandler.
func NewAPIKeyHandler(db *gorm.DB, logger *zap.Logger) *ProviderAdminHandler {
	return &ProviderAdminHandler{db: db, logger: logger}
}

// maskAPIKey 脱敏 API Key，仅显示末 4 位
func maskAPIKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

// extractID 从请求中提取 {id} 路径参数（Go 1.22+ PathValue）
func extractID(r *http.Request, name string) (uint, bool) {
	idStr := r.PathValue(name)
	if idStr == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

// HandleListProviders GET /api/v1/providers
func (h *ProviderAdminHandler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	var providers []types.Provider
	if err := h.db.Order("id ASC").Find(&providers).Error; err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to list providers", h.logger)
		return
	}

	resp := make([]providerResponse, 0, len(providers))
	for _, p := range providers {
		resp = append(resp, toProviderResponse(p))
	}
	WriteSuccess(w, resp)
}

// providerResponse is the admin-facing provider shape: APIKey is masked,
// never returned in full once it has been set.
type providerResponse struct {
	ID                        uint   `json:"id"`
	Name                      string `json:"name"`
	VendorID                  uint   `json:"vendorId"`
	EndpointID                uint   `json:"endpointId"`
	ProviderType              string `json:"providerType"`
	Priority                  int    `json:"priority"`
	Weight                    int    `json:"weight"`
	GroupTag                  string `json:"groupTag"`
	APIKeyMasked              string `json:"apiKey"`
	Enabled                   bool   `json:"enabled"`
	CodexInstructionsStrategy string `json:"codexInstructionsStrategy,omitempty"`
}

func toProviderResponse(p types.Provider) providerResponse {
	return providerResponse{
		ID:                        p.ID,
		Name:                      p.Name,
		VendorID:                  p.VendorID,
		EndpointID:                p.EndpointID,
		ProviderType:              string(p.ProviderType),
		Priority:                  p.Priority,
		Weight:                    p.Weight,
		GroupTag:                  p.GroupTag,
		APIKeyMasked:              maskAPIKey(p.APIKey),
		Enabled:                   p.Enabled,
		CodexInstructionsStrategy: p.CodexInstructionsStrategy,
	}
}

// createProviderRequest 创建 Provider 请求体
type createProviderRequest struct {
	Name                      string `json:"name"`
	VendorID                  uint   `json:"vendorId"`
	EndpointID                uint   `json:"endpointId"`
	ProviderType              string `json:"providerType"`
	APIKey                    string `json:"apiKey"`
	Priority                  int    `json:"priority"`
	Weight                    int    `json:"weight"`
	GroupTag                  string `json:"groupTag"`
	Enabled                   *bool  `json:"enabled"`
	CodexInstructionsStrategy string `json:"codexInstructionsStrategy"`
}

// HandleCreateProvider POST /api/v1/providers
func (h *ProviderAdminHandler) HandleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var req createProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid request body", h.logger)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "name is required", h.logger)
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "apiKey is required", h.logger)
		return
	}

	provider := types.Provider{
		Name:                      req.Name,
		VendorID:                  req.VendorID,
		EndpointID:                req.EndpointID,
		ProviderType:              types.ProviderType(req.ProviderType),
		APIKey:                    req.APIKey,
		Priority:                  req.Priority,
		Weight:                    req.Weight,
		GroupTag:                  req.GroupTag,
		Enabled:                   req.Enabled == nil || *req.Enabled,
		CodexInstructionsStrategy: req.CodexInstructionsStrategy,
	}
	if provider.GroupTag == "" {
		provider.GroupTag = "default"
	}
	if provider.Weight == 0 {
		provider.Weight = 1
	}

	if err := h.db.Create(&provider).Error; err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to create provider", h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: toProviderResponse(provider)})
}

// updateProviderRequest 更新 Provider 请求体
type updateProviderRequest struct {
	APIKey                    *string `json:"apiKey"`
	Priority                  *int    `json:"priority"`
	Weight                    *int    `json:"weight"`
	GroupTag                  *string `json:"groupTag"`
	Enabled                   *bool   `json:"enabled"`
	CodexInstructionsStrategy *string `json:"codexInstructionsStrategy"`
}

// HandleUpdateProvider PUT /api/v1/providers/{id}
func (h *ProviderAdminHandler) HandleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	providerID, ok := extractID(r, "id")
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid provider ID", h.logger)
		return
	}

	var existing types.Provider
	if err := h.db.First(&existing, providerID).Error; err != nil {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrInvalidRequest, "provider not found", h.logger)
		return
	}

	var req updateProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid request body", h.logger)
		return
	}

	updates := map[string]any{}
	if req.APIKey != nil {
		updates["api_key"] = *req.APIKey
	}
	if req.Priority != nil {
		updates["priority"] = *req.Priority
	}
	if req.Weight != nil {
		updates["weight"] = *req.Weight
	}
	if req.GroupTag != nil {
		updates["group_tag"] = *req.GroupTag
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if req.CodexInstructionsStrategy != nil {
		updates["codex_instructions_strategy"] = *req.CodexInstructionsStrategy
	}

	if len(updates) == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "no fields to update", h.logger)
		return
	}

	if err := h.db.Model(&existing).Updates(updates).Error; err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to update provider", h.logger)
		return
	}

	h.db.First(&existing, providerID)
	WriteSuccess(w, toProviderResponse(existing))
}

// HandleDeleteProvider DELETE /api/v1/providers/{id}
func (h *ProviderAdminHandler) HandleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	providerID, ok := extractID(r, "id")
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid provider ID", h.logger)
		return
	}

	result := h.db.Delete(&types.Provider{}, providerID)
	if result.Error != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to delete provider", h.logger)
		return
	}
	if result.RowsAffected == 0 {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrInvalidRequest, "provider not found", h.logger)
		return
	}

	WriteSuccess(w, map[string]string{"message": "provider deleted"})
}

// =============================================================================
// Tenant API keys (spec.md §3 "Key") — the bearer credentials users present
// to the gateway, distinct from the outbound provider credentials above.
// =============================================================================

// apiKeyResponse 脱敏后的 API Key 响应
type apiKeyResponse struct {
	ID            uint       `json:"id"`
	UserID        uint       `json:"userId"`
	Name          string     `json:"name"`
	ProviderGroup string     `json:"providerGroup"`
	Enabled       bool       `json:"enabled"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

func toAPIKeyResponse(k types.APIKey) apiKeyResponse {
	return apiKeyResponse{
		ID:            k.ID,
		UserID:        k.UserID,
		Name:          k.Name,
		ProviderGroup: k.ProviderGroup,
		Enabled:       k.Enabled,
		ExpiresAt:     k.ExpiresAt,
	}
}

// HandleListAPIKeys GET /api/v1/users/{id}/keys
func (h *ProviderAdminHandler) HandleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := extractID(r, "id")
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid user ID", h.logger)
		return
	}

	var keys []types.APIKey
	if err := h.db.Where("user_id = ?", userID).Order("id ASC").Find(&keys).Error; err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to list API keys", h.logger)
		return
	}

	resp := make([]apiKeyResponse, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, toAPIKeyResponse(k))
	}
	WriteSuccess(w, resp)
}

// createAPIKeyRequest 创建 API Key 请求体
type createAPIKeyRequest struct {
	KeyString     string `json:"keyString"`
	Name          string `json:"name"`
	ProviderGroup string `json:"providerGroup"`
	Enabled       *bool  `json:"enabled"`
}

// HandleCreateAPIKey POST /api/v1/users/{id}/keys
func (h *ProviderAdminHandler) HandleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := extractID(r, "id")
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid user ID", h.logger)
		return
	}

	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid request body", h.logger)
		return
	}
	if strings.TrimSpace(req.KeyString) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "keyString is required", h.logger)
		return
	}

	key := types.APIKey{
		UserID:        userID,
		KeyString:     req.KeyString,
		Name:          req.Name,
		ProviderGroup: req.ProviderGroup,
		Enabled:       req.Enabled == nil || *req.Enabled,
	}

	if err := h.db.Create(&key).Error; err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to create API key", h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: toAPIKeyResponse(key)})
}

// HandleDeleteAPIKey DELETE /api/v1/users/{id}/keys/{keyId}
func (h *ProviderAdminHandler) HandleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := extractID(r, "id")
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid user ID", h.logger)
		return
	}
	keyID, ok := extractID(r, "keyId")
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid key ID", h.logger)
		return
	}

	result := h.db.Where("id = ? AND user_id = ?", keyID, userID).Delete(&types.APIKey{})
	if result.Error != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to delete API key", h.logger)
		return
	}
	if result.RowsAffected == 0 {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrInvalidRequest, "API key not found", h.logger)
		return
	}

	WriteSuccess(w, map[string]string{"message": "API key deleted"})
}

package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/xj4007/llmgateway/types"
)

func setupAdminTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Provider{}, &types.APIKey{}, &types.User{}))

	require.NoError(t, db.Create(&types.User{Username: "acme", Enabled: true}).Error)
	return db
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", maskAPIKey("abc"))
	assert.Equal(t, "****5678", maskAPIKey("12345678"))
	key := "sk-abcdefghijklmnopqrstuvwxycdef"
	masked := maskAPIKey(key)
	assert.Equal(t, len(key), len(masked))
	assert.True(t, masked[len(masked)-4:] == key[len(key)-4:])
}

func TestHandleListProviders(t *testing.T) {
	db := setupAdminTestDB(t)
	h := NewAPIKeyHandler(db, zap.NewNop())
	require.NoError(t, db.Create(&types.Provider{Name: "claude-main", ProviderType: types.ProviderClaude, APIKey: "sk-ant-xyz"}).Error)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil)
	w := httptest.NewRecorder()
	h.HandleListProviders(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestHandleCreateProvider(t *testing.T) {
	db := setupAdminTestDB(t)
	h := NewAPIKeyHandler(db, zap.NewNop())

	body, _ := json.Marshal(createProviderRequest{
		Name:         "gemini-main",
		ProviderType: string(types.ProviderGemini),
		APIKey:       "AIza-test-1234567890",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/providers", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleCreateProvider(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)

	var createResp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &createResp))
	assert.True(t, createResp.Success)

	data, _ := json.Marshal(createResp.Data)
	var provResp providerResponse
	require.NoError(t, json.Unmarshal(data, &provResp))
	assert.NotContains(t, provResp.APIKeyMasked, "AIza-test")
	assert.True(t, len(provResp.APIKeyMasked) > 0)
}

func TestHandleCreateProvider_Validation(t *testing.T) {
	db := setupAdminTestDB(t)
	h := NewAPIKeyHandler(db, zap.NewNop())

	body, _ := json.Marshal(createProviderRequest{Name: "missing-key"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/providers", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleCreateProvider(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleUpdateProvider(t *testing.T) {
	db := setupAdminTestDB(t)
	h := NewAPIKeyHandler(db, zap.NewNop())
	require.NoError(t, db.Create(&types.Provider{Name: "codex-main", ProviderType: types.ProviderCodex, APIKey: "sk-old"}).Error)

	newKey := "sk-new"
	body, _ := json.Marshal(updateProviderRequest{APIKey: &newKey})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/providers/1", bytes.NewReader(body))
	req.SetPathValue("id", "1")
	w := httptest.NewRecorder()
	h.HandleUpdateProvider(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var provider types.Provider
	db.First(&provider, 1)
	assert.Equal(t, "sk-new", provider.APIKey)
}

func TestHandleDeleteProvider(t *testing.T) {
	db := setupAdminTestDB(t)
	h := NewAPIKeyHandler(db, zap.NewNop())
	require.NoError(t, db.Create(&types.Provider{Name: "to-delete", ProviderType: types.ProviderCodex, APIKey: "sk-x"}).Error)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/providers/1", nil)
	req.SetPathValue("id", "1")
	w := httptest.NewRecorder()
	h.HandleDeleteProvider(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var count int64
	db.Model(&types.Provider{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestHandleDeleteProvider_NotFound(t *testing.T) {
	db := setupAdminTestDB(t)
	h := NewAPIKeyHandler(db, zap.NewNop())

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/providers/999", nil)
	req.SetPathValue("id", "999")
	w := httptest.NewRecorder()
	h.HandleDeleteProvider(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCreateAndListAPIKeys(t *testing.T) {
	db := setupAdminTestDB(t)
	h := NewAPIKeyHandler(db, zap.NewNop())

	body, _ := json.Marshal(createAPIKeyRequest{KeyString: "sk-tenant-test", Name: "ci"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/1/keys", bytes.NewReader(body))
	req.SetPathValue("id", "1")
	w := httptest.NewRecorder()
	h.HandleCreateAPIKey(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/users/1/keys", nil)
	req2.SetPathValue("id", "1")
	w2 := httptest.NewRecorder()
	h.HandleListAPIKeys(w2, req2)

	assert.Equal(t, http.StatusOK, w2.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestHandleDeleteAPIKey(t *testing.T) {
	db := setupAdminTestDB(t)
	h := NewAPIKeyHandler(db, zap.NewNop())
	require.NoError(t, db.Create(&types.APIKey{UserID: 1, KeyString: "sk-del", Name: "ci"}).Error)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/users/1/keys/1", nil)
	req.SetPathValue("id", "1")
	req.SetPathValue("keyId", "1")
	w := httptest.NewRecorder()
	h.HandleDeleteAPIKey(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var count int64
	db.Model(&types.APIKey{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

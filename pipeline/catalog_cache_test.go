package pipeline

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/xj4007/llmgateway/internal/cache"
	"github.com/xj4007/llmgateway/testutil"
)

func setupCatalogTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)
	return mockDB, mock, gormDB
}

func setupCatalogTestCache(t *testing.T) *cache.Manager {
	mr := miniredis.RunT(t)
	cfg := cache.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0
	m, err := cache.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestGormCatalog_ModelPrice_CachesAcrossCalls(t *testing.T) {
	mockDB, mock, gormDB := setupCatalogTestDB(t)
	defer mockDB.Close()

	rows := sqlmock.NewRows([]string{"id", "model", "version", "input_per_token", "output_per_token"}).
		AddRow(1, "claude-3-opus", 1, "0.000015", "0.000075")
	mock.ExpectQuery(`SELECT \* FROM "model_prices"`).WillReturnRows(rows)

	catalog := NewGormCatalog(gormDB, zap.NewNop()).WithCache(setupCatalogTestCache(t))

	ctx := testutil.TestContext(t)

	price, err := catalog.ModelPrice(ctx, "claude-3-opus")
	testutil.AssertNoError(t, err)
	require.Equal(t, "claude-3-opus", price.Model)

	// Second lookup must come from cache: no second query expectation set,
	// so a fallback to the DB would fail ExpectationsWereMet below.
	cached, err := catalog.ModelPrice(ctx, "claude-3-opus")
	testutil.AssertNoError(t, err)
	require.Equal(t, price.Model, cached.Model)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormCatalog_ModelPrice_NoCacheFallsBackToDB(t *testing.T) {
	mockDB, mock, gormDB := setupCatalogTestDB(t)
	defer mockDB.Close()

	rows := sqlmock.NewRows([]string{"id", "model", "version"}).AddRow(1, "gpt-4o", 1)
	mock.ExpectQuery(`SELECT \* FROM "model_prices"`).WillReturnRows(rows)

	catalog := NewGormCatalog(gormDB, zap.NewNop())

	price, err := catalog.ModelPrice(testutil.TestContext(t), "gpt-4o")
	testutil.AssertNoError(t, err)
	require.Equal(t, "gpt-4o", price.Model)
	require.NoError(t, mock.ExpectationsWereMet())
}

package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fiscalops/fleetwatch/internal/handlers"
	"github.com/fiscalops/fleetwatch/internal/repositories/device"
	"github.com/fiscalops/fleetwatch/internal/repositories/schema"
	"github.com/fiscalops/fleetwatch/pkg/database"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

// unreachableDeviceRepository builds a device repository over a pool that
// dials a dead address, so every read fails without needing a live database.
func unreachableDeviceRepository(t *testing.T) *device.Repository {
	db, err := sqlx.Open("postgres", "host=127.0.0.1 port=1 user=none password=none dbname=none sslmode=disable connect_timeout=1")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	wrapped := database.NewDatabaseInstance(db, getTestLogger())
	registry := schema.NewRegistry(wrapped, getTestLogger(), nil)
	return device.NewRepository(wrapped, getTestLogger(), registry, device.Config{GraceDays: 14, DayFilter: 5})
}

func getContext(t *testing.T, target string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

func decodeListing(t *testing.T, rec *httptest.ResponseRecorder) device.Listing {
	var listing device.Listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	return listing
}

// The fleet read endpoints answer an empty listing when the store is down.
// Dashboards render an empty fleet instead of an error page.
func TestFiscalHandler_List_EmptyOnReadFailure(t *testing.T) {
	h := handlers.NewFiscalHandler(unreachableDeviceRepository(t), nil, nil, getTestLogger())

	c, rec := getContext(t, "/api/v1/fiscals")
	require.NoError(t, h.List(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	listing := decodeListing(t, rec)
	assert.Empty(t, listing.Columns)
	assert.Empty(t, listing.Records)
}

func TestFiscalHandler_ListNonFiscal_EmptyOnReadFailure(t *testing.T) {
	h := handlers.NewFiscalHandler(unreachableDeviceRepository(t), nil, nil, getTestLogger())

	c, rec := getContext(t, "/api/v1/nonfiscals")
	require.NoError(t, h.ListNonFiscal(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	listing := decodeListing(t, rec)
	assert.Empty(t, listing.Records)
}

func TestFiscalHandler_Search_EmptyOnReadFailure(t *testing.T) {
	h := handlers.NewFiscalHandler(unreachableDeviceRepository(t), nil, nil, getTestLogger())

	c, rec := getContext(t, "/api/v1/fiscals/search?q=SN-1")
	require.NoError(t, h.Search(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	listing := decodeListing(t, rec)
	assert.Empty(t, listing.Records)
}

// A missing search query is still a caller mistake, not a degraded read.
func TestFiscalHandler_Search_MissingQuery(t *testing.T) {
	h := handlers.NewFiscalHandler(unreachableDeviceRepository(t), nil, nil, getTestLogger())

	c, _ := getContext(t, "/api/v1/fiscals/search")
	assert.Error(t, h.Search(c))
}

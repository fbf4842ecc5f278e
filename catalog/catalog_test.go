package catalog

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vorpalengineering/x402-gateway/resource/middleware"
	"github.com/vorpalengineering/x402-gateway/types"
)

func TestFromRoutes(t *testing.T) {
	c, err := FromRoutes("http://localhost:4021/", map[string]middleware.RoutePolicy{
		"/weather":    {Price: "$0.01", Description: "7 day forecast for a city"},
		"/car-report": {Price: "$0.02", Description: "Car report for a VIN"},
	})
	require.NoError(t, err)

	assert.Equal(t, []types.IndexEntry{
		{
			ResourceURL:         "http://localhost:4021/car-report",
			ResourceDescription: "Car report for a VIN",
			Price:               types.Price{Amount: 0.02, Currency: "USDC"},
		},
		{
			ResourceURL:         "http://localhost:4021/weather",
			ResourceDescription: "7 day forecast for a city",
			Price:               types.Price{Amount: 0.01, Currency: "USDC"},
		},
	}, c.Entries())
}

func TestFromRoutesExplicitAccepts(t *testing.T) {
	c, err := FromRoutes("http://localhost:4021", map[string]middleware.RoutePolicy{
		"/premium": {
			Description: "Premium data",
			Accepts: []types.PaymentRequirements{{
				Scheme:            types.SchemeExact,
				Network:           types.NetworkBase,
				MaxAmountRequired: "1500000",
				PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			}},
		},
	})
	require.NoError(t, err)
	require.Len(t, c.Entries(), 1)
	assert.Equal(t, types.Price{Amount: 1.5, Currency: "USDC"}, c.Entries()[0].Price)
}

func TestFromRoutesInvalidPrice(t *testing.T) {
	_, err := FromRoutes("http://localhost:4021", map[string]middleware.RoutePolicy{
		"/weather": {Price: "cheap"},
	})
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, err := FromRoutes("http://localhost:4021", map[string]middleware.RoutePolicy{
		"/weather": {Price: "$0.01", Description: "Current weather"},
	})
	require.NoError(t, err)

	router := gin.New()
	router.GET("/", c.Handler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []types.IndexEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "http://localhost:4021/weather", entries[0].ResourceURL)
	assert.Equal(t, 0.01, entries[0].Price.Amount)
}

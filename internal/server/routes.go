package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RegisterRoutes configures the API routes, middleware and error handler.
func RegisterRoutes(e *echo.Echo, h *Handlers, cfg Config) {
	e.HTTPErrorHandler = JSONErrorHandler()
	e.Use(SetNoCacheHeaders)

	v1 := e.Group("/v1")
	v1.GET("/health", h.Health)

	api := v1.Group("")
	if cfg.APIKey != "" {
		api.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:X-API-Key",
			Validator: func(key string, c echo.Context) (bool, error) {
				return key == cfg.APIKey, nil
			},
		}))
	}

	api.GET("/status", h.Status)

	scanRate := cfg.ScanRate
	if scanRate <= 0 {
		scanRate = 1.0 / 30
	}
	api.POST("/scan", h.Scan, middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(scanRate),
		Burst:     1,
		ExpiresIn: 5 * time.Minute,
	})))

	api.GET("/events", h.ListEvents)
	api.GET("/events/:trade_id", h.GetEvent)
	api.GET("/wallets/:address", h.GetWallet)

	watch := api.Group("/watchlist")
	watch.GET("", h.ListWatchlist)
	watch.POST("", h.AddWatch)
	watch.DELETE("/:address", h.RemoveWatch)

	e.RouteNotFound("/*", func(c echo.Context) error {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found", Code: http.StatusNotFound})
	})
}

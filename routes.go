// Package main is the entry point for the IB Stream API
package main

import (
	"fmt"
	"log"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nsvirk/ibstreamapi/api/bufferapi"
	"github.com/nsvirk/ibstreamapi/api/health"
	"github.com/nsvirk/ibstreamapi/api/stream"
	"github.com/nsvirk/ibstreamapi/api/ws"
	"github.com/nsvirk/ibstreamapi/config"
	"github.com/nsvirk/ibstreamapi/shared/response"
)

// setupRoutes configures the routes for the API
func setupRoutes(e *echo.Echo, app *appContext) {

	// Index route
	e.GET("/", indexRoute)

	// Streaming routes (SSE)
	streamHandler := stream.NewHandler(app.streamService, app.storage)
	streamGroup := e.Group("/v2/stream")
	streamGroup.GET("/:cid/live/:tick_type", streamHandler.StreamLiveSingle)
	streamGroup.GET("/:cid/live", streamHandler.StreamLiveMulti)
	streamGroup.GET("/:cid/buffer", streamHandler.StreamBuffer)

	// Buffer query routes
	bufferHandler := bufferapi.NewHandler(app.storage, app.manager)
	bufferGroup := e.Group("/v2/buffer")
	bufferGroup.GET("/:cid/range", bufferHandler.Range)
	bufferGroup.GET("/:cid/info", bufferHandler.Info)
	bufferGroup.GET("/:cid/stats", bufferHandler.Stats)

	// WebSocket route
	e.GET("/v2/ws/stream", app.wsManager.HandleWS)

	// Health and management routes
	healthHandler := health.NewHandler(app.router, app.storage, app.manager, app.streamService, app.interactive)
	e.GET("/health", healthHandler.Health)
	e.GET("/stream/active", healthHandler.Active)
	e.DELETE("/stream/:cid", healthHandler.StopContract)
	e.DELETE("/stream/all", healthHandler.StopAll)

	// Prometheus metrics
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// indexRoute sets up the index route for the API
func indexRoute(c echo.Context) error {
	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	message := fmt.Sprintf("%s (stream protocol v2)", cfg.APIName)
	return response.SuccessMessage(c, message)
}

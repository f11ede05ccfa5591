// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"time"

	"github.com/AleutianAI/stampvc/services/versioning/telemetry"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers all versioning routes with the router group.
//
// Description:
//
//	Registers all /v1/versioning/* endpoints. The group should already
//	have any required middleware applied.
//
// Endpoints:
//
//	GET    /v1/versioning/health - Health check
//	GET    /v1/versioning/stamps/:seq - Stamp by sequence
//	GET    /v1/versioning/transactions - Open transactions
//	GET    /v1/versioning/commits - Commit log, newest first
//	GET    /v1/versioning/taxonomy/:nid - Parents, children and roles
//	POST   /v1/versioning/concepts - Create a concept
//	PUT    /v1/versioning/concepts/:nid - Replace a concept's definition
//	DELETE /v1/versioning/concepts/:nid - Retire a concept
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	v := rg.Group("/versioning")
	{
		v.GET("/health", h.HandleHealth)
		v.GET("/stamps/:seq", h.HandleStamp)
		v.GET("/transactions", h.HandleTransactions)
		v.GET("/commits", h.HandleCommits)
		v.GET("/taxonomy/:nid", h.HandleTaxonomy)

		v.POST("/concepts", h.HandleDefineConcept)
		v.PUT("/concepts/:nid", h.HandleRedefineConcept)
		v.DELETE("/concepts/:nid", h.HandleRetireConcept)
	}
}

// NewRouter builds the HTTP router: recovery, OpenTelemetry spans,
// request logging, /metrics and the /v1 routes.
func NewRouter(h *Handlers, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("stampvc"))
	router.Use(requestLog(logger.With("component", "api.Router")))

	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	RegisterRoutes(router.Group("/v1"), h)
	return router
}

func requestLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		if id := telemetry.TraceID(c.Request.Context()); id != "" {
			c.Header("X-Trace-ID", id)
		}
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

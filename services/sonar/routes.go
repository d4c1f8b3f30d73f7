// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sonar

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all Sonar routes with the router.
//
// Description:
//
//	Registers all /v1/sonar/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Core Endpoints:
//
//	POST /v1/sonar/resolve - Resolve a stack trace with the LLM
//	POST /v1/sonar/context - Assemble repository context, no LLM call
//	POST /v1/sonar/clone - Clone and index a repository
//	GET  /v1/sonar/health - Health check
//
// Index Endpoints:
//
//	GET  /v1/sonar/index/stats - Live index statistics
//	POST /v1/sonar/index/refresh - Apply working-tree changes to the index
//	GET  /v1/sonar/index/events - Websocket stream of index events
//
// Debug Endpoints:
//
//	GET  /v1/sonar/debug/cache - Embedding cache statistics
//	POST /v1/sonar/debug/snapshot - Save a named index snapshot
//	GET  /v1/sonar/debug/snapshots - List saved snapshots
//	POST /v1/sonar/debug/snapshot/:name/load - Load a named snapshot
//	DELETE /v1/sonar/debug/snapshot/:name - Delete a named snapshot
//
// Example:
//
//	service := sonar.NewService(sonar.ServiceConfig{Embedder: embedder})
//	handlers := sonar.NewHandlers(service)
//
//	v1 := router.Group("/v1")
//	sonar.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	sonar := rg.Group("/sonar")
	{
		// Trace resolution
		sonar.POST("/resolve", handlers.HandleResolve)
		sonar.POST("/context", handlers.HandleContext)

		// Repository lifecycle
		sonar.POST("/clone", handlers.HandleClone)

		// Health check
		sonar.GET("/health", handlers.HandleHealth)

		// Index state
		index := sonar.Group("/index")
		{
			index.GET("/stats", handlers.HandleIndexStats)
			index.POST("/refresh", handlers.HandleRefresh)
			index.GET("/events", handlers.HandleIndexEvents)
		}

		// =================================================================
		// DEBUG ENDPOINTS
		// =================================================================

		debug := sonar.Group("/debug")
		{
			debug.GET("/cache", handlers.HandleCacheStats)

			// Index snapshot persistence
			debug.POST("/snapshot", handlers.HandleSaveSnapshot)
			debug.GET("/snapshots", handlers.HandleListSnapshots)
			debug.POST("/snapshot/:name/load", handlers.HandleLoadSnapshot)
			debug.DELETE("/snapshot/:name", handlers.HandleDeleteSnapshot)
		}
	}
}

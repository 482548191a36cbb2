// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the scheduler HTTP API onto a gin engine.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/Fawwaz-2009/automaker/services/scheduler/engine"
	"github.com/Fawwaz-2009/automaker/services/scheduler/events"
	"github.com/Fawwaz-2009/automaker/services/scheduler/handlers"
	"github.com/Fawwaz-2009/automaker/services/scheduler/observability"
)

// SetupRoutes registers all scheduler endpoints.
func SetupRoutes(router *gin.Engine, coord *engine.Coordinator, bus *events.Bus,
	metrics *observability.APIMetrics) {

	router.Use(otelgin.Middleware("scheduler-service"))
	if metrics != nil {
		router.Use(metrics.Middleware())
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		features := v1.Group("/features")
		{
			features.POST("", handlers.CreateFeature(coord))
			features.GET("", handlers.ListFeatures(coord))
			features.GET("/:id", handlers.GetFeature(coord))
			features.PATCH("/:id", handlers.UpdateFeature(coord))
			features.DELETE("/:id", handlers.DeleteFeature(coord))

			features.POST("/:id/dependencies", handlers.AddDependency(coord))
			features.DELETE("/:id/dependencies/:depId", handlers.RemoveDependency(coord))

			features.POST("/:id/start", handlers.StartFeature(coord))
			features.POST("/:id/stop", handlers.StopFeature(coord))
			features.POST("/:id/resume", handlers.ResumeFeature(coord))
			features.POST("/:id/spawn", handlers.SpawnTask(coord))
		}

		v1.GET("/slots", handlers.Slots(coord))
		v1.GET("/events/ws", handlers.EventStream(bus, metrics))
	}
}

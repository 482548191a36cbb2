// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the scheduler's
// HTTP surface.
//
// The coordinator's own instruments (admissions, running tasks, pass
// latency) are OpenTelemetry metrics registered in the engine package and
// bridged to the same /metrics endpoint by the service main. This package
// covers the request side: per-endpoint counters and latency histograms.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "automaker"

const apiSubsystem = "api"

// APIMetrics holds the Prometheus metrics for the HTTP API.
type APIMetrics struct {
	// RequestsTotal counts requests by route, method, and status code.
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds observes request latency by route.
	RequestDurationSeconds *prometheus.HistogramVec

	// WebsocketSessions gauges currently connected event subscribers.
	WebsocketSessions prometheus.Gauge
}

// NewAPIMetrics registers the API metric set on reg (the default registry
// when reg is nil) and returns it. Call once at startup.
func NewAPIMetrics(reg prometheus.Registerer) *APIMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &APIMetrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: apiSubsystem,
			Name:      "requests_total",
			Help:      "HTTP requests by route, method, and status code.",
		}, []string{"route", "method", "status"}),

		RequestDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: apiSubsystem,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		WebsocketSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: apiSubsystem,
			Name:      "websocket_sessions",
			Help:      "Currently connected event stream subscribers.",
		}),
	}
}

// Middleware records request count and latency for every route.
func (m *APIMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(
			route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDurationSeconds.WithLabelValues(route).
			Observe(time.Since(start).Seconds())
	}
}

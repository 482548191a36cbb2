// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Fawwaz-2009/automaker/services/scheduler/events"
	"github.com/Fawwaz-2009/automaker/services/scheduler/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The board UI is served from the same local process.
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// pingInterval keeps idle event streams alive through proxies.
const pingInterval = 30 * time.Second

// EventStream handles GET /v1/events/ws: upgrades to a websocket and
// forwards scheduler events as JSON until the client goes away.
func EventStream(bus *events.Bus, metrics *observability.APIMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		if metrics != nil {
			metrics.WebsocketSessions.Inc()
			defer metrics.WebsocketSessions.Dec()
		}

		sub, cancel := bus.Subscribe()
		defer cancel()

		// Reader goroutine: we never expect client messages, but reading is
		// the only way to notice a close frame.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if err := ws.WriteJSON(ev); err != nil {
					slog.Warn("failed to write event", "error", err)
					return
				}
			case <-ticker.C:
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}

// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/Fawwaz-2009/automaker/services/scheduler/events"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream scheduler events live",
	Long: `Connects to the scheduler's websocket event stream and prints
state transitions as they happen. Press Ctrl-C to stop.`,
	RunE: runWatchCommand,
}

func runWatchCommand(cmd *cobra.Command, args []string) error {
	wsURL, err := websocketURL(apiURL)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("cannot connect to event stream at %s: %w", wsURL, err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	received := make(chan events.Event)
	errs := make(chan error, 1)
	go func() {
		for {
			var ev events.Event
			if err := conn.ReadJSON(&ev); err != nil {
				errs <- err
				return
			}
			received <- ev
		}
	}()

	for {
		select {
		case ev := <-received:
			printEvent(ev)
		case err := <-errs:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("event stream closed: %w", err)
		case <-interrupt:
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}

func printEvent(ev events.Event) {
	line := fmt.Sprintf("%s  %-18s %s",
		ev.Timestamp.Format("15:04:05"), ev.Type, ev.FeatureID)
	if ev.Status != "" {
		line += "  status=" + ev.Status
	}
	if ev.Detail != "" {
		line += "  detail=" + ev.Detail
	}
	fmt.Println(line)
}

// websocketURL maps the HTTP API base URL to the event stream endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid API URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported API URL scheme %q", u.Scheme)
	}
	u.Path = "/v1/events/ws"
	return u.String(), nil
}

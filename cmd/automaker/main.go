// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command automaker is the CLI for the scheduler service.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var apiURL string

var rootCmd = &cobra.Command{
	Use:   "automaker",
	Short: "Manage the AutoMaker feature scheduler",
	Long: `automaker talks to a running scheduler service.

Features form a dependency graph; the scheduler runs eligible features
under a concurrency budget. Use this CLI to create features, wire
dependencies, start and stop work, and watch progress live.`,
	SilenceUsage: true,
}

func init() {
	defaultURL := os.Getenv("AUTOMAKER_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:12300"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultURL,
		"Scheduler API base URL (env: AUTOMAKER_API_URL)")

	rootCmd.AddCommand(featureCmd)
	rootCmd.AddCommand(slotsCmd)
	rootCmd.AddCommand(watchCmd)
}

func newClient() *apiClient {
	return newAPIClient(strings.TrimRight(apiURL, "/"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

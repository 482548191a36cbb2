// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Fawwaz-2009/automaker/services/scheduler/feature"
)

var (
	createDescription  string
	createBranch       string
	createPriority     int
	createDependencies []string
	deleteCascade      bool
	listJSONOutput     bool
)

var featureCmd = &cobra.Command{
	Use:   "feature",
	Short: "Create and manage features in the dependency graph",
}

var featureCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a new feature",
	Long: `Creates a feature in the queued state.

Dependencies are given as existing feature IDs; the new feature will not
start until all of them have completed.

Examples:
  automaker feature create "login page"
  automaker feature create "password reset" --deps <id> --branch feature/reset`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{
			"title":        args[0],
			"description":  createDescription,
			"branch_name":  createBranch,
			"priority":     createPriority,
			"dependencies": createDependencies,
		}
		f, err := newClient().createFeature(req)
		if err != nil {
			return err
		}
		fmt.Printf("Created %s (%s)\n", f.ID, f.Title)
		return nil
	},
}

var featureListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all features",
	RunE: func(cmd *cobra.Command, args []string) error {
		features, err := newClient().listFeatures()
		if err != nil {
			return err
		}
		if listJSONOutput {
			return json.NewEncoder(os.Stdout).Encode(features)
		}
		printFeatureTable(features)
		return nil
	},
}

var featureShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one feature as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newClient().getFeature(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(f)
	},
}

var featureDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a feature",
	Long: `Deletes a feature from the graph.

Fails if other features depend on it unless --cascade is given, in which
case the edge is removed from every dependent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().deleteFeature(args[0], deleteCascade); err != nil {
			return err
		}
		fmt.Println("Deleted", args[0])
		return nil
	},
}

var featureDepsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Manage feature dependencies",
}

var featureDepsAddCmd = &cobra.Command{
	Use:   "add <id> <depends-on-id>",
	Short: "Add a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().addDependency(args[0], args[1])
	},
}

var featureDepsRemoveCmd = &cobra.Command{
	Use:   "remove <id> <depends-on-id>",
	Short: "Remove a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().removeDependency(args[0], args[1])
	},
}

var featureStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Request execution of a feature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().startFeature(args[0]); err != nil {
			return err
		}
		fmt.Println("Start accepted for", args[0])
		return nil
	},
}

var featureStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Request a running feature to stop",
	Long: `Asks the agent working on the feature to stop.

The feature stays running until the agent acknowledges; watch the event
stream to see the stopped transition.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().stopFeature(args[0]); err != nil {
			return err
		}
		fmt.Println("Stop requested for", args[0])
		return nil
	},
}

var featureResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Re-queue a stopped or failed feature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().resumeFeature(args[0]); err != nil {
			return err
		}
		fmt.Println("Resume accepted for", args[0])
		return nil
	},
}

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "Show the live execution slot table",
	RunE: func(cmd *cobra.Command, args []string) error {
		slots, err := newClient().slots()
		if err != nil {
			return err
		}
		if len(slots) == 0 {
			fmt.Println("No features running.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FEATURE\tSTARTED")
		for _, s := range slots {
			fmt.Fprintf(w, "%s\t%s\n", s.FeatureID, s.StartedAt.Format("15:04:05"))
		}
		return w.Flush()
	},
}

func printFeatureTable(features []feature.Feature) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tDEPS\tTITLE")
	for _, f := range features {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			f.ID, f.Status, f.Priority, strings.Join(f.Dependencies, ","), f.Title)
	}
	w.Flush()
}

func init() {
	featureCreateCmd.Flags().StringVar(&createDescription, "description", "",
		"Longer description of the feature")
	featureCreateCmd.Flags().StringVar(&createBranch, "branch", "",
		"Branch workspace to run in (default: primary workspace)")
	featureCreateCmd.Flags().IntVar(&createPriority, "priority", 0,
		"Scheduling priority (higher runs first)")
	featureCreateCmd.Flags().StringSliceVar(&createDependencies, "deps", nil,
		"Feature IDs this feature depends on")

	featureDeleteCmd.Flags().BoolVar(&deleteCascade, "cascade", false,
		"Remove the dependency edge from dependents instead of failing")
	featureListCmd.Flags().BoolVar(&listJSONOutput, "json", false,
		"Output as JSON for scripting")

	featureDepsCmd.AddCommand(featureDepsAddCmd)
	featureDepsCmd.AddCommand(featureDepsRemoveCmd)

	featureCmd.AddCommand(featureCreateCmd)
	featureCmd.AddCommand(featureListCmd)
	featureCmd.AddCommand(featureShowCmd)
	featureCmd.AddCommand(featureDeleteCmd)
	featureCmd.AddCommand(featureDepsCmd)
	featureCmd.AddCommand(featureStartCmd)
	featureCmd.AddCommand(featureStopCmd)
	featureCmd.AddCommand(featureResumeCmd)
}

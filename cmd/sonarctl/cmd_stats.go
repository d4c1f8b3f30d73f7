// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server health and index statistics",
	Args:  cobra.NoArgs,
	Run:   runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false,
		"Print the raw JSON response")
	rootCmd.AddCommand(statsCmd)
}

// healthResponse mirrors the server's health body.
type healthResponse struct {
	Status            string `json:"status"`
	VectorStoreLoaded bool   `json:"vector_store_loaded"`
	Documents         int    `json:"documents"`
}

// indexStatsResponse mirrors the server's index stats body.
type indexStatsResponse struct {
	Documents  int       `json:"documents"`
	Files      int       `json:"files"`
	Dimensions int       `json:"dimensions"`
	Model      string    `json:"model"`
	RepoPath   string    `json:"repo_path,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	HeadCommit string    `json:"head_commit,omitempty"`
	IndexedAt  time.Time `json:"indexed_at"`
}

func runStats(_ *cobra.Command, _ []string) {
	var health healthResponse
	if err := getJSON("/v1/sonar/health", &health); err != nil {
		log.Fatalf("health check failed: %v", err)
	}

	if !health.VectorStoreLoaded {
		if statsJSON {
			printJSON(health)
			return
		}
		fmt.Printf("Status: %s\n", health.Status)
		fmt.Println("No vector store loaded. Index a repository with: sonarctl clone <ssh-url>")
		return
	}

	var stats indexStatsResponse
	if err := getJSON("/v1/sonar/index/stats", &stats); err != nil {
		log.Fatalf("index stats failed: %v", err)
	}

	if statsJSON {
		printJSON(stats)
		return
	}

	label := func(s string) string { return s }
	if interactive() {
		style := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
		label = func(s string) string { return style.Render(s) }
	}

	fmt.Printf("%s  %s\n", label("Status:"), health.Status)
	fmt.Printf("%s   %d documents across %d files (%d dims, %s)\n",
		label("Index:"), stats.Documents, stats.Files, stats.Dimensions, stats.Model)
	if stats.RepoPath != "" {
		fmt.Printf("%s    %s", label("Repo:"), stats.RepoPath)
		if stats.Branch != "" {
			fmt.Printf(" @ %s", stats.Branch)
		}
		if stats.HeadCommit != "" {
			fmt.Printf(" (%.12s)", stats.HeadCommit)
		}
		fmt.Println()
	}
	fmt.Printf("%s %s\n", label("Indexed:"), stats.IndexedAt.Local().Format(time.RFC1123))
}

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

	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-index files that changed in the cloned working tree",
	Args:  cobra.NoArgs,
	Run:   runRefresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

// refreshResponse mirrors the server's refresh body.
type refreshResponse struct {
	ChangedFiles     int    `json:"changed_files"`
	RemovedDocuments int    `json:"removed_documents"`
	AddedDocuments   int    `json:"added_documents"`
	DurationMs       int64  `json:"duration_ms"`
	RequestID        string `json:"request_id"`
}

func runRefresh(_ *cobra.Command, _ []string) {
	var resp refreshResponse
	if err := postJSON("/v1/sonar/index/refresh", nil, &resp, 10*time.Minute); err != nil {
		log.Fatalf("refresh failed: %v", err)
	}

	if resp.ChangedFiles == 0 {
		fmt.Println("Index already up to date.")
		return
	}
	fmt.Printf("Refreshed %d changed files: -%d/+%d documents in %dms\n",
		resp.ChangedFiles, resp.RemovedDocuments, resp.AddedDocuments, resp.DurationMs)
}

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
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a .env with the server address for this directory",
	Long: `Interactively configures sonarctl for the current directory by writing
ALEUTIAN_SONAR_URL into a .env file. Every sonarctl invocation loads
.env from the working directory, so commands run here pick the address
up without flags.

Other keys already present in .env are preserved.

Examples:
  sonarctl init
  ALEUTIAN_SONAR_URL=http://sonar.internal:8080 sonarctl stats   # no .env needed`,
	Args: cobra.NoArgs,
	Run:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(_ *cobra.Command, _ []string) {
	if !interactive() {
		log.Fatalf("init is interactive; on a non-terminal set ALEUTIAN_SONAR_URL or pass --server instead")
	}

	// Preserve unrelated keys and pre-fill from a previous run.
	existing, err := godotenv.Read()
	if err != nil {
		existing = map[string]string{}
	}
	serverURL := existing["ALEUTIAN_SONAR_URL"]
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	check := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Sonar server URL").
				Placeholder("http://localhost:8080").
				Value(&serverURL).
				Validate(func(s string) error {
					s = strings.TrimSpace(s)
					if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
						return errors.New("must start with http:// or https://")
					}
					return nil
				}),
			huh.NewConfirm().
				Title("Check the connection before saving?").
				Affirmative("Check").
				Negative("Skip").
				Value(&check),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Cancelled.")
			return
		}
		log.Fatalf("prompt failed: %v", err)
	}

	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if check {
		pingServer(serverURL)
	}

	existing["ALEUTIAN_SONAR_URL"] = serverURL
	if err := godotenv.Write(existing, ".env"); err != nil {
		log.Fatalf("write .env: %v", err)
	}

	fmt.Printf("Wrote .env (server %s)\n", serverURL)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. sonarctl clone git@github.com:owner/repo.git")
	fmt.Println("  2. sonarctl resolve crash.txt")
}

// pingServer reports whether a Sonar server answers at base. Failures
// only warn: the address may be right while the server is not up yet.
func pingServer(base string) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/v1/sonar/health")
	if err != nil {
		fmt.Printf("Could not reach %s: %v\n", base, err)
		fmt.Println("Saving anyway. Start the server with: go run ./cmd/sonar")
		return
	}
	var health healthResponse
	if err := decodeResponse(resp, &health); err != nil {
		fmt.Printf("Server at %s answered with an error: %v\n", base, err)
		return
	}
	if health.VectorStoreLoaded {
		fmt.Printf("Server is up with %d documents indexed.\n", health.Documents)
		return
	}
	fmt.Println("Server is up but has no index yet; run `sonarctl clone` first.")
}

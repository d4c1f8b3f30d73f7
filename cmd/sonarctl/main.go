// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command sonarctl is the terminal client for an Aleutian Sonar server.
//
// Usage:
//
//	sonarctl init
//	sonarctl clone git@github.com:owner/repo.git
//	sonarctl resolve trace.txt --issue SONAR-42
//	cat trace.txt | sonarctl resolve
//	sonarctl context trace.txt > context.md
//	sonarctl stats
//	sonarctl refresh
//
// The server address comes from --server, then the ALEUTIAN_SONAR_URL
// environment variable, then http://localhost:8080. `sonarctl init`
// writes the address into a .env file that later runs load.
//
// Interactive touches (the resolve spinner, the scrollable answer view,
// the clone form) engage only when stdout is a terminal; pipe the output
// or pass --plain to force plain text.
package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Values already exported in the environment win over .env entries.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		// Cobra already printed the error.
		os.Exit(1)
	}
}

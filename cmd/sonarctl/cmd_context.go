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
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	contextMaxTokens int
	contextJSON      bool
)

var contextCmd = &cobra.Command{
	Use:   "context [trace-file]",
	Short: "Assemble code context for a stack trace, no LLM call",
	Long: `Builds the same token-bounded context block that resolve hands to the
LLM and prints it to stdout, so it can be piped into an editor or into a
prompt of your own. Size stats go to stderr to keep stdout clean.

Examples:
  sonarctl context trace.txt
  cat trace.txt | sonarctl context --max-tokens 2000 > context.md`,
	Args: cobra.MaximumNArgs(1),
	Run:  runContext,
}

func init() {
	contextCmd.Flags().IntVar(&contextMaxTokens, "max-tokens", 0,
		"Context token budget override")
	contextCmd.Flags().BoolVar(&contextJSON, "json", false,
		"Print the raw JSON response")
	rootCmd.AddCommand(contextCmd)
}

// contextRequest mirrors the server's context request body.
type contextRequest struct {
	StackTrace string `json:"stacktrace"`
	MaxTokens  int    `json:"max_tokens,omitempty"`
}

// contextResponse mirrors the server's context response body.
type contextResponse struct {
	Context       string `json:"context"`
	ContextChars  int    `json:"context_chars"`
	ContextTokens int    `json:"context_tokens"`
	RequestID     string `json:"request_id"`
}

func runContext(_ *cobra.Command, args []string) {
	trace, err := readTraceInput(args)
	if err != nil {
		log.Fatalf("reading trace: %v", err)
	}

	req := contextRequest{StackTrace: trace, MaxTokens: contextMaxTokens}
	var resp contextResponse
	if err := postJSON("/v1/sonar/context", req, &resp, 2*time.Minute); err != nil {
		log.Fatalf("context build failed: %v", err)
	}

	if contextJSON {
		printJSON(resp)
		return
	}

	fmt.Println(resp.Context)
	fmt.Fprintf(os.Stderr, "[%d chars, %d tokens]\n", resp.ContextChars, resp.ContextTokens)
}

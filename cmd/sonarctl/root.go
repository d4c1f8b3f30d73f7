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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// serverFlag and plainFlag hold persistent flag values shared by all
// subcommands.
var (
	serverFlag string
	plainFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "sonarctl",
	Short: "Terminal client for an Aleutian Sonar server",
	Long: `sonarctl drives an Aleutian Sonar server from the terminal: clone and
index repositories, resolve stack traces against the index, assemble raw
code context, and inspect what is loaded.

The server address comes from --server, then ALEUTIAN_SONAR_URL, then
http://localhost:8080.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "",
		"Sonar server base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().BoolVar(&plainFlag, "plain", false,
		"Disable interactive output even on a terminal")
}

// serverBaseURL resolves the server address.
// Precedence: --server flag > ALEUTIAN_SONAR_URL env var > localhost default.
func serverBaseURL() string {
	if serverFlag != "" {
		return strings.TrimRight(serverFlag, "/")
	}
	if env := os.Getenv("ALEUTIAN_SONAR_URL"); env != "" {
		return strings.TrimRight(env, "/")
	}
	return "http://localhost:8080"
}

// interactive reports whether stdout is a terminal and the user did not
// opt out with --plain.
func interactive() bool {
	if plainFlag {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// readTraceInput loads the stack trace from the file argument, or from
// stdin when no argument is given.
func readTraceInput(args []string) (string, error) {
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	if isatty.IsTerminal(os.Stdin.Fd()) {
		return "", errors.New("no trace file given and stdin is a terminal; pass a file or pipe the trace in")
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errors.New("empty trace on stdin")
	}
	return string(data), nil
}

// apiErrorBody mirrors the server's error envelope.
type apiErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// postJSON sends payload to the server and decodes a 200 response into
// out. A nil payload sends an empty body; a nil out discards the
// response. Non-200 responses become errors carrying the server's
// message and code.
func postJSON(path string, payload, out any, timeout time.Duration) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to create request body: %w", err)
		}
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Post(serverBaseURL()+path, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("sonar server unavailable at %s: %w", serverBaseURL(), err)
	}
	return decodeResponse(resp, out)
}

// getJSON fetches path from the server and decodes a 200 response into out.
func getJSON(path string, out any) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(serverBaseURL() + path)
	if err != nil {
		return fmt.Errorf("sonar server unavailable at %s: %w", serverBaseURL(), err)
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read server response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorBody
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d, %s)", apiErr.Error, resp.StatusCode, apiErr.Code)
		}
		return fmt.Errorf("server returned HTTP %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse server response: %w", err)
	}
	return nil
}

// printJSON pretty-prints v to stdout for the --json flags.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
		os.Exit(1)
	}
}

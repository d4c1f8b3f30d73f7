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
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

var (
	cloneBranch    string
	cloneTargetDir string
)

var cloneCmd = &cobra.Command{
	Use:   "clone [ssh-url]",
	Short: "Clone a repository on the server and build its index",
	Long: `Clones a repository over SSH on the server and embeds its files into
the vector index. With no argument on a terminal, prompts for the
repository interactively.

Examples:
  sonarctl clone git@github.com:owner/repo.git
  sonarctl clone git@github.com:owner/repo.git --branch develop`,
	Args: cobra.MaximumNArgs(1),
	Run:  runClone,
}

func init() {
	cloneCmd.Flags().StringVar(&cloneBranch, "branch", "",
		"Branch to check out (default: remote default branch)")
	cloneCmd.Flags().StringVar(&cloneTargetDir, "target-dir", "",
		"Server-side directory to clone into")
	rootCmd.AddCommand(cloneCmd)
}

// cloneRequest mirrors the server's clone request body.
type cloneRequest struct {
	SSHURL    string `json:"ssh_url"`
	Branch    string `json:"branch,omitempty"`
	TargetDir string `json:"target_dir,omitempty"`
}

// cloneResponse mirrors the server's clone response body.
type cloneResponse struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	RepoPath        string `json:"repo_path,omitempty"`
	FilesIndexed    int    `json:"files_indexed"`
	VectorStorePath string `json:"vector_store_path,omitempty"`
	RequestID       string `json:"request_id"`
}

func runClone(_ *cobra.Command, args []string) {
	sshURL := ""
	if len(args) == 1 {
		sshURL = args[0]
	}

	if sshURL == "" {
		if !interactive() {
			log.Fatalf("Usage: sonarctl clone <ssh-url>")
		}
		var err error
		sshURL, err = promptCloneForm()
		if err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Println("Cancelled.")
				return
			}
			log.Fatalf("prompt failed: %v", err)
		}
	}

	fmt.Printf("Cloning and indexing %s", sshURL)
	if cloneBranch != "" {
		fmt.Printf(" (branch %s)", cloneBranch)
	}
	fmt.Println(" ...")
	fmt.Println("First-time indexing embeds every file and can take a few minutes.")

	req := cloneRequest{SSHURL: sshURL, Branch: cloneBranch, TargetDir: cloneTargetDir}
	var resp cloneResponse
	if err := postJSON("/v1/sonar/clone", req, &resp, 30*time.Minute); err != nil {
		log.Fatalf("clone failed: %v", err)
	}

	if !resp.Success {
		fmt.Printf("Clone finished but nothing was indexed: %s\n", resp.Message)
		return
	}
	fmt.Printf("Indexed %d files from %s\n", resp.FilesIndexed, resp.RepoPath)
	if resp.VectorStorePath != "" {
		fmt.Printf("Snapshot: %s\n", resp.VectorStorePath)
	}
}

// promptCloneForm collects the repository interactively. The branch lands
// in the cloneBranch flag variable so the rest of the flow is identical.
func promptCloneForm() (string, error) {
	var sshURL string
	confirm := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Repository SSH URL").
				Placeholder("git@github.com:owner/repo.git").
				Value(&sshURL).
				Validate(func(s string) error {
					s = strings.TrimSpace(s)
					if !strings.HasPrefix(s, "git@") && !strings.HasPrefix(s, "ssh://") {
						return errors.New("must be an SSH URL (git@host:owner/repo.git)")
					}
					return nil
				}),
			huh.NewInput().
				Title("Branch").
				Description("Leave empty for the remote default").
				Value(&cloneBranch),
			huh.NewConfirm().
				Title("Start cloning now?").
				Affirmative("Clone").
				Negative("Cancel").
				Value(&confirm),
		),
	)

	if err := form.Run(); err != nil {
		return "", err
	}
	if !confirm {
		return "", huh.ErrUserAborted
	}
	return strings.TrimSpace(sshURL), nil
}

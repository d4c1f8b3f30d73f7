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
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	resolveIssue     string
	resolveMessage   string
	resolveExcType   string
	resolveExcValue  string
	resolveMaxTokens int
	resolveJSON      bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [trace-file]",
	Short: "Resolve a stack trace against the indexed codebase",
	Long: `Sends a stack trace to the server, which assembles code context from
the vector index and asks the LLM to explain the failure.

The trace comes from the file argument, or from stdin when piped.

Examples:
  sonarctl resolve trace.txt
  cat trace.txt | sonarctl resolve
  sonarctl resolve trace.txt --issue SONAR-42
  sonarctl resolve trace.txt --type KeyError --value "'user'"`,
	Args: cobra.MaximumNArgs(1),
	Run:  runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveIssue, "issue", "",
		"Tracker issue key to post the analysis to (e.g. SONAR-42)")
	resolveCmd.Flags().StringVar(&resolveMessage, "message", "",
		"Log message that accompanied the trace")
	resolveCmd.Flags().StringVar(&resolveExcType, "type", "",
		"Exception type (e.g. KeyError)")
	resolveCmd.Flags().StringVar(&resolveExcValue, "value", "",
		"Exception value")
	resolveCmd.Flags().IntVar(&resolveMaxTokens, "max-tokens", 0,
		"Context token budget override")
	resolveCmd.Flags().BoolVar(&resolveJSON, "json", false,
		"Print the raw JSON response")
	rootCmd.AddCommand(resolveCmd)
}

// resolveRequest mirrors the server's resolve request body.
type resolveRequest struct {
	StackTrace     string `json:"stacktrace"`
	Message        string `json:"message,omitempty"`
	ExceptionType  string `json:"exception_type,omitempty"`
	ExceptionValue string `json:"exception_value,omitempty"`
	MaxTokens      int    `json:"max_tokens,omitempty"`
	IssueKey       string `json:"issue_key,omitempty"`
}

// resolveResponse mirrors the server's resolve response body.
type resolveResponse struct {
	Answer          string   `json:"answer"`
	Context         string   `json:"context,omitempty"`
	ContextChars    int      `json:"context_chars"`
	ContextTokens   int      `json:"context_tokens"`
	Files           []string `json:"files"`
	References      int      `json:"references"`
	ExactMatches    int      `json:"exact_matches"`
	SemanticMatches int      `json:"semantic_matches"`
	RequestID       string   `json:"request_id"`
}

func runResolve(_ *cobra.Command, args []string) {
	trace, err := readTraceInput(args)
	if err != nil {
		log.Fatalf("reading trace: %v", err)
	}

	req := resolveRequest{
		StackTrace:     trace,
		Message:        resolveMessage,
		ExceptionType:  resolveExcType,
		ExceptionValue: resolveExcValue,
		MaxTokens:      resolveMaxTokens,
		IssueKey:       resolveIssue,
	}

	if interactive() && !resolveJSON {
		runResolveTUI(req)
		return
	}

	var resp resolveResponse
	if err := postJSON("/v1/sonar/resolve", req, &resp, 10*time.Minute); err != nil {
		log.Fatalf("resolve failed: %v", err)
	}

	if resolveJSON {
		printJSON(resp)
		return
	}
	printResolution(resp)
}

// printResolution writes the plain-text rendering shared by the piped
// path and the post-TUI echo.
func printResolution(resp resolveResponse) {
	fmt.Printf("\nAnswer:\n%s\n", resp.Answer)

	if len(resp.Files) > 0 {
		fmt.Println("\nFiles in context:")
		for i, f := range resp.Files {
			fmt.Printf("%d. %s\n", i+1, f)
		}
	}

	fmt.Printf("\n[%d refs, %d exact + %d semantic matches, %d context tokens]\n",
		resp.References, resp.ExactMatches, resp.SemanticMatches, resp.ContextTokens)
	if resolveIssue != "" {
		fmt.Printf("Posted to issue %s\n", resolveIssue)
	}
}

// =============================================================================
// Interactive view
// =============================================================================

var (
	spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("63"))

	answerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

type resolveTickMsg time.Time

type resolveDoneMsg struct {
	resp *resolveResponse
	err  error
}

// resolveModel drives the spinner-then-scrollable-answer view.
type resolveModel struct {
	req     resolveRequest
	loading bool
	frame   int
	resp    *resolveResponse
	err     error

	viewport viewport.Model
	ready    bool
}

func (m resolveModel) Init() tea.Cmd {
	return tea.Batch(resolveTick(), callResolve(m.req))
}

func (m resolveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		default:
			if m.ready && !m.loading {
				m.viewport, cmd = m.viewport.Update(msg)
			}
			return m, cmd
		}

	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-4)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 4
		}
		if !m.loading {
			m.viewport.SetContent(m.resultView())
		}

	case resolveTickMsg:
		m.frame = (m.frame + 1) % len(spinnerFrames)
		if m.loading {
			return m, resolveTick()
		}

	case resolveDoneMsg:
		m.loading = false
		m.resp = msg.resp
		m.err = msg.err
		if m.ready {
			m.viewport.SetContent(m.resultView())
		}
		return m, nil
	}

	return m, cmd
}

func (m resolveModel) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}

	var s strings.Builder
	s.WriteString(headerStyle.Render("Resolving stack trace"))
	s.WriteString("\n\n")

	if m.loading {
		s.WriteString(spinnerFrames[m.frame])
		s.WriteString(" Analyzing against the index...\n")
		s.WriteString(dimStyle.Render("LLM analysis can take up to a minute."))
		return s.String()
	}

	s.WriteString(m.viewport.View())
	s.WriteString("\n")
	if m.viewport.TotalLineCount() > m.viewport.Height {
		s.WriteString(dimStyle.Render(fmt.Sprintf(
			"↑/↓: scroll • %d%% • q: quit",
			int(m.viewport.ScrollPercent()*100),
		)))
	} else {
		s.WriteString(dimStyle.Render("Press q to quit"))
	}
	return s.String()
}

func (m resolveModel) resultView() string {
	var s strings.Builder

	if m.err != nil {
		s.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		s.WriteString("\n\n")
		s.WriteString(dimStyle.Render("Is the server running? Start it with: go run ./cmd/sonar\n"))
		return s.String()
	}
	if m.resp == nil {
		s.WriteString(errorStyle.Render("No result received\n"))
		return s.String()
	}

	s.WriteString("Answer:\n")
	s.WriteString(answerStyle.Render(m.resp.Answer))
	s.WriteString("\n\n")

	if len(m.resp.Files) > 0 {
		s.WriteString(dimStyle.Render("Files in context:\n"))
		for _, f := range m.resp.Files {
			s.WriteString(dimStyle.Render(fmt.Sprintf("  • %s\n", f)))
		}
		s.WriteString("\n")
	}

	s.WriteString(dimStyle.Render(fmt.Sprintf(
		"%d refs, %d exact + %d semantic matches, %d context tokens",
		m.resp.References, m.resp.ExactMatches, m.resp.SemanticMatches, m.resp.ContextTokens,
	)))
	s.WriteString("\n")
	return s.String()
}

func resolveTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return resolveTickMsg(t)
	})
}

// callResolve issues the HTTP request off the UI loop.
func callResolve(req resolveRequest) tea.Cmd {
	return func() tea.Msg {
		var resp resolveResponse
		if err := postJSON("/v1/sonar/resolve", req, &resp, 10*time.Minute); err != nil {
			return resolveDoneMsg{err: err}
		}
		return resolveDoneMsg{resp: &resp}
	}
}

func runResolveTUI(req resolveRequest) {
	m := resolveModel{req: req, loading: true}
	p := tea.NewProgram(m, tea.WithAltScreen())

	final, err := p.Run()
	if err != nil {
		log.Fatalf("terminal UI failed: %v", err)
	}

	// The alt screen wipes the result on exit; echo the plain rendering
	// so the answer survives in the scrollback.
	if fm, ok := final.(resolveModel); ok {
		if fm.err != nil {
			log.Fatalf("resolve failed: %v", fm.err)
		}
		if fm.resp != nil {
			printResolution(*fm.resp)
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/prompts"
)

// defaultSystemPrompt instructs the model to behave as a debugging expert and
// fixes the structure of its answer. A per-request override replaces it
// entirely.
//
//go:embed system_prompt.txt
var defaultSystemPrompt string

// userPromptTemplate interpolates the raw trace and the assembled context.
// Template values are inserted verbatim, so braces inside code content are
// safe.
var userPromptTemplate = prompts.NewPromptTemplate(
	`Here is the error stack trace:

{{.trace}}

Here are the relevant files from the codebase:

{{.context}}

Analyze this error according to the instructions and provide a structured answer.`,
	[]string{"trace", "context"},
)

// systemPrompt returns the analysis persona, honoring a non-blank override.
func systemPrompt(override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return defaultSystemPrompt
}

// userPrompt renders the analysis request for one trace and its context.
func userPrompt(trace, context string) (string, error) {
	rendered, err := userPromptTemplate.Format(map[string]any{
		"trace":   trace,
		"context": context,
	})
	if err != nil {
		return "", fmt.Errorf("engine: rendering user prompt: %w", err)
	}
	return rendered, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

var _ LLMClient = (*OpenRouterClient)(nil)
var _ LLMClient = (*AnthropicClient)(nil)

// NewFromEnv constructs the LLM client selected by the LLM_PROVIDER
// environment variable.
//
// Description:
//
//	Recognized providers are "openrouter" (the default) and "anthropic".
//	When LLM_PROVIDER is unset the constructor tries OpenRouter first and
//	falls back to Anthropic if only that key is present. When no provider
//	can be configured at all it returns (nil, nil) so the service can still
//	serve context assembly without analysis.
//
// Outputs:
//   - LLMClient: The configured client, or nil when running without one.
//   - error: Non-nil when an explicitly named provider cannot be built.
func NewFromEnv() (LLMClient, error) {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER")))
	switch provider {
	case "", "openrouter":
		client, err := NewOpenRouterClient()
		if err == nil {
			return client, nil
		}
		if provider == "openrouter" {
			return nil, err
		}
		if fallback, fbErr := NewAnthropicClient(); fbErr == nil {
			return fallback, nil
		}
		slog.Warn("No LLM provider configured; trace analysis is disabled", "error", err)
		return nil, nil
	case "anthropic":
		return NewAnthropicClient()
	default:
		return nil, fmt.Errorf("llm: unknown provider %q (want openrouter or anthropic)", provider)
	}
}

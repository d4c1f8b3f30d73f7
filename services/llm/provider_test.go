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
	"strings"
	"testing"
)

func TestNewFromEnv_DefaultsToOpenRouter(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	t.Setenv("ANTHROPIC_API_KEY", "")

	client, err := NewFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := client.(*OpenRouterClient); !ok {
		t.Errorf("client = %T, want *OpenRouterClient", client)
	}
}

func TestNewFromEnv_ExplicitAnthropic(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	client, err := NewFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := client.(*AnthropicClient); !ok {
		t.Errorf("client = %T, want *AnthropicClient", client)
	}
}

func TestNewFromEnv_FallsBackToAnthropic(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	client, err := NewFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := client.(*AnthropicClient); !ok {
		t.Errorf("client = %T, want *AnthropicClient", client)
	}
}

func TestNewFromEnv_UnconfiguredReturnsNil(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	client, err := NewFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client != nil {
		t.Errorf("client = %T, want nil when nothing is configured", client)
	}
}

func TestNewFromEnv_ExplicitProviderMissingKeyFails(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "openrouter")
	t.Setenv("OPENROUTER_API_KEY", "")

	_, err := NewFromEnv()
	if err == nil {
		t.Fatal("expected error when explicit provider has no key")
	}
}

func TestNewFromEnv_UnknownProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "watsonx")

	_, err := NewFromEnv()
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !strings.Contains(err.Error(), "watsonx") {
		t.Errorf("error should name the unknown provider, got: %s", err.Error())
	}
}

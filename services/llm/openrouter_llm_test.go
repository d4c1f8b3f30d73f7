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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewOpenRouterClient_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	_, err := NewOpenRouterClient()
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
	errMsg := err.Error()
	if !strings.Contains(errMsg, "openrouter:") {
		t.Errorf("error should include 'openrouter:' prefix, got: %s", errMsg)
	}
}

func TestNewOpenRouterClient_DefaultModel(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	t.Setenv("OPENROUTER_LLM_MODEL", "")

	client, err := NewOpenRouterClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.model != "qwen/qwen-2.5-72b-instruct" {
		t.Errorf("model = %q, want %q", client.model, "qwen/qwen-2.5-72b-instruct")
	}
}

func TestNewOpenRouterClient_CustomModel(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	t.Setenv("OPENROUTER_LLM_MODEL", "deepseek/deepseek-chat")

	client, err := NewOpenRouterClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.model != "deepseek/deepseek-chat" {
		t.Errorf("model = %q, want %q", client.model, "deepseek/deepseek-chat")
	}
}

func TestNewOpenRouterClient_CustomBaseURL(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	t.Setenv("OPENROUTER_BASE_URL", "https://llm-proxy.internal/api/v1/")

	client, err := NewOpenRouterClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://llm-proxy.internal/api/v1/chat/completions"
	if client.baseURL != want {
		t.Errorf("baseURL = %q, want %q", client.baseURL, want)
	}
}

func TestOpenRouterClient_Chat_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify the key survived the enclave round trip
		auth := r.Header.Get("Authorization")
		if auth != "Bearer test-key" {
			t.Errorf("Authorization = %q, want %q", auth, "Bearer test-key")
		}

		var req openRouterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if req.Model != "qwen/qwen-2.5-72b-instruct" {
			t.Errorf("model = %q, want %q", req.Model, "qwen/qwen-2.5-72b-instruct")
		}

		resp := openRouterResponse{
			Choices: []openRouterChoice{
				{
					Message:      openRouterMessage{Role: "assistant", Content: "Hello from OpenRouter!"},
					FinishReason: "stop",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOpenRouterClientWithConfig("test-key", "qwen/qwen-2.5-72b-instruct", server.URL)

	messages := []Message{
		{Role: "user", Content: "Hello"},
	}

	result, err := client.Chat(context.Background(), messages, GenerationParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "Hello from OpenRouter!" {
		t.Errorf("result = %q, want %q", result, "Hello from OpenRouter!")
	}
}

func TestOpenRouterClient_Chat_UnknownRoleMappedToUser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openRouterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		// Verify the unknown role was mapped to "user"
		for _, msg := range req.Messages {
			if msg.Content == "unknown role content" {
				if msg.Role != "user" {
					t.Errorf("unknown role should be mapped to 'user', got %q", msg.Role)
				}
			}
		}

		resp := openRouterResponse{
			Choices: []openRouterChoice{
				{
					Message:      openRouterMessage{Role: "assistant", Content: "response"},
					FinishReason: "stop",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOpenRouterClientWithConfig("test-key", "qwen/qwen-2.5-72b-instruct", server.URL)

	messages := []Message{
		{Role: "user", Content: "normal message"},
		{Role: "tool_result", Content: "unknown role content"},
	}

	result, err := client.Chat(context.Background(), messages, GenerationParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "response" {
		t.Errorf("result = %q, want %q", result, "response")
	}
}

func TestOpenRouterClient_Chat_KnownRoleMappings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openRouterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		expectedRoles := map[string]string{
			"system message":    "system",
			"user message":      "user",
			"assistant message": "assistant",
		}
		for _, msg := range req.Messages {
			if expected, ok := expectedRoles[msg.Content]; ok {
				if msg.Role != expected {
					t.Errorf("content %q: role = %q, want %q", msg.Content, msg.Role, expected)
				}
			}
		}

		resp := openRouterResponse{
			Choices: []openRouterChoice{
				{
					Message:      openRouterMessage{Role: "assistant", Content: "OK"},
					FinishReason: "stop",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOpenRouterClientWithConfig("test-key", "qwen/qwen-2.5-72b-instruct", server.URL)

	messages := []Message{
		{Role: "system", Content: "system message"},
		{Role: "user", Content: "user message"},
		{Role: "assistant", Content: "assistant message"},
	}

	_, err := client.Chat(context.Background(), messages, GenerationParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenRouterClient_Chat_ParamsForwarded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openRouterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		// Temperature zero must still be serialized; the engine pins it.
		if req.Temperature == nil {
			t.Error("temperature missing from request")
		} else if *req.Temperature != 0 {
			t.Errorf("temperature = %v, want 0", *req.Temperature)
		}
		if req.MaxTokens == nil || *req.MaxTokens != 512 {
			t.Errorf("max_tokens = %v, want 512", req.MaxTokens)
		}
		if len(req.Stop) != 1 || req.Stop[0] != "===" {
			t.Errorf("stop = %v, want [===]", req.Stop)
		}

		resp := openRouterResponse{
			Choices: []openRouterChoice{
				{
					Message:      openRouterMessage{Role: "assistant", Content: "ok"},
					FinishReason: "stop",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOpenRouterClientWithConfig("test-key", "qwen/qwen-2.5-72b-instruct", server.URL)

	temp := float32(0)
	maxTokens := 512
	params := GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Stop:        []string{"==="},
	}
	_, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "Hi"}}, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenRouterClient_Chat_ErrorIncludesProviderPrefix(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"code": 401, "message": "invalid key"}}`))
	}))
	defer server.Close()

	client := NewOpenRouterClientWithConfig("bad-key", "qwen/qwen-2.5-72b-instruct", server.URL)

	messages := []Message{{Role: "user", Content: "Hi"}}
	_, err := client.Chat(context.Background(), messages, GenerationParams{})
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	errMsg := err.Error()
	if !strings.Contains(errMsg, "openrouter:") {
		t.Errorf("error should include 'openrouter:' prefix, got: %s", errMsg)
	}
}

func TestOpenRouterClient_Chat_APIErrorEnvelope(t *testing.T) {
	// OpenRouter can return 200 with an error envelope in the body.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error": {"code": 429, "message": "rate limited"}}`))
	}))
	defer server.Close()

	client := NewOpenRouterClientWithConfig("test-key", "qwen/qwen-2.5-72b-instruct", server.URL)

	_, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "Hi"}}, GenerationParams{})
	if err == nil {
		t.Fatal("expected error for API error envelope")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error should include the numeric code, got: %s", err.Error())
	}
}

func TestOpenRouterClient_Chat_NoChoicesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openRouterResponse{
			Choices: []openRouterChoice{},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOpenRouterClientWithConfig("test-key", "qwen/qwen-2.5-72b-instruct", server.URL)

	messages := []Message{{Role: "user", Content: "Hi"}}
	_, err := client.Chat(context.Background(), messages, GenerationParams{})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
	if !strings.Contains(err.Error(), "openrouter:") {
		t.Errorf("error should include 'openrouter:' prefix, got: %s", err.Error())
	}
}

func TestOpenRouterClient_Chat_ModelOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openRouterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if req.Model != "deepseek/deepseek-chat" {
			t.Errorf("model = %q, want %q (should be overridden)", req.Model, "deepseek/deepseek-chat")
		}

		resp := openRouterResponse{
			Choices: []openRouterChoice{
				{
					Message:      openRouterMessage{Role: "assistant", Content: "using override model"},
					FinishReason: "stop",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOpenRouterClientWithConfig("test-key", "qwen/qwen-2.5-72b-instruct", server.URL)

	messages := []Message{{Role: "user", Content: "Hi"}}
	params := GenerationParams{ModelOverride: "deepseek/deepseek-chat"}
	result, err := client.Chat(context.Background(), messages, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "using override model" {
		t.Errorf("result = %q, want %q", result, "using override model")
	}
}

func TestOpenRouterClient_Chat_MissingKey(t *testing.T) {
	client := NewOpenRouterClientWithConfig("", "qwen/qwen-2.5-72b-instruct", "http://unused.invalid")

	_, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "Hi"}}, GenerationParams{})
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
	if !strings.Contains(err.Error(), "API key is missing") {
		t.Errorf("error should mention the missing key, got: %s", err.Error())
	}
}

func TestOpenRouterClient_Generate_AddsSystemPersona(t *testing.T) {
	t.Setenv("SYSTEM_ROLE_PROMPT_PERSONA", "")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openRouterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if len(req.Messages) != 2 {
			t.Errorf("len(Messages) = %d, want 2", len(req.Messages))
		} else {
			if req.Messages[0].Role != "system" {
				t.Errorf("first message role = %q, want %q", req.Messages[0].Role, "system")
			}
			if req.Messages[0].Content != "You are a helpful assistant." {
				t.Errorf("system content = %q, want default persona", req.Messages[0].Content)
			}
			if req.Messages[1].Role != "user" || req.Messages[1].Content != "ping" {
				t.Errorf("user message = %+v, want role user content ping", req.Messages[1])
			}
		}

		resp := openRouterResponse{
			Choices: []openRouterChoice{
				{
					Message:      openRouterMessage{Role: "assistant", Content: "pong"},
					FinishReason: "stop",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOpenRouterClientWithConfig("test-key", "qwen/qwen-2.5-72b-instruct", server.URL)

	result, err := client.Generate(context.Background(), "ping", GenerationParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "pong" {
		t.Errorf("result = %q, want %q", result, "pong")
	}
}

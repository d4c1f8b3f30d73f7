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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
)

// =============================================================================
// OpenRouter Wire Types
// =============================================================================

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1/chat/completions"

// defaultOpenRouterModel is used when OPENROUTER_LLM_MODEL is not set.
const defaultOpenRouterModel = "qwen/qwen-2.5-72b-instruct"

type openRouterRequest struct {
	Model       string              `json:"model"`
	Messages    []openRouterMessage `json:"messages"`
	Temperature *float32            `json:"temperature,omitempty"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
	TopP        *float32            `json:"top_p,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterResponse struct {
	ID      string             `json:"id"`
	Choices []openRouterChoice `json:"choices"`
	Error   *openRouterError   `json:"error,omitempty"`
}

type openRouterChoice struct {
	Index        int               `json:"index"`
	Message      openRouterMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// openRouterError carries OpenRouter's error envelope. Unlike OpenAI-style
// errors the code is numeric.
type openRouterError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// =============================================================================
// Client Implementation
// =============================================================================

// OpenRouterClient implements LLMClient against the OpenRouter chat
// completions API using raw net/http.
//
// Description:
//
//	OpenRouter exposes an OpenAI-compatible REST surface that fronts many
//	upstream models, so one client covers every model the resolution engine
//	might be configured with. The API key is sealed in a memguard enclave at
//	construction and unsealed only for the duration of each request.
//
// Thread Safety: OpenRouterClient is safe for concurrent use.
type OpenRouterClient struct {
	httpClient *http.Client
	apiKey     *memguard.Enclave
	model      string
	baseURL    string
}

// NewOpenRouterClientWithConfig creates an OpenRouterClient with explicit
// configuration.
//
// Description:
//
//	Creates an OpenRouterClient without reading environment variables. Useful
//	for testing with mock servers or when configuration comes from a source
//	other than environment variables.
//
// Inputs:
//   - apiKey: The OpenRouter API key. Sealed into an enclave; the caller's
//     copy is not wiped.
//   - model: The model slug (e.g., "qwen/qwen-2.5-72b-instruct").
//   - baseURL: The chat completions URL for API requests.
//
// Outputs:
//   - *OpenRouterClient: The configured client.
func NewOpenRouterClientWithConfig(apiKey, model, baseURL string) *OpenRouterClient {
	var sealed *memguard.Enclave
	if apiKey != "" {
		sealed = memguard.NewEnclave([]byte(apiKey))
	}
	return &OpenRouterClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		apiKey:     sealed,
		model:      model,
		baseURL:    defaultOrValue(baseURL, defaultOpenRouterBaseURL),
	}
}

// NewOpenRouterClient creates a new OpenRouterClient from environment
// variables.
//
// Description:
//
//	Reads OPENROUTER_API_KEY, OPENROUTER_LLM_MODEL, and OPENROUTER_BASE_URL
//	from the environment. Defaults to "qwen/qwen-2.5-72b-instruct" if
//	OPENROUTER_LLM_MODEL is not set. OPENROUTER_BASE_URL names the API root
//	(e.g., "https://openrouter.ai/api/v1") for proxy deployments; the chat
//	completions path is appended.
//
// Outputs:
//   - *OpenRouterClient: The configured client.
//   - error: Non-nil if OPENROUTER_API_KEY is missing.
func NewOpenRouterClient() (*OpenRouterClient, error) {
	apiKey := os.Getenv("OPENROUTER_API_KEY")
	model := os.Getenv("OPENROUTER_LLM_MODEL")
	if apiKey == "" {
		slog.Warn("OpenRouter API Key is empty. OpenRouter Client will not function.")
		return nil, fmt.Errorf("openrouter: API key is missing (OPENROUTER_API_KEY)")
	}
	if model == "" {
		model = defaultOpenRouterModel
		slog.Warn("OPENROUTER_LLM_MODEL not set, defaulting to " + defaultOpenRouterModel)
	}
	endpoint := defaultOpenRouterBaseURL
	if root := os.Getenv("OPENROUTER_BASE_URL"); root != "" {
		endpoint = strings.TrimRight(root, "/") + "/chat/completions"
	}
	slog.Info("Initializing OpenRouter client", "model", model)
	return NewOpenRouterClientWithConfig(apiKey, model, endpoint), nil
}

func defaultOrValue(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Generate implements the LLMClient interface.
func (o *OpenRouterClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text via OpenRouter", "model", o.model)
	systemRoleContent := os.Getenv("SYSTEM_ROLE_PROMPT_PERSONA")
	if systemRoleContent == "" {
		systemRoleContent = "You are a helpful assistant."
	}
	messages := []Message{
		{Role: "system", Content: systemRoleContent},
		{Role: "user", Content: prompt},
	}
	return o.Chat(ctx, messages, params)
}

// Chat implements LLMClient.Chat using the OpenRouter chat completions API.
//
// Description:
//
//	Converts Message values to the wire format and sends a chat completion
//	request via raw HTTP. Handles system, user, and assistant roles; anything
//	else is mapped to user with a warning.
//
// Inputs:
//   - ctx: Context for cancellation and timeout.
//   - messages: Conversation history.
//   - params: Generation parameters.
//
// Outputs:
//   - string: The assistant's response text.
//   - error: Non-nil if the request fails.
//
// Thread Safety: This method is safe for concurrent use.
func (o *OpenRouterClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	model := o.model
	if params.ModelOverride != "" {
		model = params.ModelOverride
	}

	slog.Debug("Chat via OpenRouter", slog.String("model", model), slog.Int("messages", len(messages)))

	// Convert messages to wire format
	orMessages := make([]openRouterMessage, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role
		switch role {
		case "system", "user", "assistant":
			// valid roles, keep as-is
		default:
			slog.Warn("OpenRouter: unknown message role, mapping to user",
				slog.String("unknown_role", role),
				slog.String("model", model),
			)
			role = "user"
		}
		orMessages = append(orMessages, openRouterMessage{
			Role:    role,
			Content: msg.Content,
		})
	}

	reqPayload := openRouterRequest{
		Model:    model,
		Messages: orMessages,
	}
	if params.Temperature != nil {
		reqPayload.Temperature = params.Temperature
	}
	if params.MaxTokens != nil {
		reqPayload.MaxTokens = params.MaxTokens
	}
	if params.TopP != nil {
		reqPayload.TopP = params.TopP
	}
	if len(params.Stop) > 0 {
		reqPayload.Stop = params.Stop
	}

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return "", fmt.Errorf("openrouter: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.baseURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("openrouter: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := o.authorize(httpReq); err != nil {
		return "", err
	}

	slog.Debug("Sending request to OpenRouter", slog.String("model", model))

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openrouter: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("openrouter: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openrouter: API returned status %d: %s", resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	var apiResp openRouterResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", fmt.Errorf("openrouter: parsing response JSON: %w", err)
	}

	if apiResp.Error != nil {
		return "", fmt.Errorf("openrouter: API error %d: %s", apiResp.Error.Code, SafeLogString(apiResp.Error.Message))
	}

	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("openrouter: returned no choices")
	}

	slog.Debug("Received OpenRouter chat response",
		slog.String("finish_reason", apiResp.Choices[0].FinishReason),
		slog.Int("response_len", len(apiResp.Choices[0].Message.Content)),
	)

	return apiResp.Choices[0].Message.Content, nil
}

// authorize unseals the API key enclave and sets the Authorization header.
// The locked buffer is destroyed before returning; only the header's own
// copy of the key outlives this call.
func (o *OpenRouterClient) authorize(req *http.Request) error {
	if o.apiKey == nil {
		return fmt.Errorf("openrouter: API key is missing")
	}
	keyBuf, err := o.apiKey.Open()
	if err != nil {
		return fmt.Errorf("openrouter: unsealing API key: %w", err)
	}
	defer keyBuf.Destroy()
	req.Header.Set("Authorization", "Bearer "+keyBuf.String())
	return nil
}

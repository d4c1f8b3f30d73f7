// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the chat clients the resolution engine uses to turn
// assembled context into an analysis. Clients speak their provider's REST API
// directly over net/http; API keys live in memguard enclaves and are unsealed
// only while a request is being built.
package llm

import "context"

// Message is one turn of a conversation.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`
}

// GenerationParams are the optional knobs for one generation call. Nil
// pointers mean "provider default".
type GenerationParams struct {
	// Temperature controls sampling randomness.
	Temperature *float32

	// MaxTokens caps the response length.
	MaxTokens *int

	// TopP controls nucleus sampling.
	TopP *float32

	// Stop lists sequences that end generation.
	Stop []string

	// ModelOverride replaces the client's configured model for this call.
	ModelOverride string
}

// LLMClient is the generation surface the engine consumes.
//
// Description:
//
//	Two entry points: Generate for a single prompt (the client supplies a
//	default system persona), Chat for explicit multi-turn conversations.
//	Implementations must be safe for concurrent use.
type LLMClient interface {
	// Generate produces a response to a single prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat produces a response to a conversation.
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)
}

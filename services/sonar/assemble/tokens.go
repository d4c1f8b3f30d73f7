// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assemble

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenEncodingName is the BPE encoding used for token accounting. cl100k is
// close enough across the models the service targets; the count is reported
// in response metadata and metrics, never used for budget decisions (the
// budget stays on the charsPerToken estimate so output is reproducible
// without the encoder's data files).
const tokenEncodingName = "cl100k_base"

var (
	tokenEncOnce sync.Once
	tokenEnc     *tiktoken.Tiktoken
)

// CountTokens returns the token count of text under the accounting encoding.
//
// Description:
//
//	Lazily initializes the tiktoken encoder on first use. When the encoder
//	cannot be loaded (its BPE data is fetched on demand and may be
//	unavailable offline), falls back to the charsPerToken estimate the
//	budget already uses, so callers always get a usable number.
//
// Thread Safety: Safe for concurrent use.
func CountTokens(text string) int {
	tokenEncOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tokenEncodingName)
		if err != nil {
			slog.Warn("token encoder unavailable, using character estimate",
				slog.String("encoding", tokenEncodingName),
				slog.Any("error", err))
			return
		}
		tokenEnc = enc
	})
	if tokenEnc == nil {
		return len(text) / charsPerToken
	}
	return len(tokenEnc.Encode(text, nil, nil))
}

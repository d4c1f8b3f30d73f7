// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianSonar/services/sonar/traceref"
	"github.com/AleutianAI/AleutianSonar/services/sonar/vecstore"
)

// =============================================================================
// Fake index
// =============================================================================

type plainResult struct {
	docs []vecstore.Document
	err  error
}

type scoredResult struct {
	hits []vecstore.ScoredDocument
	err  error
}

// fakeIndex returns scripted responses keyed by query string. Unregistered
// queries return empty results. Calls are recorded as "plain:<query>:<k>" or
// "scored:<query>:<k>" under a mutex because semantic queries run
// concurrently.
type fakeIndex struct {
	mu     sync.Mutex
	plain  map[string]plainResult
	scored map[string]scoredResult
	calls  []string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		plain:  make(map[string]plainResult),
		scored: make(map[string]scoredResult),
	}
}

func (f *fakeIndex) SimilaritySearch(_ context.Context, query string, k int) ([]vecstore.Document, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("plain:%s:%d", query, k))
	res := f.plain[query]
	f.mu.Unlock()
	return res.docs, res.err
}

func (f *fakeIndex) SimilaritySearchWithScore(_ context.Context, query string, k int) ([]vecstore.ScoredDocument, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("scored:%s:%d", query, k))
	res := f.scored[query]
	f.mu.Unlock()
	return res.hits, res.err
}

func (f *fakeIndex) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// =============================================================================
// Helpers
// =============================================================================

func doc(relPath string) vecstore.Document {
	return vecstore.NewDocument(relPath, "content of "+relPath)
}

func ref(basename, fullPath string) traceref.Reference {
	return traceref.Reference{
		File:           basename,
		FullPath:       fullPath,
		NormalizedPath: fullPath,
	}
}

func matchPaths(matches []Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = vecstore.PathKey(m.Doc)
	}
	return out
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// =============================================================================
// Exact pass tests
// =============================================================================

func TestResolve_ExactMatch_PathContainment(t *testing.T) {
	idx := newFakeIndex()
	idx.plain["main.py"] = plainResult{docs: []vecstore.Document{
		doc("services/billing/main.py"),
		doc("lib/unrelated.js"),
	}}

	r := New(idx, nil)
	matches, err := r.Resolve(context.Background(),
		[]traceref.Reference{ref("main.py", "/srv/app/services/billing/main.py")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if len(matches) != 1 {
		t.Fatalf("want 1 match, got %d: %v", len(matches), matchPaths(matches))
	}
	m := matches[0]
	if got := vecstore.PathKey(m.Doc); got != "services/billing/main.py" {
		t.Errorf("want billing main.py, got %q", got)
	}
	if m.Origin != OriginExact {
		t.Errorf("want exact origin, got %v", m.Origin)
	}
	if !almostEqual(m.Score, 1.0) {
		t.Errorf("exact score: want 1.0, got %v", m.Score)
	}

	// A resolved reference must not trigger a semantic query.
	for _, call := range idx.recorded() {
		if call == "scored:main.py:10" {
			t.Error("semantic query issued for an exactly-resolved reference")
		}
	}
}

func TestResolve_ExactMatch_BasenameMetadata(t *testing.T) {
	idx := newFakeIndex()
	odd := vecstore.Document{
		PageContent: "content",
		Metadata: map[string]any{
			vecstore.MetaPath:     "app.py",
			vecstore.MetaFilePath: "lib/app_v2.py",
		},
	}
	idx.plain["app.py"] = plainResult{docs: []vecstore.Document{odd}}

	r := New(idx, nil)
	matches, err := r.Resolve(context.Background(),
		[]traceref.Reference{ref("app.py", "/x/y/z/app.py")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(matches) != 1 || matches[0].Origin != OriginExact {
		t.Fatalf("want 1 exact match via basename metadata, got %v", matchPaths(matches))
	}
}

func TestResolve_ExactMatch_PathSuffix(t *testing.T) {
	idx := newFakeIndex()
	cased := vecstore.Document{
		PageContent: "content",
		Metadata: map[string]any{
			vecstore.MetaPath:     "Main.py",
			vecstore.MetaFilePath: "src/Main.py",
		},
	}
	idx.plain["main.py"] = plainResult{docs: []vecstore.Document{cased}}

	r := New(idx, nil)
	matches, err := r.Resolve(context.Background(),
		[]traceref.Reference{ref("main.py", "app/main.py")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Basename equality is case-sensitive ("Main.py" != "main.py"), but the
	// suffix test is case-insensitive and matches src/Main.py.
	if len(matches) != 1 || matches[0].Origin != OriginExact {
		t.Fatalf("want 1 exact match via path suffix, got %v", matchPaths(matches))
	}
}

func TestResolve_BatchedQuery_UniqueNamesAndK(t *testing.T) {
	idx := newFakeIndex()
	refs := []traceref.Reference{
		ref("main.py", "app/main.py"),
		ref("db.py", "app/db.py"),
	}

	r := New(idx, nil)
	if _, err := r.Resolve(context.Background(), refs); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := "plain:main.py db.py:20"
	calls := idx.recorded()
	if len(calls) == 0 || calls[0] != want {
		t.Errorf("first call: want %q, got %v", want, calls)
	}
}

// =============================================================================
// Semantic pass tests
// =============================================================================

func TestResolve_Semantic_ScoringThresholdAndIgnores(t *testing.T) {
	idx := newFakeIndex()
	idx.scored["ghost.py"] = scoredResult{hits: []vecstore.ScoredDocument{
		{Document: doc("app/logic.py"), Distance: 0.5},
		{Document: doc("docs/guide.md"), Distance: 0.5},
		{Document: doc("app/far.py"), Distance: 2.0},
		{Document: doc("settings/config.yaml"), Distance: 0.1},
	}}

	r := New(idx, nil)
	matches, err := r.Resolve(context.Background(),
		[]traceref.Reference{ref("ghost.py", "srv/ghost.py")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got := matchPaths(matches)
	want := []string{"app/logic.py", "docs/guide.md"}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rank %d: want %q, got %q", i, want[i], got[i])
		}
	}

	// Code file: 1/(1+0.5) * 1.0.
	if !almostEqual(matches[0].Score, 1.0/1.5) {
		t.Errorf("code score: want %v, got %v", 1.0/1.5, matches[0].Score)
	}
	// Docs file: 1/(1+0.5) * 0.7.
	if !almostEqual(matches[1].Score, 1.0/1.5*0.7) {
		t.Errorf("docs score: want %v, got %v", 1.0/1.5*0.7, matches[1].Score)
	}
	for _, m := range matches {
		if m.Origin != OriginSemantic {
			t.Errorf("want semantic origin for %q", vecstore.PathKey(m.Doc))
		}
	}
}

func TestResolve_Semantic_SkipsDocsClaimedByExactPass(t *testing.T) {
	idx := newFakeIndex()
	idx.plain["shared.py mystery.py"] = plainResult{docs: []vecstore.Document{
		doc("app/shared.py"),
	}}
	idx.scored["mystery.py"] = scoredResult{hits: []vecstore.ScoredDocument{
		{Document: doc("app/shared.py"), Distance: 0.1},
		{Document: doc("app/other.py"), Distance: 0.2},
	}}

	refs := []traceref.Reference{
		ref("shared.py", "app/shared.py"),
		ref("mystery.py", "elsewhere/mystery.py"),
	}
	r := New(idx, nil)
	matches, err := r.Resolve(context.Background(), refs)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got := matchPaths(matches)
	want := []string{"app/shared.py", "app/other.py"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("want %v, got %v", want, got)
	}
	if matches[0].Origin != OriginExact || matches[1].Origin != OriginSemantic {
		t.Errorf("origins: want [exact semantic], got [%v %v]",
			matches[0].Origin, matches[1].Origin)
	}
}

func TestResolve_Semantic_RejectedHitStaysClaimed(t *testing.T) {
	// alpha.py's query sees far.py beyond the distance gate; the path is
	// claimed anyway, so beta.py's close hit on far.py cannot resurrect it.
	idx := newFakeIndex()
	idx.scored["alpha.py"] = scoredResult{hits: []vecstore.ScoredDocument{
		{Document: doc("app/far.py"), Distance: 3.0},
	}}
	idx.scored["beta.py"] = scoredResult{hits: []vecstore.ScoredDocument{
		{Document: doc("app/far.py"), Distance: 0.1},
		{Document: doc("app/real.py"), Distance: 0.5},
	}}

	refs := []traceref.Reference{
		ref("alpha.py", "x/alpha.py"),
		ref("beta.py", "x/beta.py"),
	}
	r := New(idx, nil)
	matches, err := r.Resolve(context.Background(), refs)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got := matchPaths(matches)
	if len(got) != 1 || got[0] != "app/real.py" {
		t.Errorf("want [app/real.py], got %v", got)
	}
}

func TestResolve_Semantic_UnfilteredRetryAfterError(t *testing.T) {
	idx := newFakeIndex()
	idx.scored["broken.py"] = scoredResult{err: fmt.Errorf("embedding service down")}
	idx.plain["broken.py"] = plainResult{docs: []vecstore.Document{
		doc("app/recovered.py"),
	}}

	r := New(idx, nil)
	matches, err := r.Resolve(context.Background(),
		[]traceref.Reference{ref("broken.py", "task/broken.py")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if len(matches) != 1 {
		t.Fatalf("want 1 fallback match, got %v", matchPaths(matches))
	}
	// Fallback weight 0.2 times code priority 1.0.
	if !almostEqual(matches[0].Score, 0.2) {
		t.Errorf("fallback score: want 0.2, got %v", matches[0].Score)
	}

	// The retry uses the smaller unfiltered k.
	sawRetry := false
	for _, call := range idx.recorded() {
		if call == "plain:broken.py:5" {
			sawRetry = true
		}
	}
	if !sawRetry {
		t.Errorf("expected unfiltered retry call, got %v", idx.recorded())
	}
}

func TestResolve_Semantic_BothQueriesFailing(t *testing.T) {
	// Two references so the batched candidate query ("anchor.py doomed.py")
	// succeeds and only doomed.py's per-reference queries fail.
	idx := newFakeIndex()
	idx.scored["doomed.py"] = scoredResult{err: fmt.Errorf("scored query failed")}
	idx.plain["doomed.py"] = plainResult{err: fmt.Errorf("plain query failed")}

	refs := []traceref.Reference{
		ref("anchor.py", "x/anchor.py"),
		ref("doomed.py", "x/doomed.py"),
	}
	r := New(idx, nil)
	if _, err := r.Resolve(context.Background(), refs); err == nil {
		t.Fatal("expected error when both semantic queries fail")
	}
}

// =============================================================================
// Merge tests
// =============================================================================

func TestResolve_Floor_DropsLowSemanticScores(t *testing.T) {
	// Fallback hit on an unknown-extension file: 0.2 * 0.3 = 0.06 < 0.1.
	idx := newFakeIndex()
	idx.scored["odd.py"] = scoredResult{err: fmt.Errorf("down")}
	idx.plain["odd.py"] = plainResult{docs: []vecstore.Document{
		doc("data/blob.xyz"),
		doc("app/code.py"),
	}}

	r := New(idx, nil)
	matches, err := r.Resolve(context.Background(),
		[]traceref.Reference{ref("odd.py", "x/odd.py")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got := matchPaths(matches)
	if len(got) != 1 || got[0] != "app/code.py" {
		t.Errorf("want only app/code.py above the floor, got %v", got)
	}
}

func TestResolve_Cap_LimitsResultCount(t *testing.T) {
	idx := newFakeIndex()
	hits := make([]vecstore.ScoredDocument, 6)
	for i := range hits {
		hits[i] = vecstore.ScoredDocument{
			Document: doc(fmt.Sprintf("app/f%d.py", i)),
			Distance: float64(i) * 0.1,
		}
	}
	idx.scored["many.py"] = scoredResult{hits: hits}

	r := New(idx, nil, WithMaxDocuments(3))
	matches, err := r.Resolve(context.Background(),
		[]traceref.Reference{ref("many.py", "x/many.py")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got := matchPaths(matches)
	want := []string{"app/f0.py", "app/f1.py", "app/f2.py"}
	if len(got) != 3 {
		t.Fatalf("want 3 capped matches, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rank %d: want %q, got %q", i, want[i], got[i])
		}
	}
}

func TestResolve_Tie_ExactPrecedesSemantic(t *testing.T) {
	// A zero-distance semantic hit on a code file also scores 1.0; the
	// stable sort must keep the exact match first.
	idx := newFakeIndex()
	idx.plain["known.py twin.py"] = plainResult{docs: []vecstore.Document{
		doc("app/known.py"),
	}}
	idx.scored["twin.py"] = scoredResult{hits: []vecstore.ScoredDocument{
		{Document: doc("app/twin.py"), Distance: 0},
	}}

	refs := []traceref.Reference{
		ref("known.py", "app/known.py"),
		ref("twin.py", "elsewhere/twin.py"),
	}
	r := New(idx, nil)
	matches, err := r.Resolve(context.Background(), refs)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if len(matches) != 2 {
		t.Fatalf("want 2 matches, got %v", matchPaths(matches))
	}
	if !almostEqual(matches[0].Score, 1.0) || !almostEqual(matches[1].Score, 1.0) {
		t.Fatalf("want tied scores of 1.0, got %v and %v",
			matches[0].Score, matches[1].Score)
	}
	if matches[0].Origin != OriginExact {
		t.Errorf("tie must keep the exact match first, got %v first", matches[0].Origin)
	}
}

func TestResolve_DeterministicAcrossRuns(t *testing.T) {
	// Semantic queries run concurrently; results must still fold in
	// reference order every time.
	idx := newFakeIndex()
	idx.scored["a.py"] = scoredResult{hits: []vecstore.ScoredDocument{
		{Document: doc("app/a_hit.py"), Distance: 0.4},
	}}
	idx.scored["b.py"] = scoredResult{hits: []vecstore.ScoredDocument{
		{Document: doc("app/b_hit.py"), Distance: 0.4},
	}}
	idx.scored["c.py"] = scoredResult{hits: []vecstore.ScoredDocument{
		{Document: doc("app/c_hit.py"), Distance: 0.4},
	}}

	refs := []traceref.Reference{
		ref("a.py", "x/a.py"),
		ref("b.py", "x/b.py"),
		ref("c.py", "x/c.py"),
	}
	r := New(idx, nil)

	var first []string
	for run := 0; run < 5; run++ {
		matches, err := r.Resolve(context.Background(), refs)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		got := matchPaths(matches)
		if first == nil {
			first = got
			continue
		}
		for i := range first {
			if got[i] != first[i] {
				t.Fatalf("run %d differs: %v vs %v", run, got, first)
			}
		}
	}
	want := []string{"app/a_hit.py", "app/b_hit.py", "app/c_hit.py"}
	for i := range want {
		if first[i] != want[i] {
			t.Errorf("rank %d: want %q, got %q", i, want[i], first[i])
		}
	}
}

// =============================================================================
// Edge cases
// =============================================================================

func TestResolve_EmptyRefs(t *testing.T) {
	r := New(newFakeIndex(), nil)
	matches, err := r.Resolve(context.Background(), nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if matches != nil {
		t.Errorf("want nil matches for empty refs, got %v", matchPaths(matches))
	}
}

func TestResolve_NothingMatches(t *testing.T) {
	r := New(newFakeIndex(), nil)
	matches, err := r.Resolve(context.Background(),
		[]traceref.Reference{ref("void.py", "x/void.py")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if matches != nil {
		t.Errorf("want nil matches when nothing is found, got %v", matchPaths(matches))
	}
}

func TestResolve_BatchedQueryError(t *testing.T) {
	idx := newFakeIndex()
	idx.plain["dead.py"] = plainResult{err: fmt.Errorf("store offline")}

	r := New(idx, nil)
	if _, err := r.Resolve(context.Background(),
		[]traceref.Reference{ref("dead.py", "x/dead.py")}); err == nil {
		t.Fatal("expected error when the candidate query fails")
	}
}

// =============================================================================
// isExactMatch unit tests
// =============================================================================

func TestIsExactMatch_Variants(t *testing.T) {
	tests := []struct {
		name string
		ref  traceref.Reference
		doc  vecstore.Document
		want bool
	}{
		{
			name: "doc path inside ref path",
			ref:  ref("main.py", "/srv/app/pkg/main.py"),
			doc:  doc("pkg/main.py"),
			want: true,
		},
		{
			name: "ref path inside doc path",
			ref:  ref("util.py", "pkg/util.py"),
			doc:  doc("vendor/pkg/util.py"),
			want: true,
		},
		{
			name: "case and separator folding",
			ref:  ref("Win.py", `C:/App/Win.py`),
			doc:  doc("app/win.py"),
			want: true,
		},
		{
			name: "suffix without separator boundary",
			ref:  ref("retriever.py", "x/retriever.py"),
			doc:  doc("app/my_retriever.py"),
			want: true,
		},
		{
			name: "different file entirely",
			ref:  ref("main.py", "app/main.py"),
			doc:  doc("lib/render.js"),
			want: false,
		},
		{
			name: "basename equality is case-sensitive",
			ref:  ref("MAIN.py", "zzz/other/MAIN.py"),
			doc: vecstore.Document{Metadata: map[string]any{
				vecstore.MetaPath:     "main.py",
				vecstore.MetaFilePath: "q/r/unrelated_name.go",
			}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isExactMatch(tt.ref, tt.doc); got != tt.want {
				t.Errorf("isExactMatch(%q, %q) = %v, want %v",
					tt.ref.File, vecstore.PathKey(tt.doc), got, tt.want)
			}
		})
	}
}

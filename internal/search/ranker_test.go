package search

import (
	"math"
	"testing"

	"github.com/misakimiku2/aurora-gallery/internal/domain"
)

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	n := float32(math.Sqrt(sum))
	if n == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

func TestTopKOrdering(t *testing.T) {
	query := normalize([]float32{1, 0, 0})
	candidates := []Candidate{
		{FileID: "far", Vector: normalize([]float32{0, 1, 0})},
		{FileID: "close", Vector: normalize([]float32{1, 0.1, 0})},
		{FileID: "exact", Vector: normalize([]float32{1, 0, 0})},
		{FileID: "mid", Vector: normalize([]float32{1, 1, 0})},
	}

	results := TopK(query, candidates, 3, -1)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	wantOrder := []string{"exact", "close", "mid"}
	for i, want := range wantOrder {
		if results[i].FileID != want {
			t.Errorf("rank %d: expected %s, got %s", i+1, want, results[i].FileID)
		}
		if results[i].Rank != i+1 {
			t.Errorf("expected dense rank %d, got %d", i+1, results[i].Rank)
		}
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("scores not descending at index %d", i)
		}
	}
}

func TestTopKBatchIndependentQueries(t *testing.T) {
	candidates := []Candidate{
		{FileID: "x", Vector: normalize([]float32{1, 0, 0})},
		{FileID: "y", Vector: normalize([]float32{0, 1, 0})},
	}
	queries := [][]float32{
		normalize([]float32{1, 0, 0}),
		normalize([]float32{0, 1, 0}),
	}

	results := TopKBatch(queries, candidates, 1, -1)
	if len(results) != 2 {
		t.Fatalf("expected 2 result lists, got %d", len(results))
	}
	if results[0][0].FileID != "x" {
		t.Errorf("query 0: expected x first, got %s", results[0][0].FileID)
	}
	if results[1][0].FileID != "y" {
		t.Errorf("query 1: expected y first, got %s", results[1][0].FileID)
	}
}

func TestTopKStableTies(t *testing.T) {
	query := []float32{1, 0}
	candidates := []Candidate{
		{FileID: "a", Vector: []float32{1, 0}},
		{FileID: "b", Vector: []float32{1, 0}},
		{FileID: "c", Vector: []float32{1, 0}},
	}

	results := TopK(query, candidates, 2, 0)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].FileID != "a" || results[1].FileID != "b" {
		t.Errorf("ties should keep input order, got %s, %s", results[0].FileID, results[1].FileID)
	}
}

func TestTopKMinScore(t *testing.T) {
	query := []float32{1, 0}
	candidates := []Candidate{
		{FileID: "pass", Vector: []float32{0.9, 0}},
		{FileID: "fail", Vector: []float32{0.1, 0}},
	}

	results := TopK(query, candidates, 10, 0.5)
	if len(results) != 1 {
		t.Fatalf("expected 1 result above threshold, got %d", len(results))
	}
	if results[0].FileID != "pass" {
		t.Errorf("expected pass, got %s", results[0].FileID)
	}
}

func TestTopKDimensionMismatch(t *testing.T) {
	query := []float32{1, 0, 0}
	candidates := []Candidate{
		{FileID: "stale", Vector: []float32{1, 0}},
		{FileID: "ok", Vector: []float32{0.5, 0, 0}},
	}

	// A mismatched vector scores zero, so a positive threshold drops it.
	results := TopK(query, candidates, 10, 0.1)
	if len(results) != 1 || results[0].FileID != "ok" {
		t.Fatalf("expected only the matching-dimension candidate, got %v", results)
	}

	// Without a threshold it still participates, at score zero.
	results = TopK(query, candidates, 10, -1)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[1].FileID != "stale" || results[1].Score != 0 {
		t.Errorf("expected stale at score 0, got %s at %f", results[1].FileID, results[1].Score)
	}
}

func TestTopKZeroK(t *testing.T) {
	results := TopK([]float32{1}, []Candidate{{FileID: "a", Vector: []float32{1}}}, 0, 0)
	if len(results) != 0 {
		t.Errorf("k=0 should return empty, got %d results", len(results))
	}
}

func TestSearchExcludingSelf(t *testing.T) {
	query := []float32{1, 0}
	candidates := []Candidate{
		{FileID: "self", Vector: []float32{1, 0}},
		{FileID: "other", Vector: []float32{0.8, 0.2}},
	}

	results := SearchExcludingSelf("self", query, candidates, 10, 0)
	for _, r := range results {
		if r.FileID == "self" {
			t.Fatal("query file must not appear in its own results")
		}
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestMergeWeighted(t *testing.T) {
	lists := [][]domain.SearchResult{
		{
			{FileID: "a", Score: 0.9, Rank: 1},
			{FileID: "b", Score: 0.5, Rank: 2},
		},
		{
			{FileID: "b", Score: 0.8, Rank: 1},
			{FileID: "c", Score: 0.7, Rank: 2},
		},
	}

	results := MergeWeighted(lists, []float32{1.0, 0.5}, 10)
	if len(results) != 3 {
		t.Fatalf("expected 3 merged results, got %d", len(results))
	}
	// b accumulates 0.5*1.0 + 0.8*0.5 = 0.9, a holds 0.9; b was seen
	// second so a wins the tie.
	if results[0].FileID != "a" {
		t.Errorf("expected a first, got %s", results[0].FileID)
	}
	if results[1].FileID != "b" {
		t.Errorf("expected b second, got %s", results[1].FileID)
	}
	for i, r := range results {
		if r.Rank != i+1 {
			t.Errorf("expected dense rank %d, got %d", i+1, r.Rank)
		}
	}
}

func TestVectorCacheEviction(t *testing.T) {
	cache, err := NewVectorCache(2)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}

	cache.Put("a", "m1", []float32{1})
	cache.Put("b", "m1", []float32{2})
	if _, ok := cache.Get("a", "m1"); !ok {
		t.Fatal("a should be cached")
	}
	// b is now least recently used and should be evicted first.
	cache.Put("c", "m1", []float32{3})
	if _, ok := cache.Get("b", "m1"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := cache.Get("a", "m1"); !ok {
		t.Error("a should survive, it was touched last")
	}
	if _, ok := cache.Get("c", "m1"); !ok {
		t.Error("c should be cached")
	}
}

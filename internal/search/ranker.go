// Package search implements in-memory cosine ranking over stored
// fingerprint vectors. Vectors are L2-normalized at encoding time so
// cosine similarity reduces to a dot product.
package search

import (
	"container/heap"
	"sort"

	"github.com/misakimiku2/aurora-gallery/internal/domain"
)

// Candidate is one vector competing in a ranking pass.
type Candidate struct {
	FileID string
	Vector []float32
}

// scored carries a candidate's score together with its input position,
// which breaks ties deterministically.
type scored struct {
	fileID string
	score  float32
	order  int
}

// resultHeap is a min-heap over scores so the weakest of the current
// top-k sits at the root and can be evicted in O(log k).
type resultHeap []scored

func (h resultHeap) Len() int { return len(h) }
func (h resultHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	// Later arrivals rank below earlier ones at equal score, so the
	// heap must treat them as smaller.
	return h[i].order > h[j].order
}
func (h resultHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *resultHeap) Push(x interface{}) {
	*h = append(*h, x.(scored))
}

func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Dot computes the inner product of two vectors. Mismatched dimensions
// yield zero rather than an error, so a gallery mid-way through a model
// switch simply ranks stale vectors at the bottom.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// TopK ranks candidates against the query by dot product and returns up
// to k results ordered best first. Results scoring below minScore are
// excluded before the cut, ranks are dense starting at 1, and ties keep
// input order. k <= 0 returns an empty slice.
func TopK(query []float32, candidates []Candidate, k int, minScore float32) []domain.SearchResult {
	if k <= 0 || len(candidates) == 0 {
		return []domain.SearchResult{}
	}

	h := make(resultHeap, 0, k)
	heap.Init(&h)
	for i, c := range candidates {
		score := Dot(query, c.Vector)
		if score < minScore {
			continue
		}
		entry := scored{fileID: c.FileID, score: score, order: i}
		if h.Len() < k {
			heap.Push(&h, entry)
			continue
		}
		root := h[0]
		if entry.score > root.score || (entry.score == root.score && entry.order < root.order) {
			h[0] = entry
			heap.Fix(&h, 0)
		}
	}

	return drain(h)
}

// SearchExcludingSelf ranks candidates while dropping the query's own
// file from the results, which is what a "find similar" lookup wants.
func SearchExcludingSelf(queryFileID string, query []float32, candidates []Candidate, k int, minScore float32) []domain.SearchResult {
	if k <= 0 {
		return []domain.SearchResult{}
	}
	filtered := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.FileID == queryFileID {
			continue
		}
		filtered = append(filtered, c)
	}
	return TopK(query, filtered, k, minScore)
}

// TopKBatch ranks each query independently against the same candidate
// snapshot. Result i corresponds to query i.
func TopKBatch(queries [][]float32, candidates []Candidate, k int, minScore float32) [][]domain.SearchResult {
	results := make([][]domain.SearchResult, len(queries))
	for i, q := range queries {
		results[i] = TopK(q, candidates, k, minScore)
	}
	return results
}

// MergeWeighted combines several ranked lists into one by accumulating
// score*weight per file ID, then re-ranking. Used for multi-reference
// queries where each reference image contributes with its own weight.
func MergeWeighted(lists [][]domain.SearchResult, weights []float32, k int) []domain.SearchResult {
	if k <= 0 || len(lists) == 0 {
		return []domain.SearchResult{}
	}

	type acc struct {
		score float32
		order int
	}
	combined := make(map[string]*acc)
	orderSeq := 0
	for li, list := range lists {
		var w float32 = 1
		if li < len(weights) {
			w = weights[li]
		}
		for _, res := range list {
			a, ok := combined[res.FileID]
			if !ok {
				a = &acc{order: orderSeq}
				orderSeq++
				combined[res.FileID] = a
			}
			a.score += res.Score * w
		}
	}

	merged := make([]scored, 0, len(combined))
	for id, a := range combined {
		merged = append(merged, scored{fileID: id, score: a.score, order: a.order})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		return merged[i].order < merged[j].order
	})
	if len(merged) > k {
		merged = merged[:k]
	}

	out := make([]domain.SearchResult, len(merged))
	for i, s := range merged {
		out[i] = domain.SearchResult{FileID: s.fileID, Score: s.score, Rank: i + 1}
	}
	return out
}

// drain empties the heap into a best-first slice with dense ranks.
func drain(h resultHeap) []domain.SearchResult {
	out := make([]domain.SearchResult, h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		s := heap.Pop(&h).(scored)
		out[i] = domain.SearchResult{FileID: s.fileID, Score: s.score}
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

package domain

// SearchResult is one ranked hit from a similarity query.
type SearchResult struct {
	// FileID identifies the matched file.
	FileID string `json:"file_id"`
	// Score is cosine similarity in [-1,1] for embedding search, or a
	// palette score in [0,100] for color search.
	Score float32 `json:"score"`
	// Rank is 1-based and dense; ties keep stable input order.
	Rank int `json:"rank"`
}

// BatchSummary is the structured outcome of a bulk embedding run.
// Partial failures are reported here rather than failing the call.
type BatchSummary struct {
	Total       int      `json:"total"`
	Success     int      `json:"success"`
	Failed      int      `json:"failed"`
	Skipped     int      `json:"skipped"`
	FailedFiles []string `json:"failed_files"`
	Cancelled   bool     `json:"cancelled"`
	// Throughput is successful files per second over the whole run.
	Throughput float64 `json:"throughput"`
}

// ExtractionProgress reports scheduler progress. Total only grows
// within a run; it never shrinks even if pending rows disappear.
type ExtractionProgress struct {
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Pending   int    `json:"pending"`
	Stage     string `json:"stage"`
}

// DownloadProgress reports incremental model artifact download state.
type DownloadProgress struct {
	FileName        string  `json:"file_name"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	BytesTotal      int64   `json:"bytes_total"`
	ProgressPct     float64 `json:"progress_pct"`
}

package pipeline

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics tracks operational counters across a run.
var metrics struct {
	LinksCollected  atomic.Int64
	PagesFetched    atomic.Int64
	FetchFailures   atomic.Int64
	Extracted       atomic.Int64
	ExtractFailures atomic.Int64
	CaptchaBlocks   atomic.Int64
	SessionRestarts atomic.Int64
}

// GetMetrics returns a snapshot of all counters.
func GetMetrics() map[string]int64 {
	return map[string]int64{
		"links_collected":  metrics.LinksCollected.Load(),
		"pages_fetched":    metrics.PagesFetched.Load(),
		"fetch_failures":   metrics.FetchFailures.Load(),
		"extracted":        metrics.Extracted.Load(),
		"extract_failures": metrics.ExtractFailures.Load(),
		"captcha_blocks":   metrics.CaptchaBlocks.Load(),
		"session_restarts": metrics.SessionRestarts.Load(),
	}
}

// FormatMetrics returns counters as a simple text block for the
// end-of-run summary.
func FormatMetrics() string {
	m := GetMetrics()
	keys := []string{
		"links_collected",
		"pages_fetched", "fetch_failures",
		"extracted", "extract_failures",
		"captcha_blocks", "session_restarts",
	}
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s %d\n", k, m[k])
	}
	return sb.String()
}

// Package assembly gathers a project's upstream artifacts into the read-only
// context bundle shared by every agent step in a run.
package assembly

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// ContextBundle holds the assembled input context for one run. It is built once
// per run and must not be mutated afterwards; all steps share it by value.
type ContextBundle struct {
	Documents         string
	RepositorySummary string
	CrawlData         string
}

// CacheKey returns a stable hash of the bundle contents. Agent calls carry it so
// the provider layer can deduplicate repeated generations over identical input.
func (b ContextBundle) CacheKey() string {
	h := sha256.New()
	for _, field := range []string{b.Documents, b.RepositorySummary, b.CrawlData} {
		_, _ = io.WriteString(h, field)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

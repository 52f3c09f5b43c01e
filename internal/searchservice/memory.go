package searchservice

import (
	"fmt"
	"math"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
)

// memoryGuard owns the process-wide soft memory limit for bulk sessions.
// The first session records the baseline, sessions may only raise the
// limit, and the last session to end restores the baseline.
type memoryGuard struct {
	mu       sync.Mutex
	sessions int
	baseline int64
	current  int64
}

var indexingMemory memoryGuard

// acquire registers a session asking for limit bytes and reports whether
// the limit was raised
func (g *memoryGuard) acquire(limit int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sessions == 0 {
		g.baseline = debug.SetMemoryLimit(-1)
		g.current = g.baseline
	}
	g.sessions++

	if limit <= g.current {
		return false
	}
	debug.SetMemoryLimit(limit)
	g.current = limit
	return true
}

func (g *memoryGuard) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sessions == 0 {
		return
	}
	g.sessions--
	if g.sessions > 0 {
		return
	}
	if g.current != g.baseline {
		debug.SetMemoryLimit(g.baseline)
	}
	g.current = g.baseline
}

// parseMemoryHint reads a memory size such as "512M", "1G" or "64MiB".
// Single-letter and KB/MB/GB suffixes are binary multiples; "-1" means
// unlimited.
func parseMemoryHint(hint string) (int64, error) {
	s := strings.TrimSpace(hint)
	if s == "-1" {
		return math.MaxInt64, nil
	}

	upper := strings.TrimSuffix(strings.ToUpper(s), "B")
	if n := len(upper); n > 0 && strings.ContainsRune("KMGTP", rune(upper[n-1])) {
		s = upper + "iB"
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid indexing memory %q: %w", hint, err)
	}
	if n == 0 || n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid indexing memory %q: out of range", hint)
	}
	return int64(n), nil
}

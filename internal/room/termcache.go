package room

import "strings"

// termLineMaxBytes caps how long a cached line may grow before further
// output starts a new line.
const termLineMaxBytes = 256

// TermCache holds the most recent terminal output so late joiners can be
// replayed what everyone else already saw. Output chunks are coalesced into
// lines; the oldest lines are evicted once the cache is full.
type TermCache struct {
	lines    []string
	maxLines int
}

// NewTermCache creates a cache keeping at most maxLines lines.
func NewTermCache(maxLines int) *TermCache {
	return &TermCache{maxLines: maxLines}
}

// Push records an output chunk. The chunk starts a new line when the cache
// is empty, the last line is already newline-terminated, or the last line
// has grown past the byte cap; otherwise it is concatenated onto the last
// line.
func (c *TermCache) Push(data string) {
	n := len(c.lines)
	if n == 0 {
		c.lines = append(c.lines, data)
	} else {
		last := c.lines[n-1]
		if len(last) >= termLineMaxBytes || strings.HasSuffix(last, "\n") {
			c.lines = append(c.lines, data)
		} else {
			c.lines[n-1] = last + data
		}
	}

	if len(c.lines) > c.maxLines {
		c.lines = c.lines[1:]
	}
}

// Lines returns the cached lines, oldest first.
func (c *TermCache) Lines() []string {
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

// Len returns the number of cached lines.
func (c *TermCache) Len() int {
	return len(c.lines)
}

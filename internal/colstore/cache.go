// Memoizes first-match scans for declarative predicate lists.

package colstore

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultQueryCacheEntries is the first-match cache size used when
// Options.QueryCacheEntries is zero.
const DefaultQueryCacheEntries = 1024

// matchState is what is known about a predicate list.
//
// Rows are never modified once committed and only appended, so a match stays
// the first match forever and a miss only needs to rescan the new rows.
type matchState struct {
	// scanned is the row count known not to match, when index < 0.
	scanned int
	// index is the first matching row, or -1.
	index int
}

type matchCache struct {
	c *ristretto.Cache[string, matchState]
}

func newMatchCache(entries int64) (*matchCache, error) {
	if entries == 0 {
		entries = DefaultQueryCacheEntries
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, matchState]{
		NumCounters:        entries * 10,
		MaxCost:            entries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &matchCache{c: c}, nil
}

func (m *matchCache) get(key string) (matchState, bool) {
	return m.c.Get(key)
}

func (m *matchCache) set(key string, st matchState) {
	m.c.Set(key, st, 1)
}

func (m *matchCache) close() {
	m.c.Close()
}

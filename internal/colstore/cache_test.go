package colstore

import (
	"fmt"
	"testing"
)

func TestMatchCache(t *testing.T) {
	for _, entries := range []int64{1, 16, DefaultQueryCacheEntries} {
		t.Run(fmt.Sprint(entries), func(t *testing.T) {
			m, err := newMatchCache(entries)
			if err != nil {
				t.Fatal(err)
			}
			defer m.close()
			for i := range entries {
				m.set(fmt.Sprint("k", i), matchState{index: int(i)})
				m.c.Wait()
			}
			for i := range entries {
				key := fmt.Sprint("k", i)
				got, ok := m.get(key)
				if !ok {
					t.Fatalf("get(%q) missed after %d sets", key, entries)
				}
				if got.index != int(i) {
					t.Errorf("get(%q) = %+v, want index %d", key, got, i)
				}
			}
		})
	}
	t.Run("default size", func(t *testing.T) {
		m, err := newMatchCache(0)
		if err != nil {
			t.Fatal(err)
		}
		defer m.close()
		if got := m.c.MaxCost(); got != DefaultQueryCacheEntries {
			t.Errorf("MaxCost() = %d, want %d", got, DefaultQueryCacheEntries)
		}
	})
}

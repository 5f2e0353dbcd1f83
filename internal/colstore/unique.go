// Provides the ordered index backing uniqueness constraints.

package colstore

import (
	"github.com/google/btree"
)

// btreeDegree is small; indexes live in memory and are rebuilt at open.
const btreeDegree = 16

// uniqueIndex is the set of values present in a unique column.
//
// It is not synchronized; it is guarded by the lock of the column owning it.
type uniqueIndex[V any] struct {
	tree *btree.BTreeG[V]
	less btree.LessFunc[V]
}

func newUniqueIndex[V any](compare func(a, b V) int) *uniqueIndex[V] {
	less := func(a, b V) bool { return compare(a, b) < 0 }
	return &uniqueIndex[V]{tree: btree.NewG(btreeDegree, less), less: less}
}

func (u *uniqueIndex[V]) add(v V) {
	u.tree.ReplaceOrInsert(v)
}

func (u *uniqueIndex[V]) remove(v V) {
	u.tree.Delete(v)
}

// firstConflict returns the index in vals of the first value that is already
// indexed or repeated earlier in vals, or -1.
func (u *uniqueIndex[V]) firstConflict(vals []V) int {
	batch := btree.NewG(btreeDegree, u.less)
	for i, v := range vals {
		if u.tree.Has(v) {
			return i
		}
		if _, dup := batch.ReplaceOrInsert(v); dup {
			return i
		}
	}
	return -1
}

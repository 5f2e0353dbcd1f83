package colstore

import (
	"bytes"
	"testing"
)

func TestNewRowID(t *testing.T) {
	const n = 10000
	prev := NewRowID()
	for range n {
		id := NewRowID()
		if bytes.Compare(id[:], prev[:]) <= 0 {
			t.Fatalf("%s is not after %s", id, prev)
		}
		if id.String() <= prev.String() {
			t.Fatalf("%s does not sort after %s", id, prev)
		}
		prev = id
	}
	got, err := ParseRowID(prev.String())
	if err != nil || got != prev {
		t.Errorf("ParseRowID = %v, %v; want %v", got, err, prev)
	}
	if _, err := ParseRowID("nope"); err == nil {
		t.Error("ParseRowID accepted garbage")
	}
}

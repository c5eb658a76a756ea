package ringbuffer

import (
	"reflect"
	"testing"
)

func TestRing_EvictsOldestFirst(t *testing.T) {
	r := New[int](20)
	for i := 0; i < 25; i++ {
		r.Push(i)
	}

	if r.Len() != 20 {
		t.Fatalf("Len() = %d, want 20", r.Len())
	}
	values := r.Values()
	if values[0] != 5 || values[19] != 24 {
		t.Errorf("Values() = %v, want 5..24", values)
	}
	if last, _ := r.Last(); last != 24 {
		t.Errorf("Last() = %d, want 24", last)
	}
}

func TestRing_Recent(t *testing.T) {
	r := New[string](4)
	for _, s := range []string{"a", "b", "c"} {
		r.Push(s)
	}

	if got := r.Recent(2); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("Recent(2) = %v", got)
	}
	if got := r.Recent(10); len(got) != 3 {
		t.Errorf("Recent(10) len = %d, want 3", len(got))
	}
}

func TestRing_EmptyAndClear(t *testing.T) {
	r := New[float64](0)
	if r.Cap() != 1 {
		t.Errorf("Cap() = %d, want 1", r.Cap())
	}
	if _, ok := r.Last(); ok {
		t.Error("Last() on empty ring should report false")
	}
	if r.Values() != nil {
		t.Error("Values() on empty ring should be nil")
	}

	r.Push(1.5)
	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Len() after Clear = %d", r.Len())
	}
}

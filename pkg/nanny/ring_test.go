package nanny

import "testing"

func TestRing_RoundRobinOrder(t *testing.T) {
	r := NewRing[string]()
	r.Push("w1")
	r.Push("w2")
	r.Push("w3")

	var got []string
	for i := 0; i < 6; i++ {
		w, ok := r.RotateHead()
		if !ok {
			t.Fatalf("unexpected empty ring at iteration %d", i)
		}
		got = append(got, w)
	}

	want := []string{"w1", "w2", "w3", "w1", "w2", "w3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order mismatch at %d: got %v, want %v", i, got, want)
		}
	}
}

func TestRing_NoDuplicateInsertion(t *testing.T) {
	r := NewRing[string]()
	r.Push("w1")
	r.Push("w1")

	if r.Size() != 1 {
		t.Fatalf("expected size 1 after duplicate push, got %d", r.Size())
	}
}

func TestRing_RemoveIsNoOpWhenAbsent(t *testing.T) {
	r := NewRing[string]()
	r.Push("w1")
	r.Remove("w2") // absent, must not panic or change size
	if r.Size() != 1 {
		t.Fatalf("expected size 1, got %d", r.Size())
	}
}

func TestRing_RemovePreservesRotationOrder(t *testing.T) {
	r := NewRing[string]()
	r.Push("w1")
	r.Push("w2")
	r.Push("w3")

	r.RotateHead() // advances head past w1, head is now w2

	r.Remove("w2")

	w, ok := r.RotateHead()
	if !ok || w != "w3" {
		t.Fatalf("expected w3 next after removing current head, got %v ok=%v", w, ok)
	}
	w, ok = r.RotateHead()
	if !ok || w != "w1" {
		t.Fatalf("expected w1 after w3, got %v ok=%v", w, ok)
	}
}

func TestRing_RotateHeadOnEmpty(t *testing.T) {
	r := NewRing[string]()
	if _, ok := r.RotateHead(); ok {
		t.Fatal("expected RotateHead on empty ring to fail")
	}
}

func TestRing_ForEachVisitsAllInOrder(t *testing.T) {
	r := NewRing[int]()
	r.Push(1)
	r.Push(2)
	r.Push(3)
	r.RotateHead() // head now at 2

	var visited []int
	r.ForEach(func(w int) { visited = append(visited, w) })

	want := []int{2, 3, 1}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("ForEach order mismatch: got %v, want %v", visited, want)
		}
	}
}

func TestRing_Contains(t *testing.T) {
	r := NewRing[string]()
	r.Push("w1")
	if !r.Contains("w1") {
		t.Fatal("expected ring to contain w1")
	}
	if r.Contains("w2") {
		t.Fatal("expected ring to not contain w2")
	}
}

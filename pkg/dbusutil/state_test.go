// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package dbusutil

import "testing"

func TestStateResetOrder(t *testing.T) {
	var order []int
	s := &State{}
	for i := 0; i < 3; i++ {
		i := i
		s.record(func() { order = append(order, i) })
	}

	s.Reset()

	want := []int{2, 1, 0}
	if len(order) != len(want) {
		t.Fatalf("got %v != want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v != want %v", order, want)
		}
	}
}

func TestStateResetTwiceIsNoop(t *testing.T) {
	calls := 0
	s := &State{}
	s.record(func() { calls++ })

	s.Reset()
	s.Reset()

	if calls != 1 {
		t.Errorf("got %d calls != want 1", calls)
	}
}

func TestStateShadowOnlyFiresOnce(t *testing.T) {
	calls := 0
	s := &State{}
	remove := s.shadow(func() { calls++ })

	remove()
	remove()
	s.Reset()

	if calls != 1 {
		t.Errorf("got %d calls != want 1", calls)
	}
}

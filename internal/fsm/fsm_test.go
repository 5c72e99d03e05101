package fsm

import "testing"

func TestNextAfterUnderstand(t *testing.T) {
	if got := NextAfterUnderstand(CategoryNeedsPlanning); got != Planning {
		t.Fatalf("got %s, want Planning", got)
	}
	if got := NextAfterUnderstand(CategorySkipPlanning); got != Doing {
		t.Fatalf("got %s, want Doing", got)
	}
}

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine("t1")
	steps := []State{Understand, Planning, Doing, Gitting, Reviewing, Merging, Complete}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if !IsTerminal(m.State) {
		t.Fatalf("expected terminal state, got %s", m.State)
	}
}

func TestMachine_IllegalTransitionRejected(t *testing.T) {
	m := NewMachine("t1")
	if err := m.Transition(Doing); err == nil {
		t.Fatal("expected illegal transition from Idle to Doing to be rejected")
	}
}

func TestMachine_ReviewCycleCapParks(t *testing.T) {
	m := NewMachine("t1")
	for _, s := range []State{Understand, Doing, Gitting, Reviewing} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	// Cycle 1, 2, 3: Reviewing -> Doing -> Gitting -> Reviewing
	for i := 0; i < MaxReviewCycles; i++ {
		if err := m.Transition(Doing); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if m.State != Doing {
			t.Fatalf("cycle %d: expected Doing, got %s", i, m.State)
		}
		if err := m.Transition(Gitting); err != nil {
			t.Fatal(err)
		}
		if err := m.Transition(Reviewing); err != nil {
			t.Fatal(err)
		}
	}
	// The 4th requested Reviewing -> Doing should be redirected to Parked.
	if err := m.Transition(Doing); err != nil {
		t.Fatalf("expected cap redirect to Parked to succeed, got error: %v", err)
	}
	if m.State != Parked {
		t.Fatalf("expected Parked after exceeding review cap, got %s", m.State)
	}
}

func TestMachine_MergeConflictReturnsToGitting(t *testing.T) {
	m := NewMachine("t1")
	for _, s := range []State{Understand, Doing, Gitting, Reviewing, Merging} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Transition(Gitting); err != nil {
		t.Fatalf("expected Merging -> Gitting on conflict to be legal: %v", err)
	}
}

func TestMachine_MergeCycleCapParks(t *testing.T) {
	m := NewMachine("t1")
	for _, s := range []State{Understand, Doing, Gitting, Reviewing, Merging} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	// Cycles 1, 2, 3: Merging -> Gitting -> Reviewing -> Merging, conflict again each time.
	for i := 0; i < MaxMergeCycles; i++ {
		if err := m.Transition(Gitting); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if m.State != Gitting {
			t.Fatalf("cycle %d: expected Gitting, got %s", i, m.State)
		}
		if err := m.Transition(Reviewing); err != nil {
			t.Fatal(err)
		}
		if err := m.Transition(Merging); err != nil {
			t.Fatal(err)
		}
	}
	// The 4th requested Merging -> Gitting should be redirected to Parked instead
	// of looping the conflict-resolution sub-turn forever.
	if err := m.Transition(Gitting); err != nil {
		t.Fatalf("expected cap redirect to Parked to succeed, got error: %v", err)
	}
	if m.State != Parked {
		t.Fatalf("expected Parked after exceeding merge cap, got %s", m.State)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []State{Complete, Failed, Parked} {
		if !IsTerminal(s) {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	if IsTerminal(Doing) {
		t.Fatal("expected Doing to be non-terminal")
	}
}

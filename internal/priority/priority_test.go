package priority

import (
	"sort"
	"testing"
)

func TestRank_Ordering(t *testing.T) {
	if !(Rank(P0) < Rank(P1) && Rank(P1) < Rank(P2)) {
		t.Fatalf("expected P0 < P1 < P2 by rank, got %d %d %d", Rank(P0), Rank(P1), Rank(P2))
	}
}

func TestMax_HigherSeverityWins(t *testing.T) {
	if Max(P2, P0) != P0 {
		t.Fatal("expected P0 to win over P2")
	}
	if Max(P1, P1) != P1 {
		t.Fatal("expected equal priority to be preserved")
	}
}

func TestLess_TieBreak(t *testing.T) {
	tasks := []Candidate{
		{Priority: P1, LastUpdatedNs: 5, CreatedAtNs: 5},
		{Priority: P0, LastUpdatedNs: 10, CreatedAtNs: 10},
		{Priority: P0, LastUpdatedNs: 1, CreatedAtNs: 1},
		{Priority: P2, LastUpdatedNs: 0, CreatedAtNs: 0},
	}
	sort.Slice(tasks, func(i, j int) bool { return Less(tasks[i], tasks[j]) })

	want := []Priority{P0, P0, P1, P2}
	for i, w := range want {
		if tasks[i].Priority != w {
			t.Fatalf("position %d: got priority %s, want %s", i, tasks[i].Priority, w)
		}
	}
	// Within the two P0 rows, the earlier last_updated_ns must sort first.
	if tasks[0].LastUpdatedNs != 1 || tasks[1].LastUpdatedNs != 10 {
		t.Fatalf("expected FIFO tie-break within same priority, got %+v", tasks[:2])
	}
}

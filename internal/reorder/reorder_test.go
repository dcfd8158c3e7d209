package reorder

import (
	"errors"
	"math/rand"
	"testing"
)

var twoColumns = Columns{IDs: []string{"0", "1"}, Default: "0"}

func board() []Item {
	return []Item{
		{ID: "a", Column: "0", Rank: 0},
		{ID: "b", Column: "0", Rank: 1},
		{ID: "c", Column: "0", Rank: 2},
		{ID: "d", Column: "1", Rank: 0},
		{ID: "e", Column: "1", Rank: 1},
	}
}

func byID(items []Item) map[string]Item {
	out := make(map[string]Item, len(items))
	for _, item := range items {
		out[item.ID] = item
	}
	return out
}

func TestApplyWithinColumn(t *testing.T) {
	items, changes, err := Apply(board(), twoColumns, Move{ID: "c", Column: "0", Rank: 0})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := byID(items)
	if got["c"].Rank != 0 || got["a"].Rank != 1 || got["b"].Rank != 2 {
		t.Fatalf("unexpected ranks: %+v", items)
	}
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d: %+v", len(changes), changes)
	}
	for _, change := range changes {
		if change.ColumnChanged {
			t.Fatalf("no column should change: %+v", change)
		}
	}
}

func TestApplyAcrossColumnsRenumbersBoth(t *testing.T) {
	items, changes, err := Apply(board(), twoColumns, Move{ID: "a", Column: "1", Rank: 1})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := byID(items)
	if got["a"].Column != "1" || got["a"].Rank != 1 {
		t.Fatalf("moved item misplaced: %+v", got["a"])
	}
	if got["b"].Rank != 0 || got["c"].Rank != 1 {
		t.Fatalf("source column not renumbered: %+v", items)
	}
	if got["d"].Rank != 0 || got["e"].Rank != 2 {
		t.Fatalf("target column not renumbered: %+v", items)
	}
	changed := map[string]Change{}
	for _, change := range changes {
		changed[change.ID] = change
	}
	if _, ok := changed["d"]; ok {
		t.Fatal("d kept its rank and must not be reported")
	}
	for _, id := range []string{"a", "b", "c", "e"} {
		if _, ok := changed[id]; !ok {
			t.Fatalf("expected change for %s", id)
		}
	}
	if !changed["a"].ColumnChanged {
		t.Fatal("expected column change for a")
	}
}

func TestApplyClampsUnknownColumn(t *testing.T) {
	items, _, err := Apply(board(), twoColumns, Move{ID: "d", Column: "col-ghost", Rank: 0})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := byID(items)["d"]; got.Column != "0" || got.Rank != 0 {
		t.Fatalf("expected clamp to default column, got %+v", got)
	}
}

func TestApplyClampsRank(t *testing.T) {
	items, _, err := Apply(board(), twoColumns, Move{ID: "a", Column: "1", Rank: 99})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := byID(items)["a"]; got.Rank != 2 {
		t.Fatalf("expected rank clamped to end of column, got %d", got.Rank)
	}
	items, _, err = Apply(board(), twoColumns, Move{ID: "e", Column: "1", Rank: -4})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := byID(items)["e"]; got.Rank != 0 {
		t.Fatalf("expected negative rank clamped to 0, got %d", got.Rank)
	}
}

func TestApplyUnknownItem(t *testing.T) {
	_, _, err := Apply(board(), twoColumns, Move{ID: "zzz", Column: "0"})
	if !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
}

func TestApplyNoopReportsNothing(t *testing.T) {
	_, changes, err := Apply(board(), twoColumns, Move{ID: "b", Column: "0", Rank: 1})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %+v", changes)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	input := board()
	if _, _, err := Apply(input, twoColumns, Move{ID: "a", Column: "1", Rank: 0}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if input[0].Column != "0" || input[0].Rank != 0 {
		t.Fatalf("input mutated: %+v", input[0])
	}
}

func TestRankContiguityAfterRandomMoves(t *testing.T) {
	columns := Columns{IDs: []string{"unassigned", "loc-1", "loc-2"}, Default: "unassigned"}
	items := []Item{
		{ID: "g1", Column: "unassigned", Rank: 0},
		{ID: "g2", Column: "unassigned", Rank: 1},
		{ID: "g3", Column: "loc-1", Rank: 0},
		{ID: "g4", Column: "loc-1", Rank: 1},
		{ID: "g5", Column: "loc-2", Rank: 0},
		{ID: "g6", Column: "loc-2", Rank: 1},
		{ID: "g7", Column: "loc-2", Rank: 2},
	}
	targets := append([]string{"stale-container"}, columns.IDs...)
	rng := rand.New(rand.NewSource(7))
	for step := 0; step < 500; step++ {
		move := Move{
			ID:     items[rng.Intn(len(items))].ID,
			Column: targets[rng.Intn(len(targets))],
			Rank:   rng.Intn(len(items)+2) - 1,
		}
		next, _, err := Apply(items, columns, move)
		if err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		if !Contiguous(next) {
			t.Fatalf("step %d: ranks not contiguous after %+v: %+v", step, move, next)
		}
		items = next
	}
}

func TestNormalize(t *testing.T) {
	items := []Item{
		{ID: "a", Column: "0", Rank: 4},
		{ID: "b", Column: "0", Rank: 4},
		{ID: "c", Column: "gone", Rank: 9},
		{ID: "d", Column: "1", Rank: 0},
	}
	next, changes := Normalize(items, twoColumns)
	if !Contiguous(next) {
		t.Fatalf("expected contiguous ranks, got %+v", next)
	}
	got := byID(next)
	if got["a"].Rank != 0 || got["b"].Rank != 1 || got["c"].Rank != 2 {
		t.Fatalf("expected list order to break ties, got %+v", next)
	}
	if got["c"].Column != "0" {
		t.Fatalf("expected unknown column clamped, got %q", got["c"].Column)
	}
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %+v", changes)
	}
}

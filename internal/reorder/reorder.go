// Package reorder applies drag-and-drop moves to a column-partitioned list
// and reports which items changed placement.
package reorder

import (
	"errors"
	"sort"
)

var ErrUnknownItem = errors.New("reorder: unknown item")

// Item is the placement of one record on a board.
type Item struct {
	ID     string `json:"id"`
	Column string `json:"column"`
	Rank   int    `json:"rank"`
}

// Columns is the set of valid columns and the column used when a move
// targets one that does not exist.
type Columns struct {
	IDs     []string
	Default string
}

func (c Columns) Has(id string) bool {
	for _, candidate := range c.IDs {
		if candidate == id {
			return true
		}
	}
	return false
}

// Clamp returns id when it is a known column and the default otherwise.
func (c Columns) Clamp(id string) string {
	if c.Has(id) {
		return id
	}
	return c.Default
}

// Move asks for item ID to be placed at Rank within Column.
type Move struct {
	ID     string `json:"id"`
	Column string `json:"column"`
	Rank   int    `json:"rank"`
}

// Change describes an item whose placement differs from its placement
// before the move.
type Change struct {
	ID            string
	Column        string
	Rank          int
	ColumnChanged bool
	RankChanged   bool
}

// Apply moves one item and renumbers the source and target columns so
// their ranks run 0..n-1. The input slice is not modified; the result
// keeps the input order.
func Apply(items []Item, columns Columns, move Move) ([]Item, []Change, error) {
	index := -1
	for i, item := range items {
		if item.ID == move.ID {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, nil, ErrUnknownItem
	}

	source := items[index].Column
	target := columns.Clamp(move.Column)

	sourceOrder := columnOrder(items, source, move.ID)
	targetOrder := sourceOrder
	if target != source {
		targetOrder = columnOrder(items, target, move.ID)
	}

	rank := move.Rank
	if rank < 0 {
		rank = 0
	}
	if rank > len(targetOrder) {
		rank = len(targetOrder)
	}
	targetOrder = append(targetOrder[:rank:rank], append([]int{index}, targetOrder[rank:]...)...)

	next := make([]Item, len(items))
	copy(next, items)
	next[index].Column = target
	for r, i := range targetOrder {
		next[i].Rank = r
	}
	if target != source {
		for r, i := range sourceOrder {
			next[i].Rank = r
		}
	}

	return next, diff(items, next), nil
}

// Normalize renumbers every column so its ranks are contiguous from 0.
// Items whose column is unknown are moved to the default column.
func Normalize(items []Item, columns Columns) ([]Item, []Change) {
	next := make([]Item, len(items))
	copy(next, items)
	for i := range next {
		next[i].Column = columns.Clamp(next[i].Column)
	}
	seen := map[string]bool{}
	for _, item := range next {
		if seen[item.Column] {
			continue
		}
		seen[item.Column] = true
		for r, i := range columnOrder(next, item.Column, "") {
			next[i].Rank = r
		}
	}
	return next, diff(items, next)
}

// Contiguous reports whether every column's ranks are exactly 0..n-1.
func Contiguous(items []Item) bool {
	byColumn := map[string][]int{}
	for _, item := range items {
		byColumn[item.Column] = append(byColumn[item.Column], item.Rank)
	}
	for _, ranks := range byColumn {
		sort.Ints(ranks)
		for i, rank := range ranks {
			if rank != i {
				return false
			}
		}
	}
	return true
}

// columnOrder returns the indexes of the items in column, sorted by rank
// with ties broken by list position, skipping the item with id exclude.
func columnOrder(items []Item, column, exclude string) []int {
	order := make([]int, 0)
	for i, item := range items {
		if item.Column == column && item.ID != exclude {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return items[order[a]].Rank < items[order[b]].Rank
	})
	return order
}

func diff(before, after []Item) []Change {
	changes := make([]Change, 0)
	for i := range after {
		columnChanged := before[i].Column != after[i].Column
		rankChanged := before[i].Rank != after[i].Rank
		if !columnChanged && !rankChanged {
			continue
		}
		changes = append(changes, Change{
			ID:            after[i].ID,
			Column:        after[i].Column,
			Rank:          after[i].Rank,
			ColumnChanged: columnChanged,
			RankChanged:   rankChanged,
		})
	}
	return changes
}

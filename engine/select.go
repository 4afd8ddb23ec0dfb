// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package engine

import (
	"fmt"

	"github.com/reldb-project/reldb/catalog"
	"github.com/reldb-project/reldb/record"
	"github.com/reldb-project/reldb/storage/rtree"
)

// Predicate is the WHERE clause of a SELECT, one of the four shapes
// the grammar grants.
type Predicate interface{ predicate() }

type EqPredicate struct {
	Column string
	Value  Literal
}

func (EqPredicate) predicate() {}

type BetweenPredicate struct {
	Column string
	Lo, Hi Literal
}

func (BetweenPredicate) predicate() {}

type KNNPredicate struct {
	X, Y float64
	K    int
}

func (KNNPredicate) predicate() {}

type WithinPredicate struct {
	X, Y     float64
	RadiusKm float64
}

func (WithinPredicate) predicate() {}

// Select dispatches a query by predicate shape: use the bound index
// when the predicate matches it, fall back to the heap otherwise.
func (e *Engine) Select(table string, pred Predicate) ([]record.Row, error) {
	h, err := e.handle(table)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return h.heap.Scan()
	}
	switch p := pred.(type) {
	case EqPredicate:
		return e.selectEq(h, p)
	case BetweenPredicate:
		return e.selectBetween(h, p)
	case KNNPredicate:
		return e.selectKNN(h, p)
	case WithinPredicate:
		return e.selectWithin(h, p)
	default:
		return nil, fmt.Errorf("engine: unsupported predicate %T", pred)
	}
}

// selectEq: rule 1 (equality on the indexed column, for bptree/isam/
// hash), rule 2 (equality on the primary key, always via the heap),
// else rule 5 (full scan with a filter).
func (e *Engine) selectEq(h *tableHandle, p EqPredicate) ([]record.Row, error) {
	entry := h.entry
	if p.Column == entry.PrimaryKey {
		col := entry.Schema.Columns[entry.Schema.ColumnIndex(entry.PrimaryKey)]
		key, err := coerce(p.Value, col)
		if err != nil {
			return nil, err
		}
		row, err := h.heap.Search(key)
		if err != nil || row == nil {
			return nil, err
		}
		return []record.Row{*row}, nil
	}
	if p.Column == indexColumn(entry) {
		col := entry.Schema.Columns[entry.Schema.ColumnIndex(p.Column)]
		key, err := coerce(p.Value, col)
		if err != nil {
			return nil, err
		}
		var ordinals []int64
		switch entry.Index.Type {
		case catalog.BPlusTree:
			ordinals = h.bplus.Search(key)
			return e.resolveOrdinals(h, ordinals)
		case catalog.ISAM:
			off, found, err := h.isamI.Search(key)
			if err != nil {
				return nil, err
			}
			if found {
				ordinals = []int64{off}
			}
			return e.resolveOrdinals(h, ordinals)
		case catalog.Hash:
			ords, err := h.hashI.Search(key)
			if err != nil {
				return nil, err
			}
			return e.resolveOrdinals(h, ords)
		}
	}
	return e.scanFilter(h, func(row record.Row) (bool, error) {
		return evalEq(row, entry.Schema, p)
	})
}

// selectBetween: rule 3 (range on the indexed ordered column, bptree
// or isam), else rule 5.
func (e *Engine) selectBetween(h *tableHandle, p BetweenPredicate) ([]record.Row, error) {
	entry := h.entry
	if p.Column == indexColumn(entry) && (entry.Index.Type == catalog.BPlusTree || entry.Index.Type == catalog.ISAM) {
		col := entry.Schema.Columns[entry.Schema.ColumnIndex(p.Column)]
		lo, err := coerce(p.Lo, col)
		if err != nil {
			return nil, err
		}
		hi, err := coerce(p.Hi, col)
		if err != nil {
			return nil, err
		}
		switch entry.Index.Type {
		case catalog.BPlusTree:
			return e.resolveOrdinals(h, h.bplus.Range(lo, hi))
		case catalog.ISAM:
			entries, err := h.isamI.Range(lo, hi)
			if err != nil {
				return nil, err
			}
			ords := make([]int64, len(entries))
			for i, en := range entries {
				ords[i] = en.Offset
			}
			return e.resolveOrdinals(h, ords)
		}
	}
	return e.scanFilter(h, func(row record.Row) (bool, error) {
		return evalBetween(row, entry.Schema, p)
	})
}

// selectKNN/selectWithin: a spatial predicate requires a bound R-tree;
// there is no fallback. A KNN/WITHIN predicate against a table with no
// R-tree index is an error, not a full scan.
func (e *Engine) selectKNN(h *tableHandle, p KNNPredicate) ([]record.Row, error) {
	if h.entry.Index.Type != catalog.RTree {
		return nil, fmt.Errorf("engine: table %s has no R-tree index; KNN requires one", h.entry.Table)
	}
	return h.rtreeI.KNN(rtree.Point{X: p.X, Y: p.Y}, p.K)
}

func (e *Engine) selectWithin(h *tableHandle, p WithinPredicate) ([]record.Row, error) {
	if h.entry.Index.Type != catalog.RTree {
		return nil, fmt.Errorf("engine: table %s has no R-tree index; WITHIN requires one", h.entry.Table)
	}
	return h.rtreeI.Range(rtree.Point{X: p.X, Y: p.Y}, p.RadiusKm)
}

// resolveOrdinals turns a list of index ordinals back into live rows
// via the ordinal registry and a heap lookup by primary key.
func (e *Engine) resolveOrdinals(h *tableHandle, ordinals []int64) ([]record.Row, error) {
	var rows []record.Row
	for _, ord := range ordinals {
		pk, ok := h.ordinals.Get(ord)
		if !ok {
			continue
		}
		row, err := h.heap.Search(pk)
		if err != nil {
			return nil, err
		}
		if row != nil {
			rows = append(rows, *row)
		}
	}
	return rows, nil
}

// scanFilter implements rule 5: a full heap scan kept to the rows
// passing keep.
func (e *Engine) scanFilter(h *tableHandle, keep func(record.Row) (bool, error)) ([]record.Row, error) {
	all, err := h.heap.Scan()
	if err != nil {
		return nil, err
	}
	var out []record.Row
	for _, row := range all {
		ok, err := keep(row)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func evalEq(row record.Row, schema *record.Schema, p EqPredicate) (bool, error) {
	ci := schema.ColumnIndex(p.Column)
	if ci < 0 {
		return false, fmt.Errorf("engine: unknown column %q", p.Column)
	}
	want, err := coerce(p.Value, schema.Columns[ci])
	if err != nil {
		return false, err
	}
	return row.Values[ci].Equal(want), nil
}

func evalBetween(row record.Row, schema *record.Schema, p BetweenPredicate) (bool, error) {
	ci := schema.ColumnIndex(p.Column)
	if ci < 0 {
		return false, fmt.Errorf("engine: unknown column %q", p.Column)
	}
	lo, err := coerce(p.Lo, schema.Columns[ci])
	if err != nil {
		return false, err
	}
	hi, err := coerce(p.Hi, schema.Columns[ci])
	if err != nil {
		return false, err
	}
	v := row.Values[ci]
	return !v.Less(lo) && !hi.Less(v), nil
}

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

// Literal is an untyped scalar parsed from SQL text, coerced against a
// target column's declared type at Insert/dispatch time rather than at
// parse time (decoupling engine from the sql package's AST).
type Literal struct {
	IsString bool
	IsFloat  bool
	Str      string
	Num      float64
}

// coerce converts lit into a record.Value matching col's declared
// type, rejecting a literal whose shape cannot possibly fit (a string
// literal against a numeric column, and vice versa).
func coerce(lit Literal, col record.Column) (record.Value, error) {
	switch col.Type {
	case record.INT32:
		if lit.IsString {
			return record.Value{}, fmt.Errorf("engine: column %q expects INT, got string %q", col.Name, lit.Str)
		}
		return record.Int32Value(int32(lit.Num)), nil
	case record.FLOAT32:
		if lit.IsString {
			return record.Value{}, fmt.Errorf("engine: column %q expects FLOAT, got string %q", col.Name, lit.Str)
		}
		return record.Float32Value(float32(lit.Num)), nil
	case record.DATE10:
		if !lit.IsString {
			return record.Value{}, fmt.Errorf("engine: column %q expects DATE, got a number", col.Name)
		}
		return record.DateValue(lit.Str), nil
	default: // VARCHAR
		if !lit.IsString {
			return record.Value{}, fmt.Errorf("engine: column %q expects VARCHAR, got a number", col.Name)
		}
		return record.VarcharValue(lit.Str), nil
	}
}

// Insert implements "INSERT INTO <name> VALUES (...)": validates the
// value count against the schema, writes the row to the heap, then
// maintains the table's bound index.
func (e *Engine) Insert(table string, values []Literal) error {
	h, err := e.handle(table)
	if err != nil {
		return err
	}
	schema := h.entry.Schema
	if len(values) != len(schema.Columns) {
		return fmt.Errorf("engine: INSERT INTO %s: expected %d values, got %d", table, len(schema.Columns), len(values))
	}
	row := record.Row{Values: make([]record.Value, len(values))}
	for i, lit := range values {
		v, err := coerce(lit, schema.Columns[i])
		if err != nil {
			return err
		}
		row.Values[i] = v
	}
	if err := h.heap.Insert(row); err != nil {
		return fmt.Errorf("engine: INSERT INTO %s: %w", table, err)
	}
	return e.indexRow(h, row)
}

// indexRow adds row to h's bound index, if any, after it has already
// landed in the heap.
func (e *Engine) indexRow(h *tableHandle, row record.Row) error {
	entry := h.entry
	schema := entry.Schema
	switch entry.Index.Type {
	case catalog.None:
		return nil
	case catalog.BPlusTree:
		ord, err := h.ordinals.Append(h.primaryKey(row))
		if err != nil {
			return err
		}
		col := schema.ColumnIndex(entry.Index.Column)
		h.bplus.Add(row.Values[col], ord)
		return h.saveIndex()
	case catalog.ISAM:
		ord, err := h.ordinals.Append(h.primaryKey(row))
		if err != nil {
			return err
		}
		col := schema.ColumnIndex(entry.Index.Column)
		return h.isamI.Add(row.Values[col], ord)
	case catalog.Hash:
		ord, err := h.ordinals.Append(h.primaryKey(row))
		if err != nil {
			return err
		}
		col := schema.ColumnIndex(entry.Index.Column)
		return h.hashI.Add(row.Values[col], ord)
	case catalog.RTree:
		xcol := schema.ColumnIndex(entry.Index.XColumn)
		ycol := schema.ColumnIndex(entry.Index.YColumn)
		p := rtree.Point{X: numericValue(row.Values[xcol]), Y: numericValue(row.Values[ycol])}
		key := h.primaryKey(row).String()
		if err := h.rtreeI.AddBatch([]record.Row{row}, []rtree.Point{p}, []string{key}); err != nil {
			return err
		}
		return h.saveIndex()
	}
	return nil
}

// Delete implements "DELETE FROM <name> WHERE <col> = <value>": the
// predicate's column must be the table's primary key (the only
// equality DELETE the grammar supports), so deletion is always
// heap.Delete plus removing the row from the bound index where one
// exists.
func (e *Engine) Delete(table string, column string, lit Literal) (bool, error) {
	h, err := e.handle(table)
	if err != nil {
		return false, err
	}
	schema := h.entry.Schema
	ci := schema.ColumnIndex(column)
	if ci < 0 {
		return false, fmt.Errorf("engine: DELETE FROM %s: unknown column %q", table, column)
	}
	if column != h.entry.PrimaryKey {
		return false, fmt.Errorf("engine: DELETE FROM %s: WHERE clause must target the primary key %q", table, h.entry.PrimaryKey)
	}
	key, err := coerce(lit, schema.Columns[ci])
	if err != nil {
		return false, err
	}
	row, err := h.heap.Search(key)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}
	deleted, err := h.heap.Delete(key)
	if err != nil || !deleted {
		return deleted, err
	}
	if err := e.removeFromIndex(h, *row); err != nil {
		return true, err
	}
	return true, nil
}

// removeFromIndex deletes row's own entry from h's bound index. It
// targets the exact ordinal/payload that row's own indexRow call
// assigned, not just the indexed column's value: columns may carry
// duplicate indexed values, so removing by value alone would either
// delete an arbitrary live row sharing that value (B+ tree, ISAM) or
// purge every row sharing it at once (hash index).
func (e *Engine) removeFromIndex(h *tableHandle, row record.Row) error {
	entry := h.entry
	schema := entry.Schema
	switch entry.Index.Type {
	case catalog.None:
		return nil
	case catalog.BPlusTree:
		col := schema.ColumnIndex(entry.Index.Column)
		ord, ok := h.ordinals.Find(h.primaryKey(row))
		if !ok {
			return fmt.Errorf("engine: no ordinal registered for row with primary key %v", h.primaryKey(row))
		}
		h.bplus.Remove(row.Values[col], ord)
		return h.saveIndex()
	case catalog.ISAM:
		col := schema.ColumnIndex(entry.Index.Column)
		ord, ok := h.ordinals.Find(h.primaryKey(row))
		if !ok {
			return fmt.Errorf("engine: no ordinal registered for row with primary key %v", h.primaryKey(row))
		}
		_, err := h.isamI.Remove(row.Values[col], ord)
		return err
	case catalog.Hash:
		col := schema.ColumnIndex(entry.Index.Column)
		ord, ok := h.ordinals.Find(h.primaryKey(row))
		if !ok {
			return fmt.Errorf("engine: no ordinal registered for row with primary key %v", h.primaryKey(row))
		}
		_, err := h.hashI.Remove(row.Values[col], ord)
		return err
	case catalog.RTree:
		h.rtreeI.DeleteByKey(h.primaryKey(row).String())
		return h.saveIndex()
	}
	return nil
}

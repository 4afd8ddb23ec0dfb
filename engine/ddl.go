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
	"os"
	"sort"

	"github.com/reldb-project/reldb/catalog"
	"github.com/reldb-project/reldb/record"
	"github.com/reldb-project/reldb/storage/bptree"
	"github.com/reldb-project/reldb/storage/hashindex"
	"github.com/reldb-project/reldb/storage/isam"
	"github.com/reldb-project/reldb/storage/rtree"
	"github.com/reldb-project/reldb/storage/sequential"
)

// numericValue returns v's numeric value as a float64, accepting
// either an INT32 or FLOAT32 column since an R-tree's x/y columns are
// not restricted to one numeric type.
func numericValue(v record.Value) float64 {
	if v.Type() == record.INT32 {
		return float64(v.Int32())
	}
	return float64(v.Float32())
}

func columnType(t string) (record.Type, error) {
	switch t {
	case "INT":
		return record.INT32, nil
	case "FLOAT":
		return record.FLOAT32, nil
	case "DATE":
		return record.DATE10, nil
	case "VARCHAR":
		return record.VARCHAR, nil
	default:
		return 0, fmt.Errorf("%w: %q", record.ErrUnknownType, t)
	}
}

// CreateTable implements "CREATE TABLE <name> ( <col> <type> ... )":
// an empty table with no bound index, no initial rows. The first
// declared column is the primary key, per this system's convention
// (there is no PRIMARY KEY clause in the grammar).
func (e *Engine) CreateTable(table string, cols []columnDef) error {
	if len(cols) == 0 {
		return fmt.Errorf("engine: CREATE TABLE %s: no columns", table)
	}
	schemaCols := make([]record.Column, len(cols))
	for i, c := range cols {
		t, err := columnType(c.Type)
		if err != nil {
			return fmt.Errorf("engine: column %q: %w", c.Name, err)
		}
		schemaCols[i] = record.Column{Name: c.Name, Type: t, Width: c.Width}
	}
	schema, err := record.NewSchema(schemaCols)
	if err != nil {
		return fmt.Errorf("engine: CREATE TABLE %s: %w", table, err)
	}
	entry, err := e.cat.Create(table, schema, schemaCols[0].Name, catalog.IndexDescriptor{})
	if err != nil {
		return err
	}
	for _, p := range []string{entry.DataPath(), entry.AuxPath()} {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			return fmt.Errorf("engine: creating %s: %w", p, err)
		}
	}
	return nil
}

// columnDef is engine's column-definition shape, decoupled from the
// sql package's AST. It is unexported, so CreateTable is reached from
// outside the package only through Execute.
type columnDef struct {
	Name  string
	Type  string
	Width int
}

// CreateTableFromFile implements "CREATE TABLE <name> FROM FILE
// "<path>" USING INDEX <idx>": infers a schema from the CSV, writes
// the sidecar, ingests every row into the heap, then bulk-loads the
// bound index.
func (e *Engine) CreateTableFromFile(table, path string, idxDesc catalog.IndexDescriptor) error {
	cols, rows, err := inferSchema(path)
	if err != nil {
		return err
	}
	schema, err := record.NewSchema(cols)
	if err != nil {
		return fmt.Errorf("engine: CREATE TABLE %s FROM FILE: %w", table, err)
	}
	if err := validateIndexDescriptor(schema, idxDesc); err != nil {
		return err
	}

	primaryKey := schema.Columns[0].Name
	entry, err := e.cat.Create(table, schema, primaryKey, idxDesc)
	if err != nil {
		return err
	}
	for _, p := range []string{entry.DataPath(), entry.AuxPath()} {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			return fmt.Errorf("engine: creating %s: %w", p, err)
		}
	}

	heap, err := sequential.Open(entry.DataPath(), entry.AuxPath(), schema, primaryKey)
	if err != nil {
		return err
	}
	parsed := make([]record.Row, 0, len(rows))
	for _, raw := range rows {
		row := rowFromCSV(schema, raw)
		if err := heap.Insert(row); err != nil {
			return fmt.Errorf("engine: ingesting %s: %w", path, err)
		}
		parsed = append(parsed, row)
	}

	h := &tableHandle{entry: entry, heap: heap, ordinals: newOrdinalStore(ordinalsPath(entry))}
	if err := e.bulkLoadIndex(h, schema, parsed); err != nil {
		return err
	}
	e.mu.Lock()
	e.tables[table] = h
	e.mu.Unlock()
	return nil
}

func validateIndexDescriptor(schema *record.Schema, idx catalog.IndexDescriptor) error {
	check := func(name string) error {
		if schema.ColumnIndex(name) < 0 {
			return fmt.Errorf("engine: index column %q not in schema", name)
		}
		return nil
	}
	switch idx.Type {
	case catalog.BPlusTree, catalog.ISAM, catalog.Hash:
		return check(idx.Column)
	case catalog.RTree:
		if err := check(idx.XColumn); err != nil {
			return err
		}
		return check(idx.YColumn)
	default:
		return fmt.Errorf("engine: unknown index type %q", idx.Type)
	}
}

// bulkLoadIndex builds h's bound index from every row already written
// to the heap, assigning each row a fresh ordinal in insertion order.
// The B+ tree and hash index have no bulk-build primitive, so they are
// populated by repeated Add, which is well within this system's scale.
func (e *Engine) bulkLoadIndex(h *tableHandle, schema *record.Schema, rows []record.Row) error {
	entry := h.entry
	switch entry.Index.Type {
	case catalog.None:
		return nil
	case catalog.BPlusTree:
		tr := bptree.New(e.cfg.BPlusOrder)
		col := schema.ColumnIndex(entry.Index.Column)
		for _, r := range rows {
			ord, err := h.ordinals.Append(h.primaryKey(r))
			if err != nil {
				return err
			}
			tr.Add(r.Values[col], ord)
		}
		h.bplus = tr
		return tr.Save(entry.IndexPath() + ".dat")
	case catalog.ISAM:
		col := schema.ColumnIndex(entry.Index.Column)
		entries := make([]isam.Entry, len(rows))
		for i, r := range rows {
			ord, err := h.ordinals.Append(h.primaryKey(r))
			if err != nil {
				return err
			}
			entries[i] = isam.Entry{Key: r.Values[col], Offset: ord}
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Key.Less(entries[j].Key) })
		idx, err := isam.Build(entry.IndexPath()+".meta", entry.IndexPath()+".data", e.cfg.LeafCapacity, checksumKey, entries)
		if err != nil {
			return err
		}
		h.isamI = idx
		return nil
	case catalog.Hash:
		col := schema.ColumnIndex(entry.Index.Column)
		idx, err := hashindex.New(entry.IndexPath()+"_directory.json", entry.Dir, e.cfg.BucketSize, checksumKey)
		if err != nil {
			return err
		}
		for _, r := range rows {
			ord, err := h.ordinals.Append(h.primaryKey(r))
			if err != nil {
				return err
			}
			if err := idx.Add(r.Values[col], ord); err != nil {
				return err
			}
		}
		h.hashI = idx
		return nil
	case catalog.RTree:
		xcol := schema.ColumnIndex(entry.Index.XColumn)
		ycol := schema.ColumnIndex(entry.Index.YColumn)
		points := make([]rtree.Point, len(rows))
		keys := make([]string, len(rows))
		for i, r := range rows {
			points[i] = rtree.Point{X: numericValue(r.Values[xcol]), Y: numericValue(r.Values[ycol])}
			keys[i] = h.primaryKey(r).String()
		}
		rt := rtree.New()
		if err := rt.AddBatch(rows, points, keys); err != nil {
			return err
		}
		h.rtreeI = rt
		return rt.Save(entry.IndexPath() + ".dat")
	}
	return nil
}

// primaryKey returns row's primary key value.
func (h *tableHandle) primaryKey(r record.Row) record.Value {
	col := h.entry.Schema.ColumnIndex(h.entry.PrimaryKey)
	return r.Values[col]
}

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

// Package catalog implements the per-table metadata sidecar and the
// process-wide table registry.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/reldb-project/reldb/record"
)

// IndexType names the secondary access method bound to a table, or
// None for a plain sequential-only table.
type IndexType string

const (
	None       IndexType = ""
	BPlusTree  IndexType = "bplustree"
	ISAM       IndexType = "isam"
	Hash       IndexType = "hash"
	RTree      IndexType = "rtree"
)

// IndexDescriptor names the index bound to a table and the column(s)
// it indexes.
type IndexDescriptor struct {
	Type     IndexType `json:"type"`
	Column   string    `json:"column,omitempty"`
	XColumn  string    `json:"x_column,omitempty"`
	YColumn  string    `json:"y_column,omitempty"`
}

// columnJSON is the on-disk representation of record.Column (record.Type
// is an int and not self-describing, so the sidecar spells it out).
type columnJSON struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Width int    `json:"width,omitempty"`
}

// sidecar is the exact JSON shape persisted to <table>.meta.json.
type sidecar struct {
	Table        string          `json:"table"`
	Columns      []columnJSON    `json:"columns"`
	Index        IndexDescriptor `json:"index"`
	RecordFormat string          `json:"record_format"`
	RecordSize   int             `json:"record_size"`
	// PrimaryKey is the column used for uniqueness/search on the heap.
	PrimaryKey string `json:"primary_key"`
}

func typeToJSON(t record.Type) string {
	switch t {
	case record.INT32:
		return "INT32"
	case record.FLOAT32:
		return "FLOAT32"
	case record.DATE10:
		return "DATE10"
	case record.VARCHAR:
		return "VARCHAR"
	default:
		return "UNKNOWN"
	}
}

func typeFromJSON(s string) (record.Type, error) {
	switch s {
	case "INT32":
		return record.INT32, nil
	case "FLOAT32":
		return record.FLOAT32, nil
	case "DATE10":
		return record.DATE10, nil
	case "VARCHAR":
		return record.VARCHAR, nil
	default:
		return 0, fmt.Errorf("%w: %q", record.ErrUnknownType, s)
	}
}

// Entry is the in-memory representation of a table's metadata.
type Entry struct {
	Table      string
	Schema     *record.Schema
	PrimaryKey string
	Index      IndexDescriptor
	Dir        string

	mu sync.Mutex // guards lazily-opened index/heap handles held by callers
}

// Lock acquires the table's single writer/reader lock; readers and
// writers both take it, so at most one operation touches the table's
// heap and index files at a time.
func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// DataPath returns the path to the table's primary heap file.
func (e *Entry) DataPath() string { return filepath.Join(e.Dir, e.Table+".bin") }

// AuxPath returns the path to the table's auxiliary insertion buffer.
func (e *Entry) AuxPath() string { return filepath.Join(e.Dir, e.Table+"_aux.bin") }

// IndexPath returns the base path (without extension) for the table's
// bound secondary index files.
func (e *Entry) IndexPath() string {
	col := e.Index.Column
	if e.Index.Type == RTree {
		col = e.Index.XColumn + "_" + e.Index.YColumn
	}
	return filepath.Join(e.Dir, fmt.Sprintf("index_%s_%s_%s", e.Index.Type, e.Table, col))
}

func (e *Entry) sidecarPath() string {
	return filepath.Join(e.Dir, e.Table+".meta.json")
}

// ErrNotFound is returned by Get when no table with the given name has
// been created or loaded.
var ErrNotFound = errors.New("table not found")

// ErrAlreadyExists is returned by Create when a table with the given
// name already has a sidecar on disk.
var ErrAlreadyExists = errors.New("table already exists")

// Catalog is the process-wide registry of open tables. It is built
// explicitly by Open rather than kept as a package-level global, so a
// process can host more than one tables directory if it needs to.
type Catalog struct {
	dir string
	log *log.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// Open constructs a Catalog rooted at dir (the tables directory) and
// calls LoadAll to rebuild its registry from existing sidecars.
func Open(dir string, logger *log.Logger) (*Catalog, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "catalog: ", log.LstdFlags)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("catalog: creating tables dir: %w", err)
	}
	c := &Catalog{dir: dir, log: logger, entries: make(map[string]*Entry)}
	if err := c.LoadAll(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadAll scans the tables directory for *.meta.json sidecars and
// rebuilds the in-memory registry.
func (c *Catalog) LoadAll() error {
	descs, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("catalog: listing %s: %w", c.dir, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range descs {
		if d.IsDir() || !isSidecarName(d.Name()) {
			continue
		}
		path := filepath.Join(c.dir, d.Name())
		buf, err := os.ReadFile(path)
		if err != nil {
			c.log.Printf("skipping %s: %v", path, err)
			continue
		}
		var sc sidecar
		if err := json.Unmarshal(buf, &sc); err != nil {
			c.log.Printf("skipping %s: malformed sidecar: %v", path, err)
			continue
		}
		entry, err := fromSidecar(c.dir, &sc)
		if err != nil {
			c.log.Printf("skipping %s: %v", path, err)
			continue
		}
		c.entries[entry.Table] = entry
	}
	return nil
}

func isSidecarName(name string) bool {
	const suffix = ".meta.json"
	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}

func fromSidecar(dir string, sc *sidecar) (*Entry, error) {
	cols := make([]record.Column, len(sc.Columns))
	for i, cj := range sc.Columns {
		t, err := typeFromJSON(cj.Type)
		if err != nil {
			return nil, err
		}
		cols[i] = record.Column{Name: cj.Name, Type: t, Width: cj.Width}
	}
	schema, err := record.NewSchema(cols)
	if err != nil {
		return nil, err
	}
	if schema.RecordSize != sc.RecordSize {
		return nil, fmt.Errorf("%s: record size mismatch: sidecar says %d, derived %d", sc.Table, sc.RecordSize, schema.RecordSize)
	}
	return &Entry{
		Table:      sc.Table,
		Schema:     schema,
		PrimaryKey: sc.PrimaryKey,
		Index:      sc.Index,
		Dir:        dir,
	}, nil
}

// Create writes the sidecar atomically (write-temp-then-rename) and
// registers a new Entry.
func (c *Catalog) Create(table string, schema *record.Schema, primaryKey string, idx IndexDescriptor) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[table]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, table)
	}
	entry := &Entry{
		Table:      table,
		Schema:     schema,
		PrimaryKey: primaryKey,
		Index:      idx,
		Dir:        c.dir,
	}
	if err := writeSidecar(entry); err != nil {
		return nil, err
	}
	c.entries[table] = entry
	return entry, nil
}

func writeSidecar(e *Entry) error {
	cols := make([]columnJSON, len(e.Schema.Columns))
	for i, col := range e.Schema.Columns {
		cols[i] = columnJSON{Name: col.Name, Type: typeToJSON(col.Type), Width: col.Width}
	}
	sc := sidecar{
		Table:        e.Table,
		Columns:      cols,
		Index:        e.Index,
		RecordFormat: "fixed-width+tombstone",
		RecordSize:   e.Schema.RecordSize,
		PrimaryKey:   e.PrimaryKey,
	}
	buf, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshaling sidecar for %s: %w", e.Table, err)
	}
	return AtomicWriteFile(e.sidecarPath(), buf)
}

// Get returns the entry for name, or ErrNotFound.
func (c *Catalog) Get(name string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e, nil
}

// List returns the names of every registered table, sorted.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AtomicWriteFile writes buf to path by first writing to a sibling
// temp file and renaming it into place, so a crash mid-write never
// leaves a partially-written sidecar or index metadata file behind.
func AtomicWriteFile(path string, buf []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(buf)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpName)
		if werr != nil {
			return fmt.Errorf("atomic write %s: %w", path, werr)
		}
		return fmt.Errorf("atomic write %s: %w", path, cerr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("atomic write %s: rename failed: %w", path, err)
	}
	return nil
}

// IsNotExist reports whether err indicates a missing file, unwrapping
// through fs.ErrNotExist.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

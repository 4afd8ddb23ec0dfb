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

// Package engine wires the catalog and the five storage/index packages
// together into the query-dispatch and lifecycle contract:
// CREATE/INSERT/DELETE/SELECT over whichever access method a table is
// bound to.
package engine

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/reldb-project/reldb/catalog"
	"github.com/reldb-project/reldb/storage/bptree"
	"github.com/reldb-project/reldb/storage/hashindex"
	"github.com/reldb-project/reldb/storage/isam"
	"github.com/reldb-project/reldb/storage/rtree"
	"github.com/reldb-project/reldb/storage/sequential"
)

// Config holds the tunables a relstored deployment sets once at
// startup: tables_dir plus each index type's capacity.
type Config struct {
	TablesDir    string
	BPlusOrder   int // bptree.New(t); default 3
	LeafCapacity int // isam leaf page capacity
	BucketSize   int // hashindex bucket record capacity
}

func (c *Config) setDefaults() {
	if c.TablesDir == "" {
		c.TablesDir = "tables"
	}
	if c.BPlusOrder <= 0 {
		c.BPlusOrder = 3
	}
	if c.LeafCapacity <= 0 {
		c.LeafCapacity = 4
	}
	if c.BucketSize <= 0 {
		c.BucketSize = 4
	}
}

// checksumKey is the siphash-2-4 key shared by every ISAM/hash page
// checksum in a given engine instance. The checksums guard against
// torn writes, not an adversary, so a fixed in-process key suffices.
var checksumKey = [16]byte{0x72, 0x65, 0x6c, 0x64, 0x62, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}

// Engine is the process-wide query executor: a catalog plus lazily
// opened, cached handles to each table's heap and bound index.
type Engine struct {
	cat *catalog.Catalog
	cfg Config
	log *log.Logger

	mu      sync.Mutex
	tables  map[string]*tableHandle
}

// tableHandle bundles a table's open heap and, if present, its bound
// secondary index. Only one of the index fields is non-nil: a table
// has at most one bound index.
type tableHandle struct {
	entry    *catalog.Entry
	heap     *sequential.Store
	ordinals *ordinalStore

	bplus *bptree.Tree
	isamI *isam.Index
	hashI *hashindex.Index
	rtreeI *rtree.Index
}

// New constructs an Engine rooted at cfg.TablesDir, loading any
// existing table sidecars via the catalog.
func New(cfg Config, logger *log.Logger) (*Engine, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = log.New(os.Stderr, "engine: ", log.LstdFlags)
	}
	cat, err := catalog.Open(cfg.TablesDir, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: opening catalog: %w", err)
	}
	return &Engine{cat: cat, cfg: cfg, log: logger, tables: make(map[string]*tableHandle)}, nil
}

// Catalog exposes the underlying registry for read-only introspection
// (SHOW TABLES / DESCRIBE).
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }

// handle returns the cached tableHandle for name, opening the heap and
// bound index on first use. Tables persist across process restarts by
// re-reading the sidecar and re-opening the heap and index files.
func (e *Engine) handle(name string) (*tableHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.tables[name]; ok {
		return h, nil
	}
	entry, err := e.cat.Get(name)
	if err != nil {
		return nil, err
	}
	heap, err := sequential.Open(entry.DataPath(), entry.AuxPath(), entry.Schema, entry.PrimaryKey)
	if err != nil {
		return nil, err
	}
	h := &tableHandle{entry: entry, heap: heap, ordinals: newOrdinalStore(ordinalsPath(entry))}
	if err := e.openIndex(h); err != nil {
		return nil, err
	}
	e.tables[name] = h
	return h, nil
}

// openIndex reopens (or, if no on-disk snapshot yet exists, allocates
// an empty) handle for entry's bound index type.
func (e *Engine) openIndex(h *tableHandle) error {
	entry := h.entry
	switch entry.Index.Type {
	case catalog.None:
		return nil
	case catalog.BPlusTree:
		if tr, err := bptree.Load(entry.IndexPath() + ".dat"); err == nil {
			h.bplus = tr
		} else if catalog.IsNotExist(err) {
			h.bplus = bptree.New(e.cfg.BPlusOrder)
		} else {
			return fmt.Errorf("engine: loading bplustree for %s: %w", entry.Table, err)
		}
	case catalog.ISAM:
		idx, err := isam.Open(entry.IndexPath()+".meta", entry.IndexPath()+".data", e.cfg.LeafCapacity, checksumKey)
		if err != nil {
			return fmt.Errorf("engine: opening isam for %s: %w", entry.Table, err)
		}
		h.isamI = idx
	case catalog.Hash:
		idx, err := hashindex.Open(entry.IndexPath()+"_directory.json", entry.Dir, e.cfg.BucketSize, checksumKey)
		if err != nil {
			return fmt.Errorf("engine: opening hash index for %s: %w", entry.Table, err)
		}
		h.hashI = idx
	case catalog.RTree:
		if rt, err := rtree.Load(entry.IndexPath() + ".dat"); err == nil {
			h.rtreeI = rt
		} else if catalog.IsNotExist(err) {
			h.rtreeI = rtree.New()
		} else {
			return fmt.Errorf("engine: loading rtree for %s: %w", entry.Table, err)
		}
	}
	return nil
}

// saveIndex persists the in-memory snapshot indices (bptree, rtree)
// after a mutation; isam and hashindex persist synchronously inside
// their own Add/Remove, so there is nothing to do for them here.
func (h *tableHandle) saveIndex() error {
	entry := h.entry
	switch entry.Index.Type {
	case catalog.BPlusTree:
		return h.bplus.Save(entry.IndexPath() + ".dat")
	case catalog.RTree:
		return h.rtreeI.Save(entry.IndexPath() + ".dat")
	}
	return nil
}

// indexColumn returns the single column a bplustree, isam, or hash
// index covers, or "" if there is no index or the index is an R-tree.
func indexColumn(entry *catalog.Entry) string {
	return entry.Index.Column
}

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
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"github.com/reldb-project/reldb/catalog"
	"github.com/reldb-project/reldb/record"
)

// ordinalStore maps a small dense integer ("ordinal") to the primary
// key value of the heap row it names. The B+ tree, ISAM, and hash
// index payloads are all plain int64s, but a table's primary key is
// not always representable as one (VARCHAR/DATE10 keys), so secondary
// indices store the ordinal rather than the key itself; resolving a
// hit means ordinals[payload] -> primary key -> sequential.Store.Search.
// The registry is append-only (rows are never updated in place) and
// persisted as a gob snapshot next to the index it serves,
// write-temp-then-rename.
type ordinalStore struct {
	path string
	mu   sync.Mutex
	keys []record.Value
}

func ordinalsPath(e *catalog.Entry) string {
	return e.IndexPath() + ".keys"
}

func newOrdinalStore(path string) *ordinalStore {
	s := &ordinalStore{path: path}
	if buf, err := os.ReadFile(path); err == nil {
		gob.NewDecoder(bytes.NewReader(buf)).Decode(&s.keys)
	}
	return s
}

// Append records v's ordinal (its position in the registry) and
// persists the registry, returning the new ordinal.
func (s *ordinalStore) Append(v record.Value) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, v)
	ordinal := int64(len(s.keys) - 1)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.keys); err != nil {
		return 0, fmt.Errorf("engine: encoding ordinal registry: %w", err)
	}
	if err := catalog.AtomicWriteFile(s.path, buf.Bytes()); err != nil {
		return 0, fmt.Errorf("engine: persisting ordinal registry: %w", err)
	}
	return ordinal, nil
}

// Get resolves ordinal back to a primary key value.
func (s *ordinalStore) Get(ordinal int64) (record.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ordinal < 0 || ordinal >= int64(len(s.keys)) {
		return record.Value{}, false
	}
	return s.keys[ordinal], true
}

// Find resolves a primary key back to the ordinal that was assigned
// to its live row on insert; this lets a delete recover the exact
// index payload a row owns instead of one merely sharing its indexed
// column's value. A key that was deleted and inserted again has more
// than one ordinal, and the live row owns the most recent one, so the
// registry is searched from the end.
func (s *ordinalStore) Find(pk record.Value) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.keys) - 1; i >= 0; i-- {
		if s.keys[i].Equal(pk) {
			return int64(i), true
		}
	}
	return 0, false
}

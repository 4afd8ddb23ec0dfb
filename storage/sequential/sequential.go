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

// Package sequential implements the primary sorted heap plus its
// auxiliary insertion buffer and K-threshold merge reorganization.
package sequential

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/reldb-project/reldb/record"
)

// K is the auxiliary-buffer record threshold that triggers a
// reorganize.
const K = 5

// ErrDuplicateKey is returned by Insert when a live row with the same
// primary key already exists.
var ErrDuplicateKey = errors.New("duplicate primary key")

// Store is the sequential heap: a sorted `data` file plus an unsorted
// `aux` insertion buffer.
type Store struct {
	dataPath, auxPath string
	schema            *record.Schema
	keyColumn         int

	mu sync.Mutex
}

// Open returns a Store over the given data/aux file paths, creating
// empty files if they do not yet exist.
func Open(dataPath, auxPath string, schema *record.Schema, keyColumn string) (*Store, error) {
	idx := schema.ColumnIndex(keyColumn)
	if idx < 0 {
		return nil, fmt.Errorf("sequential: unknown primary key column %q", keyColumn)
	}
	for _, p := range []string{dataPath, auxPath} {
		if _, err := os.Stat(p); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("sequential: stat %s: %w", p, err)
			}
			f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("sequential: creating %s: %w", p, err)
			}
			f.Close()
		}
	}
	return &Store{dataPath: dataPath, auxPath: auxPath, schema: schema, keyColumn: idx}, nil
}

func (s *Store) key(r record.Row) record.Value { return r.Values[s.keyColumn] }

func readAll(path string, schema *record.Schema) ([]record.Row, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sequential: reading %s: %w", path, err)
	}
	n := len(buf) / schema.RecordSize
	rows := make([]record.Row, 0, n)
	for i := 0; i < n; i++ {
		chunk := buf[i*schema.RecordSize : (i+1)*schema.RecordSize]
		row, err := record.Decode(schema, chunk)
		if err != nil {
			// a single corrupt record does not poison the rest of the scan
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func writeAll(path string, schema *record.Schema, rows []record.Row) error {
	buf := make([]byte, 0, len(rows)*schema.RecordSize)
	for _, r := range rows {
		enc, err := record.Encode(schema, r)
		if err != nil {
			return err
		}
		buf = append(buf, enc...)
	}
	return os.WriteFile(path, buf, 0o644)
}

// Insert appends row to aux, rejecting live duplicates of the primary
// key across both files, then reorganizes once aux crosses K records.
func (s *Store) Insert(row record.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.searchLocked(s.key(row)); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, s.key(row).String())
	}

	enc, err := record.Encode(s.schema, row)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.auxPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sequential: opening aux: %w", err)
	}
	_, werr := f.Write(enc)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("sequential: appending to aux: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("sequential: closing aux: %w", cerr)
	}

	info, err := os.Stat(s.auxPath)
	if err != nil {
		return fmt.Errorf("sequential: stat aux: %w", err)
	}
	if int(info.Size())/s.schema.RecordSize >= K {
		return s.reorganizeLocked()
	}
	return nil
}

// Reorganize reads all live rows from data and aux, stable-sorts them
// by primary key, rewrites data, and truncates aux. It is idempotent
// on a quiescent store.
func (s *Store) Reorganize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reorganizeLocked()
}

func (s *Store) reorganizeLocked() error {
	dataRows, err := readAll(s.dataPath, s.schema)
	if err != nil {
		return err
	}
	auxRows, err := readAll(s.auxPath, s.schema)
	if err != nil {
		return err
	}
	live := make([]record.Row, 0, len(dataRows)+len(auxRows))
	for _, r := range dataRows {
		if !r.Deleted {
			live = append(live, r)
		}
	}
	for _, r := range auxRows {
		if !r.Deleted {
			live = append(live, r)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		return s.key(live[i]).Less(s.key(live[j]))
	})
	if err := writeAll(s.dataPath, s.schema, live); err != nil {
		return fmt.Errorf("sequential: rewriting data: %w", err)
	}
	if err := os.Truncate(s.auxPath, 0); err != nil {
		return fmt.Errorf("sequential: truncating aux: %w", err)
	}
	return nil
}

// Search performs a linear scan of data then aux, returning the first
// live row whose primary key equals id, or nil.
func (s *Store) Search(id record.Value) (*record.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searchLocked(id)
}

func (s *Store) searchLocked(id record.Value) (*record.Row, error) {
	for _, path := range []string{s.dataPath, s.auxPath} {
		rows, err := readAll(path, s.schema)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			if !rows[i].Deleted && s.key(rows[i]).Equal(id) {
				return &rows[i], nil
			}
		}
	}
	return nil, nil
}

// Range scans both data and aux files, collecting live rows whose
// primary key falls in [lo, hi], sorted by key.
func (s *Store) Range(lo, hi record.Value) ([]record.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record.Row
	for _, path := range []string{s.dataPath, s.auxPath} {
		rows, err := readAll(path, s.schema)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if r.Deleted {
				continue
			}
			k := s.key(r)
			if !k.Less(lo) && !hi.Less(k) {
				out = append(out, r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return s.key(out[i]).Less(s.key(out[j]))
	})
	return out, nil
}

// Scan returns every live row from both data and aux, in no
// particular cross-file order.
func (s *Store) Scan() ([]record.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record.Row
	for _, path := range []string{s.dataPath, s.auxPath} {
		rows, err := readAll(path, s.schema)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if !r.Deleted {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// Delete locates the row in either file by primary key, flips its
// tombstone byte in place, and rewrites that file; it returns false
// if no live row matched.
func (s *Store) Delete(id record.Value) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range []string{s.dataPath, s.auxPath} {
		rows, err := readAll(path, s.schema)
		if err != nil {
			return false, err
		}
		found := false
		for i := range rows {
			if !rows[i].Deleted && s.key(rows[i]).Equal(id) {
				rows[i].Deleted = true
				found = true
				break
			}
		}
		if found {
			if err := writeAll(path, s.schema, rows); err != nil {
				return false, fmt.Errorf("sequential: rewriting %s: %w", path, err)
			}
			return true, nil
		}
	}
	return false, nil
}

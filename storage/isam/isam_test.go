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

package isam

import (
	"path/filepath"
	"testing"

	"github.com/reldb-project/reldb/record"
)

var testKey = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func iv(n int32) record.Value { return record.Int32Value(n) }

func paths(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "index.meta"), filepath.Join(dir, "index.dat")
}

func buildIndex(t *testing.T, n int, leafCapacity int) *Index {
	t.Helper()
	metaPath, dataPath := paths(t)
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		entries[i] = Entry{Key: iv(int32(i)), Offset: int64(i * 100)}
	}
	idx, err := Build(metaPath, dataPath, leafCapacity, testKey, entries)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return idx
}

func TestBuildInvariantLeafOffsetsVsSplitKeys(t *testing.T) {
	idx := buildIndex(t, 23, 4)
	if len(idx.leafOffsets) != len(idx.splitKeys)+1 {
		t.Fatalf("invariant violated: %d leaf offsets, %d split keys", len(idx.leafOffsets), len(idx.splitKeys))
	}
}

func TestBuildSplitKeysAreLeafMinimums(t *testing.T) {
	idx := buildIndex(t, 23, 4)
	for i, sk := range idx.splitKeys {
		leaf, err := idx.readPage(idx.leafOffsets[i+1])
		if err != nil {
			t.Fatalf("readPage: %v", err)
		}
		if !sk.Equal(leaf.Entries[0].Key) {
			t.Fatalf("split_keys[%d] = %v, want leaf %d's minimum key %v", i, sk, i+1, leaf.Entries[0].Key)
		}
	}
}

func TestSearchFindsEveryBuiltKey(t *testing.T) {
	idx := buildIndex(t, 50, 5)
	for i := 0; i < 50; i++ {
		off, ok, err := idx.Search(iv(int32(i)))
		if err != nil {
			t.Fatalf("Search(%d): %v", i, err)
		}
		if !ok || off != int64(i*100) {
			t.Fatalf("Search(%d) = (%d, %v), want (%d, true)", i, off, ok, i*100)
		}
	}
}

func TestSearchMissingKeyNotFound(t *testing.T) {
	idx := buildIndex(t, 10, 4)
	if _, ok, err := idx.Search(iv(999)); err != nil || ok {
		t.Fatalf("Search(999) = (_, %v, %v), want not found", ok, err)
	}
}

func TestRangeReturnsOrderedSubset(t *testing.T) {
	idx := buildIndex(t, 40, 5)
	got, err := idx.Range(iv(10), iv(20))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 11 {
		t.Fatalf("expected 11 entries in [10,20], got %d", len(got))
	}
	for i, e := range got {
		if e.Key.Int32() != int32(10+i) {
			t.Fatalf("range not in ascending key order: %v", got)
		}
	}
}

func TestAddToNonFullPrimaryKeepsSorted(t *testing.T) {
	idx := buildIndex(t, 10, 20) // capacity 20, only 10 used: room to spare
	if err := idx.Add(iv(5500), 9999); err != nil {
		t.Fatalf("Add: %v", err)
	}
	off, ok, err := idx.Search(iv(5500))
	if err != nil || !ok || off != 9999 {
		t.Fatalf("Search after Add = (%d, %v, %v)", off, ok, err)
	}
}

func TestAddOverflowsWhenPrimaryFull(t *testing.T) {
	idx := buildIndex(t, 4, 4) // exactly fills the single leaf
	if err := idx.Add(iv(100), 4242); err != nil {
		t.Fatalf("Add: %v", err)
	}
	primary, err := idx.readPage(idx.leafOffsets[0])
	if err != nil {
		t.Fatalf("readPage: %v", err)
	}
	if primary.OverflowPtr == -1 {
		t.Fatal("expected an overflow page to have been created")
	}
	off, ok, err := idx.Search(iv(100))
	if err != nil || !ok || off != 4242 {
		t.Fatalf("Search(100) after overflow add = (%d, %v, %v)", off, ok, err)
	}
}

func TestAddChainsMultipleOverflowPages(t *testing.T) {
	idx := buildIndex(t, 2, 2)
	for i := int32(100); i < 106; i++ { // 6 inserts into a capacity-2 overflow chain
		if err := idx.Add(iv(i), int64(i)); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	for i := int32(100); i < 106; i++ {
		off, ok, err := idx.Search(iv(i))
		if err != nil || !ok || off != int64(i) {
			t.Fatalf("Search(%d) = (%d, %v, %v)", i, off, ok, err)
		}
	}
}

func TestRemoveFromPrimary(t *testing.T) {
	idx := buildIndex(t, 10, 5)
	removed, err := idx.Remove(iv(3), 300)
	if err != nil || !removed {
		t.Fatalf("Remove(3, 300) = (%v, %v), want (true, nil)", removed, err)
	}
	if _, ok, _ := idx.Search(iv(3)); ok {
		t.Fatal("expected key 3 to be gone after Remove")
	}
}

func TestRemoveFromOverflowChain(t *testing.T) {
	idx := buildIndex(t, 2, 2)
	for i := int32(100); i < 108; i++ {
		if err := idx.Add(iv(i), int64(i)); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	removed, err := idx.Remove(iv(105), 105)
	if err != nil || !removed {
		t.Fatalf("Remove(105, 105) = (%v, %v)", removed, err)
	}
	if _, ok, _ := idx.Search(iv(105)); ok {
		t.Fatal("expected 105 to be gone")
	}
	// everything else in the chain must still be reachable
	for _, i := range []int32{100, 101, 102, 103, 104, 106, 107} {
		if _, ok, _ := idx.Search(iv(i)); !ok {
			t.Fatalf("Search(%d) missing after unrelated removal", i)
		}
	}
}

func TestRemoveMissingKeyReturnsFalse(t *testing.T) {
	idx := buildIndex(t, 5, 5)
	removed, err := idx.Remove(iv(999), 0)
	if err != nil || removed {
		t.Fatalf("Remove(999, 0) = (%v, %v), want (false, nil)", removed, err)
	}
}

// Duplicate indexed values map to distinct payloads; removing one
// row must not disturb another live row's entry for the same key.
func TestRemoveMatchesPayloadNotJustKey(t *testing.T) {
	idx := buildIndex(t, 10, 5)
	if err := idx.Add(iv(3), 9999); err != nil { // second row sharing key 3
		t.Fatalf("Add: %v", err)
	}
	removed, err := idx.Remove(iv(3), 9999)
	if err != nil || !removed {
		t.Fatalf("Remove(3, 9999) = (%v, %v), want (true, nil)", removed, err)
	}
	off, ok, err := idx.Search(iv(3))
	if err != nil || !ok || off != 300 {
		t.Fatalf("Search(3) after removing the duplicate = (%d, %v, %v), want (300, true, nil)", off, ok, err)
	}
}

func TestOpenReloadsIndex(t *testing.T) {
	metaPath, dataPath := paths(t)
	entries := []Entry{{Key: iv(1), Offset: 10}, {Key: iv(2), Offset: 20}}
	if _, err := Build(metaPath, dataPath, 4, testKey, entries); err != nil {
		t.Fatalf("Build: %v", err)
	}
	idx, err := Open(metaPath, dataPath, 4, testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	off, ok, err := idx.Search(iv(2))
	if err != nil || !ok || off != 20 {
		t.Fatalf("Search after Open = (%d, %v, %v)", off, ok, err)
	}
}

func TestWrongChecksumKeyRejectsPages(t *testing.T) {
	metaPath, dataPath := paths(t)
	entries := []Entry{{Key: iv(1), Offset: 10}}
	if _, err := Build(metaPath, dataPath, 4, testKey, entries); err != nil {
		t.Fatalf("Build: %v", err)
	}
	var wrongKey [16]byte
	idx, err := Open(metaPath, dataPath, 4, wrongKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := idx.Search(iv(1)); err == nil {
		t.Fatal("expected checksum mismatch error with the wrong key")
	}
}

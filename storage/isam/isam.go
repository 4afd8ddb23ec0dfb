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

// Package isam implements the two-level static index over
// fixed-capacity pages with overflow chains and an append-only page
// data file.
package isam

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/dchest/siphash"

	"github.com/reldb-project/reldb/record"
)

// Entry is one (key, offset) pair stored in a page.
type Entry struct {
	Key    record.Value
	Offset int64
}

// page is a fixed-capacity run of sorted (key, offset) pairs plus a
// pointer to its overflow chain head.
type page struct {
	Entries     []Entry
	OverflowPtr int64 // byte offset into the data file, or -1
	Capacity    int
}

func (p *page) full() bool { return len(p.Entries) >= p.Capacity }

func (p *page) maxKey() record.Value { return p.Entries[len(p.Entries)-1].Key }

// meta is the tiny index-metadata file rewritten atomically on every
// structural change.
type meta struct {
	SplitKeys   []record.Value `json:"split_keys"`
	LeafOffsets []int64        `json:"leaf_offsets"`
}

// Index is a two-level ISAM index: leaf_offsets point into the
// append-only page data file, split_keys delimit leaf ranges. The
// invariant len(leaf_offsets) == len(split_keys)+1 always holds.
type Index struct {
	metaPath, dataPath string
	leafCapacity       int
	checksumKey        [16]byte

	mu          sync.Mutex
	splitKeys   []record.Value
	leafOffsets []int64
}

// New constructs an empty ISAM index bound to the given metadata/data
// file paths, keyed for page checksums with key.
func New(metaPath, dataPath string, leafCapacity int, key [16]byte) *Index {
	return &Index{metaPath: metaPath, dataPath: dataPath, leafCapacity: leafCapacity, checksumKey: key}
}

// Build partitions sorted key-value pairs into chunks of leafCapacity,
// writes each as a page, and records split_keys/leaf_offsets, writing
// the metadata file atomically. sorted must already be ordered by Key.
func Build(metaPath, dataPath string, leafCapacity int, key [16]byte, sorted []Entry) (*Index, error) {
	idx := New(metaPath, dataPath, leafCapacity, key)
	if err := os.WriteFile(dataPath, nil, 0o644); err != nil {
		return nil, fmt.Errorf("isam: creating data file: %w", err)
	}
	for len(sorted) > 0 {
		n := leafCapacity
		if n > len(sorted) {
			n = len(sorted)
		}
		chunk := sorted[:n]
		sorted = sorted[n:]
		p := &page{Entries: append([]Entry{}, chunk...), OverflowPtr: -1, Capacity: leafCapacity}
		off, err := idx.appendPage(p)
		if err != nil {
			return nil, err
		}
		if len(idx.leafOffsets) > 0 {
			idx.splitKeys = append(idx.splitKeys, chunk[0].Key)
		}
		idx.leafOffsets = append(idx.leafOffsets, off)
	}
	if len(idx.leafOffsets) == 0 {
		p := &page{Entries: nil, OverflowPtr: -1, Capacity: leafCapacity}
		off, err := idx.appendPage(p)
		if err != nil {
			return nil, err
		}
		idx.leafOffsets = []int64{off}
	}
	if err := idx.writeMeta(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Open reloads an ISAM index from its metadata file.
func Open(metaPath, dataPath string, leafCapacity int, key [16]byte) (*Index, error) {
	buf, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("isam: reading metadata: %w", err)
	}
	var m meta
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("isam: malformed metadata: %w", err)
	}
	if len(m.LeafOffsets) != len(m.SplitKeys)+1 {
		return nil, fmt.Errorf("isam: invariant violated: len(leaf_offsets)=%d != len(split_keys)+1=%d", len(m.LeafOffsets), len(m.SplitKeys)+1)
	}
	return &Index{
		metaPath: metaPath, dataPath: dataPath, leafCapacity: leafCapacity, checksumKey: key,
		splitKeys: m.SplitKeys, leafOffsets: m.LeafOffsets,
	}, nil
}

func (idx *Index) writeMeta() error {
	buf, err := json.MarshalIndent(meta{SplitKeys: idx.splitKeys, LeafOffsets: idx.leafOffsets}, "", "  ")
	if err != nil {
		return fmt.Errorf("isam: marshaling metadata: %w", err)
	}
	dir := dirname(idx.metaPath)
	tmp, err := os.CreateTemp(dir, ".tmp-isam-meta-*")
	if err != nil {
		return fmt.Errorf("isam: creating temp metadata: %w", err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(buf)
	cerr := tmp.Close()
	if werr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("isam: writing metadata: %w", werr)
	}
	if cerr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("isam: closing metadata: %w", cerr)
	}
	if err := os.Rename(tmpName, idx.metaPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("isam: renaming metadata: %w", err)
	}
	return nil
}

func dirname(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Page wire format: [4-byte LE payload length][gob payload][8-byte
// siphash-2-4 checksum], so a torn append (an interrupted page-append
// leaving unreachable bytes at the end of the data file) is detectable
// on read instead of silently corrupting a scan.
const checksumLen = 8

func encodePage(p *page, key [16]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gobEncodePage(&buf, p); err != nil {
		return nil, err
	}
	sum := siphash.Hash(binary.LittleEndian.Uint64(key[:8]), binary.LittleEndian.Uint64(key[8:]), buf.Bytes())
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	out := make([]byte, 0, 4+buf.Len()+checksumLen)
	out = append(out, lenPrefix[:]...)
	out = append(out, buf.Bytes()...)
	var sumBuf [8]byte
	binary.LittleEndian.PutUint64(sumBuf[:], sum)
	out = append(out, sumBuf[:]...)
	return out, nil
}

func decodePage(buf []byte, key [16]byte) (*page, int, error) {
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("isam: short page header")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	total := 4 + int(n) + checksumLen
	if len(buf) < total {
		return nil, 0, fmt.Errorf("isam: truncated page (interrupted write)")
	}
	payload := buf[4 : 4+int(n)]
	wantSum := binary.LittleEndian.Uint64(buf[4+int(n) : total])
	gotSum := siphash.Hash(binary.LittleEndian.Uint64(key[:8]), binary.LittleEndian.Uint64(key[8:]), payload)
	if gotSum != wantSum {
		return nil, 0, fmt.Errorf("isam: page checksum mismatch (corrupt or interrupted write)")
	}
	p, err := gobDecodePage(payload)
	if err != nil {
		return nil, 0, err
	}
	return p, total, nil
}

// appendPage writes p to the end of the data file (copy-on-write:
// pages are never rewritten in place) and returns its byte offset.
func (idx *Index) appendPage(p *page) (int64, error) {
	buf, err := encodePage(p, idx.checksumKey)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(idx.dataPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("isam: opening data file: %w", err)
	}
	defer f.Close()
	off, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		return 0, fmt.Errorf("isam: seeking data file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		return 0, fmt.Errorf("isam: appending page: %w", err)
	}
	return off, nil
}

func (idx *Index) readPage(off int64) (*page, error) {
	f, err := os.Open(idx.dataPath)
	if err != nil {
		return nil, fmt.Errorf("isam: opening data file: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(off, os.SEEK_SET); err != nil {
		return nil, fmt.Errorf("isam: seeking to page: %w", err)
	}
	// read a generous chunk; pages are small and fixed-capacity
	buf := make([]byte, 1<<20)
	n, _ := f.Read(buf)
	p, _, err := decodePage(buf[:n], idx.checksumKey)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// leafIndex returns bisect_right(split_keys, key).
func (idx *Index) leafIndex(key record.Value) int {
	return sort.Search(len(idx.splitKeys), func(i int) bool {
		return key.Less(idx.splitKeys[i])
	})
}

// Search locates key via bisect_right(split_keys, key) then scans the
// primary page and its overflow chain, returning the first hit.
func (idx *Index) Search(key record.Value) (int64, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	li := idx.leafIndex(key)
	off := idx.leafOffsets[li]
	for off != -1 {
		p, err := idx.readPage(off)
		if err != nil {
			return 0, false, err
		}
		for _, e := range p.Entries {
			if e.Key.Equal(key) {
				return e.Offset, true, nil
			}
		}
		off = p.OverflowPtr
	}
	return 0, false, nil
}

// Range iterates leaves and their overflow chains in order starting
// from the leaf containing lo, emitting (key, offset) pairs in
// [lo, hi]; it stops once a primary page's maximum key exceeds hi.
func (idx *Index) Range(lo, hi record.Value) ([]Entry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var out []Entry
	start := idx.leafIndex(lo)
	for li := start; li < len(idx.leafOffsets); li++ {
		primary, err := idx.readPage(idx.leafOffsets[li])
		if err != nil {
			return nil, err
		}
		off := idx.leafOffsets[li]
		stop := false
		for off != -1 {
			p, err := idx.readPage(off)
			if err != nil {
				return nil, err
			}
			for _, e := range p.Entries {
				if e.Key.Less(lo) {
					continue
				}
				if hi.Less(e.Key) {
					continue
				}
				out = append(out, e)
			}
			off = p.OverflowPtr
		}
		if len(primary.Entries) > 0 && hi.Less(primary.maxKey()) {
			stop = true
		}
		if stop {
			break
		}
	}
	return out, nil
}

// Add inserts (key, offset). If the primary page for key's leaf is
// not full, the entry is inserted in sorted position and the leaf is
// rewritten (appended, copy-on-write); otherwise the entry goes into
// the first page of the overflow chain with room, and a fresh overflow
// page is chained at the tail only when every page is full. The index
// metadata is rewritten atomically on every call.
func (idx *Index) Add(key record.Value, offset int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	li := idx.leafIndex(key)
	primaryOff := idx.leafOffsets[li]
	primary, err := idx.readPage(primaryOff)
	if err != nil {
		return err
	}

	if !primary.full() {
		primary.Entries = insertSorted(primary.Entries, Entry{Key: key, Offset: offset})
		newOff, err := idx.appendPage(primary)
		if err != nil {
			return err
		}
		idx.leafOffsets[li] = newOff
		return idx.writeMeta()
	}

	// primary full: walk the overflow chain for the first page with
	// room, inserting there; if every page in the chain is full,
	// append a fresh overflow page at the tail.
	e := Entry{Key: key, Offset: offset}
	if primary.OverflowPtr == -1 {
		ovOff, err := idx.appendPage(&page{Entries: []Entry{e}, OverflowPtr: -1, Capacity: primary.Capacity})
		if err != nil {
			return err
		}
		primary.OverflowPtr = ovOff
		newPrimaryOff, err := idx.appendPage(primary)
		if err != nil {
			return err
		}
		idx.leafOffsets[li] = newPrimaryOff
		return idx.writeMeta()
	}

	newOff, err := idx.insertIntoChain(primary.OverflowPtr, e)
	if err != nil {
		return err
	}
	primary.OverflowPtr = newOff
	newPrimaryOff, err := idx.appendPage(primary)
	if err != nil {
		return err
	}
	idx.leafOffsets[li] = newPrimaryOff
	return idx.writeMeta()
}

// insertIntoChain inserts e into the first page of the overflow chain
// rooted at off with spare capacity, rewriting every page from the
// insertion point back to off (copy-on-write), or appends a new
// overflow page at the tail if the whole chain is full. It returns
// the (possibly new) offset of the chain's head.
func (idx *Index) insertIntoChain(off int64, e Entry) (int64, error) {
	p, err := idx.readPage(off)
	if err != nil {
		return 0, err
	}
	if !p.full() {
		p.Entries = insertSorted(p.Entries, e)
		return idx.appendPage(p)
	}
	if p.OverflowPtr == -1 {
		tailOff, err := idx.appendPage(&page{Entries: []Entry{e}, OverflowPtr: -1, Capacity: p.Capacity})
		if err != nil {
			return 0, err
		}
		p.OverflowPtr = tailOff
		return idx.appendPage(p)
	}
	newNextOff, err := idx.insertIntoChain(p.OverflowPtr, e)
	if err != nil {
		return 0, err
	}
	p.OverflowPtr = newNextOff
	return idx.appendPage(p)
}

func insertSorted(entries []Entry, e Entry) []Entry {
	i := sort.Search(len(entries), func(i int) bool { return e.Key.Less(entries[i].Key) })
	entries = append(entries, Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

// Remove tries the primary page, then each page of the overflow
// chain in turn, rewriting the page that held the match and
// cascading the new offset back up through every page that pointed
// to it. It matches on both key and payload so that removing one row
// never touches another live row's entry when several rows share an
// indexed value.
func (idx *Index) Remove(key record.Value, payload int64) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	li := idx.leafIndex(key)
	newOff, removed, err := idx.removeFromChain(idx.leafOffsets[li], key, payload)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}
	idx.leafOffsets[li] = newOff
	return true, idx.writeMeta()
}

// removeFromChain removes the (key, payload) entry from the page at
// off or, failing that, from the chain reachable via its
// overflow_ptr. It returns the (possibly new, since pages are
// copy-on-write) offset that should replace off in whatever pointer
// referenced it.
func (idx *Index) removeFromChain(off int64, key record.Value, payload int64) (int64, bool, error) {
	p, err := idx.readPage(off)
	if err != nil {
		return 0, false, err
	}
	if pos := indexOfEntry(p.Entries, key, payload); pos >= 0 {
		p.Entries = append(p.Entries[:pos], p.Entries[pos+1:]...)
		newOff, err := idx.appendPage(p)
		return newOff, true, err
	}
	if p.OverflowPtr == -1 {
		return off, false, nil
	}
	newNext, removed, err := idx.removeFromChain(p.OverflowPtr, key, payload)
	if err != nil {
		return 0, false, err
	}
	if !removed {
		return off, false, nil
	}
	p.OverflowPtr = newNext
	newOff, err := idx.appendPage(p)
	return newOff, true, err
}

func indexOfEntry(entries []Entry, key record.Value, payload int64) int {
	for i, e := range entries {
		if e.Key.Equal(key) && e.Offset == payload {
			return i
		}
	}
	return -1
}

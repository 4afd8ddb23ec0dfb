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

// Package hashindex implements extendible hashing over a
// directory file and one file per bucket.
//
// Directory entries are bit-strings keyed by the first global_depth
// bits of MD5(key), growing by appended (not prefixed) bits on a
// directory doubling: this is the reading that stays consistent with
// "hash to the first global_depth bits" as global_depth grows, and is
// the one this package implements throughout (see DESIGN.md).
package hashindex

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dchest/siphash"
	"github.com/google/uuid"

	"github.com/reldb-project/reldb/catalog"
	"github.com/reldb-project/reldb/record"
)

// Entry is one (key, offset) pair stored in a bucket.
type Entry struct {
	Key    record.Value
	Offset int64
}

// bucket is the persisted shape of one bucket file.
type bucket struct {
	Records    []Entry
	LocalDepth int
}

// directoryFile is the JSON shape of directory.dat.
type directoryFile struct {
	GlobalDepth int               `json:"global_depth"`
	Entries     map[string]string `json:"entries"` // bit-string -> bucket file name
}

// Index is an extendible-hash index: entries maps bit-strings of
// length globalDepth to bucket file names under dataDir.
type Index struct {
	dirPath, dataDir string
	bucketSize       int
	checksumKey      [16]byte

	mu          sync.Mutex
	globalDepth int
	entries     map[string]string
}

// New creates a fresh index with a single bucket at global_depth 0.
func New(dirPath, dataDir string, bucketSize int, key [16]byte) (*Index, error) {
	idx := &Index{
		dirPath: dirPath, dataDir: dataDir, bucketSize: bucketSize, checksumKey: key,
		globalDepth: 0,
		entries:     map[string]string{"": ""},
	}
	name, err := idx.writeBucket(&bucket{LocalDepth: 0})
	if err != nil {
		return nil, err
	}
	idx.entries[""] = name
	if err := idx.writeDirectory(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Open reloads an index from its directory file.
func Open(dirPath, dataDir string, bucketSize int, key [16]byte) (*Index, error) {
	buf, err := os.ReadFile(dirPath)
	if err != nil {
		return nil, fmt.Errorf("hashindex: reading directory: %w", err)
	}
	var df directoryFile
	if err := json.Unmarshal(buf, &df); err != nil {
		return nil, fmt.Errorf("hashindex: malformed directory: %w", err)
	}
	return &Index{
		dirPath: dirPath, dataDir: dataDir, bucketSize: bucketSize, checksumKey: key,
		globalDepth: df.GlobalDepth, entries: df.Entries,
	}, nil
}

func (idx *Index) writeDirectory() error {
	buf, err := json.MarshalIndent(directoryFile{GlobalDepth: idx.globalDepth, Entries: idx.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("hashindex: marshaling directory: %w", err)
	}
	return catalog.AtomicWriteFile(idx.dirPath, buf)
}

// bitString returns the first n bits of MD5(key's string form) as a
// string of '0'/'1' characters.
func bitString(key record.Value, n int) string {
	sum := md5.Sum([]byte(key.String()))
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		byteIdx, bitIdx := i/8, 7-(i%8)
		if sum[byteIdx]&(1<<bitIdx) != 0 {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
	}
	return string(b)
}

func (idx *Index) bucketPath(name string) string {
	return filepath.Join(idx.dataDir, name)
}

func (idx *Index) writeBucket(b *bucket) (string, error) {
	name := fmt.Sprintf("bucket_%s.dat", uuid.NewString())
	buf, err := encodeBucket(b, idx.checksumKey)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(idx.bucketPath(name), buf, 0o644); err != nil {
		return "", fmt.Errorf("hashindex: writing bucket: %w", err)
	}
	return name, nil
}

func (idx *Index) readBucket(name string) (*bucket, error) {
	buf, err := os.ReadFile(idx.bucketPath(name))
	if err != nil {
		return nil, fmt.Errorf("hashindex: reading bucket: %w", err)
	}
	return decodeBucket(buf, idx.checksumKey)
}

const checksumLen = 8

func encodeBucket(b *bucket, key [16]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, fmt.Errorf("hashindex: encoding bucket: %w", err)
	}
	sum := siphash.Hash(binary.LittleEndian.Uint64(key[:8]), binary.LittleEndian.Uint64(key[8:]), buf.Bytes())
	var sumBuf [checksumLen]byte
	binary.LittleEndian.PutUint64(sumBuf[:], sum)
	return append(buf.Bytes(), sumBuf[:]...), nil
}

func decodeBucket(buf []byte, key [16]byte) (*bucket, error) {
	if len(buf) < checksumLen {
		return nil, fmt.Errorf("hashindex: truncated bucket file")
	}
	payload, trailer := buf[:len(buf)-checksumLen], buf[len(buf)-checksumLen:]
	wantSum := binary.LittleEndian.Uint64(trailer)
	gotSum := siphash.Hash(binary.LittleEndian.Uint64(key[:8]), binary.LittleEndian.Uint64(key[8:]), payload)
	if gotSum != wantSum {
		return nil, fmt.Errorf("hashindex: bucket checksum mismatch (corrupt or interrupted write)")
	}
	var b bucket
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&b); err != nil {
		return nil, fmt.Errorf("hashindex: decoding bucket: %w", err)
	}
	return &b, nil
}

// Search hashes key to its directory bit-string, loads the bucket,
// and linear-scans it.
func (idx *Index) Search(key record.Value) ([]int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	b, err := idx.readBucket(idx.entries[bitString(key, idx.globalDepth)])
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, e := range b.Records {
		if e.Key.Equal(key) {
			out = append(out, e.Offset)
		}
	}
	return out, nil
}

// Range scans every unique bucket file once, filtering by lo<=key<=hi;
// hashing destroys order so a range query is inherently a full scan.
func (idx *Index) Range(lo, hi record.Value) ([]Entry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	seen := map[string]bool{}
	var out []Entry
	for _, name := range idx.entries {
		if seen[name] {
			continue
		}
		seen[name] = true
		b, err := idx.readBucket(name)
		if err != nil {
			return nil, err
		}
		for _, e := range b.Records {
			if !e.Key.Less(lo) && !hi.Less(e.Key) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// Add hashes key to its bucket; if the bucket has room the entry is
// appended and the bucket is written to a freshly named file that
// replaces the old one, otherwise the bucket is split.
func (idx *Index) Add(key record.Value, offset int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.add(key, offset)
}

func (idx *Index) add(key record.Value, offset int64) error {
	s := bitString(key, idx.globalDepth)
	name := idx.entries[s]
	b, err := idx.readBucket(name)
	if err != nil {
		return err
	}
	if len(b.Records) < idx.bucketSize {
		b.Records = append(b.Records, Entry{Key: key, Offset: offset})
		newName, err := idx.writeBucket(b)
		if err != nil {
			return err
		}
		if err := os.Remove(idx.bucketPath(name)); err != nil && !catalog.IsNotExist(err) {
			return fmt.Errorf("hashindex: removing old bucket: %w", err)
		}
		idx.entries[s] = newName
		return idx.writeDirectory()
	}
	extra := Entry{Key: key, Offset: offset}
	return idx.split(name, b, &extra)
}

// split grows local_depth, doubling the directory first if that
// exceeds global_depth, then redistributes the overflowing bucket's
// records (plus extra, the entry that triggered the split, when
// non-nil) across two fresh buckets based on the newly discriminating
// bit.
func (idx *Index) split(name string, b *bucket, extra *Entry) error {
	newLocalDepth := b.LocalDepth + 1
	if newLocalDepth > idx.globalDepth {
		idx.doubleDirectory()
	}

	// every directory entry of the current global_depth that still
	// points at this bucket must agree on the first b.LocalDepth bits;
	// the newly discriminating bit is at index newLocalDepth-1.
	discriminant := newLocalDepth - 1
	zeroName := fmt.Sprintf("bucket_%s.dat", uuid.NewString())
	oneName := fmt.Sprintf("bucket_%s.dat", uuid.NewString())
	zeroBucket := &bucket{LocalDepth: newLocalDepth}
	oneBucket := &bucket{LocalDepth: newLocalDepth}

	for entryStr, entryName := range idx.entries {
		if entryName != name {
			continue
		}
		if entryStr[discriminant] == '0' {
			idx.entries[entryStr] = zeroName
		} else {
			idx.entries[entryStr] = oneName
		}
	}

	records := b.Records
	if extra != nil {
		records = append(append([]Entry{}, b.Records...), *extra)
	}
	for _, e := range records {
		if bitString(e.Key, idx.globalDepth)[discriminant] == '0' {
			zeroBucket.Records = append(zeroBucket.Records, e)
		} else {
			oneBucket.Records = append(oneBucket.Records, e)
		}
	}
	if err := idx.overwriteBucket(zeroName, zeroBucket); err != nil {
		return err
	}
	if err := idx.overwriteBucket(oneName, oneBucket); err != nil {
		return err
	}
	if err := os.Remove(idx.bucketPath(name)); err != nil && !catalog.IsNotExist(err) {
		return fmt.Errorf("hashindex: removing split bucket: %w", err)
	}
	if err := idx.writeDirectory(); err != nil {
		return err
	}

	// a bucket may still be over capacity after one split (e.g. every
	// record shares the new discriminating bit); recurse until it fits.
	if len(zeroBucket.Records) > idx.bucketSize {
		return idx.split(zeroName, zeroBucket, nil)
	}
	if len(oneBucket.Records) > idx.bucketSize {
		return idx.split(oneName, oneBucket, nil)
	}
	return nil
}

func (idx *Index) overwriteBucket(name string, b *bucket) error {
	buf, err := encodeBucket(b, idx.checksumKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(idx.bucketPath(name), buf, 0o644); err != nil {
		return fmt.Errorf("hashindex: writing bucket: %w", err)
	}
	return nil
}

// doubleDirectory extends every bit-string by one appended bit,
// duplicating each entry's bucket mapping across both extensions.
func (idx *Index) doubleDirectory() {
	next := make(map[string]string, len(idx.entries)*2)
	for s, name := range idx.entries {
		next[s+"0"] = name
		next[s+"1"] = name
	}
	idx.entries = next
	idx.globalDepth++
}

// Remove hashes key, loads its bucket, removes the single record
// matching both key and payload, and persists the bucket. Matching on
// payload as well as key means that when several rows share an
// indexed value, removing one never purges every other live row's
// entry for the same value. It does not merge underfull buckets back
// together; there is no corresponding shrink operation for splitting.
func (idx *Index) Remove(key record.Value, payload int64) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	s := bitString(key, idx.globalDepth)
	name := idx.entries[s]
	b, err := idx.readBucket(name)
	if err != nil {
		return false, err
	}
	kept := b.Records[:0]
	removed := false
	for _, e := range b.Records {
		if !removed && e.Key.Equal(key) && e.Offset == payload {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return false, nil
	}
	b.Records = kept
	newName, err := idx.writeBucket(b)
	if err != nil {
		return false, err
	}
	if err := os.Remove(idx.bucketPath(name)); err != nil && !catalog.IsNotExist(err) {
		return false, fmt.Errorf("hashindex: removing old bucket: %w", err)
	}
	for entryStr, entryName := range idx.entries {
		if entryName == name {
			idx.entries[entryStr] = newName
		}
	}
	return true, idx.writeDirectory()
}

// GlobalDepth reports the current directory bit-string length.
func (idx *Index) GlobalDepth() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.globalDepth
}

// BucketCount reports the number of distinct bucket files referenced
// by the directory.
func (idx *Index) BucketCount() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	seen := map[string]bool{}
	for _, name := range idx.entries {
		seen[name] = true
	}
	return len(seen)
}

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

// Package bptree implements the in-memory, leaf-linked B+ tree index
// with whole-image snapshot persistence.
package bptree

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/reldb-project/reldb/record"
)

// Tree is an in-memory B+ tree of order t: every non-root node holds
// between t-1 and 2t-1 keys, leaves are linked left-to-right in key
// order.
type Tree struct {
	t    int
	root *node

	mu sync.Mutex
}

// New constructs an empty tree of order t (a node is full at 2t-1
// keys).
func New(t int) *Tree {
	if t < 2 {
		t = 2
	}
	return &Tree{t: t, root: &node{IsLeaf: true}}
}

func (tr *Tree) maxKeys() int { return 2*tr.t - 1 }

// Add inserts (key, payload); duplicate keys are permitted.
func (tr *Tree) Add(key record.Value, payload int64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.root.full(tr.maxKeys()) {
		oldRoot := tr.root
		newRoot := &node{IsLeaf: false, Children: []*node{oldRoot}}
		tr.splitChild(newRoot, 0)
		tr.root = newRoot
	}
	tr.insertNonFull(tr.root, key, payload)
}

func (tr *Tree) splitChild(parent *node, i int) {
	t := tr.t
	child := parent.Children[i]
	var right *node
	var sep record.Value

	if child.IsLeaf {
		right = &node{IsLeaf: true}
		right.Keys = append([]record.Value{}, child.Keys[t:]...)
		right.Payloads = append([]int64{}, child.Payloads[t:]...)
		child.Keys = child.Keys[:t]
		child.Payloads = child.Payloads[:t]
		right.next = child.next
		child.next = right
		sep = right.Keys[0] // parent separator = first key of new right leaf
	} else {
		mid := t - 1
		sep = child.Keys[mid]
		right = &node{IsLeaf: false}
		right.Keys = append([]record.Value{}, child.Keys[mid+1:]...)
		right.Children = append([]*node{}, child.Children[mid+1:]...)
		child.Keys = child.Keys[:mid]
		child.Children = child.Children[:mid+1]
	}

	parent.Keys = insertValue(parent.Keys, i, sep)
	parent.Children = insertChild(parent.Children, i+1, right)
}

func insertValue(s []record.Value, i int, v record.Value) []record.Value {
	s = append(s, record.Value{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertChild(s []*node, i int, c *node) []*node {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = c
	return s
}

func insertPayload(s []int64, i int, p int64) []int64 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = p
	return s
}

func (tr *Tree) insertNonFull(n *node, key record.Value, payload int64) {
	if n.IsLeaf {
		pos := leafInsertPos(n, key)
		n.Keys = insertValue(n.Keys, pos, key)
		n.Payloads = insertPayload(n.Payloads, pos, payload)
		return
	}
	i := childIndex(n, key)
	if n.Children[i].full(tr.maxKeys()) {
		tr.splitChild(n, i)
		if !key.Less(n.Keys[i]) { // descent key adjustment
			i++
		}
	}
	tr.insertNonFull(n.Children[i], key, payload)
}

// leftmostLeafFor descends to the leaf that would contain key.
func (tr *Tree) leftmostLeafFor(key record.Value) *node {
	n := tr.root
	for !n.IsLeaf {
		n = n.Children[childIndex(n, key)]
	}
	return n
}

// Search descends to the leaf whose range covers key and returns the
// payloads with exactly that key in that leaf and the leaves after it,
// duplicates included. Implemented as Range(key, key), unifying point
// and range lookup. The descent goes right of a separator equal to
// key, so equal keys that a leaf split left in the leaf before it are
// not returned.
func (tr *Tree) Search(key record.Value) []int64 {
	return tr.Range(key, key)
}

// Range descends to the leaf containing lo, then walks the
// leaf-linked list collecting payloads whose key is in [lo, hi],
// stopping once a key exceeds hi.
func (tr *Tree) Range(lo, hi record.Value) []int64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var out []int64
	leaf := tr.leftmostLeafFor(lo)
	for leaf != nil {
		for i, k := range leaf.Keys {
			if hi.Less(k) {
				return out
			}
			if !k.Less(lo) {
				out = append(out, leaf.Payloads[i])
			}
		}
		leaf = leaf.next
	}
	return out
}

// Remove deletes the single (key, payload) entry matching both,
// rebalancing the path from leaf to root by borrowing from a sibling
// (left first, then right) or merging when a child would drop below
// t-1 keys. Matching on payload as well as key means that when
// several rows share an indexed value, removing one never touches
// another live row's entry for the same value. It reports whether an
// entry was removed.
func (tr *Tree) Remove(key record.Value, payload int64) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	removed := tr.removeFrom(tr.root, key, payload)
	if !removed {
		return false
	}
	if !tr.root.IsLeaf && len(tr.root.Keys) == 0 {
		tr.root = tr.root.Children[0] // root collapses
	}
	return true
}

func (tr *Tree) removeFrom(n *node, key record.Value, payload int64) bool {
	if n.IsLeaf {
		for i, k := range n.Keys {
			if k.Equal(key) && n.Payloads[i] == payload {
				n.Keys = append(n.Keys[:i], n.Keys[i+1:]...)
				n.Payloads = append(n.Payloads[:i], n.Payloads[i+1:]...)
				return true
			}
		}
		return false
	}
	i := childIndex(n, key)
	removed := tr.removeFrom(n.Children[i], key, payload)
	for !removed && i > 0 && n.Keys[i-1].Equal(key) {
		i-- // a leaf split can leave keys equal to a separator on its left
		removed = tr.removeFrom(n.Children[i], key, payload)
	}
	if !removed {
		return false
	}
	tr.rebalance(n, i)
	return true
}

// rebalance restores the t-1 minimum on n.Children[i] after a
// removal, borrowing from a sibling or merging.
func (tr *Tree) rebalance(parent *node, i int) {
	child := parent.Children[i]
	min := tr.t - 1
	if len(child.Keys) >= min {
		return
	}

	if i > 0 && len(parent.Children[i-1].Keys) > min {
		tr.borrowFromLeft(parent, i)
		return
	}
	if i < len(parent.Children)-1 && len(parent.Children[i+1].Keys) > min {
		tr.borrowFromRight(parent, i)
		return
	}
	if i > 0 {
		tr.mergeChildren(parent, i-1) // merge child i-1 and i
	} else {
		tr.mergeChildren(parent, i) // merge child i and i+1
	}
}

func (tr *Tree) borrowFromLeft(parent *node, i int) {
	child, left := parent.Children[i], parent.Children[i-1]
	if child.IsLeaf {
		borrowedKey := left.Keys[len(left.Keys)-1]
		borrowedPayload := left.Payloads[len(left.Payloads)-1]
		left.Keys = left.Keys[:len(left.Keys)-1]
		left.Payloads = left.Payloads[:len(left.Payloads)-1]
		child.Keys = insertValue(child.Keys, 0, borrowedKey)
		child.Payloads = insertPayload(child.Payloads, 0, borrowedPayload)
		parent.Keys[i-1] = child.Keys[0]
	} else {
		child.Keys = insertValue(child.Keys, 0, parent.Keys[i-1])
		parent.Keys[i-1] = left.Keys[len(left.Keys)-1]
		left.Keys = left.Keys[:len(left.Keys)-1]
		moved := left.Children[len(left.Children)-1]
		left.Children = left.Children[:len(left.Children)-1]
		child.Children = insertChild(child.Children, 0, moved)
	}
}

func (tr *Tree) borrowFromRight(parent *node, i int) {
	child, right := parent.Children[i], parent.Children[i+1]
	if child.IsLeaf {
		borrowedKey := right.Keys[0]
		borrowedPayload := right.Payloads[0]
		right.Keys = right.Keys[1:]
		right.Payloads = right.Payloads[1:]
		child.Keys = append(child.Keys, borrowedKey)
		child.Payloads = append(child.Payloads, borrowedPayload)
		parent.Keys[i] = right.Keys[0]
	} else {
		child.Keys = append(child.Keys, parent.Keys[i])
		parent.Keys[i] = right.Keys[0]
		right.Keys = right.Keys[1:]
		moved := right.Children[0]
		right.Children = right.Children[1:]
		child.Children = append(child.Children, moved)
	}
}

// mergeChildren merges parent.Children[i] and parent.Children[i+1]
// into a single node, absorbing the separating parent key (for
// internal nodes) and always relinking leaf Next pointers so
// forward range scans never observe a dangling sibling link.
func (tr *Tree) mergeChildren(parent *node, i int) {
	left, right := parent.Children[i], parent.Children[i+1]
	if left.IsLeaf {
		left.Keys = append(left.Keys, right.Keys...)
		left.Payloads = append(left.Payloads, right.Payloads...)
		left.next = right.next
	} else {
		left.Keys = append(left.Keys, parent.Keys[i])
		left.Keys = append(left.Keys, right.Keys...)
		left.Children = append(left.Children, right.Children...)
	}
	parent.Keys = append(parent.Keys[:i], parent.Keys[i+1:]...)
	parent.Children = append(parent.Children[:i+1], parent.Children[i+2:]...)
}

// snapshotFormat is the on-disk payload of a whole-image snapshot.
type snapshotFormat struct {
	T    int
	Root *node
}

// digestLen is the length of the blake2b-256 digest that follows the
// 4-byte payload length in the snapshot header. Save always rewrites
// this file from scratch rather than patching it in place.
const digestLen = 32

// Save writes a whole-tree snapshot to path as
// [4-byte payload length][blake2b-256 digest][gob payload], atomically
// (write-temp-then-rename).
func (tr *Tree) Save(path string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(snapshotFormat{T: tr.t, Root: tr.root}); err != nil {
		return fmt.Errorf("bptree: encoding snapshot: %w", err)
	}
	sum := blake2b.Sum256(payload.Bytes())

	var out bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(payload.Len()))
	out.Write(lenBuf[:])
	out.Write(sum[:])
	out.Write(payload.Bytes())

	dir := dirname(path)
	tmp, err := os.CreateTemp(dir, ".tmp-bptree-*")
	if err != nil {
		return fmt.Errorf("bptree: creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(out.Bytes())
	cerr := tmp.Close()
	if werr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bptree: writing snapshot: %w", werr)
	}
	if cerr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bptree: closing snapshot: %w", cerr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bptree: renaming snapshot into place: %w", err)
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

// Load rebuilds a Tree from a snapshot previously written by Save,
// verifying the blake2b digest before trusting the payload (catches a
// truncated or otherwise interrupted write).
func Load(path string) (*Tree, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bptree: reading snapshot: %w", err)
	}
	if len(buf) < 4+digestLen {
		return nil, fmt.Errorf("bptree: truncated snapshot header in %s", path)
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	digest := buf[4 : 4+digestLen]
	payload := buf[4+digestLen:]
	if uint32(len(payload)) != n {
		return nil, fmt.Errorf("bptree: truncated snapshot payload in %s (interrupted write)", path)
	}
	sum := blake2b.Sum256(payload)
	if !bytes.Equal(sum[:], digest) {
		return nil, fmt.Errorf("bptree: snapshot digest mismatch in %s (corrupt or interrupted write)", path)
	}
	var sf snapshotFormat
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&sf); err != nil {
		return nil, fmt.Errorf("bptree: decoding snapshot: %w", err)
	}
	relinkLeaves(sf.Root)
	return &Tree{t: sf.T, root: sf.Root}, nil
}

// relinkLeaves restores next pointers after a gob round-trip, which
// does not preserve the unexported cross-node pointer graph beyond
// the tree structure itself (next is unexported, so gob skips it, and
// it is rebuilt here by walking leaves left-to-right).
func relinkLeaves(root *node) {
	leaves := collectLeaves(root)
	for i := 0; i+1 < len(leaves); i++ {
		leaves[i].next = leaves[i+1]
	}
}

func collectLeaves(n *node) []*node {
	if n == nil {
		return nil
	}
	if n.IsLeaf {
		return []*node{n}
	}
	var out []*node
	for _, c := range n.Children {
		out = append(out, collectLeaves(c)...)
	}
	return out
}

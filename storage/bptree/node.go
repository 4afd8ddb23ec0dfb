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

package bptree

import "github.com/reldb-project/reldb/record"

// node is either an internal node (separator keys + children) or a
// leaf ((key, payload) pairs plus a sibling link).
type node struct {
	IsLeaf   bool
	Keys     []record.Value
	Children []*node // internal only, len(Children) == len(Keys)+1
	Payloads []int64 // leaf only, parallel to Keys

	// next is unexported so gob does not encode the sibling chain as
	// a second, redundant path through the node graph; Save/Load
	// rebuild it by walking leaves left-to-right (see relinkLeaves).
	next *node // leaf only
}

// childIndex returns the index of the child that a descent for key
// should follow: the number of separator keys <= key (so duplicates
// of an existing separator value descend to its right, consistently
// for both insertion and lookup).
func childIndex(n *node, key record.Value) int {
	i := 0
	for i < len(n.Keys) && !key.Less(n.Keys[i]) {
		i++
	}
	return i
}

// leafInsertPos returns the position within a leaf's entries where
// key should be inserted to keep Keys sorted, placing new duplicates
// after existing equal keys (insertion order preserved).
func leafInsertPos(n *node, key record.Value) int {
	i := 0
	for i < len(n.Keys) && !key.Less(n.Keys[i]) {
		i++
	}
	return i
}

func (n *node) full(maxKeys int) bool { return len(n.Keys) >= maxKeys }

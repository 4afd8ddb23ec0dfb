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

package rtree

// bbox is an axis-aligned bounding box; a point is stored as a
// degenerate box with MinX==MaxX, MinY==MaxY.
type bbox struct {
	MinX, MinY, MaxX, MaxY float64
}

func pointBox(x, y float64) bbox { return bbox{MinX: x, MinY: y, MaxX: x, MaxY: y} }

func (b bbox) area() float64 {
	return (b.MaxX - b.MinX) * (b.MaxY - b.MinY)
}

func union(a, b bbox) bbox {
	return bbox{
		MinX: min(a.MinX, b.MinX), MinY: min(a.MinY, b.MinY),
		MaxX: max(a.MaxX, b.MaxX), MaxY: max(a.MaxY, b.MaxY),
	}
}

func enlargement(a, b bbox) float64 {
	return union(a, b).area() - a.area()
}

func intersects(a, b bbox) bool {
	return a.MinX <= b.MaxX && b.MinX <= a.MaxX && a.MinY <= b.MaxY && b.MinY <= a.MaxY
}

// entry is one slot of a node: for an internal node it points at a
// child subtree whose bounding box is box; for a leaf it names a
// stored record_id whose point is box.
type entry struct {
	box   bbox
	child *node
	id    int64
}

// node is either an internal node (entries point at children) or a
// leaf (entries name record ids), per the classic Guttman R-tree
// structure.
type node struct {
	leaf     bool
	entries  []entry
	parent   *node
	parentAt int // this node's index within parent.entries, -1 at root
}

func (n *node) boundingBox() bbox {
	box := n.entries[0].box
	for _, e := range n.entries[1:] {
		box = union(box, e.box)
	}
	return box
}

// chooseLeaf descends from n picking, at each internal level, the
// child whose bounding box needs the least enlargement to cover box
// (ties broken by smaller resulting area), per Guttman's ChooseLeaf.
func chooseLeaf(n *node, box bbox) *node {
	for !n.leaf {
		bestIdx := 0
		bestEnl := enlargement(n.entries[0].box, box)
		bestArea := n.entries[0].box.area()
		for i := 1; i < len(n.entries); i++ {
			enl := enlargement(n.entries[i].box, box)
			area := n.entries[i].box.area()
			if enl < bestEnl || (enl == bestEnl && area < bestArea) {
				bestIdx, bestEnl, bestArea = i, enl, area
			}
		}
		n = n.entries[bestIdx].child
	}
	return n
}

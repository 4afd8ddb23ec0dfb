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

// Package rtree implements the two-dimensional spatial index: an
// external R-tree over point records, an id->row store, and a
// composite-key multimap.
package rtree

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/reldb-project/reldb/internal/heapx"
	"github.com/reldb-project/reldb/record"
)

// earthRadiusKm is the sphere radius used by the haversine formula.
const earthRadiusKm = 6371.0

// kmPerDegree approximates the radius_km/111 conversion from a search
// radius to a degree-space bounding box.
const kmPerDegree = 111.0

// ErrInvalidCoordinate is returned when a point falls outside
// [-180,180] x [-90,90] or is non-finite.
var ErrInvalidCoordinate = errors.New("rtree: invalid coordinate")

// Point is a (longitude, latitude)-style 2-D point; the pair is named
// (x_column, y_column) without fixing an axis order, so callers choose
// what x and y mean.
type Point struct {
	X, Y float64
}

func validate(p Point) error {
	if math.IsNaN(p.X) || math.IsInf(p.X, 0) || math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
		return ErrInvalidCoordinate
	}
	if p.X < -180 || p.X > 180 || p.Y < -90 || p.Y > 90 {
		return ErrInvalidCoordinate
	}
	return nil
}

// haversine returns the great-circle distance between two points in
// kilometers.
func haversine(a, b Point) float64 {
	lat1, lat2 := a.Y*math.Pi/180, b.Y*math.Pi/180
	dLat := (b.Y - a.Y) * math.Pi / 180
	dLon := (b.X - a.X) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// stored is one live row plus its sequence number, used to break
// kNN/range distance ties by insertion order.
type stored struct {
	Seq     int64
	Point   Point
	Row     record.Row
	Key     string
	Deleted bool
}

// Index is the R-tree-backed spatial access method: an external
// R-tree keyed by a sequence id, an id->row store, and a
// composite-key multimap.
type Index struct {
	mu      sync.Mutex
	tree    *tree
	rows    map[int64]*stored
	byKey   map[string][]int64
	nextSeq int64
}

// New constructs an empty spatial index.
func New() *Index {
	return &Index{tree: newTree(8), rows: map[int64]*stored{}, byKey: map[string][]int64{}}
}

// AddBatch validates coordinates and inserts each row into the
// R-tree, the id->row store, and the composite-key multimap. key is
// the caller-computed composite key (e.g. a tab-joined projection of
// key columns).
func (idx *Index) AddBatch(rows []record.Row, points []Point, keys []string) error {
	if len(rows) != len(points) || len(rows) != len(keys) {
		return fmt.Errorf("rtree: add_batch: mismatched rows(%d)/points(%d)/keys(%d)", len(rows), len(points), len(keys))
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, p := range points {
		if err := validate(p); err != nil {
			return err
		}
	}
	for i := range rows {
		seq := idx.nextSeq
		idx.nextSeq++
		idx.rows[seq] = &stored{Seq: seq, Point: points[i], Row: rows[i], Key: keys[i]}
		idx.byKey[keys[i]] = append(idx.byKey[keys[i]], seq)
		idx.tree.Insert(seq, points[i].X, points[i].Y)
	}
	return nil
}

// candidate pairs a stored row with its distance from a query point.
type candidate struct {
	seq  int64
	dist float64
	row  record.Row
}

// Range converts radius_km to a degree bounding box, queries the
// R-tree for intersecting ids, refines each by haversine distance,
// keeps those <= radius_km, and sorts ascending by distance, ties
// broken by insertion order.
func (idx *Index) Range(center Point, radiusKm float64) ([]record.Row, error) {
	if err := validate(center); err != nil {
		return nil, err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	deg := radiusKm / kmPerDegree
	box := bbox{MinX: center.X - deg, MinY: center.Y - deg, MaxX: center.X + deg, MaxY: center.Y + deg}
	ids := idx.tree.Search(box)

	var out []candidate
	for _, id := range ids {
		s := idx.rows[id]
		if s == nil || s.Deleted {
			continue
		}
		d := haversine(center, s.Point)
		if d <= radiusKm {
			out = append(out, candidate{seq: s.Seq, dist: d, row: s.Row})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].seq < out[j].seq
	})
	rows := make([]record.Row, len(out))
	for i, c := range out {
		rows[i] = c.row
	}
	return rows, nil
}

// KNN returns the k nearest live rows to point by haversine distance,
// ties broken by insertion order. It uses a bounded top-k heap over a
// full scan of live rows; a best-first R-tree traversal would be a
// valid optimization, but correctness here is defined by the
// brute-force semantics.
func (idx *Index) KNN(point Point, k int) ([]record.Row, error) {
	if err := validate(point); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	worse := func(x, y candidate) bool {
		if x.dist != y.dist {
			return x.dist > y.dist
		}
		return x.seq > y.seq
	}
	bounded := heapx.NewBounded(k, worse)
	for _, s := range idx.rows {
		if s.Deleted {
			continue
		}
		bounded.Offer(candidate{seq: s.Seq, dist: haversine(point, s.Point), row: s.Row})
	}
	best := bounded.Drain()
	rows := make([]record.Row, len(best))
	for i, c := range best {
		rows[i] = c.row
	}
	return rows, nil
}

// Delete marks the row with record sequence id as deleted and removes
// it from the R-tree and the composite-key map.
func (idx *Index) Delete(id int64) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.deleteLocked(id)
}

func (idx *Index) deleteLocked(id int64) bool {
	s, ok := idx.rows[id]
	if !ok || s.Deleted {
		return false
	}
	s.Deleted = true
	s.Row.Deleted = true
	idx.tree.Delete(id)
	idx.byKey[s.Key] = removeID(idx.byKey[s.Key], id)
	if len(idx.byKey[s.Key]) == 0 {
		delete(idx.byKey, s.Key)
	}
	return true
}

// DeleteByKey removes every live row whose composite key equals key,
// returning the count deleted.
func (idx *Index) DeleteByKey(key string) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ids := append([]int64{}, idx.byKey[key]...)
	n := 0
	for _, id := range ids {
		if idx.deleteLocked(id) {
			n++
		}
	}
	return n
}

func removeID(ids []int64, target int64) []int64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Len reports the number of live rows.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n := 0
	for _, s := range idx.rows {
		if !s.Deleted {
			n++
		}
	}
	return n
}

// snapshot is the persisted shape. The on-disk layout is
// implementation-defined; the only portable invariant is the set of
// live rows derivable from the heap, so this package persists only the
// row store and rebuilds the key map and the R-tree on Load rather than
// serializing tree node structure.
type snapshot struct {
	NextSeq int64
	Rows    map[int64]*stored
}

// Save gob-encodes the row store to path via write-temp-then-rename.
func (idx *Index) Save(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot{NextSeq: idx.nextSeq, Rows: idx.rows}); err != nil {
		return fmt.Errorf("rtree: encoding snapshot: %w", err)
	}
	dir := dirname(path)
	tmp, err := os.CreateTemp(dir, ".tmp-rtree-*")
	if err != nil {
		return fmt.Errorf("rtree: creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(buf.Bytes())
	cerr := tmp.Close()
	if werr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rtree: writing snapshot: %w", werr)
	}
	if cerr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rtree: closing snapshot: %w", cerr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rtree: renaming snapshot: %w", err)
	}
	return nil
}

// Load rebuilds an Index from a snapshot written by Save, replaying
// every live row's insertion into a fresh R-tree.
func Load(path string) (*Index, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rtree: reading snapshot: %w", err)
	}
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("rtree: decoding snapshot: %w", err)
	}
	idx := New()
	idx.nextSeq = snap.NextSeq
	idx.rows = snap.Rows
	for seq, s := range snap.Rows {
		idx.byKey[s.Key] = append(idx.byKey[s.Key], seq)
		if !s.Deleted {
			idx.tree.Insert(seq, s.Point.X, s.Point.Y)
		}
	}
	return idx, nil
}

func dirname(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return "."
}

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
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/reldb-project/reldb/catalog"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)
	e, err := New(Config{TablesDir: dir}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mustExec(t *testing.T, e *Engine, sqlText string) Result {
	t.Helper()
	r := e.Execute(sqlText)
	if r.Status != 200 {
		t.Fatalf("Execute(%q): status %d: %s", sqlText, r.Status, r.Message)
	}
	return r
}

func TestCreateTableExplicitColumnsAndInsert(t *testing.T) {
	e := newEngine(t)
	mustExec(t, e, `CREATE TABLE employees ( id INT, name VARCHAR(32), salary FLOAT )`)
	mustExec(t, e, `INSERT INTO employees VALUES ( 1, 'Ada', 1000.5 )`)
	mustExec(t, e, `INSERT INTO employees VALUES ( 2, 'Grace', 2000 )`)

	r := mustExec(t, e, `SELECT * FROM employees WHERE id = 1`)
	rows, ok := r.Result.([]map[string]interface{})
	if !ok || len(rows) != 1 {
		t.Fatalf("expected one row, got %+v", r.Result)
	}
	if rows[0]["name"] != "Ada" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestInsertWrongValueCount(t *testing.T) {
	e := newEngine(t)
	mustExec(t, e, `CREATE TABLE t ( id INT, v INT )`)
	r := e.Execute(`INSERT INTO t VALUES ( 1 )`)
	if r.Status != 400 {
		t.Fatalf("expected 400, got %d: %s", r.Status, r.Message)
	}
}

func TestDeleteByPrimaryKey(t *testing.T) {
	e := newEngine(t)
	mustExec(t, e, `CREATE TABLE t ( id INT, v INT )`)
	mustExec(t, e, `INSERT INTO t VALUES ( 1, 10 )`)
	mustExec(t, e, `DELETE FROM t WHERE id = 1`)

	r := e.Execute(`DELETE FROM t WHERE id = 1`)
	if r.Status != 404 {
		t.Fatalf("expected 404 on second delete, got %d", r.Status)
	}

	sel := mustExec(t, e, `SELECT * FROM t WHERE id = 1`)
	rows := sel.Result.([]map[string]interface{})
	if len(rows) != 0 {
		t.Fatalf("expected no rows after delete, got %+v", rows)
	}
}

func TestDeleteByNonPrimaryKeyRejected(t *testing.T) {
	e := newEngine(t)
	mustExec(t, e, `CREATE TABLE t ( id INT, v INT )`)
	mustExec(t, e, `INSERT INTO t VALUES ( 1, 10 )`)
	r := e.Execute(`DELETE FROM t WHERE v = 10`)
	if r.Status != 400 {
		t.Fatalf("expected 400 for non-primary-key delete, got %d", r.Status)
	}
}

func writeCSV(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestCreateTableFromFileBplustreeRangeDispatch(t *testing.T) {
	e := newEngine(t)
	dir := t.TempDir()
	path := writeCSV(t, dir, "products.csv", "id,price\np1,10\np2,20\np3,30\n")

	idxDesc := catalog.IndexDescriptor{Type: catalog.BPlusTree, Column: "price"}
	if err := e.CreateTableFromFile("products", path, idxDesc); err != nil {
		t.Fatalf("CreateTableFromFile: %v", err)
	}

	rows, err := e.Select("products", BetweenPredicate{
		Column: "price",
		Lo:     Literal{Num: 15},
		Hi:     Literal{Num: 25},
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row in range, got %d", len(rows))
	}

	found, err := e.Select("products", EqPredicate{Column: "id", Value: Literal{IsString: true, Str: "p2"}})
	if err != nil {
		t.Fatalf("Select by primary key: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected to find p2 via primary key search, got %d rows", len(found))
	}
}

// Two rows sharing a B+ tree-indexed value (duplicate keys are
// permitted): deleting one must leave the other fully reachable
// through the index, not silently untombstone it.
func TestDeleteWithDuplicateBplustreeValueKeepsSiblingLive(t *testing.T) {
	e := newEngine(t)
	dir := t.TempDir()
	path := writeCSV(t, dir, "products.csv", "id,price\np1,10\np2,10\np3,30\n")

	idxDesc := catalog.IndexDescriptor{Type: catalog.BPlusTree, Column: "price"}
	if err := e.CreateTableFromFile("products", path, idxDesc); err != nil {
		t.Fatalf("CreateTableFromFile: %v", err)
	}
	if _, err := e.Delete("products", "id", Literal{IsString: true, Str: "p2"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	rows, err := e.Select("products", EqPredicate{Column: "price", Value: Literal{Num: 10}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected p1 alone to still be reachable via price=10, got %d rows", len(rows))
	}
	if rows[0].Values[0].String() != "p1" {
		t.Fatalf("expected surviving row to be p1, got %+v", rows[0])
	}
}

// Same scenario against an ISAM-indexed column.
func TestDeleteWithDuplicateISAMValueKeepsSiblingLive(t *testing.T) {
	e := newEngine(t)
	dir := t.TempDir()
	path := writeCSV(t, dir, "readings.csv", "id,measurement\nr1,15\nr2,15\nr3,35\n")

	idxDesc := catalog.IndexDescriptor{Type: catalog.ISAM, Column: "measurement"}
	if err := e.CreateTableFromFile("readings", path, idxDesc); err != nil {
		t.Fatalf("CreateTableFromFile: %v", err)
	}
	if _, err := e.Delete("readings", "id", Literal{IsString: true, Str: "r2"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	rows, err := e.Select("readings", EqPredicate{Column: "measurement", Value: Literal{Num: 15}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected r1 alone to still be reachable via measurement=15, got %d rows", len(rows))
	}
	if rows[0].Values[0].String() != "r1" {
		t.Fatalf("expected surviving row to be r1, got %+v", rows[0])
	}
}

// Same scenario against a hash-indexed column, where the pre-fix bug
// ran the other direction: removing one row purged every live row
// sharing its indexed value.
func TestDeleteWithDuplicateHashValueKeepsSiblingLive(t *testing.T) {
	e := newEngine(t)
	dir := t.TempDir()
	path := writeCSV(t, dir, "items.csv", "id,sku\ni1,A100\ni2,A100\ni3,C300\n")

	idxDesc := catalog.IndexDescriptor{Type: catalog.Hash, Column: "sku"}
	if err := e.CreateTableFromFile("items", path, idxDesc); err != nil {
		t.Fatalf("CreateTableFromFile: %v", err)
	}
	if _, err := e.Delete("items", "id", Literal{IsString: true, Str: "i2"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	rows, err := e.Select("items", EqPredicate{Column: "sku", Value: Literal{IsString: true, Str: "A100"}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected i1 alone to still be reachable via sku=A100, got %d rows", len(rows))
	}
	if rows[0].Values[0].String() != "i1" {
		t.Fatalf("expected surviving row to be i1, got %+v", rows[0])
	}
}

func TestCreateTableFromFileHashEquality(t *testing.T) {
	e := newEngine(t)
	dir := t.TempDir()
	path := writeCSV(t, dir, "items.csv", "id,sku\ni1,A100\ni2,B200\ni3,C300\n")

	idxDesc := catalog.IndexDescriptor{Type: catalog.Hash, Column: "sku"}
	if err := e.CreateTableFromFile("items", path, idxDesc); err != nil {
		t.Fatalf("CreateTableFromFile: %v", err)
	}
	rows, err := e.Select("items", EqPredicate{Column: "sku", Value: Literal{IsString: true, Str: "B200"}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

func TestCreateTableFromFileISAMRange(t *testing.T) {
	e := newEngine(t)
	dir := t.TempDir()
	path := writeCSV(t, dir, "readings.csv", "id,measurement\nr1,5\nr2,15\nr3,25\nr4,35\n")

	idxDesc := catalog.IndexDescriptor{Type: catalog.ISAM, Column: "measurement"}
	if err := e.CreateTableFromFile("readings", path, idxDesc); err != nil {
		t.Fatalf("CreateTableFromFile: %v", err)
	}
	rows, err := e.Select("readings", BetweenPredicate{Column: "measurement", Lo: Literal{Num: 10}, Hi: Literal{Num: 30}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}

func TestCreateTableFromFileRtreeWithinAndKNN(t *testing.T) {
	e := newEngine(t)
	dir := t.TempDir()
	path := writeCSV(t, dir, "poi.csv", "id,lon,lat\np1,2.35,48.86\np2,2.29,48.87\np3,13.40,52.52\n")

	idxDesc := catalog.IndexDescriptor{Type: catalog.RTree, XColumn: "lon", YColumn: "lat"}
	if err := e.CreateTableFromFile("poi", path, idxDesc); err != nil {
		t.Fatalf("CreateTableFromFile: %v", err)
	}

	within, err := e.Select("poi", WithinPredicate{X: 2.35, Y: 48.86, RadiusKm: 50})
	if err != nil {
		t.Fatalf("Select WITHIN: %v", err)
	}
	if len(within) != 2 {
		t.Fatalf("expected 2 rows within 50km of Paris, got %d", len(within))
	}

	knn, err := e.Select("poi", KNNPredicate{X: 2.35, Y: 48.86, K: 1})
	if err != nil {
		t.Fatalf("Select KNN: %v", err)
	}
	if len(knn) != 1 {
		t.Fatalf("expected 1 nearest row, got %d", len(knn))
	}
}

func TestSpatialPredicateWithoutRtreeIndexFails(t *testing.T) {
	e := newEngine(t)
	mustExec(t, e, `CREATE TABLE t ( id INT, v INT )`)
	r := e.Execute(`SELECT * FROM t WHERE KNN((1, 1), 3)`)
	if r.Status == 200 {
		t.Fatalf("expected KNN on a non-spatial table to fail")
	}
}

func TestShowTablesAndDescribe(t *testing.T) {
	e := newEngine(t)
	mustExec(t, e, `CREATE TABLE t ( id INT, v INT )`)
	r := mustExec(t, e, `SHOW TABLES`)
	names, ok := r.Result.([]string)
	if !ok || len(names) != 1 || names[0] != "t" {
		t.Fatalf("unexpected SHOW TABLES result: %+v", r.Result)
	}
	desc := mustExec(t, e, `DESCRIBE t`)
	m, ok := desc.Result.(map[string]interface{})
	if !ok || m["table"] != "t" || m["primary_key"] != "id" {
		t.Fatalf("unexpected DESCRIBE result: %+v", desc.Result)
	}
}

func TestEnginePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)
	e1, err := New(Config{TablesDir: dir}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustExec(t, e1, `CREATE TABLE t ( id INT, v INT )`)
	mustExec(t, e1, `INSERT INTO t VALUES ( 1, 100 )`)

	e2, err := New(Config{TablesDir: dir}, logger)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	r := mustExec(t, e2, `SELECT * FROM t WHERE id = 1`)
	rows := r.Result.([]map[string]interface{})
	if len(rows) != 1 {
		t.Fatalf("expected row to survive reopen, got %+v", rows)
	}
}

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

package sql

import (
	"testing"

	"github.com/reldb-project/reldb/catalog"
)

func TestParseCreateTableExplicitColumns(t *testing.T) {
	stmt, err := Parse(`CREATE TABLE employees ( id INT, name VARCHAR(32), salary FLOAT )`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ct, ok := stmt.(*CreateTableStmt)
	if !ok {
		t.Fatalf("expected *CreateTableStmt, got %T", stmt)
	}
	if ct.Table != "employees" {
		t.Fatalf("expected table employees, got %s", ct.Table)
	}
	want := []ColumnDef{
		{Name: "id", Type: "INT"},
		{Name: "name", Type: "VARCHAR", Width: 32},
		{Name: "salary", Type: "FLOAT"},
	}
	if len(ct.Columns) != len(want) {
		t.Fatalf("expected %d columns, got %d", len(want), len(ct.Columns))
	}
	for i, c := range want {
		if ct.Columns[i] != c {
			t.Fatalf("column %d: expected %+v, got %+v", i, c, ct.Columns[i])
		}
	}
}

func TestParseCreateTableFromFileBplustree(t *testing.T) {
	stmt, err := Parse(`CREATE TABLE cities FROM FILE "cities.csv" USING INDEX bplustree(population)`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ct, ok := stmt.(*CreateTableFromFileStmt)
	if !ok {
		t.Fatalf("expected *CreateTableFromFileStmt, got %T", stmt)
	}
	if ct.Table != "cities" || ct.Path != "cities.csv" {
		t.Fatalf("unexpected table/path: %+v", ct)
	}
	want := catalog.IndexDescriptor{Type: catalog.BPlusTree, Column: "population"}
	if ct.Index != want {
		t.Fatalf("expected %+v, got %+v", want, ct.Index)
	}
}

func TestParseCreateTableFromFileRtree(t *testing.T) {
	stmt, err := Parse(`CREATE TABLE poi FROM FILE "poi.csv" USING INDEX rtree(lon, lat)`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ct := stmt.(*CreateTableFromFileStmt)
	want := catalog.IndexDescriptor{Type: catalog.RTree, XColumn: "lon", YColumn: "lat"}
	if ct.Index != want {
		t.Fatalf("expected %+v, got %+v", want, ct.Index)
	}
}

func TestParseSelectStar(t *testing.T) {
	stmt, err := Parse(`SELECT * FROM employees`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel := stmt.(*SelectStmt)
	if sel.Table != "employees" || sel.Predicate != nil {
		t.Fatalf("unexpected select: %+v", sel)
	}
}

func TestParseSelectEquality(t *testing.T) {
	stmt, err := Parse(`SELECT * FROM employees WHERE id = 42`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel := stmt.(*SelectStmt)
	pred, ok := sel.Predicate.(EqPredicate)
	if !ok {
		t.Fatalf("expected EqPredicate, got %T", sel.Predicate)
	}
	if pred.Column != "id" || pred.Value.Num != 42 {
		t.Fatalf("unexpected predicate: %+v", pred)
	}
}

func TestParseSelectBetween(t *testing.T) {
	stmt, err := Parse(`SELECT * FROM employees WHERE salary BETWEEN 1000 AND 2000.5`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel := stmt.(*SelectStmt)
	pred, ok := sel.Predicate.(BetweenPredicate)
	if !ok {
		t.Fatalf("expected BetweenPredicate, got %T", sel.Predicate)
	}
	if pred.Column != "salary" || pred.Lo.Num != 1000 || pred.Hi.Num != 2000.5 || !pred.Hi.IsFloat {
		t.Fatalf("unexpected predicate: %+v", pred)
	}
}

func TestParseSelectKNN(t *testing.T) {
	stmt, err := Parse(`SELECT * FROM poi WHERE KNN((2.35, 48.86), 5)`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel := stmt.(*SelectStmt)
	pred, ok := sel.Predicate.(KNNPredicate)
	if !ok {
		t.Fatalf("expected KNNPredicate, got %T", sel.Predicate)
	}
	if pred.X != 2.35 || pred.Y != 48.86 || pred.K != 5 {
		t.Fatalf("unexpected predicate: %+v", pred)
	}
}

func TestParseSelectWithin(t *testing.T) {
	stmt, err := Parse(`SELECT * FROM poi WHERE WITHIN((2.35, 48.86), 500)`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel := stmt.(*SelectStmt)
	pred, ok := sel.Predicate.(WithinPredicate)
	if !ok {
		t.Fatalf("expected WithinPredicate, got %T", sel.Predicate)
	}
	if pred.X != 2.35 || pred.Y != 48.86 || pred.RadiusKm != 500 {
		t.Fatalf("unexpected predicate: %+v", pred)
	}
}

func TestParseInsert(t *testing.T) {
	stmt, err := Parse(`INSERT INTO employees VALUES ( 1, 'Ada', -12.5 )`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ins := stmt.(*InsertStmt)
	if ins.Table != "employees" {
		t.Fatalf("unexpected table: %s", ins.Table)
	}
	if len(ins.Values) != 3 {
		t.Fatalf("expected 3 values, got %d", len(ins.Values))
	}
	if ins.Values[0].Num != 1 {
		t.Fatalf("unexpected value 0: %+v", ins.Values[0])
	}
	if !ins.Values[1].IsString || ins.Values[1].Str != "Ada" {
		t.Fatalf("unexpected value 1: %+v", ins.Values[1])
	}
	if ins.Values[2].Num != -12.5 || !ins.Values[2].IsFloat {
		t.Fatalf("unexpected value 2: %+v", ins.Values[2])
	}
}

func TestParseInsertDoubleQuotedString(t *testing.T) {
	stmt, err := Parse(`INSERT INTO employees VALUES ( 2, "Grace" )`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ins := stmt.(*InsertStmt)
	if !ins.Values[1].IsString || ins.Values[1].Str != "Grace" {
		t.Fatalf("unexpected value 1: %+v", ins.Values[1])
	}
}

func TestParseDelete(t *testing.T) {
	stmt, err := Parse(`DELETE FROM employees WHERE id = 1`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	del := stmt.(*DeleteStmt)
	if del.Table != "employees" || del.Predicate.Column != "id" || del.Predicate.Value.Num != 1 {
		t.Fatalf("unexpected delete: %+v", del)
	}
}

func TestParseShowTables(t *testing.T) {
	stmt, err := Parse(`SHOW TABLES`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := stmt.(*ShowTablesStmt); !ok {
		t.Fatalf("expected *ShowTablesStmt, got %T", stmt)
	}
}

func TestParseDescribe(t *testing.T) {
	stmt, err := Parse(`DESCRIBE employees`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	desc, ok := stmt.(*DescribeStmt)
	if !ok || desc.Table != "employees" {
		t.Fatalf("unexpected describe: %+v", stmt)
	}
}

func TestParseTrailingSemicolonAllowed(t *testing.T) {
	if _, err := Parse(`SHOW TABLES;`); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestParseRejectsTrailingGarbage(t *testing.T) {
	if _, err := Parse(`SHOW TABLES garbage`); err == nil {
		t.Fatal("expected an error for trailing garbage")
	}
}

func TestParseRejectsUnknownStatement(t *testing.T) {
	if _, err := Parse(`DROP TABLE employees`); err == nil {
		t.Fatal("expected an error for an unsupported statement")
	}
}

func TestParseRejectsUnterminatedString(t *testing.T) {
	if _, err := Parse(`INSERT INTO t VALUES ( 'oops )`); err == nil {
		t.Fatal("expected an error for an unterminated string literal")
	}
}

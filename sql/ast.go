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

import "github.com/reldb-project/reldb/catalog"

// Statement is any parsed statement this grammar accepts.
type Statement interface {
	stmt()
}

// ColumnDef names one column of a CREATE TABLE column list.
type ColumnDef struct {
	Name  string
	Type  string // INT | FLOAT | DATE | VARCHAR
	Width int    // VARCHAR[n]; 0 otherwise
}

// CreateTableStmt is "CREATE TABLE <name> ( <col> <type> {, <col> <type>}* )".
type CreateTableStmt struct {
	Table   string
	Columns []ColumnDef
}

func (*CreateTableStmt) stmt() {}

// CreateTableFromFileStmt is "CREATE TABLE <name> FROM FILE "<path>"
// USING INDEX <idx>".
type CreateTableFromFileStmt struct {
	Table string
	Path  string
	Index catalog.IndexDescriptor
}

func (*CreateTableFromFileStmt) stmt() {}

// Predicate is the WHERE clause of a SELECT statement; nil means no
// filter ("SELECT * FROM <name>").
type Predicate interface {
	predicate()
}

// EqPredicate is "<col> = <value>".
type EqPredicate struct {
	Column string
	Value  Literal
}

func (EqPredicate) predicate() {}

// BetweenPredicate is "<col> BETWEEN <v1> AND <v2>".
type BetweenPredicate struct {
	Column string
	Lo, Hi Literal
}

func (BetweenPredicate) predicate() {}

// KNNPredicate is "KNN((x,y), k)".
type KNNPredicate struct {
	X, Y float64
	K    int
}

func (KNNPredicate) predicate() {}

// WithinPredicate is "WITHIN((x,y), radius_km)".
type WithinPredicate struct {
	X, Y, RadiusKm float64
}

func (WithinPredicate) predicate() {}

// SelectStmt is "SELECT * FROM <name> [WHERE <predicate>]".
type SelectStmt struct {
	Table     string
	Predicate Predicate
}

func (*SelectStmt) stmt() {}

// Literal is a parsed value literal, kept untyped (int vs. float vs.
// string) until the engine resolves it against the target column's
// declared type.
type Literal struct {
	IsString bool
	IsFloat  bool
	Str      string
	Num      float64
}

// InsertStmt is "INSERT INTO <name> VALUES ( <v> {, <v>}* )".
type InsertStmt struct {
	Table  string
	Values []Literal
}

func (*InsertStmt) stmt() {}

// DeleteStmt is "DELETE FROM <name> WHERE <col> = <value>".
type DeleteStmt struct {
	Table     string
	Predicate EqPredicate
}

func (*DeleteStmt) stmt() {}

// ShowTablesStmt is "SHOW TABLES".
type ShowTablesStmt struct{}

func (*ShowTablesStmt) stmt() {}

// DescribeStmt is "DESCRIBE <table>", reporting a table's column
// schema and bound index.
type DescribeStmt struct {
	Table string
}

func (*DescribeStmt) stmt() {}

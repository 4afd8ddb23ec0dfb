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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/reldb-project/reldb/catalog"
	"github.com/reldb-project/reldb/record"
	"github.com/reldb-project/reldb/sql"
	"github.com/reldb-project/reldb/storage/sequential"
)

// Result is the envelope every operation returns: a single operation
// takes a SQL string and returns
// {result | message, status, execution_time_seconds}.
type Result struct {
	Result               interface{} `json:"result,omitempty"`
	Message              string      `json:"message,omitempty"`
	Status               int         `json:"status"`
	ExecutionTimeSeconds float64     `json:"execution_time_seconds"`
}

func ok(result interface{}, start time.Time) Result {
	return Result{Result: result, Status: 200, ExecutionTimeSeconds: time.Since(start).Seconds()}
}

func fail(status int, start time.Time, err error) Result {
	return Result{Message: err.Error(), Status: status, ExecutionTimeSeconds: time.Since(start).Seconds()}
}

// errNotFound is returned by Delete's caller translation when the
// targeted primary key does not exist.
var errNotFound = errors.New("engine: row not found")

// statusFor classifies an error into an HTTP-shaped status: 404 for a
// row genuinely absent, 400 for request-shaped failures (unknown
// table/column, duplicate key), 500 for everything else (storage/IO).
func statusFor(err error) int {
	switch {
	case errors.Is(err, errNotFound):
		return 404
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, catalog.ErrAlreadyExists), errors.Is(err, record.ErrUnknownType),
		errors.Is(err, sequential.ErrDuplicateKey):
		return 400
	case errors.Is(err, os.ErrNotExist):
		return 400
	default:
		return 500
	}
}

// Execute parses sqlText and runs it to completion, translating the
// sql package's AST into engine calls and measuring wall-clock time.
// Every statement runs as a single synchronous call.
func (e *Engine) Execute(sqlText string) Result {
	start := time.Now()
	stmt, err := sql.Parse(sqlText)
	if err != nil {
		return fail(400, start, err)
	}
	switch s := stmt.(type) {
	case *sql.CreateTableStmt:
		return e.execCreateTable(s, start)
	case *sql.CreateTableFromFileStmt:
		return e.execCreateTableFromFile(s, start)
	case *sql.SelectStmt:
		return e.execSelect(s, start)
	case *sql.InsertStmt:
		return e.execInsert(s, start)
	case *sql.DeleteStmt:
		return e.execDelete(s, start)
	case *sql.ShowTablesStmt:
		return ok(e.cat.List(), start)
	case *sql.DescribeStmt:
		return e.execDescribe(s, start)
	default:
		return fail(400, start, errors.New("engine: unsupported statement"))
	}
}

func literalFrom(v sql.Literal) Literal {
	return Literal{IsString: v.IsString, IsFloat: v.IsFloat, Str: v.Str, Num: v.Num}
}

func (e *Engine) execCreateTable(s *sql.CreateTableStmt, start time.Time) Result {
	cols := make([]columnDef, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = columnDef{Name: c.Name, Type: c.Type, Width: c.Width}
	}
	if err := e.CreateTable(s.Table, cols); err != nil {
		return fail(statusFor(err), start, err)
	}
	return ok(map[string]string{"table": s.Table}, start)
}

func (e *Engine) execCreateTableFromFile(s *sql.CreateTableFromFileStmt, start time.Time) Result {
	if err := e.CreateTableFromFile(s.Table, s.Path, s.Index); err != nil {
		return fail(statusFor(err), start, err)
	}
	return ok(map[string]string{"table": s.Table}, start)
}

func (e *Engine) execInsert(s *sql.InsertStmt, start time.Time) Result {
	values := make([]Literal, len(s.Values))
	for i, v := range s.Values {
		values[i] = literalFrom(v)
	}
	if err := e.Insert(s.Table, values); err != nil {
		return fail(statusFor(err), start, err)
	}
	return ok(map[string]string{"inserted": s.Table}, start)
}

func (e *Engine) execDelete(s *sql.DeleteStmt, start time.Time) Result {
	deleted, err := e.Delete(s.Table, s.Predicate.Column, literalFrom(s.Predicate.Value))
	if err != nil {
		return fail(statusFor(err), start, err)
	}
	if !deleted {
		return fail(404, start, errNotFound)
	}
	return ok(map[string]bool{"deleted": true}, start)
}

func (e *Engine) execSelect(s *sql.SelectStmt, start time.Time) Result {
	pred, err := translatePredicate(s.Predicate)
	if err != nil {
		return fail(400, start, err)
	}
	rows, err := e.Select(s.Table, pred)
	if err != nil {
		return fail(statusFor(err), start, err)
	}
	h, err := e.handle(s.Table)
	if err != nil {
		return fail(statusFor(err), start, err)
	}
	return ok(rowsToMaps(h.entry.Schema, rows), start)
}

func (e *Engine) execDescribe(s *sql.DescribeStmt, start time.Time) Result {
	entry, err := e.cat.Get(s.Table)
	if err != nil {
		return fail(statusFor(err), start, err)
	}
	cols := make([]map[string]interface{}, len(entry.Schema.Columns))
	for i, c := range entry.Schema.Columns {
		cols[i] = map[string]interface{}{"name": c.Name, "type": c.Type.String(), "width": c.Width}
	}
	return ok(map[string]interface{}{
		"table":       entry.Table,
		"primary_key": entry.PrimaryKey,
		"index":       entry.Index,
		"columns":     cols,
	}, start)
}

func translatePredicate(p sql.Predicate) (Predicate, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case sql.EqPredicate:
		return EqPredicate{Column: v.Column, Value: literalFrom(v.Value)}, nil
	case sql.BetweenPredicate:
		return BetweenPredicate{Column: v.Column, Lo: literalFrom(v.Lo), Hi: literalFrom(v.Hi)}, nil
	case sql.KNNPredicate:
		return KNNPredicate{X: v.X, Y: v.Y, K: v.K}, nil
	case sql.WithinPredicate:
		return WithinPredicate{X: v.X, Y: v.Y, RadiusKm: v.RadiusKm}, nil
	default:
		return nil, fmt.Errorf("engine: unsupported predicate %T", p)
	}
}

// rowsToMaps projects each row to a name->value map for JSON encoding,
// skipping deleted rows: a tombstoned row is filtered from every
// query result.
func rowsToMaps(schema *record.Schema, rows []record.Row) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		if row.Deleted {
			continue
		}
		m := make(map[string]interface{}, len(schema.Columns))
		for i, c := range schema.Columns {
			v := row.Values[i]
			switch v.Type() {
			case record.INT32:
				m[c.Name] = v.Int32()
			case record.FLOAT32:
				m[c.Name] = v.Float32()
			default:
				m[c.Name] = v.String()
			}
		}
		out = append(out, m)
	}
	return out
}

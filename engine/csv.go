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
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/reldb-project/reldb/record"
)

// csvChopper reads a CSV file and yields header + data rows:
// FieldsPerRecord relaxed and quoting tolerant, a header row always
// skipped.
type csvChopper struct {
	r *csv.Reader
}

func openCSV(path string) (*os.File, *csvChopper, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: opening csv %s: %w", path, err)
	}
	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return f, &csvChopper{r: cr}, nil
}

// dateLikeColumn reports whether a column name suggests a textual
// date, per the original's name-based hint (parser_sql.py: "date" or
// "fecha" in the column name).
func dateLikeColumn(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "date") || strings.Contains(n, "fecha")
}

// varcharBucket rounds up n to one of a small set of declared widths,
// generalizing the original's stepped VARCHAR[30]/[50]/[100]/[200]
// buckets (parser_sql.py) to an arbitrary observed maximum length.
func varcharBucket(n int) int {
	for _, b := range []int{16, 32, 64, 128, 256, 512, 1024} {
		if n <= b {
			return b
		}
	}
	return n
}

// inferSchema samples every data row of a CSV file and derives a
// column schema: a column is INT32 if every sampled value parses as
// an int32, else FLOAT32 if every value parses as a float32, else
// DATE10 if its name looks date-like, else VARCHAR wide enough for the
// largest observed value, rounded up by varcharBucket (SPEC_FULL.md
// "engine" domain module:
// generalizes parser_sql.py's per-column type heuristic from
// name-matching to sampled-value inspection).
func inferSchema(path string) ([]record.Column, [][]string, error) {
	f, chop, err := openCSV(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	header, err := chop.r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("engine: reading csv header: %w", err)
	}
	var rows [][]string
	for {
		rec, err := chop.r.Read()
		if err != nil {
			break
		}
		row := make([]string, len(rec))
		copy(row, rec)
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("engine: csv %s has no data rows", path)
	}

	cols := make([]record.Column, len(header))
	for i, name := range header {
		cols[i] = inferColumn(name, i, rows)
	}
	return cols, rows, nil
}

func inferColumn(name string, col int, rows [][]string) record.Column {
	allInt, allFloat := true, true
	maxLen := 0
	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[col])
		if v == "" {
			continue
		}
		if len(v) > maxLen {
			maxLen = len(v)
		}
		if _, err := strconv.ParseInt(v, 10, 32); err != nil {
			allInt = false
		}
		if _, err := strconv.ParseFloat(v, 32); err != nil {
			allFloat = false
		}
	}
	switch {
	case allInt:
		return record.Column{Name: name, Type: record.INT32}
	case allFloat:
		return record.Column{Name: name, Type: record.FLOAT32}
	case dateLikeColumn(name):
		return record.Column{Name: name, Type: record.DATE10}
	default:
		if maxLen == 0 {
			maxLen = 1
		}
		return record.Column{Name: name, Type: record.VARCHAR, Width: varcharBucket(maxLen)}
	}
}

// rowFromCSV converts one CSV data row into a record.Row per schema,
// applying the same "missing field defaults to zero value" leniency
// as the original's `fila.get(..., "")` pattern.
func rowFromCSV(schema *record.Schema, row []string) record.Row {
	values := make([]record.Value, len(schema.Columns))
	for i, c := range schema.Columns {
		s := ""
		if i < len(row) {
			s = strings.TrimSpace(row[i])
		}
		switch c.Type {
		case record.INT32:
			n, _ := strconv.ParseInt(s, 10, 32)
			values[i] = record.Int32Value(int32(n))
		case record.FLOAT32:
			n, _ := strconv.ParseFloat(s, 32)
			values[i] = record.Float32Value(float32(n))
		case record.DATE10:
			values[i] = record.DateValue(s)
		default:
			values[i] = record.VarcharValue(s)
		}
	}
	return record.Row{Values: values}
}

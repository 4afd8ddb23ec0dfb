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

package record

import (
	"strings"
	"testing"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema([]Column{
		{Name: "id", Type: VARCHAR, Width: 8},
		{Name: "price", Type: FLOAT32},
		{Name: "qty", Type: INT32},
		{Name: "created", Type: DATE10},
	})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return s
}

func TestRecordSize(t *testing.T) {
	s := testSchema(t)
	want := 8 + 4 + 4 + 10 + 1
	if s.RecordSize != want {
		t.Fatalf("RecordSize = %d, want %d", s.RecordSize, want)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := testSchema(t)
	row := Row{Values: []Value{
		VarcharValue("p1"),
		Float32Value(19.99),
		Int32Value(42),
		DateValue("2024-01-02"),
	}}
	buf, err := Encode(s, row)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) != s.RecordSize {
		t.Fatalf("encoded length = %d, want %d", len(buf), s.RecordSize)
	}
	got, err := Decode(s, buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Deleted {
		t.Fatal("tombstone should initialize to false")
	}
	for i := range row.Values {
		if !got.Values[i].Equal(row.Values[i]) {
			t.Fatalf("field %d: got %v, want %v", i, got.Values[i], row.Values[i])
		}
	}
}

func TestVarcharTruncationIsByteLevel(t *testing.T) {
	s := testSchema(t)
	long := strings.Repeat("x", 100)
	row := Row{Values: []Value{
		VarcharValue(long),
		Float32Value(1),
		Int32Value(1),
		DateValue("2024-01-02"),
	}}
	buf, err := Encode(s, row)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(s, buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Values[0].String() != long[:8] {
		t.Fatalf("truncated varchar = %q, want %q", got.Values[0].String(), long[:8])
	}
}

func TestDecodeWrongLengthIsInvalidRecord(t *testing.T) {
	s := testSchema(t)
	_, err := Decode(s, make([]byte, s.RecordSize-1))
	if err == nil {
		t.Fatal("expected error for wrong-length buffer")
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	_, err := NewSchema([]Column{{Name: "x", Type: Type(99)}})
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestTombstoneRoundTrip(t *testing.T) {
	s := testSchema(t)
	row := Row{
		Values: []Value{
			VarcharValue("p1"), Float32Value(1), Int32Value(1), DateValue("2024-01-02"),
		},
		Deleted: true,
	}
	buf, _ := Encode(s, row)
	got, err := Decode(s, buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Deleted {
		t.Fatal("expected tombstone to round-trip as true")
	}
}

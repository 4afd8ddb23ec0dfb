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
	"fmt"
	"strconv"
	"strings"

	"github.com/reldb-project/reldb/catalog"
)

// parser is a recursive-descent parser over a one-token lookahead
// buffer. No goyacc: the grammar is small and fixed, so a hand-written
// descent reads more directly.
type parser struct {
	sc  *scanner
	cur token
}

// Parse parses a single SQL statement (a trailing ';' is optional).
func Parse(input string) (Statement, error) {
	p := &parser{sc: newScanner(input)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	p.skipSemicolon()
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("sql: unexpected trailing input near %q", p.cur.text)
	}
	return stmt, nil
}

func (p *parser) advance() error {
	tok, err := p.sc.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) skipSemicolon() {
	if p.cur.kind == tokPunct && p.cur.text == ";" {
		p.advance()
	}
}

// keyword matches cur against kw case-insensitively and, on a match,
// advances past it.
func (p *parser) keyword(kw string) bool {
	if p.cur.kind == tokIdent && strings.EqualFold(p.cur.text, kw) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.keyword(kw) {
		return fmt.Errorf("sql: expected %q, got %q", kw, p.cur.text)
	}
	return nil
}

func (p *parser) expectPunct(s string) error {
	if p.cur.kind != tokPunct || p.cur.text != s {
		return fmt.Errorf("sql: expected %q, got %q", s, p.cur.text)
	}
	return p.advance()
}

func (p *parser) expectIdent() (string, error) {
	if p.cur.kind != tokIdent {
		return "", fmt.Errorf("sql: expected identifier, got %q", p.cur.text)
	}
	s := p.cur.text
	return s, p.advance()
}

func (p *parser) parseStatement() (Statement, error) {
	switch {
	case p.keyword("CREATE"):
		return p.parseCreate()
	case p.keyword("SELECT"):
		return p.parseSelect()
	case p.keyword("INSERT"):
		return p.parseInsert()
	case p.keyword("DELETE"):
		return p.parseDelete()
	case p.keyword("SHOW"):
		if err := p.expectKeyword("TABLES"); err != nil {
			return nil, err
		}
		return &ShowTablesStmt{}, nil
	case p.keyword("DESCRIBE"):
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return &DescribeStmt{Table: name}, nil
	default:
		return nil, fmt.Errorf("sql: unrecognized statement near %q", p.cur.text)
	}
}

func (p *parser) parseCreate() (Statement, error) {
	if err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if p.keyword("FROM") {
		return p.parseCreateFromFile(table)
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var cols []ColumnDef
	for {
		col, err := p.parseColumnDef()
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
		if p.cur.kind == tokPunct && p.cur.text == "," {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return &CreateTableStmt{Table: table, Columns: cols}, nil
}

func (p *parser) parseColumnDef() (ColumnDef, error) {
	name, err := p.expectIdent()
	if err != nil {
		return ColumnDef{}, err
	}
	typ, err := p.expectIdent()
	if err != nil {
		return ColumnDef{}, err
	}
	typ = strings.ToUpper(typ)
	col := ColumnDef{Name: name, Type: typ}
	if typ == "VARCHAR" {
		if err := p.expectPunct("("); err != nil {
			return ColumnDef{}, err
		}
		if p.cur.kind != tokNumber {
			return ColumnDef{}, fmt.Errorf("sql: expected VARCHAR width, got %q", p.cur.text)
		}
		n, err := strconv.Atoi(p.cur.text)
		if err != nil {
			return ColumnDef{}, fmt.Errorf("sql: invalid VARCHAR width %q: %w", p.cur.text, err)
		}
		col.Width = n
		p.advance()
		if err := p.expectPunct(")"); err != nil {
			return ColumnDef{}, err
		}
	}
	return col, nil
}

func (p *parser) parseCreateFromFile(table string) (Statement, error) {
	if err := p.expectKeyword("FILE"); err != nil {
		return nil, err
	}
	if p.cur.kind != tokString {
		return nil, fmt.Errorf("sql: expected quoted file path, got %q", p.cur.text)
	}
	path := p.cur.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("USING"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("INDEX"); err != nil {
		return nil, err
	}
	idx, err := p.parseIndexSpec()
	if err != nil {
		return nil, err
	}
	return &CreateTableFromFileStmt{Table: table, Path: path, Index: idx}, nil
}

func (p *parser) parseIndexSpec() (catalog.IndexDescriptor, error) {
	name, err := p.expectIdent()
	if err != nil {
		return catalog.IndexDescriptor{}, err
	}
	name = strings.ToLower(name)
	if err := p.expectPunct("("); err != nil {
		return catalog.IndexDescriptor{}, err
	}
	switch name {
	case "bplustree", "isam", "hash":
		col, err := p.expectIdent()
		if err != nil {
			return catalog.IndexDescriptor{}, err
		}
		if err := p.expectPunct(")"); err != nil {
			return catalog.IndexDescriptor{}, err
		}
		var t catalog.IndexType
		switch name {
		case "bplustree":
			t = catalog.BPlusTree
		case "isam":
			t = catalog.ISAM
		case "hash":
			t = catalog.Hash
		}
		return catalog.IndexDescriptor{Type: t, Column: col}, nil
	case "rtree":
		x, err := p.expectIdent()
		if err != nil {
			return catalog.IndexDescriptor{}, err
		}
		if err := p.expectPunct(","); err != nil {
			return catalog.IndexDescriptor{}, err
		}
		y, err := p.expectIdent()
		if err != nil {
			return catalog.IndexDescriptor{}, err
		}
		if err := p.expectPunct(")"); err != nil {
			return catalog.IndexDescriptor{}, err
		}
		return catalog.IndexDescriptor{Type: catalog.RTree, XColumn: x, YColumn: y}, nil
	default:
		return catalog.IndexDescriptor{}, fmt.Errorf("sql: unknown index type %q", name)
	}
}

func (p *parser) parseSelect() (Statement, error) {
	if err := p.expectPunct("*"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt := &SelectStmt{Table: table}
	if p.keyword("WHERE") {
		pred, err := p.parsePredicate()
		if err != nil {
			return nil, err
		}
		stmt.Predicate = pred
	}
	return stmt, nil
}

func (p *parser) parsePredicate() (Predicate, error) {
	switch {
	case p.keyword("KNN"):
		x, y, err := p.parseXYArg()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(","); err != nil {
			return nil, err
		}
		if p.cur.kind != tokNumber {
			return nil, fmt.Errorf("sql: expected k, got %q", p.cur.text)
		}
		k, err := strconv.Atoi(p.cur.text)
		if err != nil {
			return nil, fmt.Errorf("sql: invalid k %q: %w", p.cur.text, err)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return KNNPredicate{X: x, Y: y, K: k}, nil
	case p.keyword("WITHIN"):
		x, y, err := p.parseXYArg()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(","); err != nil {
			return nil, err
		}
		if p.cur.kind != tokNumber {
			return nil, fmt.Errorf("sql: expected radius_km, got %q", p.cur.text)
		}
		r, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return nil, fmt.Errorf("sql: invalid radius_km %q: %w", p.cur.text, err)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return WithinPredicate{X: x, Y: y, RadiusKm: r}, nil
	default:
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if p.keyword("BETWEEN") {
			lo, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			if err := p.expectKeyword("AND"); err != nil {
				return nil, err
			}
			hi, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			return BetweenPredicate{Column: col, Lo: lo, Hi: hi}, nil
		}
		if err := p.expectPunct("="); err != nil {
			return nil, err
		}
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return EqPredicate{Column: col, Value: v}, nil
	}
}

// parseXYArg parses "((x, y)" - the opening paren of KNN/WITHIN's
// argument list followed by the point's own parenthesized pair.
func (p *parser) parseXYArg() (float64, float64, error) {
	if err := p.expectPunct("("); err != nil {
		return 0, 0, err
	}
	if err := p.expectPunct("("); err != nil {
		return 0, 0, err
	}
	if p.cur.kind != tokNumber {
		return 0, 0, fmt.Errorf("sql: expected x coordinate, got %q", p.cur.text)
	}
	x, err := strconv.ParseFloat(p.cur.text, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("sql: invalid x coordinate %q: %w", p.cur.text, err)
	}
	if err := p.advance(); err != nil {
		return 0, 0, err
	}
	if err := p.expectPunct(","); err != nil {
		return 0, 0, err
	}
	if p.cur.kind != tokNumber {
		return 0, 0, fmt.Errorf("sql: expected y coordinate, got %q", p.cur.text)
	}
	y, err := strconv.ParseFloat(p.cur.text, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("sql: invalid y coordinate %q: %w", p.cur.text, err)
	}
	if err := p.advance(); err != nil {
		return 0, 0, err
	}
	if err := p.expectPunct(")"); err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func (p *parser) parseLiteral() (Literal, error) {
	switch p.cur.kind {
	case tokString:
		s := p.cur.text
		return Literal{IsString: true, Str: s}, p.advance()
	case tokNumber:
		text := p.cur.text
		isFloat := strings.ContainsRune(text, '.')
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Literal{}, fmt.Errorf("sql: invalid number %q: %w", text, err)
		}
		return Literal{IsFloat: isFloat, Num: n}, p.advance()
	default:
		return Literal{}, fmt.Errorf("sql: expected a value literal, got %q", p.cur.text)
	}
}

func (p *parser) parseInsert() (Statement, error) {
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var values []Literal
	for {
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		if p.cur.kind == tokPunct && p.cur.text == "," {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return &InsertStmt{Table: table, Values: values}, nil
}

func (p *parser) parseDelete() (Statement, error) {
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("WHERE"); err != nil {
		return nil, err
	}
	col, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("="); err != nil {
		return nil, err
	}
	v, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &DeleteStmt{Table: table, Predicate: EqPredicate{Column: col, Value: v}}, nil
}

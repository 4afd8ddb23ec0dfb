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

package main

import (
	"io"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/reldb-project/reldb/engine"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	eng, err := engine.New(engine.Config{TablesDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

// captureStdout redirects os.Stdout for the duration of fn and returns
// whatever was written, since printResult writes there directly.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	w.Close()
	buf, _ := io.ReadAll(r)
	return string(buf)
}

func TestRunScriptSuccess(t *testing.T) {
	eng := newTestEngine(t)
	script := strings.NewReader(
		"-- comment, ignored\n" +
			"CREATE TABLE t ( id INT, v INT )\n" +
			"\n" +
			"INSERT INTO t VALUES ( 1, 100 )\n" +
			"SELECT * FROM t WHERE id = 1\n",
	)
	out := captureStdout(t, func() { runScript(eng, script) })
	if !strings.Contains(out, "(1 rows)") {
		t.Fatalf("expected one row rendered, got %q", out)
	}
}

func TestReplSkipsBlankLines(t *testing.T) {
	eng := newTestEngine(t)
	dashQuiet = true
	defer func() { dashQuiet = false }()

	stdin := strings.NewReader("\nSHOW TABLES\n")
	origStdin := os.Stdin
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdin = r
	defer func() { os.Stdin = origStdin }()
	go func() {
		io.Copy(w, stdin)
		w.Close()
	}()

	out := captureStdout(t, func() { repl(eng) })
	if out != "" {
		t.Fatalf("expected no table names for an empty catalog, got %q", out)
	}
}

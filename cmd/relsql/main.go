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

// Command relsql is the interactive CLI / one-shot query runner over a
// local table directory: a single "run a SQL string" operation, with
// no subcommands, since the SQL grammar itself carries table creation,
// index binding, and queries alike.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/reldb-project/reldb/engine"
)

var (
	dashDir   string
	dashQuiet bool
)

func init() {
	flag.StringVar(&dashDir, "d", "tables", "directory holding table data files")
	flag.BoolVar(&dashQuiet, "q", false, "suppress the interactive prompt and banner")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func main() {
	flag.Parse()
	args := flag.Args()

	logger := log.New(os.Stderr, "relsql: ", log.LstdFlags)
	eng, err := engine.New(engine.Config{TablesDir: dashDir}, logger)
	if err != nil {
		exitf("opening table directory %s: %s\n", dashDir, err)
	}

	switch {
	case len(args) == 1 && args[0] == "-":
		runScript(eng, os.Stdin)
	case len(args) == 1:
		f, err := os.Open(args[0])
		if err != nil {
			exitf("opening script %s: %s\n", args[0], err)
		}
		defer f.Close()
		runScript(eng, f)
	case len(args) > 1:
		runOne(eng, strings.Join(args, " "))
	default:
		repl(eng)
	}
}

// runOne executes a single statement passed on the command line and
// prints its result, exiting non-zero on failure (for use in scripts).
func runOne(eng *engine.Engine, stmt string) {
	r := eng.Execute(stmt)
	printResult(r)
	if r.Status >= 400 {
		os.Exit(1)
	}
}

// runScript executes one statement per non-blank, non-comment line,
// stopping at the first failure.
func runScript(eng *engine.Engine, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		result := eng.Execute(line)
		printResult(result)
		if result.Status >= 400 {
			os.Exit(1)
		}
	}
	if err := scanner.Err(); err != nil {
		exitf("reading script: %s\n", err)
	}
}

// repl is an interactive read-eval-print loop over stdin, one
// statement per line, printing each Result until EOF.
func repl(eng *engine.Engine) {
	if !dashQuiet {
		fmt.Fprintln(os.Stderr, "relsql: interactive mode, one statement per line, Ctrl-D to exit")
	}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		if !dashQuiet {
			fmt.Fprint(os.Stderr, "relsql> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		printResult(eng.Execute(line))
	}
}

func printResult(r engine.Result) {
	if r.Status >= 400 {
		fmt.Fprintf(os.Stderr, "error (%d): %s\n", r.Status, r.Message)
		return
	}
	renderResult(os.Stdout, r)
}

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

// Command relstored is the HTTP wrapper over the query engine: one
// endpoint, one SQL statement per request, the
// {result | message, status, execution_time_seconds} envelope back.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reldb-project/reldb/engine"
)

func main() {
	fs := flag.NewFlagSet("relstored", flag.ExitOnError)
	configPath := fs.String("c", "", "path to a YAML config file")
	listen := fs.String("l", "", "address to listen on (overrides config file)")
	if fs.Parse(os.Args[1:]) != nil {
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "relstored: ", log.LstdFlags)
	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal(err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	eng, err := engine.New(cfg.engineConfig(), logger)
	if err != nil {
		logger.Fatalf("opening engine: %v", err)
	}

	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Fatalf("listen %s: %v", cfg.Listen, err)
	}

	s := &server{logger: logger, eng: eng}
	go func() {
		logger.Printf("listening on %v, tables_dir=%s", l.Addr(), cfg.TablesDir)
		if err := s.Serve(l); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Fatal(err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}

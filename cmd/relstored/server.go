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
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"

	"github.com/reldb-project/reldb/engine"
)

// server is the HTTP wrapper around an engine.Engine: a single
// operation endpoint taking a SQL string and returning the
// {result | message, status, execution_time_seconds} envelope.
type server struct {
	logger *log.Logger
	eng    *engine.Engine

	srv   http.Server
	bound net.Addr
}

func (s *server) handler() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/query", s.handle(s.queryHandler, http.MethodGet, http.MethodPost))
	mux.HandleFunc("/ping", s.handle(s.pingHandler, http.MethodGet))
	return mux
}

// handle wraps a route handler with method filtering and per-request
// logging.
func (s *server) handle(fn http.HandlerFunc, methods ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		ok := false
		for _, m := range methods {
			if r.Method == m {
				ok = true
				break
			}
		}
		if !ok {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.logger.Printf("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		fn(w, r)
	}
}

func (s *server) pingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// queryHandler runs one SQL statement and writes its Result envelope
// as JSON, using Result.Status as the HTTP status code too.
func (s *server) queryHandler(w http.ResponseWriter, r *http.Request) {
	var queryText string
	switch r.Method {
	case http.MethodGet:
		queryText = r.URL.Query().Get("q")
	case http.MethodPost:
		body := http.MaxBytesReader(w, r.Body, 1<<20)
		buf, err := io.ReadAll(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		queryText = string(buf)
	}
	if queryText == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(engine.Result{Message: "relstored: missing query text", Status: http.StatusBadRequest})
		return
	}
	result := s.eng.Execute(queryText)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.Status)
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.logger.Printf("writing response: %v", err)
	}
}

func (s *server) Serve(l net.Listener) error {
	s.bound = l.Addr()
	s.srv.Handler = s.handler()
	return s.srv.Serve(l)
}

func (s *server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

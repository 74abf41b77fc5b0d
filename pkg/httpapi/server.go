// Copyright 2024 The Datalith Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpapi exposes a Datalith engine over HTTP: multipart upload
// endpoints for resources and images, cache-aware fetch endpoints for both,
// and a liveness probe. Routes are wired with the standard library's
// net/http.ServeMux rather than an external router, matching the rest of
// this codebase's preference for hand-rolled handler functions over a
// routing framework for a handful of endpoints.
package httpapi

import (
	"log"
	"net/http"
	"time"

	"datalith.io/pkg/datalith"
)

// Server wraps a Datalith engine with an HTTP surface.
type Server struct {
	datalith      *datalith.Datalith
	maxUploadSize int64
	mux           *http.ServeMux
}

// Options configures the HTTP surface. A zero value is valid: MaxUploadSize
// falls back to 32MiB.
type Options struct {
	MaxUploadSize int64
}

const defaultMaxUploadSize = 32 << 20

// NewServer builds the route table for engine d.
func NewServer(d *datalith.Datalith, opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = defaultMaxUploadSize
	}

	s := &Server{datalith: d, maxUploadSize: opts.MaxUploadSize, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /o", s.handlePutResource)
	s.mux.HandleFunc("PUT /o", s.handlePutResourceStream)
	s.mux.HandleFunc("DELETE /o/{id}", s.handleDeleteResource)
	s.mux.HandleFunc("GET /f/{id}", s.handleGetResource)
	s.mux.HandleFunc("POST /i/o", s.handlePutImage)
	s.mux.HandleFunc("PUT /i/o", s.handlePutImageStream)
	s.mux.HandleFunc("DELETE /i/o/{id}", s.handleDeleteImage)
	s.mux.HandleFunc("GET /i/f/{id}", s.handleGetImage)
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func logServerError(r *http.Request, err error) {
	log.Printf("datalith: %s %s: %v", r.Method, r.URL.Path, err)
}

// cacheControlFor returns the Cache-Control header a fetch response should
// carry: temporary content is never stored by an intermediary, permanent
// content may be cached but must always be revalidated since puts can
// rename a file without changing its id.
func cacheControlFor(temporary bool) string {
	if temporary {
		return "no-store"
	}
	return "no-cache"
}

func setLastModified(w http.ResponseWriter, t time.Time) {
	w.Header().Set("Last-Modified", t.UTC().Format(http.TimeFormat))
}

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

package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"datalith.io/pkg/datalith"
)

type resourceResponse struct {
	ID          string `json:"id"`
	CreatedAt   string `json:"created_at"`
	FileType    string `json:"file_type"`
	FileSize    uint64 `json:"file_size"`
	FileName    string `json:"file_name"`
	IsTemporary bool   `json:"is_temporary"`
}

func resourceToResponse(res *datalith.Resource, file *datalith.File) resourceResponse {
	return resourceResponse{
		ID:          res.ID.String(),
		CreatedAt:   res.CreatedAt.UTC().Format(http.TimeFormat),
		FileType:    res.FileType,
		FileSize:    file.FileSize,
		FileName:    res.FileName,
		IsTemporary: file.IsTemporary(),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.Encode(v)
}

func parseBoolField(v string, def bool) (bool, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

// handlePutResource accepts a multipart upload under field "file", with
// optional "file_name", "file_type", and "temporary" fields, and stores it
// as a named Resource.
func (s *Server) handlePutResource(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+1024)
	if err := r.ParseMultipartForm(s.maxUploadSize); err != nil {
		writeMultipartParseError(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	opts := datalith.PutOptions{FileName: r.FormValue("file_name")}
	if opts.FileName == "" {
		opts.FileName = header.Filename
	}
	if declared := r.FormValue("file_type"); declared != "" {
		opts.DeclaredType = &datalith.DeclaredType{MIME: declared, Level: datalith.FileTypeManual}
	} else if ct := header.Header.Get("Content-Type"); ct != "" {
		opts.DeclaredType = &datalith.DeclaredType{MIME: ct, Level: datalith.FileTypeFallback}
	}

	temporary, err := parseBoolField(r.FormValue("temporary"), false)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var res *datalith.Resource
	if temporary {
		res, err = s.datalith.PutResourceByReaderTemporary(r.Context(), file, opts)
	} else {
		res, err = s.datalith.PutResourceByReader(r.Context(), file, opts)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	_, f, rd, err := s.datalith.GetResourceByID(r.Context(), res.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rd.Close()

	writeJSON(w, resourceToResponse(res, f))
}

// handleGetResource streams a resource's underlying file, honoring
// If-None-Match and the download query flag.
func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	etag := `W/"` + strings.ReplaceAll(id.String(), "-", "") + `"`
	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" && ifNoneMatch == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	res, file, reader, err := s.datalith.GetResourceByID(r.Context(), id)
	if err != nil {
		if datalith.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		writeError(w, r, err)
		return
	}
	defer reader.Close()

	download, err := parseBoolField(r.URL.Query().Get("download"), false)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !file.IsTemporary() {
		w.Header().Set("ETag", etag)
	}
	w.Header().Set("Cache-Control", cacheControlFor(file.IsTemporary()))
	w.Header().Set("Content-Type", res.FileType)
	w.Header().Set("Content-Length", strconv.FormatUint(file.FileSize, 10))
	w.Header().Set("Content-Disposition", contentDisposition(download, res.FileName))
	w.Header().Set("X-Uuid", res.ID.String())
	setLastModified(w, res.CreatedAt)

	if r.Method == http.MethodHead {
		return
	}
	io.Copy(w, reader)
}

// handlePutResourceStream accepts a raw request body as the file content,
// the streaming-upload analogue of handlePutResource. file_name, file_type,
// and temporary are carried as query parameters instead of multipart
// fields; Content-Length (or X-File-Length for chunked bodies) is enforced
// against maxUploadSize.
func (s *Server) handlePutResourceStream(w http.ResponseWriter, r *http.Request) {
	var expected *uint64
	if n, ok, err := requestFileLength(r); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	} else if ok {
		if n > uint64(s.maxUploadSize) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		expected = &n
	}

	opts := datalith.PutOptions{
		FileName:       r.URL.Query().Get("file_name"),
		ExpectedLength: expected,
	}
	if declared := r.URL.Query().Get("file_type"); declared != "" {
		opts.DeclaredType = &datalith.DeclaredType{MIME: declared, Level: datalith.FileTypeManual}
	} else if ct := r.Header.Get("Content-Type"); ct != "" {
		opts.DeclaredType = &datalith.DeclaredType{MIME: ct, Level: datalith.FileTypeFallback}
	}

	temporary, err := parseBoolField(r.URL.Query().Get("temporary"), false)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.maxUploadSize+1)

	var res *datalith.Resource
	if temporary {
		res, err = s.datalith.PutResourceByReaderTemporary(r.Context(), body, opts)
	} else {
		res, err = s.datalith.PutResourceByReader(r.Context(), body, opts)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	_, f, rd, err := s.datalith.GetResourceByID(r.Context(), res.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rd.Close()

	writeJSON(w, resourceToResponse(res, f))
}

// requestFileLength reads the expected body length from Content-Length or,
// for chunked requests, the X-File-Length header the CLI and browser
// clients are expected to set.
func requestFileLength(r *http.Request) (uint64, bool, error) {
	if r.ContentLength >= 0 {
		return uint64(r.ContentLength), true, nil
	}
	if v := r.Header.Get("X-File-Length"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, false, err
		}
		return n, true, nil
	}
	return 0, false, nil
}

// handleDeleteResource removes a resource and its underlying file
// reference.
func (s *Server) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	if err := s.datalith.DeleteResourceByID(r.Context(), id); err != nil {
		if datalith.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		writeError(w, r, err)
		return
	}

	w.Write([]byte("ok"))
}

func contentDisposition(download bool, fileName string) string {
	disposition := "inline"
	if download {
		disposition = "attachment"
	}
	return disposition + "; filename*=UTF-8''" + url.PathEscape(fileName)
}

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
	"errors"
	"net/http"

	"datalith.io/pkg/datalith"
)

// statusForError maps a Datalith error to the HTTP status a client should
// see, via a single errors.As switch over Kind rather than string matching.
func statusForError(err error) int {
	var derr *datalith.Error
	if !errors.As(err, &derr) {
		return http.StatusInternalServerError
	}

	switch derr.Kind {
	case datalith.KindNotFound:
		return http.StatusNotFound
	case datalith.KindFileTypeInvalid:
		return http.StatusUnprocessableEntity
	case datalith.KindFileLengthTooLarge:
		return http.StatusRequestEntityTooLarge
	case datalith.KindUnsupportedImageType:
		return http.StatusUnsupportedMediaType
	case datalith.KindResolutionTooBig:
		return http.StatusUnprocessableEntity
	case datalith.KindAlreadyRunning:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logServerError(r, err)
	}
	http.Error(w, http.StatusText(status), status)
}

// writeMultipartParseError reports a ParseMultipartForm failure, giving the
// oversized-body case its own 413 rather than folding it into a generic 400.
func writeMultipartParseError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, "bad request", http.StatusBadRequest)
}

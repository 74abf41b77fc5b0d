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
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"datalith.io/internal/magic"
	"datalith.io/pkg/datalith"
)

type imageResponse struct {
	ID          string `json:"id"`
	CreatedAt   string `json:"created_at"`
	ImageWidth  uint16 `json:"image_width"`
	ImageHeight uint16 `json:"image_height"`
	ImageStem   string `json:"image_stem"`
}

func imageToResponse(img *datalith.Image) imageResponse {
	return imageResponse{
		ID:          img.ID.String(),
		CreatedAt:   img.CreatedAt.UTC().Format(http.TimeFormat),
		ImageWidth:  img.Width,
		ImageHeight: img.Height,
		ImageStem:   img.ImageStem,
	}
}

// handlePutImage accepts a multipart upload under field "file", decodes it
// as an image, and stores the resulting thumbnail bundle.
func (s *Server) handlePutImage(w http.ResponseWriter, r *http.Request) {
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

	opts := datalith.PutImageOptions{FileName: r.FormValue("file_name")}
	if opts.FileName == "" {
		opts.FileName = header.Filename
	}

	if v := r.FormValue("max_width"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		opts.MaxWidth = uint16(n)
	}
	if v := r.FormValue("max_height"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		opts.MaxHeight = uint16(n)
	}

	if v := r.FormValue("center_crop"); v != "" {
		crop, err := parseCenterCrop(v)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		opts.CenterCrop = crop
	}

	opts.SaveOriginalFile, err = parseBoolField(r.FormValue("save_original_file"), true)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	img, err := s.datalith.PutImageByReader(r.Context(), file, opts, nil)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, imageToResponse(img))
}

// handlePutImageStream is the streaming-upload analogue of handlePutImage:
// the request body is the image content, with parameters carried as query
// values instead of multipart fields.
func (s *Server) handlePutImageStream(w http.ResponseWriter, r *http.Request) {
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

	opts := datalith.PutImageOptions{FileName: r.URL.Query().Get("file_name")}

	if v := r.URL.Query().Get("max_width"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		opts.MaxWidth = uint16(n)
	}
	if v := r.URL.Query().Get("max_height"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		opts.MaxHeight = uint16(n)
	}
	if v := r.URL.Query().Get("center_crop"); v != "" {
		crop, err := parseCenterCrop(v)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		opts.CenterCrop = crop
	}

	var err error
	opts.SaveOriginalFile, err = parseBoolField(r.URL.Query().Get("save_original_file"), true)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.maxUploadSize+1)

	img, err := s.datalith.PutImageByReader(r.Context(), body, opts, expected)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, imageToResponse(img))
}

// handleDeleteImage removes an image bundle and every file it owns.
func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	exists, err := s.datalith.CheckImageExist(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !exists {
		http.NotFound(w, r)
		return
	}

	if err := s.datalith.DeleteImageByID(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	w.Write([]byte("ok"))
}

// parseCenterCrop parses a "w:h" ratio string, the shape the multipart
// field and the streaming upload's query parameter accept.
func parseCenterCrop(v string) (*datalith.CenterCrop, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 2 {
		return nil, errBadCenterCrop
	}
	w, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, errBadCenterCrop
	}
	h, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, errBadCenterCrop
	}
	crop, ok := datalith.NewCenterCrop(w, h)
	if !ok {
		return nil, errBadCenterCrop
	}
	return &crop, nil
}

var errBadCenterCrop = errors.New(`center_crop must be "w:h"`)

// handleGetImage streams one rendition of an image: the original upload
// (resolution=original), or a thumbnail at the given multiplier
// (resolution=1x, 2x, ...; default 1x), optionally the PNG/JPEG fallback
// instead of the WebP thumbnail.
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
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

	fallback, err := parseBoolField(r.URL.Query().Get("fallback"), false)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	download, err := parseBoolField(r.URL.Query().Get("download"), false)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	img, err := s.datalith.GetImageByID(r.Context(), id)
	if err != nil {
		if datalith.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		writeError(w, r, err)
		return
	}

	thumbnails := img.Thumbnails
	if fallback {
		thumbnails = img.FallbackThumbnails
	}

	resolution := r.URL.Query().Get("resolution")

	var (
		file       *datalith.File
		multiplier int
	)
	if strings.EqualFold(resolution, "original") {
		switch {
		case img.OriginalFile != nil:
			file, multiplier = img.OriginalFile, 0
		case len(thumbnails) > 0:
			file, multiplier = thumbnails[len(thumbnails)-1], len(thumbnails)
		default:
			http.NotFound(w, r)
			return
		}
	} else {
		n := 1
		if resolution != "" {
			v, ok := strings.CutSuffix(resolution, "x")
			parsed, err := strconv.Atoi(v)
			if !ok || err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			n = parsed
		}
		if len(thumbnails) == 0 {
			http.NotFound(w, r)
			return
		}
		if n < 1 {
			n = 1
		}
		if n > len(thumbnails) {
			n = len(thumbnails)
		}
		file, multiplier = thumbnails[n-1], n
	}

	reader, err := s.openImageFile(r, file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer reader.Close()

	fileName := img.ImageStem
	var contentType string
	if multiplier == 0 {
		contentType = file.FileType
		if ext := magic.ExtensionForMIME(contentType); ext != "" {
			fileName += "." + ext
		}
	} else if fallback {
		if img.HasAlphaChannel {
			contentType, fileName = "image/png", fileName+"@"+strconv.Itoa(multiplier)+"x.png"
		} else {
			contentType, fileName = "image/jpeg", fileName+"@"+strconv.Itoa(multiplier)+"x.jpg"
		}
		w.Header().Set("X-Image-Width", strconv.Itoa(int(img.Width)*multiplier))
		w.Header().Set("X-Image-Height", strconv.Itoa(int(img.Height)*multiplier))
	} else {
		contentType, fileName = "image/webp", fileName+"@"+strconv.Itoa(multiplier)+"x.webp"
		w.Header().Set("X-Image-Width", strconv.Itoa(int(img.Width)*multiplier))
		w.Header().Set("X-Image-Height", strconv.Itoa(int(img.Height)*multiplier))
	}

	if !file.IsTemporary() {
		w.Header().Set("ETag", etag)
	}
	w.Header().Set("Cache-Control", cacheControlFor(file.IsTemporary()))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatUint(file.FileSize, 10))
	w.Header().Set("Content-Disposition", contentDisposition(download, fileName))
	w.Header().Set("X-Uuid", img.ID.String())
	setLastModified(w, img.CreatedAt)

	if r.Method == http.MethodHead {
		return
	}
	io.Copy(w, reader)
}

func (s *Server) openImageFile(r *http.Request, file *datalith.File) (*datalith.Reader, error) {
	_, reader, err := s.datalith.GetByID(r.Context(), file.ID)
	if err != nil {
		return nil, err
	}
	return reader, nil
}

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
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"datalith.io/pkg/datalith"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	d, err := datalith.New(context.Background(), t.TempDir(), datalith.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return NewServer(d, Options{})
}

func multipartUpload(t *testing.T, fields map[string]string, fileField, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	part, err := w.CreateFormFile(fileField, fileName)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestPutAndGetResourceRoundTrip(t *testing.T) {
	s := newTestServer(t)

	body, contentType := multipartUpload(t, map[string]string{"file_name": "hello.txt"}, "file", "hello.txt", []byte("hello world"))
	req := httptest.NewRequest(http.MethodPost, "/o", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var res resourceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, "hello.txt", res.FileName)
	require.EqualValues(t, len("hello world"), res.FileSize)

	getReq := httptest.NewRequest(http.MethodGet, "/f/"+res.ID, nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
	require.Equal(t, "hello world", getRec.Body.String())
	require.NotEmpty(t, getRec.Header().Get("ETag"))
}

func TestGetResourceUnknownIDReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/f/00000000-0000-0000-0000-000000000000", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteResourceRoundTrip(t *testing.T) {
	s := newTestServer(t)

	body, contentType := multipartUpload(t, nil, "file", "bye.txt", []byte("gone soon"))
	req := httptest.NewRequest(http.MethodPost, "/o", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var res resourceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))

	delReq := httptest.NewRequest(http.MethodDelete, "/o/"+res.ID, nil)
	delRec := httptest.NewRecorder()
	s.ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusOK, delRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/f/"+res.ID, nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestPutResourceStreamRoundTrip(t *testing.T) {
	s := newTestServer(t)

	content := []byte("streamed content")
	req := httptest.NewRequest(http.MethodPut, "/o?file_name=stream.bin", bytes.NewReader(content))
	req.ContentLength = int64(len(content))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var res resourceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, "stream.bin", res.FileName)
}

func TestPutResourceOversizedUploadRejected(t *testing.T) {
	d, err := datalith.New(context.Background(), t.TempDir(), datalith.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	s := NewServer(d, Options{MaxUploadSize: 4})

	body, contentType := multipartUpload(t, nil, "file", "big.bin", bytes.Repeat([]byte("x"), 4096))
	req := httptest.NewRequest(http.MethodPost, "/o", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func testPNGBytes(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0, A: 0xff})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPutAndGetImageRoundTrip(t *testing.T) {
	s := newTestServer(t)

	body, contentType := multipartUpload(t, map[string]string{"max_width": "50", "max_height": "50"}, "file", "pic.png", testPNGBytes(t, 100))
	req := httptest.NewRequest(http.MethodPost, "/i/o", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var img imageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &img))
	require.NotEmpty(t, img.ID)

	getReq := httptest.NewRequest(http.MethodGet, "/i/f/"+img.ID+"?resolution=1x", nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
	require.NotEmpty(t, getRec.Body.Bytes())
}

func TestDeleteImageRoundTrip(t *testing.T) {
	s := newTestServer(t)

	body, contentType := multipartUpload(t, nil, "file", "pic.png", testPNGBytes(t, 64))
	req := httptest.NewRequest(http.MethodPost, "/i/o", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var img imageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &img))

	delReq := httptest.NewRequest(http.MethodDelete, "/i/o/"+img.ID, nil)
	delRec := httptest.NewRecorder()
	s.ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusOK, delRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/i/f/"+img.ID, nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusNotFound, getRec.Code)
}

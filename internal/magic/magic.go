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

// Package magic implements content-based MIME type sniffing and the
// MIME-to-extension registry used to derive canonical file names.
package magic

import (
	"bytes"
	"strings"
)

// matchEntry is a byte-prefix rule that yields a MIME type on match.
type matchEntry struct {
	offset int
	prefix []byte
	mtype  string
}

// matchTable is checked in order; the first matching entry wins.
//
// source: http://www.garykessler.net/library/file_sigs.html
var matchTable = []matchEntry{
	{prefix: []byte("\x89PNG\r\n\x1a\n"), mtype: "image/png"},
	{prefix: []byte("GIF87a"), mtype: "image/gif"},
	{prefix: []byte("GIF89a"), mtype: "image/gif"},
	{prefix: []byte("\xff\xd8\xff"), mtype: "image/jpeg"},
	{prefix: []byte("BM"), mtype: "image/bmp"},
	{offset: 8, prefix: []byte("WEBP"), mtype: "image/webp"},
	{prefix: []byte("RIFF"), mtype: "image/webp"},
	{prefix: []byte("II*\x00"), mtype: "image/tiff"},
	{prefix: []byte("MM\x00*"), mtype: "image/tiff"},
	{prefix: []byte("%PDF-"), mtype: "application/pdf"},
	{prefix: []byte("PK\x03\x04"), mtype: "application/zip"},
	{prefix: []byte("\x1f\x8b"), mtype: "application/gzip"},
	{prefix: []byte("<?xml"), mtype: "text/xml"},
	{prefix: []byte("<svg"), mtype: "image/svg+xml"},
	{prefix: []byte("<!DOCTYPE html"), mtype: "text/html"},
	{prefix: []byte("<html"), mtype: "text/html"},
}

// Sniff inspects the leading bytes of prefix (typically the first 1-2 KiB
// of a payload) and returns the detected MIME type, or ok=false if nothing
// in the table matched.
func Sniff(prefix []byte) (mtype string, ok bool) {
	for _, e := range matchTable {
		if e.offset >= len(prefix) {
			continue
		}
		if bytes.HasPrefix(prefix[e.offset:], e.prefix) {
			if e.mtype == "image/svg+xml" || e.mtype == "text/html" || e.mtype == "text/xml" {
				if !looksLikeText(prefix) {
					continue
				}
			}
			return e.mtype, true
		}
	}
	return "", false
}

func looksLikeText(b []byte) bool {
	n := len(b)
	if n > 512 {
		n = 512
	}
	for _, c := range b[:n] {
		if c == 0 {
			return false
		}
	}
	return true
}

// extByMIME is the canonical MIME-essence -> extension table used for
// file-name derivation (the extension chosen when a caller-supplied name
// lacks one).
var extByMIME = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/bmp":       "bmp",
	"image/svg+xml":   "svg",
	"image/webp":      "webp",
	"image/heic":      "heic",
	"image/tiff":      "tiff",
	"application/pdf": "pdf",
	"application/zip": "zip",
	"application/gzip": "gz",
	"text/html":       "html",
	"text/xml":        "xml",
	"text/plain":      "txt",
	"application/octet-stream": "bin",
}

// ExtensionForMIME returns the canonical extension for a MIME essence
// string, looked up in extByMIME. An unknown type yields its subtype with
// any "x-" prefix removed; a string with no subtype yields "bin".
func ExtensionForMIME(mtype string) string {
	mtype = strings.ToLower(strings.TrimSpace(mtype))
	if ext, ok := extByMIME[mtype]; ok {
		return ext
	}
	if i := strings.IndexByte(mtype, '/'); i >= 0 && i+1 < len(mtype) {
		subtype := mtype[i+1:]
		if strings.HasPrefix(subtype, "x-") {
			subtype = subtype[2:]
		}
		return subtype
	}
	return "bin"
}

// DefaultMIME is used when neither content-sniffing nor a declared type is
// available.
const DefaultMIME = "application/octet-stream"

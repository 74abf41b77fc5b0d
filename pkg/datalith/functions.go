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

package datalith

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"datalith.io/internal/magic"
)

// FileTypeLevel governs how a caller-declared MIME type is reconciled with
// content-sniffed detection. The constants below and resolveFileType give
// the precise rules.
type FileTypeLevel int

const (
	// FileTypeExactMatch fails the put if detection disagrees with the
	// declared type; accepts the declared type when detection is silent.
	FileTypeExactMatch FileTypeLevel = iota
	// FileTypeManual bypasses detection entirely.
	FileTypeManual
	// FileTypeFallback prefers the detected type, falling back to the
	// declared one only when detection yields nothing.
	FileTypeFallback
)

// DeclaredType pairs a caller-supplied MIME essence string with the
// resolution level to apply against content-sniffed detection.
type DeclaredType struct {
	MIME  string
	Level FileTypeLevel
}

// DefaultMIME is used when neither a declared type nor content-sniffing
// resolves to anything.
const DefaultMIME = magic.DefaultMIME

const sniffPrefixSize = 1024

// resolveFileType applies the FileTypeLevel rules: ExactMatch fails on
// disagreement, Manual never detects, Fallback prefers detection.
func resolveFileType(declared *DeclaredType, detect func() (string, bool)) (string, error) {
	if declared == nil {
		detected, ok := detect()
		if ok {
			return detected, nil
		}
		return DefaultMIME, nil
	}

	switch declared.Level {
	case FileTypeManual:
		return declared.MIME, nil
	case FileTypeFallback:
		if detected, ok := detect(); ok {
			return detected, nil
		}
		return declared.MIME, nil
	default: // FileTypeExactMatch
		detected, ok := detect()
		if !ok {
			return declared.MIME, nil
		}
		if detected != declared.MIME {
			return "", &Error{
				Kind:         KindFileTypeInvalid,
				DetectedType: detected,
				ExpectedType: declared.MIME,
			}
		}
		return declared.MIME, nil
	}
}

func detectByBuffer(data []byte) (string, bool) {
	n := len(data)
	if n > sniffPrefixSize {
		n = sniffPrefixSize
	}
	return magic.Sniff(data[:n])
}

func detectByPath(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	buf := make([]byte, sniffPrefixSize)
	n, _ := io.ReadFull(f, buf)
	if n == 0 {
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
			return extensionGuessMIME(ext)
		}
		return "", false
	}
	if mtype, ok := magic.Sniff(buf[:n]); ok {
		return mtype, true
	}
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
		return extensionGuessMIME(ext)
	}
	return "", false
}

// extensionGuessMIME is the inverse of magic.ExtensionForMIME, used when
// content-sniffing is silent but the caller's path carries a known suffix.
func extensionGuessMIME(ext string) (string, bool) {
	switch strings.ToLower(ext) {
	case "jpg", "jpeg":
		return "image/jpeg", true
	case "png":
		return "image/png", true
	case "gif":
		return "image/gif", true
	case "bmp":
		return "image/bmp", true
	case "svg":
		return "image/svg+xml", true
	case "webp":
		return "image/webp", true
	case "heic":
		return "image/heic", true
	case "tiff", "tif":
		return "image/tiff", true
	case "pdf":
		return "application/pdf", true
	case "zip":
		return "application/zip", true
	case "txt":
		return "text/plain", true
	case "html", "htm":
		return "text/html", true
	case "xml":
		return "text/xml", true
	default:
		return "", false
	}
}

// deriveFileName trims the provided name, falls back to the creation
// timestamp when empty, and appends a canonical extension drawn from the
// MIME registry when the name has none.
func deriveFileName(provided string, createdAt time.Time, mimeType string) string {
	name := strings.TrimSpace(provided)
	if name == "" {
		name = strconv.FormatInt(createdAt.UnixMilli(), 10)
		if strings.Contains(mimeType, "/") {
			return name + "." + magic.ExtensionForMIME(mimeType)
		}
		return name
	}
	if filepath.Ext(name) == "" && strings.Contains(mimeType, "/") {
		name += "." + magic.ExtensionForMIME(mimeType)
	}
	return name
}

// hashBuffer computes the one-shot SHA-256 of an in-memory payload.
func hashBuffer(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// hashPath streams an existing file through SHA-256.
func hashPath(path string) ([32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// randomHash returns a cryptographically random 32-byte value used as the
// "hash" of a temporary file, guaranteeing it never deduplicates against a
// real payload hash.
func randomHash() ([32]byte, error) {
	var out [32]byte
	if _, err := rand.Read(out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// maxReadRetries bounds the reader-ingress copy loop's tolerance for
// transient interrupted reads, mirroring the original's retry-up-to-5 rule.
const maxReadRetries = 5

// copyReaderToFile streams r into a newly created file at path, returning
// the number of bytes written. On any read or write error the partially
// written file is removed before the error is returned.
func copyReaderToFile(r io.Reader, path string, bufSize int) (uint64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, bufSize)
	var size uint64
	retries := 0
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(path)
				return 0, werr
			}
			size += uint64(n)
			retries = 0
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				retries++
				if retries > maxReadRetries {
					f.Close()
					os.Remove(path)
					return 0, err
				}
				continue
			}
			f.Close()
			os.Remove(path)
			return 0, err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return 0, err
	}
	return size, nil
}

// copyReaderToFileHashed is copyReaderToFile plus a streaming SHA-256 over
// the same bytes, used by the permanent reader-ingress put path.
func copyReaderToFileHashed(r io.Reader, path string, bufSize int) (uint64, [32]byte, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, [32]byte{}, err
	}

	h := sha256.New()
	buf := make([]byte, bufSize)
	var size uint64
	retries := 0
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(path)
				return 0, [32]byte{}, werr
			}
			h.Write(buf[:n])
			size += uint64(n)
			retries = 0
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				retries++
				if retries > maxReadRetries {
					f.Close()
					os.Remove(path)
					return 0, [32]byte{}, err
				}
				continue
			}
			f.Close()
			os.Remove(path)
			return 0, [32]byte{}, err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return 0, [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return size, out, nil
}

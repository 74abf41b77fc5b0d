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

import "fmt"

// Kind classifies an Error by the taxonomy the engine distinguishes between:
// bootstrap failures, read failures, write failures, and image-pipeline
// failures. The HTTP adapter maps each Kind to a status code with a single
// type switch instead of string matching.
type Kind int

const (
	// Create family: errors raised while opening or creating an environment.
	KindIO Kind = iota
	KindSQL
	KindAlreadyRunning
	KindDatabaseTooNew
	KindDatabaseTooOld

	// Read family.
	KindNotFound

	// Write family additions (IO/SQL above are shared with Read/Create).
	KindFileTypeInvalid
	KindFileLengthTooLarge

	// Image-write family.
	KindUnsupportedImageType
	KindResolutionTooBig
	KindMagick
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindSQL:
		return "sql"
	case KindAlreadyRunning:
		return "already_running"
	case KindDatabaseTooNew:
		return "database_too_new"
	case KindDatabaseTooOld:
		return "database_too_old"
	case KindNotFound:
		return "not_found"
	case KindFileTypeInvalid:
		return "file_type_invalid"
	case KindFileLengthTooLarge:
		return "file_length_too_large"
	case KindUnsupportedImageType:
		return "unsupported_image_type"
	case KindResolutionTooBig:
		return "resolution_too_big"
	case KindMagick:
		return "magick"
	default:
		return "unknown"
	}
}

// Error is the engine's single error type. Every exported operation that can
// fail returns either nil or an *Error, so callers can type-assert with
// errors.As(err, &datalithErr) and switch on Kind.
type Error struct {
	Kind Kind
	Err  error

	// Populated for KindDatabaseTooNew / KindDatabaseTooOld.
	AppVersion, DBVersion int

	// Populated for KindFileTypeInvalid.
	DetectedType, ExpectedType string

	// Populated for KindFileLengthTooLarge.
	ExpectedLength, ActualLength uint64
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindDatabaseTooNew:
		return fmt.Sprintf("this application is too old to use the database (%d < %d)", e.AppVersion, e.DBVersion)
	case KindDatabaseTooOld:
		return fmt.Sprintf("this application is too new to upgrade the database (%d > %d)", e.AppVersion, e.DBVersion)
	case KindAlreadyRunning:
		return "there is already an existing instance"
	case KindNotFound:
		return "the requested item does not exist"
	case KindFileTypeInvalid:
		return fmt.Sprintf("the file type %q is invalid (expected %q)", e.DetectedType, e.ExpectedType)
	case KindFileLengthTooLarge:
		return fmt.Sprintf("the file length %d is larger than the expected one (expected %d)", e.ActualLength, e.ExpectedLength)
	case KindUnsupportedImageType:
		return "the input does not look like a supported image type"
	case KindResolutionTooBig:
		return "the image resolution is too big"
	case KindMagick:
		if e.Err != nil {
			return fmt.Sprintf("image codec error: %v", e.Err)
		}
		return "image codec error"
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func wrapIO(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindIO, Err: err}
}

func wrapSQL(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindSQL, Err: err}
}

func errNotFound() error { return &Error{Kind: KindNotFound} }

// IsNotFound reports whether err is a Datalith error of KindNotFound.
func IsNotFound(err error) bool {
	var derr *Error
	if asError(err, &derr) {
		return derr.Kind == KindNotFound
	}
	return false
}

// asError is a local errors.As shim kept in this file so callers only need
// to import this package, not errors, for the common IsNotFound check.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

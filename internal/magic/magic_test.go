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

package magic

import "testing"

func TestSniff(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
		ok   bool
	}{
		{"png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR"), "image/png", true},
		{"gif87", []byte("GIF87a"), "image/gif", true},
		{"gif89", []byte("GIF89a...."), "image/gif", true},
		{"jpeg", []byte("\xff\xd8\xff\xe0\x00\x10JFIF"), "image/jpeg", true},
		{"webp", append([]byte("RIFF\x00\x00\x00\x00WEBP"), 0), "image/webp", true},
		{"unknown", []byte("not a known format"), "", false},
		{"empty", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Sniff(tt.data)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Sniff(%q) = %q, %v; want %q, %v", tt.data, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestExtensionForMIME(t *testing.T) {
	tests := []struct {
		mtype string
		want  string
	}{
		{"image/jpeg", "jpg"},
		{"image/png", "png"},
		{"image/gif", "gif"},
		{"image/webp", "webp"},
		{"application/octet-stream", "bin"},
		{"application/x-made-up", "made-up"},
		{"garbage", "bin"},
	}
	for _, tt := range tests {
		if got := ExtensionForMIME(tt.mtype); got != tt.want {
			t.Errorf("ExtensionForMIME(%q) = %q; want %q", tt.mtype, got, tt.want)
		}
	}
}

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
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNewCenterCropRejectsDegenerateRatios(t *testing.T) {
	_, ok := NewCenterCrop(1, 0)
	require.False(t, ok)

	_, ok = NewCenterCrop(0, 1)
	require.False(t, ok)

	crop, ok := NewCenterCrop(16, 9)
	require.True(t, ok)
	require.Equal(t, CenterCrop{w: 16, h: 9}, crop)
}

func TestComputeOutputSizeNeverUpscales(t *testing.T) {
	w, h, constrained := computeOutputSize(100, 100, 400, 400)
	require.Equal(t, uint16(100), w)
	require.Equal(t, uint16(100), h)
	require.False(t, constrained)
}

func TestComputeOutputSizePreservesAspectRatio(t *testing.T) {
	w, h, constrained := computeOutputSize(300, 300, 100, 100)
	require.True(t, constrained)
	require.Equal(t, uint16(100), w)
	require.Equal(t, uint16(100), h)
}

func TestComputeOutputSizeUnconstrainedWhenNoBound(t *testing.T) {
	w, h, constrained := computeOutputSize(300, 200, 0, 0)
	require.Equal(t, uint16(300), w)
	require.Equal(t, uint16(200), h)
	require.False(t, constrained)
}

func TestPutImageByBufferStopsAtSourceResolution(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	data := newTestPNG(t, 100, 100)
	img, err := d.PutImageByBuffer(ctx, data, PutImageOptions{FileName: "square.png"})
	require.NoError(t, err)

	require.Len(t, img.Thumbnails, 1, "a 1x multiplier already reaches the source resolution")
	require.Len(t, img.FallbackThumbnails, 1)
	require.Nil(t, img.OriginalFile)
}

func TestPutImageByBufferGeneratesThumbnailsUpToConfiguredMultiplier(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	data := newTestPNG(t, 300, 300)
	img, err := d.PutImageByBuffer(ctx, data, PutImageOptions{
		FileName:  "big.png",
		MaxWidth:  100,
		MaxHeight: 100,
	})
	require.NoError(t, err)

	require.Equal(t, uint16(100), img.Width)
	require.Equal(t, uint16(100), img.Height)
	require.Len(t, img.Thumbnails, DefaultMaxImageResolutionMultiplier)
	require.Len(t, img.FallbackThumbnails, DefaultMaxImageResolutionMultiplier)
}

func TestPutImageByBufferSavesOriginalFile(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	data := newTestPNG(t, 64, 64)
	img, err := d.PutImageByBuffer(ctx, data, PutImageOptions{FileName: "orig.png", SaveOriginalFile: true})
	require.NoError(t, err)
	require.NotNil(t, img.OriginalFile)

	_, reader, err := d.GetByID(ctx, img.OriginalFile.ID)
	require.NoError(t, err)
	reader.Close()
}

func TestPutImageByPathLeavesSourceFileInPlace(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	path := t.TempDir() + "/source.png"
	require.NoError(t, os.WriteFile(path, newTestPNG(t, 64, 64), 0o644))

	img, err := d.PutImageByPath(ctx, path, PutImageOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, img.Thumbnails)
}

func TestPutImageByReaderRejectsLengthMismatch(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	data := newTestPNG(t, 64, 64)
	expected := uint64(len(data) + 10)
	_, err := d.PutImageByReader(ctx, bytes.NewReader(data), PutImageOptions{}, &expected)
	require.Error(t, err)

	var derr *Error
	require.True(t, asError(err, &derr))
	require.Equal(t, KindFileLengthTooLarge, derr.Kind)
}

func TestPutImageByBufferRejectsOversizedResolution(t *testing.T) {
	d := newTestDatalith(t)
	d.config.MaxImageResolution = 100
	ctx := context.Background()

	data := newTestPNG(t, 64, 64)
	_, err := d.PutImageByBuffer(ctx, data, PutImageOptions{})
	require.Error(t, err)

	var derr *Error
	require.True(t, asError(err, &derr))
	require.Equal(t, KindResolutionTooBig, derr.Kind)
}

func TestGetImageByIDRoundTrips(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	data := newTestPNG(t, 100, 100)
	put, err := d.PutImageByBuffer(ctx, data, PutImageOptions{FileName: "rt.png"})
	require.NoError(t, err)

	got, err := d.GetImageByID(ctx, put.ID)
	require.NoError(t, err)
	require.Equal(t, put.ID, got.ID)
	require.Len(t, got.Thumbnails, len(put.Thumbnails))
	require.Len(t, got.FallbackThumbnails, len(put.FallbackThumbnails))
}

func TestCheckImageExist(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	data := newTestPNG(t, 64, 64)
	put, err := d.PutImageByBuffer(ctx, data, PutImageOptions{})
	require.NoError(t, err)

	ok, err := d.CheckImageExist(ctx, put.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = d.CheckImageExist(ctx, uuid.New())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteImageByIDRemovesAllOwnedFiles(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	data := newTestPNG(t, 100, 100)
	put, err := d.PutImageByBuffer(ctx, data, PutImageOptions{SaveOriginalFile: true})
	require.NoError(t, err)

	require.NoError(t, d.DeleteImageByID(ctx, put.ID))

	_, err = d.GetImageByID(ctx, put.ID)
	require.True(t, IsNotFound(err))

	for _, f := range put.Thumbnails {
		_, _, err := d.GetByID(ctx, f.ID)
		require.True(t, IsNotFound(err))
	}
	for _, f := range put.FallbackThumbnails {
		_, _, err := d.GetByID(ctx, f.ID)
		require.True(t, IsNotFound(err))
	}
	_, _, err = d.GetByID(ctx, put.OriginalFile.ID)
	require.True(t, IsNotFound(err))
}

func TestDeleteImageByIDUnknownIDIsNoop(t *testing.T) {
	d := newTestDatalith(t)
	require.NoError(t, d.DeleteImageByID(context.Background(), uuid.New()))
}

func TestConvertResourceToImageMovesOwnership(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	data := newTestPNG(t, 64, 64)
	res, err := d.PutResourceByBuffer(ctx, data, PutOptions{FileName: "res.png"})
	require.NoError(t, err)

	img, err := d.ConvertResourceToImage(ctx, res)
	require.NoError(t, err)
	require.NotNil(t, img.OriginalFile)

	_, _, _, err = d.GetResourceByID(ctx, res.ID)
	require.True(t, IsNotFound(err))
}

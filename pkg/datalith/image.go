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
	"database/sql"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/google/uuid"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	_ "image/gif"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const mimeWebP = "image/webp"

// CenterCrop describes a target width:height ratio an image should be
// cropped to, measured from its center, before any downscaling happens.
type CenterCrop struct{ w, h float64 }

// NewCenterCrop returns a CenterCrop for the given ratio, or false if the
// ratio is degenerate (zero, NaN, or infinite).
func NewCenterCrop(w, h float64) (CenterCrop, bool) {
	r := w / h
	if math.IsNaN(r) || math.IsInf(r, 0) || r == 0 {
		return CenterCrop{}, false
	}
	return CenterCrop{w: w, h: h}, true
}

// Image is a decoded-and-reprocessed image bundle: the optional original
// upload, and a lossy-WebP thumbnail plus a PNG/JPEG fallback thumbnail at
// each resolution multiplier from 1x up to the configured maximum.
type Image struct {
	ID                 uuid.UUID
	CreatedAt          time.Time
	ImageStem          string
	Width              uint16
	Height             uint16
	OriginalFile       *File
	Thumbnails         []*File
	FallbackThumbnails []*File
	HasAlphaChannel    bool
}

// PutImageOptions carries the optional parameters accepted by every
// PutImage* variant.
type PutImageOptions struct {
	FileName         string
	MaxWidth         uint16
	MaxHeight        uint16
	CenterCrop       *CenterCrop
	SaveOriginalFile bool
}

// PutImageByBuffer decodes an in-memory payload as an image and stores it as
// an Image bundle.
func (d *Datalith) PutImageByBuffer(ctx context.Context, data []byte, opts PutImageOptions) (*Image, error) {
	img, mimeType, hasAlpha, err := decodeImage(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := d.checkImageResolution(img); err != nil {
		return nil, err
	}

	var (
		createdAt    time.Time
		fileName     string
		originalFile *File
	)
	if opts.SaveOriginalFile {
		declared := &DeclaredType{MIME: mimeType, Level: FileTypeManual}
		original, err := d.PutByBuffer(ctx, data, PutOptions{FileName: opts.FileName, DeclaredType: declared})
		if err != nil {
			return nil, err
		}
		createdAt, fileName, originalFile = original.CreatedAt, original.FileName, original
	} else {
		createdAt = time.Now()
		fileName = deriveFileName(opts.FileName, createdAt, mimeType)
	}

	return d.putImage(ctx, img, hasAlpha, createdAt, fileName, originalFile, opts)
}

// PutImageByPath decodes the file at path as an image and stores it as an
// Image bundle. The source file at path is left untouched.
func (d *Datalith) PutImageByPath(ctx context.Context, path string, opts PutImageOptions) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapIO(err)
	}
	img, mimeType, hasAlpha, err := decodeImage(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	if err := d.checkImageResolution(img); err != nil {
		return nil, err
	}

	var (
		createdAt    time.Time
		fileName     string
		originalFile *File
	)
	if opts.SaveOriginalFile {
		declared := &DeclaredType{MIME: mimeType, Level: FileTypeManual}
		original, err := d.PutByPath(ctx, path, PutOptions{FileName: opts.FileName, DeclaredType: declared})
		if err != nil {
			return nil, err
		}
		createdAt, fileName, originalFile = original.CreatedAt, original.FileName, original
	} else {
		createdAt = time.Now()
		name := opts.FileName
		if name == "" {
			name = filepath.Base(path)
		}
		fileName = deriveFileName(name, createdAt, mimeType)
	}

	return d.putImage(ctx, img, hasAlpha, createdAt, fileName, originalFile, opts)
}

// PutImageByReader stages r into a temporary file and then processes it
// exactly like PutImageByPath.
func (d *Datalith) PutImageByReader(ctx context.Context, r io.Reader, opts PutImageOptions, expectedLength *uint64) (*Image, error) {
	tempDir, err := d.getTemporaryDirectory()
	if err != nil {
		return nil, wrapIO(err)
	}
	stagingPath := tempStagingPath(tempDir)

	size, err := copyReaderToFile(r, stagingPath, d.config.FileReadBufferSize)
	if err != nil {
		return nil, wrapIO(err)
	}
	guard := newTemporaryFileGuard(stagingPath)
	defer guard.Release()

	if expectedLength != nil && size != *expectedLength {
		return nil, &Error{Kind: KindFileLengthTooLarge, ExpectedLength: *expectedLength, ActualLength: size}
	}

	return d.PutImageByPath(ctx, stagingPath, opts)
}

// PutImageByResource reprocesses an existing resource's content into an
// Image bundle, saving the resource's own file as the bundle's original
// file.
func (d *Datalith) PutImageByResource(ctx context.Context, resource *Resource, opts PutImageOptions) (*Image, error) {
	file, reader, err := d.GetByID(ctx, resource.FileID)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	size := file.FileSize
	opts.FileName = resource.FileName
	opts.SaveOriginalFile = true
	return d.PutImageByReader(ctx, reader, opts, &size)
}

// ConvertResourceToImage reprocesses a resource into an Image bundle and
// then deletes the resource. For a permanent resource the image's original
// file deduplicates onto the resource's own file row, so deleting the
// resource only drops the resource's reference to it. If deleting the resource
// fails, the freshly created image is rolled back so the operation is all
// or nothing.
func (d *Datalith) ConvertResourceToImage(ctx context.Context, resource *Resource) (*Image, error) {
	image, err := d.PutImageByResource(ctx, resource, PutImageOptions{})
	if err != nil {
		return nil, err
	}

	if err := d.DeleteResourceByID(ctx, resource.ID); err != nil {
		if derr := d.DeleteImageByID(ctx, image.ID); derr != nil {
			return nil, fmt.Errorf("cannot fall back from failed convert (resource=%s image=%s): delete resource failed (%w), delete image also failed (%v)", resource.ID, image.ID, err, derr)
		}
		return nil, err
	}

	return image, nil
}

func (d *Datalith) checkImageResolution(img image.Image) error {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > 65535 || h > 65535 {
		return &Error{Kind: KindResolutionTooBig}
	}
	if int64(w)*int64(h) > d.config.MaxImageResolution {
		return &Error{Kind: KindResolutionTooBig}
	}
	return nil
}

// putImage is the common body shared by every PutImage* entrypoint: it
// optionally center-crops, computes the base output size, then emits a
// WebP thumbnail and a fallback (PNG if the source has an alpha channel,
// otherwise JPEG) at every resolution multiplier from 1x up to the
// configured maximum, stopping early once a multiplier would exceed the
// source's own resolution. Any failure partway through rolls back every
// file created so far, including the original file.
func (d *Datalith) putImage(
	ctx context.Context,
	img image.Image,
	hasAlphaChannel bool,
	createdAt time.Time,
	fileName string,
	originalFile *File,
	opts PutImageOptions,
) (*Image, error) {
	recoverOriginal := func() {
		if originalFile != nil {
			d.DeleteByID(ctx, originalFile.ID)
		}
	}

	inputBounds := img.Bounds()
	inputWidth, inputHeight := inputBounds.Dx(), inputBounds.Dy()

	if opts.CenterCrop != nil {
		img = cropToAspect(img, opts.CenterCrop.w, opts.CenterCrop.h)
		b := img.Bounds()
		inputWidth, inputHeight = b.Dx(), b.Dy()
	}

	imageWidth, imageHeight, _ := computeOutputSize(uint16(inputWidth), uint16(inputHeight), opts.MaxWidth, opts.MaxHeight)

	maxMultiplier := d.config.MaxImageResolutionMultiplier
	thumbnails := make([]*File, 0, maxMultiplier)
	fallbacks := make([]*File, 0, maxMultiplier)

	recoverThumbnails := func() {
		recoverOriginal()
		var g errgroup.Group
		for _, f := range thumbnails {
			f := f
			g.Go(func() error { d.DeleteByID(ctx, f.ID); return nil })
		}
		for _, f := range fallbacks {
			f := f
			g.Go(func() error { d.DeleteByID(ctx, f.ID); return nil })
		}
		g.Wait()
	}

	fileStem := strings.TrimSuffix(fileName, filepath.Ext(fileName))

	for multiplier := 1; multiplier <= maxMultiplier; multiplier++ {
		width := imageWidth * uint16(multiplier)
		if width < imageWidth || int(width) > inputWidth {
			break
		}
		height := imageHeight * uint16(multiplier)
		if height < imageHeight || int(height) > inputHeight {
			break
		}

		resized := resizeImage(img, int(width), int(height))

		webpBytes, err := encodeWebP(resized)
		if err != nil {
			recoverThumbnails()
			return nil, &Error{Kind: KindMagick, Err: err}
		}
		thumbName := fmt.Sprintf("%s@%dx.webp", fileStem, multiplier)
		thumbFile, err := d.PutByBuffer(ctx, webpBytes, PutOptions{
			FileName:     thumbName,
			DeclaredType: &DeclaredType{MIME: mimeWebP, Level: FileTypeManual},
		})
		if err != nil {
			recoverThumbnails()
			return nil, err
		}
		thumbnails = append(thumbnails, thumbFile)

		var (
			fallbackBytes []byte
			fallbackExt   string
			fallbackMime  string
		)
		if hasAlphaChannel {
			fallbackBytes, err = encodePNG(resized)
			fallbackExt, fallbackMime = "png", "image/png"
		} else {
			fallbackBytes, err = encodeJPEG(resized, 70)
			fallbackExt, fallbackMime = "jpg", "image/jpeg"
		}
		if err != nil {
			recoverThumbnails()
			return nil, &Error{Kind: KindMagick, Err: err}
		}
		fallbackName := fmt.Sprintf("%s_%dx.%s", fileStem, multiplier, fallbackExt)
		fallbackFile, err := d.PutByBuffer(ctx, fallbackBytes, PutOptions{
			FileName:     fallbackName,
			DeclaredType: &DeclaredType{MIME: fallbackMime, Level: FileTypeManual},
		})
		if err != nil {
			recoverThumbnails()
			return nil, err
		}
		fallbacks = append(fallbacks, fallbackFile)
	}

	if len(thumbnails) == 0 {
		recoverOriginal()
		return nil, &Error{Kind: KindResolutionTooBig}
	}

	imageStem := strings.TrimSpace(fileStem)
	if imageStem == "" {
		imageStem = stripMultiplierSuffix(strings.TrimSuffix(thumbnails[0].FileName, filepath.Ext(thumbnails[0].FileName)))
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		recoverThumbnails()
		return nil, wrapSQL(err)
	}
	defer tx.Rollback()

	id := uuid.New()
	var originalFileID any
	if originalFile != nil {
		originalFileID = originalFile.ID[:]
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO images (id, created_at, image_stem, image_width, image_height, original_file_id, has_alpha_channel) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id[:], createdAt.UnixMilli(), imageStem, imageWidth, imageHeight, originalFileID, hasAlphaChannel,
	); err != nil {
		recoverThumbnails()
		return nil, wrapSQL(err)
	}

	for i := range thumbnails {
		multiplier := i + 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO image_thumbnails (image_id, multiplier, fallback, file_id) VALUES (?, ?, 0, ?), (?, ?, 1, ?)`,
			id[:], multiplier, thumbnails[i].ID[:], id[:], multiplier, fallbacks[i].ID[:],
		); err != nil {
			recoverThumbnails()
			return nil, wrapSQL(err)
		}
	}

	if err := tx.Commit(); err != nil {
		recoverThumbnails()
		return nil, wrapSQL(err)
	}

	return &Image{
		ID:                 id,
		CreatedAt:          createdAt,
		ImageStem:          imageStem,
		Width:              imageWidth,
		Height:             imageHeight,
		OriginalFile:       originalFile,
		Thumbnails:         thumbnails,
		FallbackThumbnails: fallbacks,
		HasAlphaChannel:    hasAlphaChannel,
	}, nil
}

var reMultiplierSuffix = regexp.MustCompile(`@\d+x$`)

func stripMultiplierSuffix(stem string) string {
	return reMultiplierSuffix.ReplaceAllString(stem, "")
}

// decodeImage reads the full image plus its format name, mapped to a MIME
// essence string, and reports whether any pixel is non-opaque.
func decodeImage(r io.Reader) (image.Image, string, bool, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", false, &Error{Kind: KindUnsupportedImageType, Err: err}
	}
	return img, "image/" + format, hasAlphaChannel(img), nil
}

func hasAlphaChannel(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return false
}

// cropToAspect center-crops img to the given width:height ratio, keeping as
// much of the original area as the ratio allows.
func cropToAspect(img image.Image, ratioW, ratioH float64) image.Image {
	b := img.Bounds()
	origW, origH := b.Dx(), b.Dy()
	targetRatio := ratioW / ratioH
	origRatio := float64(origW) / float64(origH)

	var cropW, cropH int
	if origRatio > targetRatio {
		cropH = origH
		cropW = int(float64(origH) * targetRatio)
	} else {
		cropW = origW
		cropH = int(float64(origW) / targetRatio)
	}
	if cropW < 1 {
		cropW = 1
	}
	if cropH < 1 {
		cropH = 1
	}

	x0 := b.Min.X + (origW-cropW)/2
	y0 := b.Min.Y + (origH-cropH)/2
	rect := image.Rect(x0, y0, x0+cropW, y0+cropH)

	if sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(rect)
	}

	dst := image.NewRGBA(image.Rect(0, 0, cropW, cropH))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// resizeImage scales img to exactly width x height using a Catmull-Rom
// kernel, matching ImageMagick's default resampling quality closely enough
// for thumbnail generation.
func resizeImage(img image.Image, width, height int) image.Image {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}

// computeOutputSize fits inputWidth x inputHeight within maxWidth x
// maxHeight (treating 0 as unset), preserving aspect ratio and never
// upscaling. It reports false when no bound constrained the size.
func computeOutputSize(inputWidth, inputHeight, maxWidth, maxHeight uint16) (uint16, uint16, bool) {
	if maxWidth == 0 && maxHeight == 0 {
		return inputWidth, inputHeight, false
	}

	scale := 1.0
	if maxWidth > 0 {
		if s := float64(maxWidth) / float64(inputWidth); s < scale {
			scale = s
		}
	}
	if maxHeight > 0 {
		if s := float64(maxHeight) / float64(inputHeight); s < scale {
			scale = s
		}
	}
	if scale >= 1.0 {
		return inputWidth, inputHeight, false
	}

	w := uint16(math.Round(float64(inputWidth) * scale))
	h := uint16(math.Round(float64(inputHeight) * scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h, true
}

func encodeWebP(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Lossless: false, Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CheckImageExist reports whether an image with the given id exists.
func (d *Datalith) CheckImageExist(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists int
	err := d.db.QueryRowContext(ctx, `SELECT 1 FROM images WHERE id = ? LIMIT 1`, id[:]).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapSQL(err)
	}
	return true, nil
}

// GetImageByID retrieves an image's metadata and resolves every thumbnail,
// fallback, and original file it references.
func (d *Datalith) GetImageByID(ctx context.Context, id uuid.UUID) (*Image, error) {
	var (
		createdAt        int64
		imageStem        string
		imageWidth       uint16
		imageHeight      uint16
		originalFileID   []byte
		hasAlphaChannel  bool
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT created_at, image_stem, image_width, image_height, original_file_id, has_alpha_channel FROM images WHERE id = ?`,
		id[:],
	).Scan(&createdAt, &imageStem, &imageWidth, &imageHeight, &originalFileID, &hasAlphaChannel)
	if err == sql.ErrNoRows {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, wrapSQL(err)
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT multiplier, fallback, file_id FROM image_thumbnails WHERE image_id = ? ORDER BY multiplier, fallback`,
		id[:],
	)
	if err != nil {
		return nil, wrapSQL(err)
	}
	defer rows.Close()

	var thumbnailIDs, fallbackIDs []uuid.UUID
	for rows.Next() {
		var multiplier int
		var fallback bool
		var fileIDBytes []byte
		if err := rows.Scan(&multiplier, &fallback, &fileIDBytes); err != nil {
			return nil, wrapSQL(err)
		}
		fid, err := uuid.FromBytes(fileIDBytes)
		if err != nil {
			return nil, wrapIO(err)
		}
		if fallback {
			fallbackIDs = append(fallbackIDs, fid)
		} else {
			thumbnailIDs = append(thumbnailIDs, fid)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQL(err)
	}

	var originalFile *File
	if len(originalFileID) > 0 {
		oid, err := uuid.FromBytes(originalFileID)
		if err != nil {
			return nil, wrapIO(err)
		}
		originalFile, err = d.getFileRow(ctx, oid)
		if err != nil && !IsNotFound(err) {
			return nil, err
		}
	}

	thumbnails := make([]*File, 0, len(thumbnailIDs))
	for _, fid := range thumbnailIDs {
		f, err := d.getFileRow(ctx, fid)
		if err != nil {
			return nil, err
		}
		thumbnails = append(thumbnails, f)
	}
	fallbacks := make([]*File, 0, len(fallbackIDs))
	for _, fid := range fallbackIDs {
		f, err := d.getFileRow(ctx, fid)
		if err != nil {
			return nil, err
		}
		fallbacks = append(fallbacks, f)
	}

	return &Image{
		ID:                 id,
		CreatedAt:          time.UnixMilli(createdAt),
		ImageStem:          imageStem,
		Width:              imageWidth,
		Height:             imageHeight,
		OriginalFile:       originalFile,
		Thumbnails:         thumbnails,
		FallbackThumbnails: fallbacks,
		HasAlphaChannel:    hasAlphaChannel,
	}, nil
}

func (d *Datalith) getFileRow(ctx context.Context, id uuid.UUID) (*File, error) {
	var (
		hashBytes []byte
		createdAt int64
		fileSize  uint64
		fileType  string
		fileName  string
		expiredAt sql.NullInt64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT hash, created_at, file_size, file_type, file_name, expired_at FROM files WHERE id = ?`,
		id[:],
	).Scan(&hashBytes, &createdAt, &fileSize, &fileType, &fileName, &expiredAt)
	if err == sql.ErrNoRows {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, wrapSQL(err)
	}
	return scanFileRow(id[:], hashBytes, createdAt, fileSize, fileType, fileName, expiredAt)
}

// ListImageIDs pages through image ids, ordered by creation time then id
// unless opts.OrderBy says otherwise.
func (d *Datalith) ListImageIDs(ctx context.Context, opts PaginationOptions) ([]uuid.UUID, Pagination, error) {
	return paginateIDs(ctx, d.db, idListing{
		table:        "images",
		allowedOrder: map[string]bool{"id": true, "created_at": true},
		defaultOrder: []OrderByColumn{{Column: "created_at"}, {Column: "id"}},
	}, opts)
}

// DeleteImageByID removes an image's metadata rows and every file it owns
// (original, thumbnails, and fallbacks), acquiring all of their delete
// guards as one batch so no other operation can interleave with only part
// of the bundle removed. Deleting an id that does not exist returns nil
// rather than an error.
func (d *Datalith) DeleteImageByID(ctx context.Context, id uuid.UUID) error {
	img, err := d.GetImageByID(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}

	fileIDSet := make(map[uuid.UUID]struct{}, len(img.Thumbnails)+len(img.FallbackThumbnails)+1)
	for _, f := range img.Thumbnails {
		fileIDSet[f.ID] = struct{}{}
	}
	for _, f := range img.FallbackThumbnails {
		fileIDSet[f.ID] = struct{}{}
	}
	if img.OriginalFile != nil {
		fileIDSet[img.OriginalFile.ID] = struct{}{}
	}

	fileIDs := make([]uuid.UUID, 0, len(fileIDSet))
	for id := range fileIDSet {
		fileIDs = append(fileIDs, id)
	}

	guards := d.guards.acquireDeleteBatch(fileIDs)
	defer releaseAll(guards)

	for _, fid := range fileIDs {
		d.guards.waitWhileOpening(fid)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQL(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM image_thumbnails WHERE image_id = ?`, id[:]); err != nil {
		return wrapSQL(err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id[:])
	if err != nil {
		return wrapSQL(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return wrapSQL(err)
	}

	var g errgroup.Group
	for _, fid := range fileIDs {
		fid := fid
		g.Go(func() error { return d.deleteByIDLocked(ctx, fid) })
	}
	return g.Wait()
}

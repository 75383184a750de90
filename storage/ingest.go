package storage

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/google/uuid"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp"

	"github.com/qcatalog/refimage"
	"github.com/qcatalog/refimage/models"
)

// Ingestor validates uploaded reference images and persists them through a
// storage backend. Uploads validated here are trusted downstream; the
// resolver never re-fetches them.
type Ingestor struct {
	backend      Backend
	maxSizeBytes int64
}

// NewIngestor creates an Ingestor writing to the given backend.
func NewIngestor(backend Backend, maxSizeBytes int64) *Ingestor {
	return &Ingestor{
		backend:      backend,
		maxSizeBytes: maxSizeBytes,
	}
}

// Ingest validates the raw upload, captures dimensions and EXIF metadata,
// and saves it to the backend. The returned record is not yet persisted to
// the database; that is the caller's responsibility.
func (i *Ingestor) Ingest(productID string, data []byte, contentType string) (*models.UploadedImage, error) {
	if !refimage.IsImageContentType(contentType) {
		return nil, fmt.Errorf("%w: content type %q", refimage.ErrNotAnImage, contentType)
	}
	if i.maxSizeBytes > 0 && int64(len(data)) > i.maxSizeBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", refimage.ErrImageTooLarge, len(data), i.maxSizeBytes)
	}

	// Dimension probe doubles as a sanity check that the payload really is
	// a decodable image, regardless of the declared content type.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable image data", refimage.ErrNotAnImage)
	}

	id := uuid.New().String()

	path, err := i.backend.SaveImage(data, id, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	upload := &models.UploadedImage{
		ID:            id,
		ProductID:     productID,
		FilePath:      path,
		ContentType:   contentType,
		Width:         cfg.Width,
		Height:        cfg.Height,
		FileSizeBytes: int64(len(data)),
		EXIF:          extractEXIF(data),
		CreatedAt:     time.Now(),
	}

	return upload, nil
}

// ReadImage returns the stored bytes for a previously ingested upload.
func (i *Ingestor) ReadImage(path string) ([]byte, error) {
	return i.backend.ReadImage(path)
}

// extractEXIF pulls a useful subset of EXIF metadata from image data.
// Returns nil when the image carries no EXIF block; that is not an error.
func extractEXIF(data []byte) *models.EXIFData {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}

	result := &models.EXIFData{}
	hasData := false

	if tag, err := x.Get(exif.DateTime); err == nil {
		if val, err := tag.StringVal(); err == nil {
			result.DateTime = val
			hasData = true
		}
	}
	if tag, err := x.Get(exif.DateTimeOriginal); err == nil {
		if val, err := tag.StringVal(); err == nil {
			result.DateTimeOriginal = val
			hasData = true
		}
	}
	if tag, err := x.Get(exif.Make); err == nil {
		if val, err := tag.StringVal(); err == nil {
			result.Make = val
			hasData = true
		}
	}
	if tag, err := x.Get(exif.Model); err == nil {
		if val, err := tag.StringVal(); err == nil {
			result.Model = val
			hasData = true
		}
	}
	if tag, err := x.Get(exif.Software); err == nil {
		if val, err := tag.StringVal(); err == nil {
			result.Software = val
			hasData = true
		}
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if val, err := tag.Int(0); err == nil {
			result.Orientation = val
			hasData = true
		}
	}

	if !hasData {
		return nil
	}
	return result
}

package models

import "time"

// MetadataResult is the outcome of fetching a product page and extracting
// candidate image URLs. Images are absolute URLs, deduplicated, in discovery
// order (curated meta tags first). An empty list is a valid result.
type MetadataResult struct {
	URL       string    `json:"url"`
	Images    []string  `json:"images"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ProxyResult holds a proxied image payload for the duration of one
// request/response cycle. Data is relayed verbatim, never re-encoded.
type ProxyResult struct {
	Data         []byte `json:"-"`
	ContentType  string `json:"content_type"`
	SourceStatus int    `json:"source_status"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
}

// Grade is a QC section verdict.
type Grade string

const (
	GradePass    Grade = "PASS"
	GradeCaution Grade = "CAUTION"
	GradeFail    Grade = "FAIL"
)

// QCSection is one section of a QC report. Only CAUTION and FAIL sections
// are candidates for comparison-image resolution.
type QCSection struct {
	SectionName  string   `json:"section_name"`
	Grade        Grade    `json:"grade"`
	Observations []string `json:"observations"`
	ImageIDs     []string `json:"image_ids,omitempty"`
}

// NeedsComparisonImage reports whether the section's grade warrants a
// reference image.
func (s QCSection) NeedsComparisonImage() bool {
	return s.Grade == GradeCaution || s.Grade == GradeFail
}

// Stage identifies which fallback stage produced an image candidate.
type Stage string

const (
	StageTargeted Stage = "TARGETED"
	StageProfile  Stage = "PROFILE"
	StageUploaded Stage = "UPLOADED"
)

// ImageCandidate is a transient candidate produced during section image
// resolution. Discarded once a winner is chosen or all stages exhaust.
type ImageCandidate struct {
	URL       string `json:"url"`
	Stage     Stage  `json:"stage"`
	Validated bool   `json:"validated"`
}

// Product is a catalog product record. Owned by the store; this core reads
// it and never mutates it in place.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Brand     string    `json:"brand,omitempty"`
	Model     string    `json:"model,omitempty"`
	Category  string    `json:"category"`
	ImageURLs []string  `json:"image_urls,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// QCReport groups graded sections for one product.
type QCReport struct {
	ID        string      `json:"id"`
	ProductID string      `json:"product_id"`
	Sections  []QCSection `json:"sections"`
	CreatedAt time.Time   `json:"created_at"`
}

// FlaggedSections returns the sections eligible for comparison-image
// resolution, in report order.
func (r QCReport) FlaggedSections() []QCSection {
	var flagged []QCSection
	for _, s := range r.Sections {
		if s.NeedsComparisonImage() {
			flagged = append(flagged, s)
		}
	}
	return flagged
}

// UploadedImage is a user-supplied reference image ingested into storage.
type UploadedImage struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	FilePath      string    `json:"file_path"`
	ContentType   string    `json:"content_type"`
	Width         int       `json:"width,omitempty"`
	Height        int       `json:"height,omitempty"`
	FileSizeBytes int64     `json:"file_size_bytes"`
	EXIF          *EXIFData `json:"exif,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// EXIFData contains EXIF metadata extracted from an uploaded image.
type EXIFData struct {
	DateTime         string `json:"date_time,omitempty"`
	DateTimeOriginal string `json:"date_time_original,omitempty"`
	Make             string `json:"make,omitempty"`
	Model            string `json:"model,omitempty"`
	Software         string `json:"software,omitempty"`
	Orientation      int    `json:"orientation,omitempty"`
}

// SectionImage pairs a section with its resolved comparison image. Image is
// nil when all stages exhausted; that is an absence, not an error.
type SectionImage struct {
	SectionName string          `json:"section_name"`
	Grade       Grade           `json:"grade"`
	Image       *ImageCandidate `json:"image,omitempty"`
}

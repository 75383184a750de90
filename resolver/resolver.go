// Package resolver assigns comparison images to flagged QC report sections
// through an ordered fallback chain: a targeted AI-backed search, then the
// product's own identified images, then the user's uploaded references. A
// section that exhausts every stage simply has no comparison image; it never
// fails the report.
package resolver

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qcatalog/refimage/models"
	"github.com/qcatalog/refimage/search"
)

// Searcher finds candidate image URLs for a scoped natural-language query.
// Zero results and failures are both normal; the resolver falls through on
// either.
type Searcher interface {
	SearchImages(ctx context.Context, query string) ([]string, error)
}

// Validator checks that a candidate URL actually serves an image.
type Validator interface {
	ValidateImageURL(ctx context.Context, imageURL string) error
}

// Config contains resolver configuration
type Config struct {
	StageTimeout  time.Duration // Budget per stage; a stalled stage never starves the next
	MaxWorkers    int           // Concurrent section resolutions per report
	MaxCandidates int           // Validation attempts per stage
}

// DefaultConfig returns default resolver configuration
func DefaultConfig() Config {
	return Config{
		StageTimeout:  10 * time.Second,
		MaxWorkers:    5,
		MaxCandidates: 5,
	}
}

// Resolver runs the fallback chain. Stateless across calls; safe for
// concurrent use.
type Resolver struct {
	config    Config
	searcher  Searcher
	validator Validator
}

// New creates a new Resolver. searcher may be nil when no search capability
// is configured; the targeted stage is then skipped entirely.
func New(config Config, searcher Searcher, validator Validator) *Resolver {
	if config.StageTimeout <= 0 {
		config.StageTimeout = 10 * time.Second
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 5
	}
	if config.MaxCandidates <= 0 {
		config.MaxCandidates = 5
	}
	return &Resolver{config: config, searcher: searcher, validator: validator}
}

// ResolveSection returns the first usable comparison image for a section,
// or (nil, nil) when every stage exhausts. Stage failures are logged and
// trigger fallthrough; the only returned error is context cancellation.
func (r *Resolver) ResolveSection(ctx context.Context, section models.QCSection, product models.Product, uploaded []string) (*models.ImageCandidate, error) {
	if !section.NeedsComparisonImage() {
		return nil, nil
	}

	if candidate := r.tryTargeted(ctx, section, product); candidate != nil {
		return candidate, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if candidate := r.tryProfile(ctx, product); candidate != nil {
		return candidate, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if candidate := r.tryUploaded(uploaded); candidate != nil {
		return candidate, nil
	}

	return nil, ctx.Err()
}

// ResolveReport resolves every CAUTION/FAIL section of a report in
// parallel, bounded by MaxWorkers. Results keep report order; sections with
// no resolvable image carry a nil Image. Cancellation abandons in-flight
// sections without disturbing completed ones.
func (r *Resolver) ResolveReport(ctx context.Context, product models.Product, report models.QCReport, uploaded []string) []models.SectionImage {
	flagged := report.FlaggedSections()
	results := make([]models.SectionImage, len(flagged))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.MaxWorkers)

	for i, section := range flagged {
		g.Go(func() error {
			candidate, err := r.ResolveSection(gctx, section, product, uploaded)
			if err != nil {
				log.Printf("Section %q resolution abandoned: %v", section.SectionName, err)
				candidate = nil
			}
			results[i] = models.SectionImage{
				SectionName: section.SectionName,
				Grade:       section.Grade,
				Image:       candidate,
			}
			return nil
		})
	}

	// Workers only ever return nil; Wait is for completion, not errors.
	g.Wait()
	return results
}

// tryTargeted issues the scoped search and validates candidates in order.
func (r *Resolver) tryTargeted(ctx context.Context, section models.QCSection, product models.Product) *models.ImageCandidate {
	if r.searcher == nil {
		return nil
	}

	stageCtx, cancel := context.WithTimeout(ctx, r.config.StageTimeout)
	defer cancel()

	query := search.BuildQuery(product.Brand, product.Model, product.Name, section.SectionName)
	urls, err := r.searcher.SearchImages(stageCtx, query)
	if err != nil {
		log.Printf("Targeted search failed for section %q, falling through: %v", section.SectionName, err)
		return nil
	}
	if len(urls) == 0 {
		return nil
	}

	return r.firstValidated(stageCtx, urls, models.StageTargeted)
}

// tryProfile validates the product's previously identified image set.
func (r *Resolver) tryProfile(ctx context.Context, product models.Product) *models.ImageCandidate {
	if len(product.ImageURLs) == 0 {
		return nil
	}

	stageCtx, cancel := context.WithTimeout(ctx, r.config.StageTimeout)
	defer cancel()

	return r.firstValidated(stageCtx, product.ImageURLs, models.StageProfile)
}

// tryUploaded falls back to the user's original reference uploads. These
// passed the image content-type gate at ingest, so no re-validation fetch
// is made.
func (r *Resolver) tryUploaded(uploaded []string) *models.ImageCandidate {
	for _, u := range uploaded {
		if u == "" {
			continue
		}
		return &models.ImageCandidate{URL: u, Stage: models.StageUploaded, Validated: true}
	}
	return nil
}

// firstValidated returns the first candidate that passes validation, up to
// MaxCandidates attempts.
func (r *Resolver) firstValidated(ctx context.Context, urls []string, stage models.Stage) *models.ImageCandidate {
	attempts := len(urls)
	if attempts > r.config.MaxCandidates {
		attempts = r.config.MaxCandidates
	}

	for _, u := range urls[:attempts] {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.validator.ValidateImageURL(ctx, u); err != nil {
			log.Printf("Candidate %s failed validation (%s stage): %v", u, stage, err)
			continue
		}
		return &models.ImageCandidate{URL: u, Stage: stage, Validated: true}
	}
	return nil
}

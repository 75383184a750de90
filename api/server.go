// Package api exposes the QC reference-image service over HTTP. Every
// response, on every path, is written through the ResponseBuilder so the
// CORS and version headers are never missing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/qcatalog/refimage"
	"github.com/qcatalog/refimage/category"
	"github.com/qcatalog/refimage/metrics"
	"github.com/qcatalog/refimage/models"
	"github.com/qcatalog/refimage/resolver"
	"github.com/qcatalog/refimage/storage"
)

// ServiceName identifies this service in health responses.
const ServiceName = "refimage"

// Store defines the persistence operations the server needs.
type Store interface {
	CreateProduct(p *models.Product) error
	GetProduct(id string) (*models.Product, error)
	ListCategories() ([]string, error)
	GetReport(id string) (*models.QCReport, error)
	SaveUpload(u *models.UploadedImage) error
	GetUpload(id string) (*models.UploadedImage, error)
	ListUploadsByProduct(productID string) ([]models.UploadedImage, error)
	Close() error
}

// Config contains server configuration
type Config struct {
	Addr           string
	Version        string
	ClientConfig   refimage.Config
	CategoryConfig category.Config
	ResolverConfig resolver.Config
	MaxUploadBytes int64
	RateLimitPerIP float64 // Requests per second per client IP; 0 disables limiting
	RateLimitBurst int
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		Version:        "dev",
		ClientConfig:   refimage.DefaultConfig(),
		CategoryConfig: category.DefaultConfig(),
		ResolverConfig: resolver.DefaultConfig(),
		MaxUploadBytes: 10 * 1024 * 1024,
		RateLimitPerIP: 25,
		RateLimitBurst: 50,
	}
}

// Server represents the API server
type Server struct {
	store    Store
	client   *refimage.Client
	matcher  *category.Matcher
	resolver *resolver.Resolver
	ingestor *storage.Ingestor
	builder  *ResponseBuilder
	limiter  *ipLimiter
	addr     string
	server   *http.Server
	mux      *http.ServeMux

	maxUploadBytes int64
}

// NewServer creates a new API server. searcher may be nil; the resolver's
// targeted stage is then skipped.
func NewServer(config Config, st Store, ingestor *storage.Ingestor, searcher resolver.Searcher) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if ingestor == nil {
		return nil, fmt.Errorf("ingestor is required")
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 10 * 1024 * 1024
	}

	client := refimage.New(config.ClientConfig)

	s := &Server{
		store:          st,
		client:         client,
		matcher:        category.NewMatcher(config.CategoryConfig),
		resolver:       resolver.New(config.ResolverConfig, searcher, client),
		ingestor:       ingestor,
		builder:        NewResponseBuilder(config.Version),
		addr:           config.Addr,
		mux:            http.NewServeMux(),
		maxUploadBytes: config.MaxUploadBytes,
	}

	if config.RateLimitPerIP > 0 {
		burst := config.RateLimitBurst
		if burst <= 0 {
			burst = int(config.RateLimitPerIP)
		}
		s.limiter = newIPLimiter(config.RateLimitPerIP, burst)
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      otelhttp.NewHandler(s.middleware(s.mux), "refimage.api"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/", s.handleIndex) // Health at "/", 404 everywhere else
	s.mux.HandleFunc("/fetch-metadata", s.handleFetchMetadata)
	s.mux.HandleFunc("/proxy-image", s.handleProxyImage)
	s.mux.Handle("/metrics", s.instrumented(promhttp.Handler()))
	s.mux.HandleFunc("/products", s.handleProducts)
	s.mux.HandleFunc("/products/", s.handleProductSubroutes) // Handles /products/{id}/uploads
	s.mux.HandleFunc("/uploads/", s.handleUploadFile)        // Handles /uploads/{id}
	s.mux.HandleFunc("/reports/", s.handleReportSubroutes)   // Handles /reports/{id}/resolve-images
}

// Start starts the API server
func (s *Server) Start() error {
	log.Printf("Starting API server on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return s.store.Close()
}

// Handler exposes the full middleware-wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// instrumented stamps the builder's headers on a handler that writes its
// own body.
func (s *Server) instrumented(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.builder.Apply(w)
		next.ServeHTTP(w, r)
	})
}

// handleIndex serves the health/version document at "/" and a JSON 404 for
// every unmatched route.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.builder.Error(w, http.StatusNotFound, "route not found")
		return
	}
	if r.Method != http.MethodGet {
		s.builder.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.builder.JSON(w, http.StatusOK, map[string]interface{}{
		"name":    ServiceName,
		"version": s.builder.version,
		"status":  "ok",
		"endpoints": []string{
			"GET /",
			"GET /fetch-metadata?url=",
			"GET /proxy-image?url=",
			"GET /metrics",
			"POST /products",
			"POST /products/{id}/uploads",
			"GET /uploads/{id}",
			"POST /reports/{id}/resolve-images",
		},
	})
}

// handleFetchMetadata extracts candidate image URLs from a product page.
func (s *Server) handleFetchMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.builder.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	target := r.URL.Query().Get("url")
	if target == "" {
		s.builder.Error(w, http.StatusBadRequest, "url parameter is required")
		return
	}

	result, err := s.client.FetchMetadata(r.Context(), target)
	if err != nil {
		status := statusForError(err)
		if status >= 500 {
			metrics.UpstreamFailures.WithLabelValues("fetch_metadata", reasonForError(err)).Inc()
		}
		s.builder.Error(w, status, err.Error())
		return
	}

	s.builder.JSON(w, http.StatusOK, result)
}

// handleProxyImage relays an image from an arbitrary origin.
func (s *Server) handleProxyImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.builder.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	target := r.URL.Query().Get("url")
	if target == "" {
		s.builder.Error(w, http.StatusBadRequest, "url parameter is required")
		return
	}

	result, err := s.client.ProxyImage(r.Context(), target)
	if err != nil {
		status := statusForError(err)
		if status >= 500 {
			metrics.UpstreamFailures.WithLabelValues("proxy_image", reasonForError(err)).Inc()
		}
		s.builder.Error(w, status, err.Error())
		return
	}

	s.builder.Binary(w, http.StatusOK, result.ContentType, result.Data)
}

// CreateProductRequest represents a product creation request
type CreateProductRequest struct {
	Name      string   `json:"name"`
	Brand     string   `json:"brand"`
	Model     string   `json:"model"`
	Category  string   `json:"category"`
	ImageURLs []string `json:"image_urls"`
}

// handleProducts handles product creation. The raw category label is
// resolved against the existing taxonomy before the record is stored.
func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.builder.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.builder.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.builder.Error(w, http.StatusBadRequest, "name is required")
		return
	}

	existing, err := s.store.ListCategories()
	if err != nil {
		log.Printf("Failed to list categories: %v", err)
		s.builder.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	canonical, err := s.matcher.Resolve(req.Category, existing)
	if err != nil {
		s.builder.Error(w, statusForError(err), err.Error())
		return
	}

	product := &models.Product{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Brand:     req.Brand,
		Model:     req.Model,
		Category:  canonical,
		ImageURLs: req.ImageURLs,
		CreatedAt: time.Now(),
	}

	if err := s.store.CreateProduct(product); err != nil {
		log.Printf("Failed to create product: %v", err)
		s.builder.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	s.builder.JSON(w, http.StatusCreated, product)
}

// handleProductSubroutes dispatches /products/{id}/uploads.
func (s *Server) handleProductSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/products/")
	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "uploads" && parts[0] != "" {
		s.handleUpload(w, r, parts[0])
		return
	}
	s.builder.Error(w, http.StatusNotFound, "route not found")
}

// handleUpload ingests a multipart reference-image upload for a product.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, productID string) {
	if r.Method != http.MethodPost {
		s.builder.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	product, err := s.store.GetProduct(productID)
	if err != nil {
		log.Printf("Failed to load product %s: %v", productID, err)
		s.builder.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if product == nil {
		s.builder.Error(w, http.StatusNotFound, "product not found")
		return
	}

	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		s.builder.Error(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		s.builder.Error(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.maxUploadBytes+1))
	if err != nil {
		s.builder.Error(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if int64(len(data)) > s.maxUploadBytes {
		s.builder.Error(w, http.StatusRequestEntityTooLarge, refimage.ErrImageTooLarge.Error())
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	upload, err := s.ingestor.Ingest(product.ID, data, contentType)
	if err != nil {
		s.builder.Error(w, statusForError(err), err.Error())
		return
	}

	if err := s.store.SaveUpload(upload); err != nil {
		log.Printf("Failed to save upload record: %v", err)
		s.builder.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	metrics.UploadsTotal.Inc()
	s.builder.JSON(w, http.StatusCreated, upload)
}

// handleUploadFile serves a stored reference image's bytes, so resolver
// candidates from the uploaded stage are fetchable like any other image
// URL.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.builder.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/uploads/")
	if id == "" || strings.Contains(id, "/") {
		s.builder.Error(w, http.StatusNotFound, "route not found")
		return
	}

	upload, err := s.store.GetUpload(id)
	if err != nil {
		log.Printf("Failed to load upload %s: %v", id, err)
		s.builder.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if upload == nil {
		s.builder.Error(w, http.StatusNotFound, "upload not found")
		return
	}

	data, err := s.ingestor.ReadImage(upload.FilePath)
	if err != nil {
		log.Printf("Failed to read upload %s from storage: %v", id, err)
		s.builder.Error(w, http.StatusInternalServerError, "failed to read stored upload")
		return
	}

	s.builder.Binary(w, http.StatusOK, upload.ContentType, data)
}

// handleReportSubroutes dispatches /reports/{id}/resolve-images.
func (s *Server) handleReportSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/reports/")
	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "resolve-images" && parts[0] != "" {
		s.handleResolveImages(w, r, parts[0])
		return
	}
	s.builder.Error(w, http.StatusNotFound, "route not found")
}

// ResolveImagesResponse represents the per-section resolution outcome for
// one report. Sections with no resolvable image carry a null image, never
// an error.
type ResolveImagesResponse struct {
	ReportID string                `json:"report_id"`
	Sections []models.SectionImage `json:"sections"`
}

// handleResolveImages runs the fallback chain across a report's flagged
// sections.
func (s *Server) handleResolveImages(w http.ResponseWriter, r *http.Request, reportID string) {
	if r.Method != http.MethodPost {
		s.builder.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	report, err := s.store.GetReport(reportID)
	if err != nil {
		log.Printf("Failed to load report %s: %v", reportID, err)
		s.builder.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if report == nil {
		s.builder.Error(w, http.StatusNotFound, "report not found")
		return
	}

	product, err := s.store.GetProduct(report.ProductID)
	if err != nil {
		log.Printf("Failed to load product %s: %v", report.ProductID, err)
		s.builder.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if product == nil {
		s.builder.Error(w, http.StatusNotFound, "product not found")
		return
	}

	uploads, err := s.store.ListUploadsByProduct(product.ID)
	if err != nil {
		log.Printf("Failed to list uploads for product %s: %v", product.ID, err)
		s.builder.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	// Uploaded-stage candidates carry the serving route, not the raw
	// storage path, so the winning URL is fetchable by the client.
	uploadURLs := make([]string, 0, len(uploads))
	for _, u := range uploads {
		uploadURLs = append(uploadURLs, "/uploads/"+u.ID)
	}

	sections := s.resolver.ResolveReport(r.Context(), *product, *report, uploadURLs)

	for _, sec := range sections {
		if sec.Image != nil {
			metrics.ResolvedSections.WithLabelValues(string(sec.Image.Stage)).Inc()
		} else {
			metrics.ResolvedSections.WithLabelValues("none").Inc()
		}
	}

	s.builder.JSON(w, http.StatusOK, ResolveImagesResponse{
		ReportID: report.ID,
		Sections: sections,
	})
}

// statusClientClosedRequest is the nginx convention for a request the
// client abandoned; there is no stdlib constant.
const statusClientClosedRequest = 499

// statusForError maps the error taxonomy onto HTTP status codes. Timeouts
// map to 504 so callers can tell a slow origin from an unreachable one.
func statusForError(err error) int {
	var upstream *refimage.UpstreamError
	switch {
	case errors.Is(err, context.Canceled):
		// The caller hung up mid-request; not a service fault.
		return statusClientClosedRequest
	case errors.Is(err, refimage.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, category.ErrInvalidCategory):
		return http.StatusBadRequest
	case errors.Is(err, refimage.ErrNotAnImage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, refimage.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, refimage.ErrUpstreamUnavailable):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// reasonForError labels an upstream failure for metrics.
func reasonForError(err error) string {
	var upstream *refimage.UpstreamError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &upstream):
		return "bad_status"
	case errors.Is(err, refimage.ErrUpstreamUnavailable):
		return "unreachable"
	default:
		return "other"
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qcatalog/refimage"
	"github.com/qcatalog/refimage/models"
	"github.com/qcatalog/refimage/storage"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	mu         sync.Mutex
	products   map[string]*models.Product
	reports    map[string]*models.QCReport
	uploads    map[string][]models.UploadedImage
	categories []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		products: make(map[string]*models.Product),
		reports:  make(map[string]*models.QCReport),
		uploads:  make(map[string][]models.UploadedImage),
	}
}

func (f *fakeStore) CreateProduct(p *models.Product) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[p.ID] = p
	for _, c := range f.categories {
		if c == p.Category {
			return nil
		}
	}
	f.categories = append(f.categories, p.Category)
	return nil
}

func (f *fakeStore) GetProduct(id string) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[id], nil
}

func (f *fakeStore) ListCategories() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.categories...), nil
}

func (f *fakeStore) GetReport(id string) (*models.QCReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports[id], nil
}

func (f *fakeStore) SaveUpload(u *models.UploadedImage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[u.ProductID] = append(f.uploads[u.ProductID], *u)
	return nil
}

func (f *fakeStore) GetUpload(id string) (*models.UploadedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, list := range f.uploads {
		for i := range list {
			if list[i].ID == id {
				u := list[i]
				return &u, nil
			}
		}
	}
	return nil, nil
}

func (f *fakeStore) ListUploadsByProduct(productID string) ([]models.UploadedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.UploadedImage(nil), f.uploads[productID]...), nil
}

func (f *fakeStore) Close() error { return nil }

func setupTestServer(t *testing.T, mutate func(*Config)) (*Server, *fakeStore) {
	t.Helper()

	backend, err := storage.New(storage.Config{BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create storage backend: %v", err)
	}

	config := DefaultConfig()
	config.Version = "test-1"
	config.RateLimitPerIP = 0 // Most tests fire many requests from one IP
	config.ClientConfig.FetchTimeout = 2 * time.Second
	config.ClientConfig.ImageTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&config)
	}

	st := newFakeStore()
	server, err := NewServer(config, st, storage.NewIngestor(backend, config.MaxUploadBytes), nil)
	if err != nil {
		t.Fatalf("failed to create test server: %v", err)
	}
	return server, st
}

func checkServiceHeaders(t *testing.T, resp *http.Response) {
	t.Helper()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := resp.Header.Get("X-Service-Version"); got != "test-1" {
		t.Errorf("X-Service-Version = %q, want test-1", got)
	}
}

func doRequest(t *testing.T, server *Server, req *http.Request) *http.Response {
	t.Helper()
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec.Result()
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	resp := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/", nil))
	checkServiceHeaders(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["name"] != ServiceName {
		t.Errorf("name = %v, want %s", body["name"], ServiceName)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test-1" {
		t.Errorf("version = %v, want test-1", body["version"])
	}
	if endpoints, ok := body["endpoints"].([]interface{}); !ok || len(endpoints) == 0 {
		t.Error("expected non-empty endpoints list")
	}
}

// Unmatched routes must still carry the CORS and version headers; a bare
// 404 shows up in browsers as a bogus CORS failure.
func TestNotFoundCarriesServiceHeaders(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	resp := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/no/such/route", nil))
	checkServiceHeaders(t, resp)

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("404 body is not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected error message in 404 body")
	}
}

func TestPreflightAnyPath(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	for _, path := range []string{"/", "/fetch-metadata", "/definitely/not/routed"} {
		resp := doRequest(t, server, httptest.NewRequest(http.MethodOptions, path, nil))
		checkServiceHeaders(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("OPTIONS %s status = %d, want 200", path, resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
			t.Errorf("OPTIONS %s Allow-Methods = %q, want POST included", path, got)
		}
	}
}

func TestMethodNotAllowedCarriesServiceHeaders(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	resp := doRequest(t, server, httptest.NewRequest(http.MethodPost, "/fetch-metadata", nil))
	checkServiceHeaders(t, resp)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

// A panicking handler must still produce a JSON 500 with the full header
// set.
func TestPanicRecoveryCarriesServiceHeaders(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	server.mux.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})

	resp := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/boom", nil))
	checkServiceHeaders(t, resp)

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("500 body is not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected error message in 500 body")
	}
}

func TestFetchMetadataEndpoint(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><meta property="og:image" content="https://cdn.example.com/hero.jpg"></head><body><img src="/inline.png"></body></html>`)
	}))
	defer origin.Close()

	server, _ := setupTestServer(t, nil)

	resp := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/fetch-metadata?url="+origin.URL, nil))
	checkServiceHeaders(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result models.MetadataResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if len(result.Images) != 2 {
		t.Fatalf("got %d images, want 2: %v", len(result.Images), result.Images)
	}
	if result.Images[0] != "https://cdn.example.com/hero.jpg" {
		t.Errorf("first image = %q, want the og:image", result.Images[0])
	}
}

func TestFetchMetadataErrors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	server, _ := setupTestServer(t, nil)

	tests := []struct {
		name       string
		target     string
		wantStatus int
	}{
		{"missing url parameter", "/fetch-metadata", http.StatusBadRequest},
		{"relative url", "/fetch-metadata?url=/not/absolute", http.StatusBadRequest},
		{"non-http scheme", "/fetch-metadata?url=ftp://example.com", http.StatusBadRequest},
		{"upstream 503", "/fetch-metadata?url=" + failing.URL, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, server, httptest.NewRequest(http.MethodGet, tt.target, nil))
			checkServiceHeaders(t, resp)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestProxyImageEndpoint(t *testing.T) {
	imgData := encodeTestPNG(t, 3, 2)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(imgData)
	}))
	defer origin.Close()

	server, _ := setupTestServer(t, nil)

	resp := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/proxy-image?url="+origin.URL, nil))
	checkServiceHeaders(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", got)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), imgData) {
		t.Error("proxied bytes do not match origin bytes")
	}
}

func TestProxyImageRejectsNonImage(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>not an image</html>")
	}))
	defer origin.Close()

	server, _ := setupTestServer(t, nil)

	resp := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/proxy-image?url="+origin.URL, nil))
	checkServiceHeaders(t, resp)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestProxyImageUpstreamTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()

	server, _ := setupTestServer(t, func(c *Config) {
		c.ClientConfig.ImageTimeout = 100 * time.Millisecond
	})

	resp := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/proxy-image?url="+slow.URL, nil))
	checkServiceHeaders(t, resp)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
}

func TestCreateProductResolvesCategory(t *testing.T) {
	server, st := setupTestServer(t, nil)
	st.categories = []string{"Watch"}

	body, _ := json.Marshal(CreateProductRequest{
		Name:     "Submariner Date",
		Brand:    "Rolex",
		Model:    "126610LN",
		Category: "Luxury Watches",
	})

	req := httptest.NewRequest(http.MethodPost, "/products", bytes.NewReader(body))
	resp := doRequest(t, server, req)
	checkServiceHeaders(t, resp)

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var product models.Product
	if err := json.NewDecoder(resp.Body).Decode(&product); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if product.Category != "Watch" {
		t.Errorf("category = %q, want merged into existing Watch", product.Category)
	}
	if product.ID == "" {
		t.Error("expected generated product ID")
	}
}

func TestCreateProductValidation(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{nope"},
		{"missing name", `{"category":"Watch"}`},
		{"empty category", `{"name":"Thing","category":"  "}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/products", strings.NewReader(tt.body))
			resp := doRequest(t, server, req)
			checkServiceHeaders(t, resp)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename)}
	hdr["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("failed to create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("failed to write part: %v", err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploadReferenceImage(t *testing.T) {
	server, st := setupTestServer(t, nil)
	st.products["p1"] = &models.Product{ID: "p1", Name: "Test", Category: "Watch"}

	body, contentType := multipartBody(t, "image", "ref.png", "image/png", encodeTestPNG(t, 5, 5))
	req := httptest.NewRequest(http.MethodPost, "/products/p1/uploads", body)
	req.Header.Set("Content-Type", contentType)

	resp := doRequest(t, server, req)
	checkServiceHeaders(t, resp)

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var upload models.UploadedImage
	if err := json.NewDecoder(resp.Body).Decode(&upload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if upload.Width != 5 || upload.Height != 5 {
		t.Errorf("dimensions = %dx%d, want 5x5", upload.Width, upload.Height)
	}
	if len(st.uploads["p1"]) != 1 {
		t.Errorf("expected 1 persisted upload, got %d", len(st.uploads["p1"]))
	}
}

func TestUploadRejectsNonImage(t *testing.T) {
	server, st := setupTestServer(t, nil)
	st.products["p1"] = &models.Product{ID: "p1", Name: "Test", Category: "Watch"}

	body, contentType := multipartBody(t, "image", "notes.txt", "text/plain", []byte("not an image"))
	req := httptest.NewRequest(http.MethodPost, "/products/p1/uploads", body)
	req.Header.Set("Content-Type", contentType)

	resp := doRequest(t, server, req)
	checkServiceHeaders(t, resp)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestUploadUnknownProduct(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	body, contentType := multipartBody(t, "image", "ref.png", "image/png", encodeTestPNG(t, 2, 2))
	req := httptest.NewRequest(http.MethodPost, "/products/ghost/uploads", body)
	req.Header.Set("Content-Type", contentType)

	resp := doRequest(t, server, req)
	checkServiceHeaders(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestResolveImagesFallsBackToUploads(t *testing.T) {
	server, st := setupTestServer(t, nil)
	st.products["p1"] = &models.Product{ID: "p1", Name: "Test", Category: "Watch"}
	st.reports["r1"] = &models.QCReport{
		ID:        "r1",
		ProductID: "p1",
		Sections: []models.QCSection{
			{SectionName: "Dial", Grade: models.GradePass},
			{SectionName: "Bezel", Grade: models.GradeFail},
		},
	}
	st.uploads["p1"] = []models.UploadedImage{
		{ID: "u1", ProductID: "p1", FilePath: "uploads/2026/08/u1.png"},
	}

	req := httptest.NewRequest(http.MethodPost, "/reports/r1/resolve-images", nil)
	resp := doRequest(t, server, req)
	checkServiceHeaders(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result ResolveImagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if result.ReportID != "r1" {
		t.Errorf("report_id = %q, want r1", result.ReportID)
	}
	// Only the flagged section is resolved
	if len(result.Sections) != 1 {
		t.Fatalf("got %d sections, want 1", len(result.Sections))
	}
	sec := result.Sections[0]
	if sec.SectionName != "Bezel" {
		t.Errorf("section = %q, want Bezel", sec.SectionName)
	}
	if sec.Image == nil {
		t.Fatal("expected a resolved image")
	}
	if sec.Image.Stage != models.StageUploaded {
		t.Errorf("stage = %q, want UPLOADED", sec.Image.Stage)
	}
	// The candidate must point at the serving route, not the storage path
	if sec.Image.URL != "/uploads/u1" {
		t.Errorf("url = %q, want /uploads/u1", sec.Image.URL)
	}
}

func TestServeUploadedImage(t *testing.T) {
	server, st := setupTestServer(t, nil)
	st.products["p1"] = &models.Product{ID: "p1", Name: "Test", Category: "Watch"}

	imgData := encodeTestPNG(t, 4, 4)
	body, contentType := multipartBody(t, "image", "ref.png", "image/png", imgData)
	req := httptest.NewRequest(http.MethodPost, "/products/p1/uploads", body)
	req.Header.Set("Content-Type", contentType)

	resp := doRequest(t, server, req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201", resp.StatusCode)
	}
	var upload models.UploadedImage
	if err := json.NewDecoder(resp.Body).Decode(&upload); err != nil {
		t.Fatalf("failed to decode upload: %v", err)
	}

	resp = doRequest(t, server, httptest.NewRequest(http.MethodGet, "/uploads/"+upload.ID, nil))
	checkServiceHeaders(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("serve status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", got)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), imgData) {
		t.Error("served bytes do not match uploaded bytes")
	}
}

func TestServeUploadedImageNotFound(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	for _, path := range []string{"/uploads/ghost", "/uploads/", "/uploads/a/b"} {
		resp := doRequest(t, server, httptest.NewRequest(http.MethodGet, path, nil))
		checkServiceHeaders(t, resp)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestResolveImagesUnknownReport(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/reports/ghost/resolve-images", nil)
	resp := doRequest(t, server, req)
	checkServiceHeaders(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRateLimitCarriesServiceHeaders(t *testing.T) {
	server, _ := setupTestServer(t, func(c *Config) {
		c.RateLimitPerIP = 1
		c.RateLimitBurst = 1
	})

	first := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/", nil))
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.StatusCode)
	}

	second := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/", nil))
	checkServiceHeaders(t, second)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", second.StatusCode)
	}
}

func TestIPLimiterEvictsIdleEntries(t *testing.T) {
	l := newIPLimiter(1, 1)
	l.allow("198.51.100.1")
	l.allow("198.51.100.2")

	// Age one entry past the idle TTL and make the next call sweep
	l.mu.Lock()
	l.entries["198.51.100.1"].lastSeen = time.Now().Add(-2 * limiterIdleTTL)
	l.lastSweep = time.Now().Add(-2 * limiterIdleTTL)
	l.mu.Unlock()

	l.allow("198.51.100.3")

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries["198.51.100.1"]; ok {
		t.Error("idle entry should have been evicted")
	}
	if _, ok := l.entries["198.51.100.2"]; !ok {
		t.Error("active entry should have survived the sweep")
	}
	if _, ok := l.entries["198.51.100.3"]; !ok {
		t.Error("new entry should be present")
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid url", refimage.ErrInvalidURL, http.StatusBadRequest},
		{"not an image", refimage.ErrNotAnImage, http.StatusUnprocessableEntity},
		{"too large", refimage.ErrImageTooLarge, http.StatusRequestEntityTooLarge},
		{"unreachable", refimage.ErrUpstreamUnavailable, http.StatusBadGateway},
		{"bad status", &refimage.UpstreamError{Status: 503}, http.StatusBadGateway},
		{"client cancelled", context.Canceled, statusClientClosedRequest},
		{"unknown", fmt.Errorf("mystery"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusForError(tt.err); got != tt.want {
				t.Errorf("statusForError = %d, want %d", got, tt.want)
			}
		})
	}
}

func encodeTestPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

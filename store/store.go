// Package store persists the catalog's product, report and upload records
// in PostgreSQL. The resolution core treats it as read-only; only product
// creation and upload ingestion write here.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/qcatalog/refimage/models"
)

// Store wraps the database connection and provides data access methods
type Store struct {
	conn *sql.DB
}

// Config contains database configuration
type Config struct {
	DSN string // PostgreSQL connection string
}

// New creates a new database connection
func New(config Config) (*Store, error) {
	conn, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn}

	if err := Migrate(conn); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// DB returns the underlying database connection for metrics collection
func (s *Store) DB() *sql.DB {
	return s.conn
}

// CreateProduct saves a new product record. The ID and creation time are
// assigned here when absent.
func (s *Store) CreateProduct(p *models.Product) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	imageURLs, err := json.Marshal(p.ImageURLs)
	if err != nil {
		return fmt.Errorf("failed to marshal image URLs: %w", err)
	}

	_, err = s.conn.Exec(`
		INSERT INTO qc_products (id, name, brand, model, category, image_urls, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.Name, p.Brand, p.Model, p.Category, string(imageURLs), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

// GetProduct retrieves a product by ID. Returns (nil, nil) when not found.
func (s *Store) GetProduct(id string) (*models.Product, error) {
	var p models.Product
	var imageURLs string

	err := s.conn.QueryRow(`
		SELECT id, name, brand, model, category, image_urls, created_at
		FROM qc_products WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Brand, &p.Model, &p.Category, &imageURLs, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query product: %w", err)
	}

	if err := json.Unmarshal([]byte(imageURLs), &p.ImageURLs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image URLs: %w", err)
	}
	return &p, nil
}

// ListCategories returns the distinct canonical categories in first-use
// order, which the matcher relies on for tie-breaking.
func (s *Store) ListCategories() ([]string, error) {
	rows, err := s.conn.Query(`
		SELECT category FROM qc_products
		WHERE category <> ''
		GROUP BY category
		ORDER BY MIN(created_at)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// SaveReport saves a QC report with its graded sections.
func (s *Store) SaveReport(r *models.QCReport) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	sections, err := json.Marshal(r.Sections)
	if err != nil {
		return fmt.Errorf("failed to marshal sections: %w", err)
	}

	_, err = s.conn.Exec(`
		INSERT INTO qc_reports (id, product_id, sections, created_at)
		VALUES ($1, $2, $3, $4)
	`, r.ID, r.ProductID, string(sections), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

// GetReport retrieves a report by ID. Returns (nil, nil) when not found.
func (s *Store) GetReport(id string) (*models.QCReport, error) {
	var r models.QCReport
	var sections string

	err := s.conn.QueryRow(`
		SELECT id, product_id, sections, created_at
		FROM qc_reports WHERE id = $1
	`, id).Scan(&r.ID, &r.ProductID, &sections, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query report: %w", err)
	}

	if err := json.Unmarshal([]byte(sections), &r.Sections); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sections: %w", err)
	}
	return &r, nil
}

// SaveUpload records an ingested reference image.
func (s *Store) SaveUpload(u *models.UploadedImage) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}

	var exif interface{}
	if u.EXIF != nil {
		data, err := json.Marshal(u.EXIF)
		if err != nil {
			return fmt.Errorf("failed to marshal EXIF: %w", err)
		}
		exif = string(data)
	}

	_, err := s.conn.Exec(`
		INSERT INTO qc_uploads (id, product_id, file_path, content_type, width, height, file_size_bytes, exif, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.ProductID, u.FilePath, u.ContentType, u.Width, u.Height, u.FileSizeBytes, exif, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert upload: %w", err)
	}
	return nil
}

// GetUpload retrieves an upload record by ID. Returns (nil, nil) when not
// found.
func (s *Store) GetUpload(id string) (*models.UploadedImage, error) {
	var u models.UploadedImage
	var exif sql.NullString

	err := s.conn.QueryRow(`
		SELECT id, product_id, file_path, content_type, width, height, file_size_bytes, exif, created_at
		FROM qc_uploads WHERE id = $1
	`, id).Scan(&u.ID, &u.ProductID, &u.FilePath, &u.ContentType, &u.Width, &u.Height, &u.FileSizeBytes, &exif, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query upload: %w", err)
	}

	if exif.Valid && exif.String != "" {
		var data models.EXIFData
		if err := json.Unmarshal([]byte(exif.String), &data); err == nil {
			u.EXIF = &data
		}
	}
	return &u, nil
}

// ListUploadsByProduct returns a product's reference uploads, oldest first
// (the user's original uploads lead the fallback order).
func (s *Store) ListUploadsByProduct(productID string) ([]models.UploadedImage, error) {
	rows, err := s.conn.Query(`
		SELECT id, product_id, file_path, content_type, width, height, file_size_bytes, exif, created_at
		FROM qc_uploads WHERE product_id = $1
		ORDER BY created_at ASC
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query uploads: %w", err)
	}
	defer rows.Close()

	var uploads []models.UploadedImage
	for rows.Next() {
		var u models.UploadedImage
		var exif sql.NullString
		if err := rows.Scan(&u.ID, &u.ProductID, &u.FilePath, &u.ContentType, &u.Width, &u.Height, &u.FileSizeBytes, &exif, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		if exif.Valid && exif.String != "" {
			var data models.EXIFData
			if err := json.Unmarshal([]byte(exif.String), &data); err == nil {
				u.EXIF = &data
			}
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-prices/models"
)

// ImageRecorder receives image download outcome counts.
type ImageRecorder interface {
	IncImage(outcome string)
}

// FileStore persists products as one JSON document per identity under
// <dataDir>/page_<N>/, with images under <dataDir>/page_<N>/images/.
type FileStore struct {
	dataDir      string
	client       *http.Client
	imageTimeout time.Duration
	recorder     ImageRecorder
}

// NewFileStore creates a store rooted at dataDir. A nil client uses
// http.DefaultClient.
func NewFileStore(dataDir string, client *http.Client, imageTimeout time.Duration) *FileStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &FileStore{
		dataDir:      dataDir,
		client:       client,
		imageTimeout: imageTimeout,
	}
}

// WithRecorder attaches an image outcome recorder.
func (s *FileStore) WithRecorder(r ImageRecorder) *FileStore {
	s.recorder = r
	return s
}

// PageDir returns the directory holding the records of page.
func (s *FileStore) PageDir(page int) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("page_%d", page))
}

// Persist downloads the product image, if any, and writes the record,
// replacing an earlier record of the same identity. An image failure is
// logged and leaves ImagePath empty; only the record write can fail.
func (s *FileStore) Persist(ctx context.Context, product *models.Product, page int) (*models.Product, error) {
	id := product.ID()
	pageDir := s.PageDir(page)
	imageDir := filepath.Join(pageDir, "images")
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %q: %w", imageDir, err)
	}

	stored := *product
	stored.ImagePath = ""
	if stored.ImageURL != "" {
		imagePath := filepath.Join(imageDir, id+".jpg")
		if err := s.downloadImage(ctx, stored.ImageURL, imagePath); err != nil {
			slog.Warn("image download failed",
				slog.Int("page", page),
				slog.String("id", id),
				slog.String("image_url", stored.ImageURL),
				slog.Any("error", err),
			)
			s.incImage("failed")
		} else {
			stored.ImagePath = imagePath
			s.incImage("downloaded")
		}
	}

	if err := writeJSONFile(filepath.Join(pageDir, id+".json"), &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *FileStore) downloadImage(ctx context.Context, imageURL, dest string) error {
	if s.imageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.imageTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return fmt.Errorf("build image request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("get image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("get image: http status %d", resp.StatusCode)
	}

	return writeAtomic(dest, func(w io.Writer) error {
		_, err := io.Copy(w, resp.Body)
		return err
	})
}

func (s *FileStore) incImage(outcome string) {
	if s.recorder != nil {
		s.recorder.IncImage(outcome)
	}
}

func writeJSONFile(filename string, product *models.Product) error {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(product); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return writeAtomic(filename, func(w io.Writer) error {
		_, err := w.Write(buf.Bytes())
		return err
	})
}

// writeAtomic fills a temp file next to filename and renames it into place.
func writeAtomic(filename string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %q: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %q: %w", filename, err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %q: %w", filename, err)
	}
	return nil
}

// CSVWriter writes records to CSV.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter initialises a CSV writer and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	header := []string{"product_title", "product_price", "product_url", "product_image", "path_to_image"}
	if err := writer.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends products to the CSV output.
func (cw *CSVWriter) Write(products []*models.Product) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, product := range products {
		record := []string{
			product.Title,
			strconv.Itoa(product.Price),
			product.URL,
			product.ImageURL,
			product.ImagePath,
		}
		if err := cw.writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter initialises the JSONL writer.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	return &JSONWriter{
		file:    f,
		writer:  buffer,
		encoder: encoder,
	}, nil
}

// Write appends products in JSONL format.
func (jw *JSONWriter) Write(products []*models.Product) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, product := range products {
		if err := jw.encoder.Encode(product); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate reports whether the file exists. An export of an unchanged
// catalogue is legitimately empty.
func (jw *JSONWriter) Validate() error {
	if _, err := jw.file.Stat(); err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-scrape-prices/models"
)

const imageURL = "https://cdn.shop.test/uploads/brush.jpg"

func newTestFileStore(t *testing.T) (*FileStore, *httpmock.MockTransport, string) {
	t.Helper()
	dir := t.TempDir()
	transport := httpmock.NewMockTransport()
	return NewFileStore(dir, &http.Client{Transport: transport}, 0), transport, dir
}

func TestFileStorePersistWithImage(t *testing.T) {
	store, transport, dir := newTestFileStore(t)
	transport.RegisterResponder("GET", imageURL, httpmock.NewBytesResponder(200, []byte("JPEGDATA")))

	product := &models.Product{
		Title:    "Brush & Floss – Größe L",
		Price:    450,
		URL:      "https://shop.test/product/brush/",
		ImageURL: imageURL,
	}
	stored, err := store.Persist(context.Background(), product, 2)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	id := product.ID()
	wantImage := filepath.Join(dir, "page_2", "images", id+".jpg")
	if stored.ImagePath != wantImage {
		t.Fatalf("image path = %q, want %q", stored.ImagePath, wantImage)
	}
	if product.ImagePath != "" {
		t.Fatalf("input product must not be mutated")
	}
	data, err := os.ReadFile(wantImage)
	if err != nil || string(data) != "JPEGDATA" {
		t.Fatalf("image content = %q (%v)", data, err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "page_2", id+".json"))
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	text := string(raw)
	if !strings.Contains(text, "\n    \"product_title\": \"Brush & Floss – Größe L\"") {
		t.Fatalf("record not 4-space indented with raw text:\n%s", text)
	}

	var decoded models.Product
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if decoded != *stored {
		t.Fatalf("decoded = %+v, want %+v", decoded, *stored)
	}
}

func TestFileStoreImageFailureIsNonFatal(t *testing.T) {
	store, transport, dir := newTestFileStore(t)
	transport.RegisterResponder("GET", imageURL, httpmock.NewStringResponder(404, "missing"))

	product := &models.Product{Title: "Brush", Price: 10, URL: "https://shop.test/p/1/", ImageURL: imageURL}
	stored, err := store.Persist(context.Background(), product, 1)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if stored.ImagePath != "" {
		t.Fatalf("image path = %q, want empty", stored.ImagePath)
	}
	if _, err := os.Stat(filepath.Join(dir, "page_1", "images", product.ID()+".jpg")); !os.IsNotExist(err) {
		t.Fatalf("no image file expected, stat err = %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "page_1", "images"))
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %v", entries)
	}
	if _, err := os.Stat(filepath.Join(dir, "page_1", product.ID()+".json")); err != nil {
		t.Fatalf("record must still be written: %v", err)
	}
}

func TestFileStoreWithoutImage(t *testing.T) {
	store, transport, dir := newTestFileStore(t)

	product := &models.Product{Title: "Gloves", URL: "https://shop.test/p/gloves/"}
	if _, err := store.Persist(context.Background(), product, 3); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if transport.GetTotalCallCount() != 0 {
		t.Fatalf("no image request expected")
	}

	raw, err := os.ReadFile(filepath.Join(dir, "page_3", product.ID()+".json"))
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := fields["product_image"]; ok {
		t.Fatalf("absent image must be omitted: %s", raw)
	}
	if fields["path_to_image"] != "" || fields["product_price"] != float64(0) {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestFileStoreOverwritesRecord(t *testing.T) {
	store, _, dir := newTestFileStore(t)
	product := &models.Product{Title: "Mirror", Price: 100, URL: "https://shop.test/p/mirror/"}

	if _, err := store.Persist(context.Background(), product, 1); err != nil {
		t.Fatalf("first persist: %v", err)
	}
	product.Price = 90
	if _, err := store.Persist(context.Background(), product, 1); err != nil {
		t.Fatalf("second persist: %v", err)
	}

	raw, _ := os.ReadFile(filepath.Join(dir, "page_1", product.ID()+".json"))
	var decoded models.Product
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.Price != 90 {
		t.Fatalf("record = %+v (%v), want price 90", decoded, err)
	}
}

func TestFileStoreUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "data")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	store := NewFileStore(blocker, nil, 0)
	product := &models.Product{Title: "Mirror", URL: "https://shop.test/p/mirror/"}
	if _, err := store.Persist(context.Background(), product, 1); err == nil {
		t.Fatalf("expected error when data dir is a file")
	}
}

func TestCSVWriterWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export", "products.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	product := &models.Product{
		Title:     "Brush, soft",
		Price:     450,
		URL:       "https://shop.test/p/brush/",
		ImageURL:  imageURL,
		ImagePath: "data/page_1/images/x.jpg",
	}
	if err := writer.Write([]*models.Product{product}); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records=%d, want 2", len(records))
	}
	if records[0][0] != "product_title" || records[0][4] != "path_to_image" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	if records[1][0] != "Brush, soft" || records[1][1] != "450" {
		t.Fatalf("unexpected row: %v", records[1])
	}
}

func TestJSONWriterWritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.jsonl")

	writer, err := NewJSONWriter(path)
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}
	products := []*models.Product{
		{Title: "A & B", Price: 1, URL: "https://shop.test/a/"},
		{Title: "C", Price: 2, URL: "https://shop.test/c/"},
	}
	if err := writer.Write(products); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("lines=%d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"product_title":"A & B"`) {
		t.Fatalf("html escaped or wrong key: %s", lines[0])
	}
}

func TestNewExportWriter(t *testing.T) {
	dir := t.TempDir()

	dual, err := NewExportWriter("dual", filepath.Join(dir, "run.csv"))
	if err != nil {
		t.Fatalf("dual writer: %v", err)
	}
	if err := dual.Write([]*models.Product{{Title: "A", URL: "https://shop.test/a/"}}); err != nil {
		t.Fatalf("dual write: %v", err)
	}
	if err := dual.Close(); err != nil {
		t.Fatalf("dual close: %v", err)
	}
	for _, name := range []string{"run.csv", "run.jsonl"} {
		if info, err := os.Stat(filepath.Join(dir, name)); err != nil || info.Size() == 0 {
			t.Fatalf("%s missing or empty: %v", name, err)
		}
	}

	if _, err := NewExportWriter("xml", filepath.Join(dir, "run.xml")); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

// Package models defines data structures for the scraper.
package models

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// Product is one storefront listing. URL is the identity source.
type Product struct {
	Title     string `csv:"product_title" json:"product_title"`
	Price     int    `csv:"product_price" json:"product_price"`
	URL       string `csv:"product_url" json:"product_url"`
	ImageURL  string `csv:"product_image" json:"product_image,omitempty"`
	ImagePath string `csv:"path_to_image" json:"path_to_image"`
}

// ID returns the product identity derived from its canonical URL.
func (p *Product) ID() string {
	return ProductID(p.URL)
}

// ProductID is the hex MD5 digest of the trimmed canonical URL.
func ProductID(canonicalURL string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(canonicalURL)))
	return hex.EncodeToString(sum[:])
}

// RunResult holds the overall result of one pipeline run.
type RunResult struct {
	RunID        string
	Pages        int
	Products     []*Product
	UpdatedCount int
	Unchanged    int
	Dropped      int
	FailedPages  []int
	StartTime    time.Time
	EndTime      time.Time
}

// ScrapeRequest is the body accepted by the HTTP entry point.
type ScrapeRequest struct {
	Pages     int     `json:"pages"`
	ProxyURL  *string `json:"proxy_url"`
	SendEmail bool    `json:"send_email"`
}

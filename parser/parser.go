package parser

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-prices/models"
)

// WooCommerce catalogue selectors.
const (
	ItemSelector  = "li.product"
	TitleSelector = "h2.woo-loop-product__title"
	ImageSelector = "img.attachment-woocommerce_thumbnail"
	PriceSelector = "span.woocommerce-Price-amount"
	ImageAttr     = "data-lazy-src"
)

var (
	// ErrInvalidPrice is returned when price text has no parseable number.
	ErrInvalidPrice = errors.New("parser: invalid price")
	// ErrInvalidRecord wraps every record-shape violation.
	ErrInvalidRecord = errors.New("parser: invalid record")
)

// Outcome is the extraction result of a single item container.
// Exactly one of Product and Err is set.
type Outcome struct {
	Index   int
	Title   string
	Product *models.Product
	Err     error
}

// Extract parses one listing page into per-item outcomes. A page without
// item containers yields no outcomes and no error; a broken item never
// affects its siblings.
func Extract(markup []byte) ([]Outcome, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}

	items := doc.Find(ItemSelector)
	outcomes := make([]Outcome, 0, items.Length())
	items.Each(func(i int, item *goquery.Selection) {
		product, err := extractProduct(item)
		outcome := Outcome{Index: i, Err: err}
		if product != nil {
			outcome.Title = product.Title
		}
		if err == nil {
			outcome.Product = product
		}
		outcomes = append(outcomes, outcome)
	})
	return outcomes, nil
}

// Valid returns the products of the successful outcomes, in page order.
func Valid(outcomes []Outcome) []*models.Product {
	out := make([]*models.Product, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err == nil && o.Product != nil {
			out = append(out, o.Product)
		}
	}
	return out
}

func extractProduct(item *goquery.Selection) (*models.Product, error) {
	product := &models.Product{}

	title := item.Find(TitleSelector).First()
	if title.Length() > 0 {
		product.Title = strings.TrimSpace(title.Text())
		if href, ok := title.Find("a").First().Attr("href"); ok {
			product.URL = strings.TrimSpace(href)
		}
	}

	if src, ok := item.Find(ImageSelector).First().Attr(ImageAttr); ok {
		product.ImageURL = strings.TrimSpace(src)
	}

	if priceText, ok := priceText(item); ok {
		price, err := FormatPrice(priceText)
		if err != nil {
			return product, err
		}
		product.Price = price
	}

	if err := ValidateProduct(product); err != nil {
		return product, err
	}
	return product, nil
}

// priceText prefers the sale amount inside <ins> over the struck-out one.
func priceText(item *goquery.Selection) (string, bool) {
	amount := item.Find("ins " + PriceSelector).First()
	if amount.Length() == 0 {
		amount = item.Find(PriceSelector).First()
	}
	if amount.Length() == 0 {
		return "", false
	}
	return strings.TrimSpace(amount.Text()), true
}

// FormatPrice strips everything but digits and dots and truncates the
// decimal value to an integer currency unit.
func FormatPrice(text string) (int, error) {
	var b strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, text)
	}

	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsInf(value, 0) || value > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, text)
	}
	return int(math.Trunc(value)), nil
}

// ValidateProduct checks the URL fields and the price. An empty title is
// allowed; the product URL alone identifies the record.
func ValidateProduct(p *models.Product) error {
	if p == nil {
		return fmt.Errorf("%w: product is nil", ErrInvalidRecord)
	}
	if p.Price < 0 {
		return fmt.Errorf("%w: negative price %d for %s", ErrInvalidRecord, p.Price, p.Title)
	}
	if err := absoluteURL(p.URL); err != nil {
		return fmt.Errorf("%w: product url for %s: %v", ErrInvalidRecord, p.Title, err)
	}
	if p.ImageURL != "" {
		if err := absoluteURL(p.ImageURL); err != nil {
			return fmt.Errorf("%w: image url for %s: %v", ErrInvalidRecord, p.Title, err)
		}
	}
	return nil
}

func absoluteURL(raw string) error {
	if raw == "" {
		return errors.New("missing")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%q is not an absolute http(s) url", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

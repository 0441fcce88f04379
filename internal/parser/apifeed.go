package parser

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/dropwire/dropwire/internal/schema"
)

// feedEnvelope is the retailer API envelope: releases either at the top
// level or nested under data.
type feedEnvelope struct {
	Data     *feedEnvelope `json:"data,omitempty"`
	Releases []feedRelease `json:"releases"`
}

type feedRelease struct {
	ID          string                      `json:"id"`
	Name        string                      `json:"name"`
	Title       string                      `json:"title"`
	Brand       string                      `json:"brand"`
	SKU         string                      `json:"sku"`
	StyleCode   string                      `json:"style_code"`
	Price       *decimal.Decimal            `json:"price"`
	Currency    string                      `json:"currency"`
	Status      string                      `json:"status"`
	Region      string                      `json:"region"`
	ReleaseDate string                      `json:"release_date"`
	URL         string                      `json:"url"`
	ImageURL    string                      `json:"image_url"`
	Sizes       map[string]schema.SizeCount `json:"sizes"`
}

// ParseAPIFeed extracts releases from an aggregator or retailer API
// response. The releases array is mandatory, at the top level or under
// data.
func ParseAPIFeed(source string, payload []byte) ([]schema.RawRelease, error) {
	var envelope feedEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, parseError("payload is not a JSON envelope", err)
	}
	releases := envelope.Releases
	if releases == nil && envelope.Data != nil {
		releases = envelope.Data.Releases
	}
	if releases == nil {
		return nil, parseError("missing releases array", nil)
	}

	records := make([]schema.RawRelease, 0, len(releases))
	for _, item := range releases {
		title := firstNonEmpty(item.Name, item.Title)
		if title == "" {
			continue
		}
		record := schema.RawRelease{
			Source:    source,
			SourceID:  firstNonEmpty(item.ID, item.SKU, title),
			Title:     title,
			Brand:     strings.TrimSpace(item.Brand),
			SKU:       firstNonEmpty(item.SKU, item.StyleCode),
			Price:     item.Price,
			Currency:  strings.ToUpper(strings.TrimSpace(item.Currency)),
			Region:    strings.TrimSpace(item.Region),
			URL:       item.URL,
			ImageURL:  item.ImageURL,
			StatusRaw: inferStatusRaw(item.Status, title),
		}
		if len(item.Sizes) > 0 {
			record.SizeAvailability = item.Sizes
		}
		if raw := strings.TrimSpace(item.ReleaseDate); raw != "" {
			for _, layout := range []string{time.RFC3339, "2006-01-02"} {
				if at, err := time.Parse(layout, raw); err == nil {
					record.ReleaseDate = &at
					break
				}
			}
		}
		records = append(records, record)
	}
	return records, nil
}

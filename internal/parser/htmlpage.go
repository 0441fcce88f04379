package parser

import (
	"bytes"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html"

	"github.com/dropwire/dropwire/internal/schema"
)

// ParseHTMLPage extracts a single release from a retailer product page using
// OpenGraph and product meta tags. Pages without a product title are a
// structural mismatch.
func ParseHTMLPage(source string, payload []byte) ([]schema.RawRelease, error) {
	doc, err := html.Parse(bytes.NewReader(payload))
	if err != nil {
		return nil, parseError("malformed html document", err)
	}

	meta := make(map[string]string)
	var docTitle string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				key, content := metaAttrs(n)
				if key != "" && content != "" {
					if _, seen := meta[key]; !seen {
						meta[key] = content
					}
				}
			case "title":
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode && docTitle == "" {
					docTitle = strings.TrimSpace(n.FirstChild.Data)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	title := firstNonEmpty(meta["og:title"], docTitle)
	if title == "" {
		return nil, parseError("page carries no product title", nil)
	}

	record := schema.RawRelease{
		Source:    source,
		SourceID:  firstNonEmpty(meta["product:retailer_item_id"], meta["og:url"], title),
		Title:     title,
		Brand:     firstNonEmpty(meta["product:brand"], meta["og:brand"]),
		SKU:       firstNonEmpty(meta["product:sku"], meta["product:retailer_item_id"]),
		Currency:  strings.ToUpper(firstNonEmpty(meta["product:price:currency"], meta["og:price:currency"])),
		URL:       meta["og:url"],
		ImageURL:  meta["og:image"],
		StatusRaw: availabilityStatus(meta),
	}
	if rawPrice := firstNonEmpty(meta["product:price:amount"], meta["og:price:amount"]); rawPrice != "" {
		if price, err := decimal.NewFromString(strings.TrimSpace(rawPrice)); err == nil {
			record.Price = &price
		}
	}
	if rawDate := meta["product:release_date"]; rawDate != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if at, err := time.Parse(layout, rawDate); err == nil {
				record.ReleaseDate = &at
				break
			}
		}
	}
	record.StatusRaw = inferStatusRaw(record.StatusRaw, title+" "+meta["og:description"])
	return []schema.RawRelease{record}, nil
}

func metaAttrs(n *html.Node) (key, content string) {
	for _, attr := range n.Attr {
		switch attr.Key {
		case "property", "name", "itemprop":
			if key == "" {
				key = strings.ToLower(strings.TrimSpace(attr.Val))
			}
		case "content":
			content = strings.TrimSpace(attr.Val)
		}
	}
	return key, content
}

func availabilityStatus(meta map[string]string) string {
	raw := strings.ToLower(firstNonEmpty(meta["product:availability"], meta["og:availability"], meta["availability"]))
	switch raw {
	case "instock", "in stock", "in_stock", "available":
		return "available"
	case "oos", "oosout", "out of stock", "outofstock", "out_of_stock", "sold_out", "soldout":
		return "sold_out"
	case "preorder", "pre-order", "backorder":
		return "upcoming"
	default:
		return raw
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

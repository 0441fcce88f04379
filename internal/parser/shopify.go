package parser

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/dropwire/dropwire/internal/schema"
)

// shopifyProduct mirrors one entry of the public products.json shape exposed
// by Shopify-backed sneaker shops.
type shopifyProduct struct {
	ID          int64            `json:"id"`
	Title       string           `json:"title"`
	Handle      string           `json:"handle"`
	Vendor      string           `json:"vendor"`
	Tags        shopifyTags      `json:"tags"`
	PublishedAt *time.Time       `json:"published_at"`
	Variants    []shopifyVariant `json:"variants"`
	Images      []shopifyImage   `json:"images"`
}

type shopifyVariant struct {
	SKU               string `json:"sku"`
	Price             string `json:"price"`
	Option1           string `json:"option1"`
	Available         bool   `json:"available"`
	InventoryQuantity int    `json:"inventory_quantity"`
}

type shopifyImage struct {
	Src string `json:"src"`
}

// shopifyTags accepts both the list form and the comma-joined string form
// that different shop versions emit.
type shopifyTags []string

func (t *shopifyTags) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	*t = out
	return nil
}

// ParseShopifyCatalog extracts releases from a Shopify products.json payload.
// The top-level products array is mandatory; an empty array is valid and
// yields zero records.
func ParseShopifyCatalog(source string, payload []byte) ([]schema.RawRelease, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, parseError("payload is not a JSON object", err)
	}
	rawProducts, ok := envelope["products"]
	if !ok {
		return nil, parseError("missing products array", nil)
	}
	var products []shopifyProduct
	if err := json.Unmarshal(rawProducts, &products); err != nil {
		return nil, parseError("malformed products array", err)
	}

	records := make([]schema.RawRelease, 0, len(products))
	for _, product := range products {
		if strings.TrimSpace(product.Title) == "" {
			continue
		}
		record := schema.RawRelease{
			Source:   source,
			SourceID: strconv.FormatInt(product.ID, 10),
			Title:    product.Title,
			Brand:    strings.TrimSpace(product.Vendor),
			URL:      productURL(source, product.Handle),
		}
		if len(product.Images) > 0 {
			record.ImageURL = product.Images[0].Src
		}

		anyAvailable := false
		sizes := make(map[string]schema.SizeCount, len(product.Variants))
		for _, variant := range product.Variants {
			if record.SKU == "" && strings.TrimSpace(variant.SKU) != "" {
				record.SKU = variant.SKU
			}
			if record.Price == nil {
				if price, err := decimal.NewFromString(strings.TrimSpace(variant.Price)); err == nil {
					record.Price = &price
					record.Currency = "USD"
				}
			}
			label := strings.TrimSpace(variant.Option1)
			if label == "" {
				continue
			}
			available := 0
			if variant.Available {
				anyAvailable = true
				available = variant.InventoryQuantity
				if available <= 0 {
					available = 1
				}
			}
			total := variant.InventoryQuantity
			if total < available {
				total = available
			}
			sizes[label] = schema.SizeCount{Total: total, Available: available}
		}
		if len(sizes) > 0 {
			record.SizeAvailability = sizes
		}

		// Shopify carries no explicit release status, so it is derived
		// from availability. The raffle heuristic outranks that guess.
		switch {
		case raffleScore(product.Title, strings.Join(product.Tags, " ")) >= raffleThreshold:
			record.StatusRaw = string(schema.StatusRaffleOpen)
		case product.PublishedAt == nil:
			record.StatusRaw = "upcoming"
		case anyAvailable:
			record.StatusRaw = "available"
		default:
			record.StatusRaw = "sold_out"
		}
		records = append(records, record)
	}
	return records, nil
}

func productURL(source, handle string) string {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return ""
	}
	return "https://" + source + "/products/" + handle
}

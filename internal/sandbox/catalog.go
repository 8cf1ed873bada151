package sandbox

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rcourtman/billing-bridge/internal/billing"
	"gopkg.in/yaml.v3"
)

// catalogFile is the YAML layout of a sandbox catalog seed:
//
//	products:
//	  - id: gems_100
//	    kind: product
//	    title: 100 Gems
//	    price: "$0.99"
//	    priceAmountMicros: 990000
//	    currency: USD
type catalogFile struct {
	Products []catalogItem `yaml:"products"`
}

type catalogItem struct {
	ID                string `yaml:"id"`
	Kind              string `yaml:"kind"`
	Title             string `yaml:"title"`
	Description       string `yaml:"description"`
	Price             string `yaml:"price"`
	PriceAmountMicros int64  `yaml:"priceAmountMicros"`
	Currency          string `yaml:"currency"`
}

// LoadCatalog reads a YAML catalog seed from path.
func LoadCatalog(path string) ([]billing.CatalogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	entries, err := ParseCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// ParseCatalog decodes a YAML catalog seed.
func ParseCatalog(r io.Reader) ([]billing.CatalogEntry, error) {
	var file catalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	seen := make(map[string]bool, len(file.Products))
	entries := make([]billing.CatalogEntry, 0, len(file.Products))
	for i, item := range file.Products {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			return nil, fmt.Errorf("product %d: id is required", i+1)
		}
		if seen[id] {
			return nil, fmt.Errorf("product %s: duplicate id", id)
		}
		seen[id] = true

		kind := billing.Kind(strings.ToLower(strings.TrimSpace(item.Kind)))
		if kind == "" {
			kind = billing.KindProduct
		}
		if !kind.Valid() {
			return nil, fmt.Errorf("product %s: unknown kind %q", id, item.Kind)
		}
		if item.PriceAmountMicros < 0 {
			return nil, fmt.Errorf("product %s: price must not be negative", id)
		}

		entries = append(entries, billing.CatalogEntry{
			ID:                id,
			Kind:              kind,
			Price:             item.Price,
			PriceAmountMicros: item.PriceAmountMicros,
			CurrencyCode:      item.Currency,
			Title:             item.Title,
			Description:       item.Description,
		})
	}
	return entries, nil
}

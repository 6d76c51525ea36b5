package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a catalog entry. Fingerprint is derived from ID once at creation and never recomputed.
type Product struct {
	ID          string
	Name        string
	Category    string
	SKU         string
	Price       decimal.Decimal
	Cost        decimal.Decimal
	Stock       int
	TrackStock  bool
	Variants    []ProductVariant
	Fingerprint int32
	// HasFingerprint is false for legacy records written before fingerprints existed.
	HasFingerprint bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProductVariant carries per-variant pricing and barcodes.
type ProductVariant struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Stock    int
	Barcodes []string
}

// Variant returns the variant with the given id, if present.
func (p Product) Variant(id string) (ProductVariant, bool) {
	for _, v := range p.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return ProductVariant{}, false
}

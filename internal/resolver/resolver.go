// Package resolver maps cart line identifiers onto catalog products through an ordered fallback chain.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	domain "github.com/grocery-backoffice/api/internal/domain"
	"github.com/grocery-backoffice/api/internal/fingerprint"
	"github.com/grocery-backoffice/api/internal/repositories"
)

// ErrResolutionMiss reports that no strategy found a product for the request.
var ErrResolutionMiss = errors.New("resolver: product not found")

// Strategy names the step of the chain that produced a match.
type Strategy string

const (
	StrategyDirect      Strategy = "direct"
	StrategyFingerprint Strategy = "fingerprint"
	StrategyName        Strategy = "name"
	StrategyPrice       Strategy = "price"
	StrategyVariants    Strategy = "variants"
)

var genericNames = map[string]struct{}{
	"product":  {},
	"item":     {},
	"unknown":  {},
	"n/a":      {},
	"na":       {},
	"none":     {},
	"untitled": {},
	"-":        {},
}

// Request carries the raw line identifier plus optional hints from the cart.
type Request struct {
	Identifier string
	HintName   string
	HintPrice  decimal.NullDecimal
}

// Resolution is a matched product and the strategy that found it.
type Resolution struct {
	Product  domain.Product
	Strategy Strategy
	// Variant is set when the variants strategy matched through an alternate hash.
	Variant string
}

// FingerprintCache remembers fingerprint to product id lookups.
type FingerprintCache interface {
	Lookup(ctx context.Context, fingerprint int32) (string, bool, error)
	Remember(ctx context.Context, fingerprint int32, productID string) error
}

// Deps wires the resolver.
type Deps struct {
	Products repositories.ProductRepository
	Cache    FingerprintCache
	// AlternateVariants enables the brute-force scan over legacy hash variants.
	AlternateVariants bool
	// PriceFallback enables the lossy exact-price lookup.
	PriceFallback bool
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// Resolver runs the fallback chain. It is safe for concurrent use.
type Resolver struct {
	products   repositories.ProductRepository
	cache      FingerprintCache
	alternates bool
	byPrice    bool
	logger     func(context.Context, string, map[string]any)
}

// New builds a Resolver.
func New(deps Deps) (*Resolver, error) {
	if deps.Products == nil {
		return nil, errors.New("resolver: product repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Resolver{
		products:   deps.Products,
		cache:      deps.Cache,
		alternates: deps.AlternateVariants,
		byPrice:    deps.PriceFallback,
		logger:     logger,
	}, nil
}

// Resolve tries direct id, fingerprint, name, price and alternate-variant lookups in that order.
// A lookup failure other than not-found aborts the chain.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	identifier := strings.TrimSpace(req.Identifier)

	if primitive.IsValidObjectID(identifier) {
		product, err := r.products.Get(ctx, identifier)
		if found, err := hit(err); err != nil {
			return Resolution{}, err
		} else if found {
			return Resolution{Product: product, Strategy: StrategyDirect}, nil
		}
	}

	fp, numeric := parseFingerprint(identifier)
	if numeric {
		product, found, err := r.byFingerprint(ctx, fp)
		if err != nil {
			return Resolution{}, err
		}
		if found {
			return Resolution{Product: product, Strategy: StrategyFingerprint}, nil
		}
	}

	if name := norm.NFC.String(strings.TrimSpace(req.HintName)); name != "" && !IsGenericName(name) {
		product, err := r.products.FindByName(ctx, name)
		if found, err := hit(err); err != nil {
			return Resolution{}, err
		} else if found {
			return Resolution{Product: product, Strategy: StrategyName}, nil
		}
	}

	if r.byPrice && req.HintPrice.Valid && req.HintPrice.Decimal.IsPositive() {
		product, err := r.products.FindByPrice(ctx, req.HintPrice.Decimal)
		if found, err := hit(err); err != nil {
			return Resolution{}, err
		} else if found {
			r.logger(ctx, "resolver.price.matched", map[string]any{
				"identifier": identifier,
				"price":      req.HintPrice.Decimal.String(),
				"productId":  product.ID,
			})
			return Resolution{Product: product, Strategy: StrategyPrice}, nil
		}
	}

	if numeric && r.alternates {
		res, found, err := r.byAlternateVariant(ctx, fp)
		if err != nil {
			return Resolution{}, err
		}
		if found {
			return res, nil
		}
	}

	return Resolution{}, fmt.Errorf("%w: %q", ErrResolutionMiss, identifier)
}

// IsGenericName reports whether name is a placeholder that must not drive a name lookup.
func IsGenericName(name string) bool {
	key := cases.Fold().String(norm.NFKC.String(strings.TrimSpace(name)))
	_, generic := genericNames[key]
	return generic
}

func (r *Resolver) byFingerprint(ctx context.Context, fp int32) (domain.Product, bool, error) {
	if r.cache != nil {
		if id, ok, err := r.cache.Lookup(ctx, fp); err != nil {
			r.logger(ctx, "resolver.cache.lookup.failed", map[string]any{"fingerprint": fp, "error": err.Error()})
		} else if ok {
			product, err := r.products.Get(ctx, id)
			if found, err := hit(err); err != nil {
				return domain.Product{}, false, err
			} else if found && product.HasFingerprint && product.Fingerprint == fp {
				return product, true, nil
			}
		}
	}

	product, err := r.products.FindByFingerprint(ctx, fp)
	found, err := hit(err)
	if err != nil || !found {
		return domain.Product{}, false, err
	}
	if r.cache != nil {
		if err := r.cache.Remember(ctx, fp, product.ID); err != nil {
			r.logger(ctx, "resolver.cache.store.failed", map[string]any{"fingerprint": fp, "error": err.Error()})
		}
	}
	return product, true, nil
}

func (r *Resolver) byAlternateVariant(ctx context.Context, fp int32) (Resolution, bool, error) {
	// Canonical is included for legacy products that were never assigned a fingerprint.
	variants := append([]fingerprint.Variant{fingerprint.Canonical}, fingerprint.Alternates()...)
	var (
		match Resolution
		found bool
	)
	err := r.products.Scan(ctx, func(product domain.Product) bool {
		for _, variant := range variants {
			if variant.Sum(product.ID) == fp {
				match = Resolution{Product: product, Strategy: StrategyVariants, Variant: variant.Name}
				found = true
				return false
			}
		}
		return true
	})
	if err != nil {
		return Resolution{}, false, err
	}
	if found {
		r.logger(ctx, "resolver.variant.matched", map[string]any{
			"fingerprint": fp,
			"variant":     match.Variant,
			"productId":   match.Product.ID,
		})
	}
	return match, found, nil
}

func parseFingerprint(identifier string) (int32, bool) {
	if identifier == "" {
		return 0, false
	}
	value, err := strconv.ParseInt(identifier, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(value), true
}

// hit turns a repository not-found into a miss and passes other failures through.
func hit(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return false, nil
	}
	return false, err
}

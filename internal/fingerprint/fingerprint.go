// Package fingerprint computes the 32-bit product fingerprint shared with the mobile client.
//
// The mobile runtime cannot represent product ids natively and sends a string hash of the id
// instead. Compute must stay bit-for-bit compatible with that client: the hash walks UTF-16 code
// units with an int32 accumulator and wraps on overflow.
package fingerprint

import (
	"math"
	"unicode/utf16"
)

// Variant is one parameterisation of the multiplicative string hash.
type Variant struct {
	Name       string
	Seed       int32
	Multiplier int32
	// Signed keeps the raw accumulator instead of its absolute value.
	Signed bool
}

var (
	// Canonical is the variant stored on products and sent by current clients.
	Canonical = Variant{Name: "canonical", Seed: 0, Multiplier: 31}
	// LegacyDJB2 was used by migration scripts that seeded fingerprints for older app builds.
	LegacyDJB2 = Variant{Name: "legacy-djb2", Seed: 5381, Multiplier: 33}
	// JavaSigned matches clients that sent the hash before taking its absolute value.
	JavaSigned = Variant{Name: "java-signed", Seed: 0, Multiplier: 31, Signed: true}
)

// Alternates lists the non-canonical variants tried by the brute-force resolver fallback.
func Alternates() []Variant {
	return []Variant{LegacyDJB2, JavaSigned}
}

// Compute returns the canonical fingerprint of id.
func Compute(id string) int32 {
	return Canonical.Sum(id)
}

// Sum hashes s under the variant. With Signed unset the result is abs(h), except that
// math.MinInt32 has no positive counterpart and is returned unchanged.
func (v Variant) Sum(s string) int32 {
	h := v.Seed
	for _, c := range utf16.Encode([]rune(s)) {
		// int32 arithmetic wraps; for 31 this is (h << 5) - h + c
		h = h*v.Multiplier + int32(c)
	}
	if v.Signed {
		return h
	}
	return abs(h)
}

func abs(h int32) int32 {
	if h == math.MinInt32 || h >= 0 {
		return h
	}
	return -h
}

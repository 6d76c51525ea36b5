package fingerprint

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeReferenceVectors(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want int32
	}{
		{name: "empty", in: "", want: 0},
		{name: "single char", in: "a", want: 97},
		{name: "short", in: "ord", want: 110305},
		{name: "object id", in: "507f1f77bcf86cd799439011", want: 586034808},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Compute(tc.in))
		})
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	const id = "64b7f0c2a1d3e4f5a6b7c8d9"
	first := Compute(id)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, Compute(id))
	}
}

func TestComputeKeepsMinInt32(t *testing.T) {
	// accumulator lands exactly on math.MinInt32, which has no positive counterpart
	in := "sku-aaaecngu\uFFFD\x10"
	require.Equal(t, int32(math.MinInt32), JavaSigned.Sum(in))
	assert.Equal(t, int32(math.MinInt32), Compute(in))
}

func TestComputeHashesUTF16CodeUnits(t *testing.T) {
	// U+1F34E is a surrogate pair in UTF-16: 0xD83C 0xDF4E
	want := int32(0xD83C)*31 + int32(0xDF4E)
	assert.Equal(t, want, Compute("\U0001F34E"))
}

func TestVariants(t *testing.T) {
	const id = "507f1f77bcf86cd799439011"
	assert.Equal(t, int32(1841189159), LegacyDJB2.Sum(id))
	assert.Equal(t, int32(-586034808), JavaSigned.Sum(id))

	names := make([]string, 0)
	for _, v := range Alternates() {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"legacy-djb2", "java-signed"}, names)
}

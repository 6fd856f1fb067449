package canon

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePrimitives(t *testing.T) {
	assert.Equal(t, "", Normalize(nil))
	assert.Equal(t, "1", Normalize(true))
	assert.Equal(t, "0", Normalize(false))
	assert.Equal(t, "42", Normalize(int64(42)))
	assert.Equal(t, "plain", Normalize("plain"))
}

func TestNormalizeDecimalPreservesTrailingZeros(t *testing.T) {
	value := MustDecimal("0.02")
	assert.Equal(t, "0.020000000000000000", Normalize(value))

	negative := MustDecimal("-1.5")
	assert.Equal(t, "-1.500000000000000000", Normalize(negative))
}

func TestQuantizeUsesBankersRounding(t *testing.T) {
	// Ties round to even at the target scale.
	assert.Equal(t, "0.12", Quantize(MustDecimal("0.125"), 2).StringFixed(2))
	assert.Equal(t, "0.14", Quantize(MustDecimal("0.135"), 2).StringFixed(2))
	assert.Equal(t, "2.00", Quantize(MustDecimal("2.005"), 2).StringFixed(2))
}

func TestTimestampAlwaysUTCWithZ(t *testing.T) {
	offset := time.FixedZone("CEST", 2*3600)
	local := time.Date(2026, 8, 1, 15, 0, 0, 0, offset)
	assert.Equal(t, "2026-08-01T13:00:00Z", Timestamp(local))
	assert.False(t, strings.Contains(Timestamp(local), "+00:00"))
}

func TestParseTimestampNormalizesOffsets(t *testing.T) {
	parsed, err := ParseTimestamp("2026-08-01T15:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-01T13:00:00Z", Timestamp(parsed))

	_, err = ParseTimestamp("not-a-timestamp")
	assert.Error(t, err)
}

func TestTruncateHour(t *testing.T) {
	ts := time.Date(2026, 8, 1, 13, 41, 59, 123, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC), TruncateHour(ts))
}

func TestStableHashDeterministicAndSeparatorSensitive(t *testing.T) {
	first := StableHash("alpha", "beta")
	second := StableHash("alpha", "beta")
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
	assert.Equal(t, strings.ToLower(first), first)

	// Token boundaries matter: "alpha","beta" != "alphabeta".
	assert.NotEqual(t, first, StableHash("alphabeta"))
	assert.NotEqual(t, first, StableHash("beta", "alpha"))
}

func TestStableHashMixedTokens(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	id := uuid.MustParse("a8098c1a-f86e-11da-bd1a-00112444be1e")
	hash := StableHash("tag", int64(7), MustDecimal("0.5"), ts, id, nil, true)
	assert.Equal(t, hash, StableHash("tag", int64(7), MustDecimal("0.5"), ts, id, nil, true))
	assert.NotEqual(t, hash, StableHash("tag", int64(7), MustDecimal("0.5"), ts, id, nil, false))
}

func TestStableUUIDIsVersion5AndDeterministic(t *testing.T) {
	first := StableUUID("trade_signal", "seed", int64(1))
	second := StableUUID("trade_signal", "seed", int64(1))
	assert.Equal(t, first, second)
	assert.Equal(t, uuid.Version(5), first.Version())

	other := StableUUID("order_request", "seed", int64(1))
	assert.NotEqual(t, first, other)
}

func TestHexUUID(t *testing.T) {
	id := uuid.MustParse("A8098C1A-F86E-11DA-BD1A-00112444BE1E")
	hex := HexUUID(id)
	assert.Equal(t, "a8098c1af86e11dabd1a00112444be1e", hex)
	assert.Len(t, hex, 32)
}

func TestDecimalRoundTripAtScale(t *testing.T) {
	quantized := Quantize18(MustDecimal("123.456"))
	parsed, err := decimal.NewFromString(Fixed18(quantized))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(quantized))
}

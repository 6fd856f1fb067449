// Package canon provides the canonical token serialization, hashing, and
// fixed-scale numeric primitives every deterministic surface is built on.
// All row hashes, identifiers, and replay digests flow through these
// functions; any change here invalidates stored lineage.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fixed decimal scales used across the runtime.
const (
	Scale18 int32 = 18 // quantities, prices, notionals, returns
	Scale10 int32 = 10 // confidence, size fractions, volatility scales
	Scale6  int32 = 6  // fee and slippage rates
)

// Quantize rounds v to the given scale using banker's rounding.
func Quantize(v decimal.Decimal, scale int32) decimal.Decimal {
	return v.RoundBank(scale)
}

// Quantize18 rounds to the 1e-18 runtime scale.
func Quantize18(v decimal.Decimal) decimal.Decimal { return v.RoundBank(Scale18) }

// Quantize10 rounds to the 1e-10 fraction scale.
func Quantize10(v decimal.Decimal) decimal.Decimal { return v.RoundBank(Scale10) }

// Quantize6 rounds to the 1e-6 rate scale.
func Quantize6(v decimal.Decimal) decimal.Decimal { return v.RoundBank(Scale6) }

// Fixed18 renders v as a fixed-point string with 18 fractional digits,
// trailing zeros preserved. This is the canonical decimal token form.
func Fixed18(v decimal.Decimal) string {
	return v.RoundBank(Scale18).StringFixed(Scale18)
}

// Timestamp renders t as UTC RFC-3339 with a trailing Z, never "+00:00".
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTimestamp parses an RFC-3339 timestamp (any offset) into UTC.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// TruncateHour returns t truncated to the containing UTC hour.
func TruncateHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// Normalize serializes a primitive value into its canonical token form:
// nil -> "", bool -> "0"/"1", decimals -> 18-digit fixed point with banker's
// rounding, timestamps -> RFC-3339 Z, UUIDs -> lowercase canonical, all
// others -> their natural string form.
func Normalize(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case bool:
		if v {
			return "1"
		}
		return "0"
	case decimal.Decimal:
		return Fixed18(v)
	case *decimal.Decimal:
		if v == nil {
			return ""
		}
		return Fixed18(*v)
	case time.Time:
		return Timestamp(v)
	case *time.Time:
		if v == nil {
			return ""
		}
		return Timestamp(*v)
	case uuid.UUID:
		return strings.ToLower(v.String())
	case *uuid.UUID:
		if v == nil {
			return ""
		}
		return strings.ToLower(v.String())
	case string:
		return v
	case *string:
		if v == nil {
			return ""
		}
		return *v
	case int:
		return fmt.Sprintf("%d", v)
	case int32:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case *int64:
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%d", *v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// StableHash computes a hex SHA-256 over the canonical token serialization,
// joining tokens with the single-byte "|" separator.
func StableHash(tokens ...any) string {
	parts := make([]string, len(tokens))
	for i, token := range tokens {
		parts[i] = Normalize(token)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// StableUUID derives a deterministic UUIDv5 in the URL namespace from a
// namespace label and canonical tokens.
func StableUUID(namespace string, tokens ...any) uuid.UUID {
	name := namespace + "|" + StableHash(tokens...)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name))
}

// HexUUID returns the 32-char lowercase hex form of id without dashes.
func HexUUID(id uuid.UUID) string {
	return strings.ReplaceAll(strings.ToLower(id.String()), "-", "")
}

// MustDecimal parses s into a decimal, panicking on malformed literals.
// Intended for constants and test fixtures only.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("canon: bad decimal literal %q: %v", s, err))
	}
	return d
}

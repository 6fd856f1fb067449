// Package store defines the narrow substrate contract the deterministic core
// depends on, plus the SQLite adapter implementing it. The core never sees
// driver types; queries use named parameters and rows come back as maps.
package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ChronoLedger/canon"
)

// Row is one fetched row keyed by column name.
type Row map[string]any

// Querier is the read-only substrate surface.
type Querier interface {
	FetchOne(query string, params map[string]any) (Row, error)
	FetchAll(query string, params map[string]any) ([]Row, error)
}

// Database is the full substrate contract: reads, insert-only writes, and
// explicit transaction control. Implementations must enforce uniqueness,
// multi-column RESTRICT foreign keys, and append-only triggers.
type Database interface {
	Querier
	Execute(query string, params map[string]any) error
	Begin() error
	Commit() error
	Rollback() error
}

// Row accessors. Loaders use these to convert driver values into domain
// types; a conversion failure means the schema and the loader disagree.

func (r Row) String(column string) string {
	v, ok := r[column]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func (r Row) NullString(column string) *string {
	if v, ok := r[column]; !ok || v == nil {
		return nil
	}
	s := r.String(column)
	return &s
}

func (r Row) Int64(column string) int64 {
	switch t := r[column].(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case nil:
		return 0
	default:
		return 0
	}
}

func (r Row) NullInt64(column string) *int64 {
	if v, ok := r[column]; !ok || v == nil {
		return nil
	}
	n := r.Int64(column)
	return &n
}

func (r Row) Bool(column string) bool {
	switch t := r[column].(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}

func (r Row) Decimal(column string) (decimal.Decimal, error) {
	v, ok := r[column]
	if !ok || v == nil {
		return decimal.Zero, fmt.Errorf("column %q is NULL", column)
	}
	d, err := decimal.NewFromString(r.String(column))
	if err != nil {
		return decimal.Zero, fmt.Errorf("column %q: %w", column, err)
	}
	return d, nil
}

func (r Row) NullDecimal(column string) (*decimal.Decimal, error) {
	if v, ok := r[column]; !ok || v == nil {
		return nil, nil
	}
	d, err := r.Decimal(column)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r Row) Time(column string) (time.Time, error) {
	v, ok := r[column]
	if !ok || v == nil {
		return time.Time{}, fmt.Errorf("column %q is NULL", column)
	}
	if t, isTime := v.(time.Time); isTime {
		return t.UTC(), nil
	}
	t, err := canon.ParseTimestamp(r.String(column))
	if err != nil {
		return time.Time{}, fmt.Errorf("column %q: %w", column, err)
	}
	return t, nil
}

func (r Row) UUID(column string) (uuid.UUID, error) {
	v, ok := r[column]
	if !ok || v == nil {
		return uuid.Nil, fmt.Errorf("column %q is NULL", column)
	}
	id, err := uuid.Parse(r.String(column))
	if err != nil {
		return uuid.Nil, fmt.Errorf("column %q: %w", column, err)
	}
	return id, nil
}

func (r Row) NullUUID(column string) (*uuid.UUID, error) {
	if v, ok := r[column]; !ok || v == nil {
		return nil, nil
	}
	id, err := r.UUID(column)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

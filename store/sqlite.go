package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"ChronoLedger/canon"
	"ChronoLedger/domain"
)

// SQLiteDB adapts a SQLite database to the substrate contract. A single
// connection is pinned so PRAGMAs, in-memory databases, and transactions
// behave deterministically; the core is single-threaded per hour anyway.
type SQLiteDB struct {
	db *sql.DB
	tx *sql.Tx
}

// OpenSQLite opens (or creates) a SQLite substrate at path. Use ":memory:"
// for the deterministic in-memory test substrate. Foreign keys are enforced
// and the full schema is installed if missing.
func OpenSQLite(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &SQLiteDB{db: db}
	if err := s.installSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) installSchema() error {
	for _, stmt := range schemaStatements() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("install schema: %w (statement: %.80s...)", err, stmt)
		}
	}
	return nil
}

// Begin opens a transaction. Nested Begin is an error; the executor runs one
// serializable transaction per hour.
func (s *SQLiteDB) Begin() error {
	if s.tx != nil {
		return domain.Abort(domain.ErrSubstrateIntegrity, "transaction already open")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "begin transaction")
	}
	s.tx = tx
	return nil
}

func (s *SQLiteDB) Commit() error {
	if s.tx == nil {
		return domain.Abort(domain.ErrSubstrateIntegrity, "commit without open transaction")
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "commit transaction")
	}
	return nil
}

func (s *SQLiteDB) Rollback() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	if err != nil {
		return domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "rollback transaction")
	}
	return nil
}

func (s *SQLiteDB) FetchOne(query string, params map[string]any) (Row, error) {
	rows, err := s.FetchAll(query, params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (s *SQLiteDB) FetchAll(query string, params map[string]any) ([]Row, error) {
	args := bindNamed(params)
	var (
		rows *sql.Rows
		err  error
	)
	if s.tx != nil {
		rows, err = s.tx.Query(query, args...)
	} else {
		rows, err = s.db.Query(query, args...)
	}
	if err != nil {
		return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "query failed")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "read columns")
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "scan row")
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "iterate rows")
	}
	return out, nil
}

func (s *SQLiteDB) Execute(query string, params map[string]any) error {
	args := bindNamed(params)
	var err error
	if s.tx != nil {
		_, err = s.tx.Exec(query, args...)
	} else {
		_, err = s.db.Exec(query, args...)
	}
	if err != nil {
		return domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "execute failed")
	}
	return nil
}

// bindNamed converts a parameter map into driver named args, normalizing
// domain types into their canonical stored forms: decimals as 18-digit
// fixed-point text, timestamps as RFC-3339 Z text, UUIDs as lowercase
// canonical text, booleans as 0/1.
func bindNamed(params map[string]any) []any {
	args := make([]any, 0, len(params))
	for name, value := range params {
		args = append(args, sql.Named(name, bindValue(value)))
	}
	return args
}

func bindValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case decimal.Decimal:
		return canon.Fixed18(v)
	case *decimal.Decimal:
		if v == nil {
			return nil
		}
		return canon.Fixed18(*v)
	case time.Time:
		return canon.Timestamp(v)
	case *time.Time:
		if v == nil {
			return nil
		}
		return canon.Timestamp(*v)
	case uuid.UUID:
		return strings.ToLower(v.String())
	case *uuid.UUID:
		if v == nil {
			return nil
		}
		return strings.ToLower(v.String())
	case bool:
		if v {
			return int64(1)
		}
		return int64(0)
	case *string:
		if v == nil {
			return nil
		}
		return *v
	case *int64:
		if v == nil {
			return nil
		}
		return *v
	case domain.RunMode:
		return string(v)
	case *domain.Horizon:
		if v == nil {
			return nil
		}
		return string(*v)
	case domain.Horizon:
		return string(v)
	case domain.SignalAction:
		return string(v)
	case domain.Direction:
		return string(v)
	case domain.OrderSide:
		return string(v)
	case domain.OrderType:
		return string(v)
	case domain.OrderStatus:
		return string(v)
	case domain.DrawdownTier:
		return string(v)
	case domain.LiquidityFlag:
		return string(v)
	case domain.ActivationStatus:
		return string(v)
	case domain.ExposureMode:
		return string(v)
	default:
		return v
	}
}

package option

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a gorm query before it executes. Options compose left
// to right.
type QueryOption func(*gorm.DB) *gorm.DB

// sqlite has a single writer and no FOR UPDATE syntax; row locking clauses
// are skipped there so the same code paths run under the test database.
func supportsRowLocks(db *gorm.DB) bool {
	return db.Dialector.Name() != "sqlite"
}

// LockingUpdate is a gorm scope that adds SELECT ... FOR UPDATE to every
// query in a transaction.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	if !supportsRowLocks(db) {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// WithLockingUpdate locks the selected rows for the duration of the
// surrounding transaction.
func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

// WithSkipLocked locks the selected rows and skips rows already locked by
// another transaction. This is the claim primitive for the worker poller.
func WithSkipLocked() QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if !supportsRowLocks(db) {
			return db
		}
		return db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
}

func WithLimit(n int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Limit(n)
	}
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

// WithSortBy orders results by an allow-listed column. Unknown columns are
// ignored rather than interpolated into SQL.
func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		col := s.SortBy
		if col == "" || (s.Allow != nil && !s.Allow[col]) {
			col = "created_at"
		}
		dir := "ASC"
		if strings.EqualFold(s.OrderBy, "desc") {
			dir = "DESC"
		}
		return db.Order(fmt.Sprintf("%s %s", col, dir))
	}
}

type Operator string

const (
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
	NEQ Operator = "<>"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

// ApplyOperator adds a comparison condition on top of the struct query.
func ApplyOperator(c Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(fmt.Sprintf("%s %s ?", c.Field, c.Operator), c.Value)
	}
}

// ApplyIn adds an IN condition.
func ApplyIn(field string, values any) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(fmt.Sprintf("%s IN ?", field), values)
	}
}

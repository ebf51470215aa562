package option

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a gorm query before it is executed.
type QueryOption func(*gorm.DB) *gorm.DB

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

// WithSortBy orders the query by an allow-listed column. Unknown columns are
// ignored rather than interpolated into SQL.
func WithSortBy(sort QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := sort.SortBy
		if column == "" || (sort.Allow != nil && !sort.Allow[column]) {
			column = "created_at"
		}

		direction := strings.ToUpper(sort.OrderBy)
		if direction != "ASC" && direction != "DESC" {
			direction = "ASC"
		}

		return db.Order(fmt.Sprintf("%s %s", column, direction))
	}
}

// WithLimit caps the number of rows returned by Find.
func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	}
}

// WithLockingUpdate takes a row-level lock (SELECT ... FOR UPDATE) on the
// matched rows for the duration of the surrounding transaction. SQLite has
// no row locks and rejects the clause; its single-writer model covers the
// same ground, so the clause is skipped there.
func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

// LockingUpdate is the scope form of WithLockingUpdate, usable with tx.Scopes.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector != nil && db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

type Operator string

const (
	EQ  Operator = "="
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

type Condition struct {
	Field    string
	Operator Operator
	Value    interface{}
}

// ApplyOperator adds a comparison condition against a single column.
func ApplyOperator(cond Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(fmt.Sprintf("%s %s ?", cond.Field, cond.Operator), cond.Value)
	}
}

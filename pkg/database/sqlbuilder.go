package database

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// QuoteIdentifier double-quotes a postgres identifier. Keys containing a
// double quote must be rejected before reaching this point.
func QuoteIdentifier(name string) string {
	return `"` + name + `"`
}

// Excluded references the incoming row inside an ON CONFLICT DO UPDATE set
// clause. The column name must already be quoted by the caller when it came
// from user input.
func Excluded(column string) any {
	return sqlbuilder.Raw("EXCLUDED." + column)
}

// InsertBuilder wraps the sqlbuilder postgres insert builder with the upsert
// clauses the device repository needs. The wrapping methods re-wrap so calls
// chain without dropping back to the embedded type.
type InsertBuilder struct {
	*sqlbuilder.InsertBuilder
}

func NewInsertBuilder() *InsertBuilder {
	return &InsertBuilder{sqlbuilder.PostgreSQL.NewInsertBuilder()}
}

func (ib *InsertBuilder) InsertInto(table string) *InsertBuilder {
	return &InsertBuilder{ib.InsertBuilder.InsertInto(table)}
}

func (ib *InsertBuilder) Cols(col ...string) *InsertBuilder {
	return &InsertBuilder{ib.InsertBuilder.Cols(col...)}
}

func (ib *InsertBuilder) Values(value ...interface{}) *InsertBuilder {
	return &InsertBuilder{ib.InsertBuilder.Values(value...)}
}

func (ib *InsertBuilder) Returning(col ...string) *InsertBuilder {
	return &InsertBuilder{ib.InsertBuilder.Returning(col...)}
}

// OnConflict appends ON CONFLICT (columns) DO UPDATE and returns the update
// builder the caller fills with Assign calls.
func (ib *InsertBuilder) OnConflict(columns ...string) *UpdateBuilder {
	ub := &UpdateBuilder{sqlbuilder.PostgreSQL.NewUpdateBuilder()}
	ib.SQL(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE %s", strings.Join(columns, ", "), ib.Var(ub)))
	return ub
}

func (ib *InsertBuilder) OnConflictDoNothing(columns ...string) *InsertBuilder {
	if len(columns) == 0 {
		ib.SQL("ON CONFLICT DO NOTHING")
		return ib
	}
	ib.SQL(fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(columns, ", ")))
	return ib
}

func (ib *InsertBuilder) Build() (sql string, args []interface{}) {
	return ib.InsertBuilder.Build()
}

type UpdateBuilder struct {
	*sqlbuilder.UpdateBuilder
}

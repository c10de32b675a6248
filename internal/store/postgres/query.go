package postgres

import (
	"fmt"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// listQuery appends positional filters to a base SELECT.
type listQuery struct {
	sql  string
	args []any
}

func newListQuery(base string, args ...any) *listQuery {
	return &listQuery{sql: base, args: args}
}

func (q *listQuery) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *listQuery) where(cond string, v any) {
	q.sql += fmt.Sprintf(" AND %s %s", cond, q.arg(v))
}

func (q *listQuery) timeRange(column string, opts domain.ListOpts) {
	if opts.Since != nil {
		q.where(column+" >=", *opts.Since)
	}
	if opts.Until != nil {
		q.where(column+" <=", *opts.Until)
	}
}

func (q *listQuery) order(by string) {
	q.sql += " ORDER BY " + by
}

func (q *listQuery) page(opts domain.ListOpts) {
	if opts.Limit > 0 {
		q.sql += " LIMIT " + q.arg(opts.Limit)
	}
	if opts.Offset > 0 {
		q.sql += " OFFSET " + q.arg(opts.Offset)
	}
}

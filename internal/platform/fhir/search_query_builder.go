package fhir

import (
	"fmt"
	"strings"
)

// Placeholder renders the n-th (1-based) positional bind parameter.
type Placeholder func(n int) string

// DollarPlaceholder renders PostgreSQL style parameters ($1, $2, ...).
func DollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// QuestionPlaceholder renders SQLite/MySQL style parameters.
func QuestionPlaceholder(int) string { return "?" }

// SearchQuery builds SQL WHERE clauses from search parameters.
// It encapsulates the search pattern used by the SQL backed stores.
type SearchQuery struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
	ph      Placeholder
}

// NewSearchQuery creates a new SearchQuery for the given table and columns
// using PostgreSQL placeholders.
func NewSearchQuery(table, cols string) *SearchQuery {
	return &SearchQuery{
		table: table,
		cols:  cols,
		idx:   1,
		ph:    DollarPlaceholder,
	}
}

// WithPlaceholder switches the placeholder style. Must be called before any
// clause is added.
func (q *SearchQuery) WithPlaceholder(ph Placeholder) *SearchQuery {
	q.ph = ph
	return q
}

// Idx returns the next available parameter index.
func (q *SearchQuery) Idx() int { return q.idx }

func (q *SearchQuery) next() string {
	p := q.ph(q.idx)
	q.idx++
	return p
}

// AddExact adds an exact equality clause.
func (q *SearchQuery) AddExact(column, value string) {
	q.where += fmt.Sprintf(" AND %s = %s", column, q.next())
	q.args = append(q.args, value)
}

// AddContains adds a case-insensitive substring clause. LIKE wildcards in the
// value are escaped so they match literally.
func (q *SearchQuery) AddContains(column, value string) {
	q.where += fmt.Sprintf(` AND LOWER(%s) LIKE %s ESCAPE '\'`, column, q.next())
	q.args = append(q.args, "%"+escapeLike(strings.ToLower(value))+"%")
}

// OrderBy sets the ORDER BY clause (without the "ORDER BY" keyword).
func (q *SearchQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

// CountSQL returns the count query SQL.
func (q *SearchQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

// CountArgs returns the arguments for the count query.
func (q *SearchQuery) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the data query SQL with ORDER BY and LIMIT/OFFSET.
func (q *SearchQuery) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	sql += fmt.Sprintf(" LIMIT %s OFFSET %s", q.ph(q.idx), q.ph(q.idx+1))
	return sql
}

// DataArgs returns the arguments for the data query (search args + limit + offset).
func (q *SearchQuery) DataArgs(limit, offset int) []interface{} {
	result := make([]interface{}, len(q.args)+2)
	copy(result, q.args)
	result[len(q.args)] = limit
	result[len(q.args)+1] = offset
	return result
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

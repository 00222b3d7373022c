package cache

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ehr/fhircache/internal/platform/fhir"
)

// Match selects how a filter value is compared with a field.
type Match int

const (
	// MatchExact compares the whole value, case-sensitively.
	MatchExact Match = iota
	// MatchContains is a case-insensitive substring match.
	MatchContains
)

// DefaultLimit is applied when a query does not ask for a page size.
const DefaultLimit = 20

// Field describes one flattened, queryable column of the record table.
type Field struct {
	Name       string
	Column     string
	Match      Match
	Filterable bool
	Text       bool

	value func(*Record) string
}

// The vocabulary mirrors the remote server's Patient search parameters so that
// answering from the cache or from the remote looks the same to callers.
var fields = map[string]Field{
	"_id":          {Name: "_id", Column: "id", Match: MatchExact, Filterable: true, Text: true, value: func(r *Record) string { return r.ID }},
	"name":         {Name: "name", Column: "display_name", Match: MatchContains, Filterable: true, Text: true, value: func(r *Record) string { return r.DisplayName }},
	"given":        {Name: "given", Column: "given", Match: MatchContains, Filterable: true, Text: true, value: func(r *Record) string { return r.Given }},
	"family":       {Name: "family", Column: "family", Match: MatchContains, Filterable: true, Text: true, value: func(r *Record) string { return r.Family }},
	"gender":       {Name: "gender", Column: "gender", Match: MatchExact, Filterable: true, Text: true, value: func(r *Record) string { return r.Gender }},
	"birthdate":    {Name: "birthdate", Column: "birth_date", Match: MatchExact, Filterable: true, Text: true, value: func(r *Record) string { return r.BirthDate }},
	"phone":        {Name: "phone", Column: "phone", Match: MatchExact, Filterable: true, Text: true, value: func(r *Record) string { return r.Phone }},
	"email":        {Name: "email", Column: "email", Match: MatchExact, Filterable: true, Text: true, value: func(r *Record) string { return r.Email }},
	"identifier":   {Name: "identifier", Column: "identifier", Match: MatchExact, Filterable: true, Text: true, value: func(r *Record) string { return r.Identifier }},
	"_lastUpdated": {Name: "_lastUpdated", Column: "last_updated"},
}

// LookupField returns the field registered under name.
func LookupField(name string) (Field, bool) {
	f, ok := fields[name]
	return f, ok
}

// FieldNames returns the filterable field names in sorted order.
func FieldNames() []string {
	names := make([]string, 0, len(fields))
	for n, f := range fields {
		if f.Filterable {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Query selects a page of records. Filter keys are field names, optionally
// with a ":exact" or ":contains" modifier on text fields.
type Query struct {
	Filters map[string]string
	Sort    []fhir.SortSpec
	Offset  int
	Limit   int
}

// Condition is one resolved filter.
type Condition struct {
	Field Field
	Match Match
	Value string
}

// Page is one page of query results plus the total number of matching rows.
type Page struct {
	Records []*Record
	Total   int
}

// Conditions resolves the filters against the field vocabulary. Conditions
// are returned ordered by field name so generated SQL is stable.
func (q Query) Conditions() ([]Condition, error) {
	keys := make([]string, 0, len(q.Filters))
	for k := range q.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]Condition, 0, len(keys))
	for _, key := range keys {
		name, mod := fhir.ParseParamModifier(key)
		f, ok := fields[name]
		if !ok || !f.Filterable {
			return nil, fmt.Errorf("%w: filter %q", ErrUnknownField, key)
		}
		m := f.Match
		switch mod {
		case "":
		case fhir.ModifierExact:
			m = MatchExact
		case fhir.ModifierContains:
			if f.Match != MatchContains {
				return nil, fmt.Errorf("%w: modifier %q not supported on %q", ErrUnknownField, mod, name)
			}
		default:
			return nil, fmt.Errorf("%w: modifier %q not supported on %q", ErrUnknownField, mod, name)
		}
		conds = append(conds, Condition{Field: f, Match: m, Value: q.Filters[key]})
	}
	return conds, nil
}

// SortFields resolves the sort keys. The id tiebreak is not included; every
// store appends it.
func (q Query) SortFields() ([]Field, []bool, error) {
	out := make([]Field, 0, len(q.Sort))
	desc := make([]bool, 0, len(q.Sort))
	for _, s := range q.Sort {
		f, ok := fields[s.Field]
		if !ok {
			return nil, nil, fmt.Errorf("%w: sort %q", ErrUnknownField, s.Field)
		}
		out = append(out, f)
		desc = append(desc, s.Descending)
	}
	return out, desc, nil
}

// Validate reports filters or sort keys outside the vocabulary.
func (q Query) Validate() error {
	if _, err := q.Conditions(); err != nil {
		return err
	}
	_, _, err := q.SortFields()
	return err
}

func (q Query) normalized() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// orderClause renders ORDER BY for the SQL stores. Text columns use binary
// collation so every backend orders rows identically.
func orderClause(fs []Field, desc []bool, binaryCollation string) string {
	parts := make([]string, 0, len(fs)+1)
	hasID := false
	for i, f := range fs {
		col := f.Column
		if f.Text && binaryCollation != "" {
			col += " COLLATE " + binaryCollation
		}
		dir := "ASC"
		if desc[i] {
			dir = "DESC"
		}
		parts = append(parts, col+" "+dir)
		if f.Column == "id" {
			hasID = true
		}
	}
	if !hasID {
		id := "id"
		if binaryCollation != "" {
			id += " COLLATE " + binaryCollation
		}
		parts = append(parts, id+" ASC")
	}
	return strings.Join(parts, ", ")
}

// matches evaluates one condition against a record in memory.
func (c Condition) matches(r *Record) bool {
	v := c.Field.value(r)
	if c.Match == MatchContains {
		return strings.Contains(strings.ToLower(v), strings.ToLower(c.Value))
	}
	return v == c.Value
}

// less compares two records on the resolved sort order, id ascending last.
func less(a, b *Record, fs []Field, desc []bool) bool {
	for i, f := range fs {
		var c int
		if f.value == nil {
			c = compareTime(a.LastUpdated, b.LastUpdated)
		} else {
			c = strings.Compare(f.value(a), f.value(b))
		}
		if c == 0 {
			continue
		}
		if desc[i] {
			return c > 0
		}
		return c < 0
	}
	return a.ID < b.ID
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

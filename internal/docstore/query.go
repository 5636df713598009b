package docstore

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Filter matches documents whose top-level field equals Value
type Filter struct {
	Field string
	Value any
}

// Query selects documents of one collection
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Desc       bool
	Limit      int
}

// Where returns a copy of q with an added equality filter
func (q Query) Where(field string, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Value: value})
	return q
}

// Ordered returns a copy of q ordered by field
func (q Query) Ordered(field string, desc bool) Query {
	q.OrderBy = field
	q.Desc = desc
	return q
}

// Limited returns a copy of q capped at n documents
func (q Query) Limited(n int) Query {
	q.Limit = n
	return q
}

// FilterObject renders the filters as a JSON object, suitable for containment queries
func (q Query) FilterObject() (json.RawMessage, error) {
	obj := make(map[string]any, len(q.Filters))
	for _, f := range q.Filters {
		obj[f.Field] = f.Value
	}
	return json.Marshal(obj)
}

// Apply filters, orders and limits docs in memory. Ties keep id order.
func Apply(q Query, docs []Document) ([]Document, error) {
	filters, err := normalizeFilters(q.Filters)
	if err != nil {
		return nil, err
	}

	type row struct {
		doc    Document
		fields map[string]any
	}
	rows := make([]row, 0, len(docs))
	for _, d := range docs {
		var fields map[string]any
		if err := json.Unmarshal(d.Data, &fields); err != nil {
			return nil, err
		}
		if matches(fields, filters) {
			rows = append(rows, row{doc: d, fields: fields})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].doc.ID < rows[j].doc.ID })
	if q.OrderBy != "" {
		sort.SliceStable(rows, func(i, j int) bool {
			c := compare(rows[i].fields[q.OrderBy], rows[j].fields[q.OrderBy])
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	}

	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	out := make([]Document, len(rows))
	for i, r := range rows {
		out[i] = r.doc
	}
	return out, nil
}

// normalizeFilters round-trips filter values through JSON so they compare
// equal to decoded document fields.
func normalizeFilters(filters []Filter) ([]Filter, error) {
	out := make([]Filter, len(filters))
	for i, f := range filters {
		raw, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out[i] = Filter{Field: f.Field, Value: v}
	}
	return out, nil
}

func matches(fields map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !reflect.DeepEqual(fields[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// compare orders decoded JSON values: missing < bool < number < string.
// Strings that parse as RFC 3339 times compare chronologically.
func compare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}

	switch av := a.(type) {
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		bv := b.(string)
		ta, errA := time.Parse(time.RFC3339Nano, av)
		tb, errB := time.Parse(time.RFC3339Nano, bv)
		if errA == nil && errB == nil {
			return ta.Compare(tb)
		}
		return strings.Compare(av, bv)
	}
	return 0
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Query is the wire and flag form of a view request.
type Query struct {
	Filters      map[string][]string `json:"filters,omitempty" yaml:"filters,omitempty"`
	Search       string              `json:"search,omitempty" yaml:"search,omitempty"`
	SearchFields []string            `json:"search_fields,omitempty" yaml:"search_fields,omitempty"`
	Range        string              `json:"range,omitempty" yaml:"range,omitempty" example:"7d"`
	SortBy       string              `json:"sort_by,omitempty" yaml:"sort_by,omitempty"`
	SortDir      string              `json:"sort_dir,omitempty" yaml:"sort_dir,omitempty" enum:"asc,desc"`
	GroupBy      string              `json:"group_by,omitempty" yaml:"group_by,omitempty"`
}

// Specs converts q into engine specs, using now as the window reference.
// Filter predicates are emitted in field-name order.
func (q Query) Specs(now time.Time) (FilterSpec, SortSpec, GroupSpec, error) {
	window, err := ParseWindow(q.Range)
	if err != nil {
		return FilterSpec{}, SortSpec{}, GroupSpec{}, err
	}
	f := FilterSpec{Window: window, Now: now}
	fields := make([]string, 0, len(q.Filters))
	for field := range q.Filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		f.Predicates = append(f.Predicates, In(field, q.Filters[field]...))
	}
	if strings.TrimSpace(q.Search) != "" {
		f.Predicates = append(f.Predicates, Contains(q.Search, q.SearchFields...))
	}

	s := SortSpec{Field: strings.TrimSpace(q.SortBy)}
	switch strings.ToLower(strings.TrimSpace(q.SortDir)) {
	case "", "asc":
	case "desc":
		s.Desc = true
	default:
		return FilterSpec{}, SortSpec{}, GroupSpec{}, fmt.Errorf("invalid sort direction %q", q.SortDir)
	}

	g := GroupSpec{Field: strings.TrimSpace(q.GroupBy)}
	if strings.EqualFold(g.Field, "none") {
		g = NoGrouping
	}
	return f, s, g, nil
}

// ParseFilterArg parses "field=a,b" into a field and its values.
func ParseFilterArg(arg string) (string, []string, error) {
	field, raw, ok := strings.Cut(arg, "=")
	field = strings.TrimSpace(field)
	if !ok || field == "" {
		return "", nil, fmt.Errorf("invalid filter %q; want field=value[,value]", arg)
	}
	var values []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return field, values, nil
}

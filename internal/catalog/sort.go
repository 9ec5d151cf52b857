package catalog

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// SeverityRanks orders risk levels from most to least severe.
var SeverityRanks = map[string]int{
	"critical": 0,
	"high":     1,
	"medium":   2,
	"low":      3,
}

// IsSeverityField reports whether field is ranked by SeverityRanks by default.
func IsSeverityField(field string) bool {
	return field == "risk_level" || field == "severity"
}

// SortSpec orders records by one field. Ranks, when set, replaces lexical
// order for string values; severity fields get SeverityRanks implicitly.
type SortSpec struct {
	Field string
	Desc  bool
	Ranks map[string]int
}

// Unsorted keeps collection order.
var Unsorted = SortSpec{}

func (s SortSpec) ranks() map[string]int {
	if s.Ranks != nil {
		return s.Ranks
	}
	if IsSeverityField(s.Field) {
		return SeverityRanks
	}
	return nil
}

// Sort returns a stably sorted copy of records. Ties keep input order in both
// directions, so flipping Desc reverses only non-tied elements.
func Sort[R Record](records []R, s SortSpec) []R {
	out := slices.Clone(records)
	if s.Field == "" {
		return out
	}
	ranks := s.ranks()
	slices.SortStableFunc(out, func(a, b R) int {
		av, aok := a.Field(s.Field)
		bv, bok := b.Field(s.Field)
		c := compareValues(av, aok, bv, bok, ranks)
		if s.Desc {
			return -c
		}
		return c
	})
	return out
}

// compareValues orders present values before missing ones.
func compareValues(a any, aok bool, b any, bok bool, ranks map[string]int) int {
	aok = aok && a != nil
	bok = bok && b != nil
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return 1
	case !bok:
		return -1
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return compareStrings(x, y, ranks)
		}
	case []string:
		if y, ok := b.([]string); ok {
			return compareStrings(strings.Join(x, ","), strings.Join(y, ","), nil)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
	case int:
		if y, ok := b.(int); ok {
			return cmp.Compare(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	}
	// Mixed dynamic types: fall back to their string forms.
	return compareStrings(strings.Join(stringsOf(a), ","), strings.Join(stringsOf(b), ","), nil)
}

// compareStrings ranks known values first, then unknown values lexically.
func compareStrings(a, b string, ranks map[string]int) int {
	if ranks != nil {
		ra, aok := ranks[strings.ToLower(a)]
		rb, bok := ranks[strings.ToLower(b)]
		switch {
		case aok && bok:
			return cmp.Compare(ra, rb)
		case aok:
			return -1
		case bok:
			return 1
		}
	}
	return cmp.Compare(strings.ToLower(a), strings.ToLower(b))
}

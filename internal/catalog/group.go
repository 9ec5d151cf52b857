package catalog

import (
	"slices"
	"strings"
	"time"
)

// GroupSpec partitions a view by one field.
type GroupSpec struct {
	Field string
	Ranks map[string]int
}

// NoGrouping yields a single implicit group.
var NoGrouping = GroupSpec{}

func (g GroupSpec) ranks() map[string]int {
	if g.Ranks != nil {
		return g.Ranks
	}
	if IsSeverityField(g.Field) {
		return SeverityRanks
	}
	return nil
}

// Partition splits records into groups without dropping or duplicating any
// record. Keys compare case-insensitively, the same way In matches, and a
// group is labelled with the first spelling encountered. Ranked fields order
// groups by rank with unranked keys after them; other fields keep
// first-encountered order. Records keep input order inside each group.
func Partition[R Record](records []R, g GroupSpec) []Group[R] {
	if g.Field == "" {
		return []Group[R]{{Records: slices.Clone(records)}}
	}
	var groups []Group[R]
	index := map[string]int{}
	for _, r := range records {
		key := GroupKey(r, g.Field)
		folded := strings.ToLower(key)
		i, ok := index[folded]
		if !ok {
			i = len(groups)
			index[folded] = i
			groups = append(groups, Group[R]{Key: key})
		}
		groups[i].Records = append(groups[i].Records, r)
	}
	if ranks := g.ranks(); ranks != nil {
		slices.SortStableFunc(groups, func(a, b Group[R]) int {
			ra, aok := ranks[strings.ToLower(a.Key)]
			rb, bok := ranks[strings.ToLower(b.Key)]
			switch {
			case aok && bok:
				return ra - rb
			case aok:
				return -1
			case bok:
				return 1
			}
			return 0
		})
	}
	return groups
}

// GroupKey is the string bucket of r for field. Missing values share the
// empty key.
func GroupKey(r Record, field string) string {
	v, ok := r.Field(field)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, ", ")
	case time.Time:
		return t.UTC().Format(time.DateOnly)
	}
	return strings.Join(stringsOf(v), ", ")
}

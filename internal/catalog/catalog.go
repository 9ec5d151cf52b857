// Package catalog derives filtered, sorted and grouped views over in-memory
// record collections. Every function here is pure: the output depends only on
// the arguments, and the inputs are never modified.
package catalog

import "time"

// Record is the common surface of every catalog entity.
type Record interface {
	RecordID() string
	// Field returns the named attribute. Supported dynamic types are
	// string, []string, int64, float64, bool and time.Time.
	Field(name string) (any, bool)
	// PrimaryTime is the timestamp used by time-window filters.
	PrimaryTime() time.Time
}

// Group is one bucket of a view. Key is empty for the implicit group.
type Group[R Record] struct {
	Key     string `json:"key"`
	Records []R    `json:"records"`
}

// View filters records, partitions the survivors by g and sorts each
// partition by s. With NoGrouping the result is a single group holding every
// filtered record.
func View[R Record](records []R, f FilterSpec, s SortSpec, g GroupSpec) []Group[R] {
	filtered := Filter(records, f)
	groups := Partition(filtered, g)
	for i := range groups {
		groups[i].Records = Sort(groups[i].Records, s)
	}
	return groups
}

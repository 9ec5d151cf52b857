package catalog

import (
	"math"
	"strings"
)

// Bucket is one slice of a distribution.
type Bucket struct {
	Key     string `json:"key"`
	Count   int    `json:"count"`
	Percent int    `json:"percent"`
}

// Percent rounds part/total to the nearest whole percent. A non-positive
// total yields 0.
func Percent(part, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(part) * 100 / float64(total)))
}

// Distribution counts records per key of field, in the order of keys.
// Percentages are relative to len(records), not to the sum of the buckets.
func Distribution[R Record](records []R, field string, keys []string) []Bucket {
	out := make([]Bucket, len(keys))
	for i, k := range keys {
		out[i].Key = k
	}
	for _, r := range records {
		key := GroupKey(r, field)
		for i := range out {
			if strings.EqualFold(out[i].Key, key) {
				out[i].Count++
				break
			}
		}
	}
	for i := range out {
		out[i].Percent = Percent(out[i].Count, len(records))
	}
	return out
}

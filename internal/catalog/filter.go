package catalog

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type predicateKind int

const (
	kindIn predicateKind = iota
	kindContains
)

// DefaultSearchFields are used by Contains when no field is named.
var DefaultSearchFields = []string{"name", "description"}

// Predicate is a single named constraint of a FilterSpec.
type Predicate struct {
	kind   predicateKind
	field  string
	values []string
	text   string
	fields []string
}

// In matches records whose field equals any of values (case-insensitive).
// For list-valued fields one matching element is enough.
func In(field string, values ...string) Predicate {
	var vs []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			vs = append(vs, v)
		}
	}
	return Predicate{kind: kindIn, field: field, values: vs}
}

// Contains matches records where any of fields contains text, ignoring case.
func Contains(text string, fields ...string) Predicate {
	if len(fields) == 0 {
		fields = DefaultSearchFields
	}
	return Predicate{kind: kindContains, text: strings.TrimSpace(text), fields: append([]string(nil), fields...)}
}

// Active reports whether the predicate constrains anything. Empty sets and
// empty search strings never exclude a record.
func (p Predicate) Active() bool {
	switch p.kind {
	case kindIn:
		return p.field != "" && len(p.values) > 0
	case kindContains:
		return p.text != ""
	}
	return false
}

func (p Predicate) String() string {
	if p.kind == kindContains {
		return fmt.Sprintf("%s~%q", strings.Join(p.fields, "|"), p.text)
	}
	return fmt.Sprintf("%s in %v", p.field, p.values)
}

func (p Predicate) match(r Record) bool {
	switch p.kind {
	case kindIn:
		v, ok := r.Field(p.field)
		if !ok {
			return false
		}
		for _, s := range stringsOf(v) {
			for _, want := range p.values {
				if strings.EqualFold(s, want) {
					return true
				}
			}
		}
		return false
	case kindContains:
		needle := strings.ToLower(p.text)
		for _, f := range p.fields {
			v, ok := r.Field(f)
			if !ok {
				continue
			}
			for _, s := range stringsOf(v) {
				if strings.Contains(strings.ToLower(s), needle) {
					return true
				}
			}
		}
		return false
	}
	return true
}

// TimeWindow bounds records by their primary timestamp. The zero value is
// AllTime, which disables the comparison.
type TimeWindow struct {
	d       time.Duration
	bounded bool
}

// AllTime imposes no time constraint.
var AllTime = TimeWindow{}

// Within keeps records whose primary time is no older than d.
func Within(d time.Duration) TimeWindow {
	return TimeWindow{d: d, bounded: true}
}

func (w TimeWindow) Bounded() bool           { return w.bounded }
func (w TimeWindow) Duration() time.Duration { return w.d }

func (w TimeWindow) String() string {
	if !w.bounded {
		return "all"
	}
	if w.d%(24*time.Hour) == 0 && w.d > 0 {
		return strconv.FormatInt(int64(w.d/(24*time.Hour)), 10) + "d"
	}
	return w.d.String()
}

// maxWindowDays is the largest day count a time.Duration can hold.
const maxWindowDays = math.MaxInt64 / int64(24*time.Hour)

// ParseWindow understands "all" (or empty), day counts such as "7d" and any
// Go duration such as "24h".
func ParseWindow(raw string) (TimeWindow, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "", "all", "all_time", "all-time":
		return AllTime, nil
	}
	if strings.HasSuffix(raw, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil || n <= 0 || int64(n) > maxWindowDays {
			return AllTime, fmt.Errorf("invalid time range %q", raw)
		}
		return Within(time.Duration(n) * 24 * time.Hour), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return AllTime, fmt.Errorf("invalid time range %q", raw)
	}
	return Within(d), nil
}

// FilterSpec is the conjunction of its active predicates and window. Now is
// the reference instant for the window so that filtering stays pure.
type FilterSpec struct {
	Predicates []Predicate
	Window     TimeWindow
	Now        time.Time
}

// Match reports whether r satisfies every active constraint.
func (f FilterSpec) Match(r Record) bool {
	for _, p := range f.Predicates {
		if p.Active() && !p.match(r) {
			return false
		}
	}
	if f.Window.bounded {
		cutoff := f.Now.Add(-f.Window.d)
		if r.PrimaryTime().Before(cutoff) {
			return false
		}
	}
	return true
}

// Filter returns the matching records in input order.
func Filter[R Record](records []R, f FilterSpec) []R {
	out := make([]R, 0, len(records))
	for _, r := range records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case int64:
		return []string{strconv.FormatInt(t, 10)}
	case int:
		return []string{strconv.Itoa(t)}
	case float64:
		return []string{strconv.FormatFloat(t, 'f', -1, 64)}
	case bool:
		return []string{strconv.FormatBool(t)}
	case time.Time:
		return []string{t.UTC().Format(time.RFC3339)}
	case nil:
		return nil
	default:
		return []string{fmt.Sprint(t)}
	}
}

package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
)

// ErrDuplicateID reports an id that is in use or was used before.
var ErrDuplicateID = errors.New("duplicate id")

// Collection is an ordered set of records with ids that are never reused,
// even after removal. It is not safe for concurrent use.
type Collection[R Record] struct {
	items   []R
	retired map[string]struct{}
	next    int64
}

func NewCollection[R Record]() *Collection[R] {
	return &Collection[R]{retired: map[string]struct{}{}, next: 1}
}

// Insert allocates the next sequence id and appends build(id).
func (c *Collection[R]) Insert(build func(id int64) R) R {
	if c.next < 1 {
		c.next = 1
	}
	for {
		id := c.next
		c.next++
		if c.taken(strconv.FormatInt(id, 10)) {
			continue
		}
		r := build(id)
		c.items = append(c.items, r)
		return r
	}
}

// Append adds a record that carries its own id.
func (c *Collection[R]) Append(r R) error {
	id := r.RecordID()
	if id == "" {
		return fmt.Errorf("record id required")
	}
	if c.taken(id) {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if n, err := strconv.ParseInt(id, 10, 64); err == nil && n >= c.next {
		c.next = n + 1
	}
	c.items = append(c.items, r)
	return nil
}

// Remove deletes the record and retires its id.
func (c *Collection[R]) Remove(id string) bool {
	i := c.indexOf(id)
	if i < 0 {
		return false
	}
	c.items = slices.Delete(c.items, i, i+1)
	if c.retired == nil {
		c.retired = map[string]struct{}{}
	}
	c.retired[id] = struct{}{}
	return true
}

func (c *Collection[R]) Get(id string) (R, bool) {
	if i := c.indexOf(id); i >= 0 {
		return c.items[i], true
	}
	var zero R
	return zero, false
}

// Records returns a snapshot in insertion order.
func (c *Collection[R]) Records() []R {
	return slices.Clone(c.items)
}

func (c *Collection[R]) Len() int { return len(c.items) }

func (c *Collection[R]) taken(id string) bool {
	if _, ok := c.retired[id]; ok {
		return true
	}
	return c.indexOf(id) >= 0
}

func (c *Collection[R]) indexOf(id string) int {
	for i, r := range c.items {
		if r.RecordID() == id {
			return i
		}
	}
	return -1
}

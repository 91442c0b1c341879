package router

// Table is the set of Active remote destinations, kept in join order.
// It is owned by the Router goroutine and is not safe for concurrent use.
type Table struct {
	order []string
	byID  map[string]Destination
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{byID: make(map[string]Destination)}
}

// Add registers dest. It returns false if the identity is already present.
func (t *Table) Add(dest Destination) bool {
	id := dest.ID()
	if _, exists := t.byID[id]; exists {
		return false
	}
	t.byID[id] = dest
	t.order = append(t.order, id)
	return true
}

// Remove drops id and reports whether it was present.
func (t *Table) Remove(id string) bool {
	if _, exists := t.byID[id]; !exists {
		return false
	}
	delete(t.byID, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Get looks up a destination by identity.
func (t *Table) Get(id string) (Destination, bool) {
	dest, ok := t.byID[id]
	return dest, ok
}

// First returns the earliest joined destination still present.
func (t *Table) First() (Destination, bool) {
	if len(t.order) == 0 {
		return nil, false
	}
	return t.byID[t.order[0]], true
}

// Snapshot returns the destinations in join order. The slice is a copy,
// so the caller may Remove while iterating it.
func (t *Table) Snapshot() []Destination {
	out := make([]Destination, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// IDs returns the identities in join order.
func (t *Table) IDs() []string {
	return append([]string(nil), t.order...)
}

// Len returns the number of destinations.
func (t *Table) Len() int { return len(t.order) }

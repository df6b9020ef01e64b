package search

import "github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"

// mergeSet is the running candidate set for one aggregation. Inserts are
// insert-if-absent by identity: the first candidate seen for an identity is
// kept and later duplicates are dropped, whatever their score.
type mergeSet struct {
	items []domain.SourceCandidate
	index map[string]int
}

func newMergeSet() *mergeSet {
	return &mergeSet{index: make(map[string]int)}
}

func (m *mergeSet) has(identity string) bool {
	_, ok := m.index[identity]
	return ok
}

// insert stamps discovery order on c and adds it. It reports false when the
// identity is already present.
func (m *mergeSet) insert(c domain.SourceCandidate) bool {
	if c.Identity == "" {
		c.Identity = c.IdentityKey()
	}
	if m.has(c.Identity) {
		return false
	}
	c.Order = len(m.items)
	m.index[c.Identity] = len(m.items)
	m.items = append(m.items, c)
	return true
}

func (m *mergeSet) len() int {
	return len(m.items)
}

// ranked returns a sorted copy; the set itself keeps discovery order.
func (m *mergeSet) ranked() []domain.SourceCandidate {
	out := make([]domain.SourceCandidate, len(m.items))
	copy(out, m.items)
	sortRanked(out)
	return out
}

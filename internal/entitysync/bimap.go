package entitysync

import "github.com/pkg/errors"

// BiMap is an injective map in both directions. Every left key maps to exactly
// one right key and the other way around.
type BiMap[L, R comparable] struct {
	byLeft  map[L]R
	byRight map[R]L
}

// NewBiMap creates an empty map.
func NewBiMap[L, R comparable]() *BiMap[L, R] {
	return &BiMap[L, R]{
		byLeft:  make(map[L]R),
		byRight: make(map[R]L),
	}
}

// Insert links l and r, first dropping any pair that used either key.
func (m *BiMap[L, R]) Insert(l L, r R) {
	m.RemoveByLeft(l)
	m.RemoveByRight(r)
	m.byLeft[l] = r
	m.byRight[r] = l
}

// InsertNoOverwrite links l and r only when neither key is present.
func (m *BiMap[L, R]) InsertNoOverwrite(l L, r R) bool {
	if _, ok := m.byLeft[l]; ok {
		return false
	}
	if _, ok := m.byRight[r]; ok {
		return false
	}
	m.byLeft[l] = r
	m.byRight[r] = l
	return true
}

func (m *BiMap[L, R]) GetByLeft(l L) (R, bool) {
	r, ok := m.byLeft[l]
	return r, ok
}

func (m *BiMap[L, R]) GetByRight(r R) (L, bool) {
	l, ok := m.byRight[r]
	return l, ok
}

// RemoveByLeft drops the pair keyed by l and returns its right side.
func (m *BiMap[L, R]) RemoveByLeft(l L) (R, bool) {
	r, ok := m.byLeft[l]
	if ok {
		delete(m.byLeft, l)
		delete(m.byRight, r)
	}
	return r, ok
}

// RemoveByRight drops the pair keyed by r and returns its left side.
func (m *BiMap[L, R]) RemoveByRight(r R) (L, bool) {
	l, ok := m.byRight[r]
	if ok {
		delete(m.byRight, r)
		delete(m.byLeft, l)
	}
	return l, ok
}

func (m *BiMap[L, R]) Len() int {
	return len(m.byLeft)
}

// Each calls fn for every pair. fn must not modify the map.
func (m *BiMap[L, R]) Each(fn func(L, R)) {
	for l, r := range m.byLeft {
		fn(l, r)
	}
}

// Rights returns every right value.
func (m *BiMap[L, R]) Rights() []R {
	out := make([]R, 0, len(m.byRight))
	for r := range m.byRight {
		out = append(out, r)
	}
	return out
}

// Check verifies that both directions agree.
func (m *BiMap[L, R]) Check() error {
	if len(m.byLeft) != len(m.byRight) {
		return errors.Errorf("bimap: %d left keys but %d right keys", len(m.byLeft), len(m.byRight))
	}
	for l, r := range m.byLeft {
		if back, ok := m.byRight[r]; !ok || back != l {
			return errors.Errorf("bimap: %v -> %v does not map back", l, r)
		}
	}
	return nil
}

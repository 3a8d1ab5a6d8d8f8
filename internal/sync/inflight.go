package sync

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// InFlightSet tracks keys with dispatched-but-unacknowledged actions. The
// engine skips these keys during a pass, so per-key action ordering follows
// the order of the passes that produced them.
type InFlightSet struct {
	keys mapset.Set[string]
}

func NewInFlightSet() *InFlightSet {
	return &InFlightSet{keys: mapset.NewSet[string]()}
}

func (s *InFlightSet) Add(keys ...string) {
	s.keys.Append(keys...)
}

func (s *InFlightSet) Remove(keys ...string) {
	s.keys.RemoveAll(keys...)
}

func (s *InFlightSet) Contains(key string) bool {
	return s.keys.Contains(key)
}

func (s *InFlightSet) Len() int {
	return s.keys.Cardinality()
}

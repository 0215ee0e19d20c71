package abundqc

// FeatureSet is an ordered set of feature ids. It is the unit of narrowing
// handed from one filter stage to the next: stages may only remove members,
// never reorder the survivors.
type FeatureSet struct {
	ids    []string
	member map[string]bool
}

// NewFeatureSet builds a set from ids, preserving their order and dropping
// duplicates.
func NewFeatureSet(ids []string) *FeatureSet {
	s := &FeatureSet{
		ids:    make([]string, 0, len(ids)),
		member: make(map[string]bool, len(ids)),
	}
	for _, id := range ids {
		if s.member[id] {
			continue
		}
		s.member[id] = true
		s.ids = append(s.ids, id)
	}
	return s
}

// Len returns the number of members.
func (s *FeatureSet) Len() int { return len(s.ids) }

// Contains reports membership.
func (s *FeatureSet) Contains(id string) bool { return s.member[id] }

// IDs returns the members in set order. Callers must not modify the returned
// slice.
func (s *FeatureSet) IDs() []string { return s.ids }

// Intersect returns a new set holding the members of s that are also in
// other, in s's order.
func (s *FeatureSet) Intersect(other *FeatureSet) *FeatureSet {
	kept := make([]string, 0, s.Len())
	for _, id := range s.ids {
		if other.Contains(id) {
			kept = append(kept, id)
		}
	}
	return NewFeatureSet(kept)
}

// Without returns a new set holding the members of s not present in drop, in
// s's order.
func (s *FeatureSet) Without(drop *FeatureSet) *FeatureSet {
	kept := make([]string, 0, s.Len())
	for _, id := range s.ids {
		if !drop.Contains(id) {
			kept = append(kept, id)
		}
	}
	return NewFeatureSet(kept)
}

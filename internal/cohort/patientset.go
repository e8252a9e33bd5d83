package cohort

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// PatientSet is an immutable set of patient ids. The zero value is empty.
// Operations return new sets and never modify their operands.
type PatientSet struct {
	ids map[int64]struct{}
}

// NewPatientSet builds a set from ids; duplicates collapse.
func NewPatientSet(ids ...int64) PatientSet {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return PatientSet{ids: m}
}

func (s PatientSet) Len() int { return len(s.ids) }

func (s PatientSet) Contains(id int64) bool {
	_, ok := s.ids[id]
	return ok
}

// Members returns the ids in ascending order.
func (s PatientSet) Members() []int64 {
	out := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s PatientSet) Union(o PatientSet) PatientSet {
	m := make(map[int64]struct{}, len(s.ids)+len(o.ids))
	for id := range s.ids {
		m[id] = struct{}{}
	}
	for id := range o.ids {
		m[id] = struct{}{}
	}
	return PatientSet{ids: m}
}

func (s PatientSet) Intersect(o PatientSet) PatientSet {
	small, large := s, o
	if len(large.ids) < len(small.ids) {
		small, large = large, small
	}
	m := make(map[int64]struct{})
	for id := range small.ids {
		if _, ok := large.ids[id]; ok {
			m[id] = struct{}{}
		}
	}
	return PatientSet{ids: m}
}

// Difference returns the members of s that are not in o.
func (s PatientSet) Difference(o PatientSet) PatientSet {
	m := make(map[int64]struct{})
	for id := range s.ids {
		if _, ok := o.ids[id]; !ok {
			m[id] = struct{}{}
		}
	}
	return PatientSet{ids: m}
}

func (s PatientSet) Equal(o PatientSet) bool {
	if len(s.ids) != len(o.ids) {
		return false
	}
	for id := range s.ids {
		if _, ok := o.ids[id]; !ok {
			return false
		}
	}
	return true
}

func (s PatientSet) String() string {
	members := s.Members()
	parts := make([]string, len(members))
	for i, id := range members {
		parts[i] = fmt.Sprint(id)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (s PatientSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Members())
}

func (s *PatientSet) UnmarshalJSON(b []byte) error {
	var ids []int64
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewPatientSet(ids...)
	return nil
}

// UnionAll unions any number of sets.
func UnionAll(sets ...PatientSet) PatientSet {
	total := 0
	for _, s := range sets {
		total += len(s.ids)
	}
	m := make(map[int64]struct{}, total)
	for _, s := range sets {
		for id := range s.ids {
			m[id] = struct{}{}
		}
	}
	return PatientSet{ids: m}
}

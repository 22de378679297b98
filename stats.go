package slabcache

// Stats is a counter snapshot of cache traffic. The core does not
// count on the fast path; callers maintain these and the bench tool
// persists them.
type Stats struct {
	Pushes     uint64 `json:"pushes"`
	Pops       uint64 `json:"pops"`
	PushMisses uint64 `json:"push_misses"`
	PopMisses  uint64 `json:"pop_misses"`
	Overflows  uint64 `json:"overflows"`
	Underflows uint64 `json:"underflows"`
	Grows      uint64 `json:"grows"`
	Shrinks    uint64 `json:"shrinks"`
	Drains     uint64 `json:"drains"`
	Resizes    uint64 `json:"resizes"`
}

// Sub returns the delta between two snapshots.
func (s *Stats) Sub(other *Stats) Stats {
	if other == nil {
		return *s
	}
	var diff Stats
	diff.Pushes = s.Pushes - other.Pushes
	diff.Pops = s.Pops - other.Pops
	diff.PushMisses = s.PushMisses - other.PushMisses
	diff.PopMisses = s.PopMisses - other.PopMisses
	diff.Overflows = s.Overflows - other.Overflows
	diff.Underflows = s.Underflows - other.Underflows
	diff.Grows = s.Grows - other.Grows
	diff.Shrinks = s.Shrinks - other.Shrinks
	diff.Drains = s.Drains - other.Drains
	diff.Resizes = s.Resizes - other.Resizes
	return diff
}

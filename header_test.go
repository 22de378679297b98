package slabcache

import "testing"

func TestHeaderStates(t *testing.T) {
	var zero header
	if zero.isInitialized() {
		t.Errorf("zero header reports initialized")
	}
	if !zero.isLocked() {
		t.Errorf("zero header must block push and pop")
	}

	active := header{current: 12, endCopy: 20, begin: 10, end: 20}
	if !active.isInitialized() || active.isLocked() {
		t.Errorf("active header misclassified")
	}
}

func TestLockHeaderPartialStore(t *testing.T) {
	v := packHeader(header{current: 12, endCopy: 20, begin: 10, end: 20})
	lockHeader(&v)
	h := unpackHeader(v)
	if h.begin != 0xffff || h.end != 0 {
		t.Errorf("lock wrote begin %#x end %d, expected 0xffff and 0", h.begin, h.end)
	}
	// The 32-bit store must leave current and endCopy intact.
	if h.current != 12 || h.endCopy != 20 {
		t.Errorf("lock clobbered current/endCopy: %+v", h)
	}
	if !h.isLocked() {
		t.Errorf("locked header not reported locked")
	}
	// Both fast-path comparisons fail against a locked header.
	if !(h.current >= h.end) {
		t.Errorf("push comparison does not fail when locked")
	}
	if !(h.current <= h.begin) {
		t.Errorf("pop comparison does not fail when locked")
	}
}

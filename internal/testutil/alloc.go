package testutil

import "testing"

// ShouldNotAllocate fails t if calling f allocates any memory. It is used
// to guard hot paths (packet dispatch, message encoding) against
// accidental allocations introduced by refactoring.
func ShouldNotAllocate(t testing.TB, f func()) {
	t.Helper()
	allocs := testing.AllocsPerRun(100, f)
	if allocs > 0 {
		t.Errorf("got %v allocations, want 0", allocs)
	}
}

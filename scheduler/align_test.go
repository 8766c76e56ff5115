package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinylvt/tinylvt/store"
)

// TestAlignToOpenHoursNudgesForward covers a site with a single weekly open
// window: a time falling outside every window is nudged forward to the next
// occurrence of the window, preserving the original minute-of-hour.
func TestAlignToOpenHoursNudgesForward(t *testing.T) {
	t1 := time.Date(2026, 3, 15, 22, 0, 0, 0, time.UTC)
	nextWeekday := int((t1.Weekday() + 1) % 7)

	windows := []openHoursWindow{{Weekday: nextWeekday, StartMinute: 540, EndMinute: 1020}} // 09:00-17:00
	raw, err := json.Marshal(windows)
	require.NoError(t, err, "marshal windows")
	site := store.Site{OpenHours: raw}

	got := alignToOpenHours(t1, site)
	want := time.Date(t1.Year(), t1.Month(), t1.Day()+1, 9, 0, 0, 0, time.UTC)
	require.True(t, got.Equal(want), "expected alignment to %v, got %v", want, got)
}

// TestAlignToOpenHoursAlreadyInsideWindow covers the no-op case: a time
// already inside a declared window is returned unchanged.
func TestAlignToOpenHoursAlreadyInsideWindow(t *testing.T) {
	t1 := time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC) // a Monday
	windows := []openHoursWindow{{Weekday: int(t1.Weekday()), StartMinute: 540, EndMinute: 1020}}
	raw, err := json.Marshal(windows)
	require.NoError(t, err, "marshal windows")
	site := store.Site{OpenHours: raw}

	got := alignToOpenHours(t1, site)
	require.True(t, got.Equal(t1), "expected no nudge for a time already inside the window, got %v", got)
}

// TestAlignToOpenHoursNoConfigPassesThrough covers a site with no OpenHours
// configured: every time is allowed, so alignment is a no-op.
func TestAlignToOpenHoursNoConfigPassesThrough(t *testing.T) {
	t1 := time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)
	site := store.Site{}

	got := alignToOpenHours(t1, site)
	require.True(t, got.Equal(t1), "expected an unconstrained site to leave t unchanged, got %v", got)
}

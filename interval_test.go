// Partition interval and directory naming tests.
package strata

import (
	"testing"
)

// TestDirNames pins the directory name formats per partition type —
// these names are the on-disk contract readers discover partitions by.
func TestDirNames(t *testing.T) {
	mid := ts("2015-03-17T15:04:05Z")

	cases := []struct {
		pt   PartitionType
		want string
	}{
		{PartitionDay, "2015-03-17"},
		{PartitionMonth, "2015-03"},
		{PartitionYear, "2015"},
		{PartitionNone, "default"},
	}
	for _, c := range cases {
		start := intervalStart(mid, c.pt)
		if got := partitionDirName(start, c.pt); got != c.want {
			t.Errorf("dir name for %d = %q, want %q", c.pt, got, c.want)
		}
	}
}

// TestIntervalBounds verifies floor/end pairing: a timestamp one
// millisecond before the end stays inside, the end itself starts the
// next interval. Partition routing is exactly this comparison.
func TestIntervalBounds(t *testing.T) {
	for _, pt := range []PartitionType{PartitionDay, PartitionMonth, PartitionYear} {
		mid := ts("2015-06-15T10:30:00Z")
		start := intervalStart(mid, pt)
		end := intervalEnd(start, pt)
		if start > mid || mid >= end {
			t.Errorf("pt %d: %d not in [%d, %d)", pt, mid, start, end)
		}
		if intervalStart(end-1, pt) != start {
			t.Errorf("pt %d: end-1 floors outside the interval", pt)
		}
		if intervalStart(end, pt) == start {
			t.Errorf("pt %d: end floors into the same interval", pt)
		}
	}
}

// TestMonthAndYearEdges covers the rollover arithmetic where day-based
// math goes wrong: December into January and month lengths.
func TestMonthAndYearEdges(t *testing.T) {
	dec := ts("2015-12-31T23:59:59Z")
	if got := partitionDirName(intervalStart(dec, PartitionMonth), PartitionMonth); got != "2015-12" {
		t.Errorf("dec month = %q", got)
	}
	if end := intervalEnd(intervalStart(dec, PartitionMonth), PartitionMonth); end != ts("2016-01-01T00:00:00Z") {
		t.Errorf("dec month end = %d, want 2016-01-01", end)
	}
	feb := ts("2016-02-10T00:00:00Z") // leap year
	if end := intervalEnd(intervalStart(feb, PartitionDay), PartitionDay); end != ts("2016-02-11T00:00:00Z") {
		t.Errorf("leap feb day end wrong")
	}
}

// TestParseDirName round-trips names and rejects foreign ones, which
// is how partition discovery skips unrelated directories.
func TestParseDirName(t *testing.T) {
	start, isLag, ok := parsePartitionDirName("2015-03-17", PartitionDay)
	if !ok || isLag || start != ts("2015-03-17T00:00:00Z") {
		t.Errorf("parse day = (%d, %v, %v)", start, isLag, ok)
	}

	start, isLag, ok = parsePartitionDirName("2015-03-17.4.lag", PartitionDay)
	if !ok || !isLag || start != ts("2015-03-17T00:00:00Z") {
		t.Errorf("parse lag = (%d, %v, %v)", start, isLag, ok)
	}

	for _, bad := range []string{"notadate", "2015-03", "2015-03-17-extra", "_meta"} {
		if _, _, ok := parsePartitionDirName(bad, PartitionDay); ok {
			t.Errorf("parse accepted %q", bad)
		}
	}

	if _, _, ok := parsePartitionDirName("default", PartitionNone); !ok {
		t.Error("parse rejected default")
	}
}

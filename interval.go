// Partition interval math and directory naming.
//
// Partition directories encode the UTC interval start: YYYY-MM-DD for
// DAY, YYYY-MM for MONTH, YYYY for YEAR, or the literal "default" when
// the journal is unpartitioned. Lag partitions carry a ".lag" suffix on
// the timestamp-derived name.
package strata

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const defaultPartitionName = "default"

// lagSuffix marks the out-of-order staging partition.
const lagSuffix = ".lag"

// intervalStart floors ts (epoch millis) to the start of its partition
// interval.
func intervalStart(ts int64, pt PartitionType) int64 {
	if pt == PartitionNone {
		return 0
	}
	t := time.UnixMilli(ts).UTC()
	switch pt {
	case PartitionDay:
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case PartitionMonth:
		t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case PartitionYear:
		t = time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t.UnixMilli()
}

// intervalEnd returns the first millisecond past the interval starting
// at start.
func intervalEnd(start int64, pt PartitionType) int64 {
	if pt == PartitionNone {
		return math.MaxInt64
	}
	t := time.UnixMilli(start).UTC()
	switch pt {
	case PartitionDay:
		t = t.AddDate(0, 0, 1)
	case PartitionMonth:
		t = t.AddDate(0, 1, 0)
	case PartitionYear:
		t = t.AddDate(1, 0, 0)
	}
	return t.UnixMilli()
}

// partitionDirName formats the directory name for the interval starting
// at start.
func partitionDirName(start int64, pt PartitionType) string {
	t := time.UnixMilli(start).UTC()
	switch pt {
	case PartitionDay:
		return t.Format("2006-01-02")
	case PartitionMonth:
		return t.Format("2006-01")
	case PartitionYear:
		return t.Format("2006")
	}
	return defaultPartitionName
}

// parsePartitionDirName recovers the interval start from a directory
// name, reporting whether the name belongs to this partition scheme.
// Lag names carry a merge sequence between the interval and the
// suffix: "<interval>.<n>.lag".
func parsePartitionDirName(name string, pt PartitionType) (start int64, isLag bool, ok bool) {
	isLag = strings.HasSuffix(name, lagSuffix)
	if isLag {
		name = strings.TrimSuffix(name, lagSuffix)
		if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
			name = name[:dot]
		}
	}
	if pt == PartitionNone {
		if name != defaultPartitionName {
			return 0, false, false
		}
		return 0, isLag, true
	}
	layout := map[PartitionType]string{
		PartitionDay:   "2006-01-02",
		PartitionMonth: "2006-01",
		PartitionYear:  "2006",
	}[pt]
	if len(name) != len(layout) {
		return 0, false, false
	}
	t, err := time.ParseInLocation(layout, name, time.UTC)
	if err != nil {
		return 0, false, false
	}
	return t.UnixMilli(), isLag, true
}

// fmtTs renders a timestamp for error messages.
func fmtTs(ts int64) string {
	return fmt.Sprint(time.UnixMilli(ts).UTC().Format(time.RFC3339Nano))
}

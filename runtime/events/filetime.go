package events

import "time"

const (
	ticksPerSecond = 10_000_000
	nanosPerTick   = 100
	// Seconds from 1601-01-01T00:00:00Z to the Unix epoch.
	fileTimeUnixOffset = 11644473600
)

// FileTimeToTime converts a count of 100-nanosecond ticks since
// 1601-01-01T00:00:00Z into a UTC time.
func FileTimeToTime(ticks uint64) time.Time {
	seconds := int64(ticks / ticksPerSecond)
	nanos := int64(ticks%ticksPerSecond) * nanosPerTick
	return time.Unix(seconds-fileTimeUnixOffset, nanos).UTC()
}

// TimeToFileTime converts t into FILETIME ticks, truncating to 100ns.
// Instants before 1601 map to zero.
func TimeToFileTime(t time.Time) uint64 {
	seconds := t.Unix() + fileTimeUnixOffset
	if seconds < 0 {
		return 0
	}
	return uint64(seconds)*ticksPerSecond + uint64(t.Nanosecond()/nanosPerTick)
}

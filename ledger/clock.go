package ledger

import "time"

// StandardClock produces sequence timestamps in standard time: wall clock at
// a fixed offset from UTC, read as if it were UTC. The offset never follows
// DST, so sequences stay monotonic across clock changes. Entries written by
// nodes configured with different offsets stay comparable only through the
// hash chain, which is why the offset is part of node configuration and not
// derived from the host zone.
type StandardClock struct {
	offset time.Duration
}

func NewStandardClock(offsetMinutes int) *StandardClock {
	return &StandardClock{offset: time.Duration(offsetMinutes) * time.Minute}
}

// NowMs returns the current standard time in milliseconds.
func (c *StandardClock) NowMs() int64 {
	return time.Now().Add(c.offset).UnixMilli()
}

package mqtt

import (
	"sync"
	"time"
)

// DailyCounter counts motion activations (off → on transitions) and
// resets at local midnight. It is safe for concurrent use.
type DailyCounter struct {
	mu       sync.Mutex
	count    int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyCounter creates a counter using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used.
func NewDailyCounter(loc *time.Location) *DailyCounter {
	if loc == nil {
		loc = time.Local
	}
	return &DailyCounter{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
		now:      time.Now,
	}
}

// Inc records one activation, resetting first if the local date has
// changed since the last call.
func (d *DailyCounter) Inc() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.count++
}

// Snapshot returns today's count after checking for midnight rollover.
func (d *DailyCounter) Snapshot() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.count
}

// maybeReset zeroes the count if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyCounter) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.count = 0
		d.resetDay = today
	}
}

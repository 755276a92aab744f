package mqtt

import (
	"sync"
	"time"
)

// Daily tracks model token usage and completed cycles for the current
// local day. Counters reset at local midnight. Safe for concurrent use.
type Daily struct {
	mu     sync.Mutex
	input  int64
	output int64
	cycles int64
	day    string // YYYY-MM-DD of the current counters
	loc    *time.Location
	now    func() time.Time
}

// NewDaily creates counters that roll over at midnight in loc. A nil loc
// means [time.Local].
func NewDaily(loc *time.Location) *Daily {
	if loc == nil {
		loc = time.Local
	}
	d := &Daily{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

// AddTokens records the usage of one model round.
func (d *Daily) AddTokens(input, output int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(input)
	d.output += int64(output)
}

// AddCycle records one persisted decision.
func (d *Daily) AddCycle() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.cycles++
}

// Snapshot returns today's totals: input tokens, output tokens, and
// completed cycles.
func (d *Daily) Snapshot() (input, output, cycles int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.input, d.output, d.cycles
}

func (d *Daily) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// maybeReset zeroes the counters when the local date has changed. Must
// be called with d.mu held.
func (d *Daily) maybeReset() {
	if today := d.today(); today != d.day {
		d.input, d.output, d.cycles = 0, 0, 0
		d.day = today
	}
}

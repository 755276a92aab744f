package mqtt

import (
	"sync"
	"testing"
	"time"
)

func TestDaily_Counts(t *testing.T) {
	d := NewDaily(time.UTC)
	d.AddTokens(100, 200)
	d.AddTokens(50, 75)
	d.AddCycle()

	input, output, cycles := d.Snapshot()
	if input != 150 {
		t.Errorf("input = %d, want 150", input)
	}
	if output != 275 {
		t.Errorf("output = %d, want 275", output)
	}
	if cycles != 1 {
		t.Errorf("cycles = %d, want 1", cycles)
	}
}

func TestDaily_ResetsAtMidnight(t *testing.T) {
	now := time.Date(2026, 1, 14, 23, 59, 0, 0, time.UTC)
	d := NewDaily(time.UTC)
	d.now = func() time.Time { return now }
	d.day = d.today()

	d.AddTokens(10, 10)
	d.AddCycle()

	now = now.Add(2 * time.Minute)
	input, output, cycles := d.Snapshot()
	if input != 0 || output != 0 || cycles != 0 {
		t.Errorf("got (%d, %d, %d) after midnight, want zeros", input, output, cycles)
	}
}

func TestDaily_SameDayNextYear(t *testing.T) {
	now := time.Date(2026, 1, 14, 12, 0, 0, 0, time.UTC)
	d := NewDaily(time.UTC)
	d.now = func() time.Time { return now }
	d.day = d.today()
	d.AddCycle()

	now = now.AddDate(1, 0, 0)
	if _, _, cycles := d.Snapshot(); cycles != 0 {
		t.Errorf("cycles = %d a year later, want 0", cycles)
	}
}

func TestDaily_Concurrent(t *testing.T) {
	d := NewDaily(time.UTC)
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.AddTokens(1, 2)
			d.AddCycle()
		}()
	}
	wg.Wait()

	input, output, cycles := d.Snapshot()
	if input != 100 || output != 200 || cycles != 100 {
		t.Errorf("got (%d, %d, %d), want (100, 200, 100)", input, output, cycles)
	}
}

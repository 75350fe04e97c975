package timex

import (
	"strings"
	"sync"
	"time"
)

// Clock provides timezone-aware wall time. Components take a Clock instead of
// calling time.Now so tests can drive schedules deterministically.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

type systemClock struct {
	loc *time.Location
}

// NewClock returns a system clock pinned to the given IANA timezone.
// An empty tz means the process-local timezone.
func NewClock(tz string) (Clock, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return systemClock{loc: time.Local}, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	return systemClock{loc: loc}, nil
}

func (c systemClock) Now() time.Time           { return time.Now().In(c.loc) }
func (c systemClock) Location() *time.Location { return c.loc }

// Fake is a manually-advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(now time.Time) *Fake { return &Fake{now: now} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Location() *time.Location { return f.Now().Location() }

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

package clock

import "time"

// Clock provides the current time to components that need it. Passing it
// explicitly keeps slot generation and booking validation deterministic in
// tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns a Clock backed by time.Now.
func System() Clock { return systemClock{} }

// Fixed is a Clock pinned to a single instant. Tests may advance it.
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time { return f.T }

// Advance moves the fixed clock forward by d.
func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }

// FixedAt returns a Fixed clock pinned to t.
func FixedAt(t time.Time) *Fixed { return &Fixed{T: t} }

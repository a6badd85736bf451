// Package clock hands out binding times for minting.
//
// It follows Lamport's two rules, applied to IntoTime:
//
//	IR1 (mint): before minting, advance the clock and use the new value.
//	IR2 (observe): on observing a remap upper u, advance the clock so
//	     the next tick is at least u.
//
// IR2 is what keeps a writer that lost a race useful: the log's upper has
// moved past its old binding time, and Mint refuses to write behind the
// upper. With a wall-clock source the clock also tracks real time, so
// bindings line up with milliseconds since the epoch.
//
// Note: Clock is not goroutine-safe. Each minting goroutine owns one, the
// same way it owns its reclock.Operator.
package clock

import (
	"time"

	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
)

// Clock is a monotone source of model.Millis. The zero value is a purely
// logical clock starting at zero.
type Clock struct {
	ts  model.Millis
	now func() time.Time
}

// NewWallClock returns a clock that never falls behind now().
func NewWallClock(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Tick implements IR1: advance the clock and return the new binding time.
func (c *Clock) Tick() model.Millis {
	c.ts = c.ts.Next()
	if c.now != nil {
		if wall := model.Millis(c.now().UnixMilli()); wall > c.ts {
			c.ts = wall
		}
	}
	return c.ts
}

// Observe implements IR2: after observing upper, the next Tick returns a
// time no element of upper is beyond. Observing the empty upper is a
// no-op; a closed log accepts no further bindings.
func (c *Clock) Observe(upper frontier.Antichain[model.Millis]) {
	for _, u := range upper.Elements() {
		if u > 0 && u-1 > c.ts {
			c.ts = u - 1
		}
	}
}

// Value returns the last issued time without advancing it.
func (c *Clock) Value() model.Millis { return c.ts }

// Set initializes the clock, e.g. from a persisted upper.
func (c *Clock) Set(v model.Millis) { c.ts = v }

// NextUpper returns the upper that closes a binding at ts.
func NextUpper(ts model.Millis) frontier.Antichain[model.Millis] {
	return frontier.FromElem(ts.Next())
}

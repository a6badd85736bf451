package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
)

func TestTickMonotonicallyIncreases(t *testing.T) {
	var c Clock
	prev := c.Value()
	for i := 0; i < 100; i++ {
		ts := c.Tick()
		require.Greater(t, uint64(ts), uint64(prev), "Tick %d", i)
		prev = ts
	}
}

func TestTickStartsFromZero(t *testing.T) {
	var c Clock
	assert.Equal(t, model.Millis(0), c.Value())
	assert.Equal(t, model.Millis(1), c.Tick())
}

func TestObserveMovesToUpper(t *testing.T) {
	var c Clock
	c.Set(5)

	// Upper 1001: next binding time must be at least 1001.
	c.Observe(frontier.FromElem(model.Millis(1001)))
	assert.Equal(t, model.Millis(1001), c.Tick())

	// An upper behind the clock changes nothing.
	c.Observe(frontier.FromElem(model.Millis(10)))
	assert.Equal(t, model.Millis(1002), c.Tick())
}

func TestObserveEmptyUpper(t *testing.T) {
	var c Clock
	c.Set(7)
	c.Observe(frontier.Antichain[model.Millis]{})
	assert.Equal(t, model.Millis(7), c.Value())
}

func TestWallClockTracksNow(t *testing.T) {
	now := time.UnixMilli(50_000)
	c := NewWallClock(func() time.Time { return now })

	assert.Equal(t, model.Millis(50_000), c.Tick())
	// Same millisecond: stays strictly increasing.
	assert.Equal(t, model.Millis(50_001), c.Tick())

	now = time.UnixMilli(60_000)
	assert.Equal(t, model.Millis(60_000), c.Tick())
}

func TestWallClockObserveAheadOfNow(t *testing.T) {
	c := NewWallClock(func() time.Time { return time.UnixMilli(100) })
	c.Observe(frontier.FromElem(model.Millis(5_000)))
	assert.Equal(t, model.Millis(5_000), c.Tick())
}

func TestNextUpper(t *testing.T) {
	u := NextUpper(1000)
	assert.True(t, u.Equal(frontier.FromElem(model.Millis(1001))))
	assert.False(t, u.LessEqual(1000))
}

package frontier_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
)

func TestMutableAntichain_Empty(t *testing.T) {
	m := frontier.NewMutableAntichain[model.Millis]()
	assert.True(t, m.IsEmpty())
	assert.False(t, m.LessEqual(0))
}

func TestMutableAntichain_RetractAndAssert(t *testing.T) {
	m := frontier.NewMutableAntichain[model.Millis]()
	m.Update(0, 1)
	assert.Equal(t, []model.Millis{0}, m.Frontier().Elements())

	m.Update(0, -1)
	m.Update(5, 1)
	assert.Equal(t, []model.Millis{5}, m.Frontier().Elements())
	assert.Zero(t, m.Count(0))
	assert.EqualValues(t, 1, m.Count(5))
}

func TestMutableAntichain_NegativeCountsHidden(t *testing.T) {
	m := frontier.NewMutableAntichain[model.Timestamp]()
	m.Update(ts(1, 1), -1)
	m.Update(ts(2, 2), 1)
	assert.Equal(t, []model.Timestamp{ts(2, 2)}, m.Frontier().Elements())

	m.Update(ts(1, 1), 2)
	assert.Equal(t, []model.Timestamp{ts(1, 1)}, m.Frontier().Elements())
}

func TestMutableAntichain_ZeroDeltaIgnored(t *testing.T) {
	m := frontier.NewMutableAntichain[model.Millis]()
	m.Update(3, 0)
	assert.True(t, m.IsEmpty())
}

func TestMutableAntichain_UpdateIter(t *testing.T) {
	m := frontier.NewMutableAntichain[model.Timestamp]()
	m.UpdateIter(func(yield func(model.Timestamp, int64) bool) {
		for _, x := range []model.Timestamp{ts(0, 2), ts(2, 0), ts(2, 2)} {
			if !yield(x, 1) {
				return
			}
		}
	})
	assert.Equal(t, []model.Timestamp{ts(0, 2), ts(2, 0)}, m.Frontier().Elements())
}

// Random updates over a small product domain agree with recomputing the
// minimal positive elements from scratch.
func TestMutableAntichain_MatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := frontier.NewMutableAntichain[model.Timestamp]()
	counts := map[model.Timestamp]int64{}
	for step := 0; step < 2000; step++ {
		x := ts(uint64(rng.Intn(4)), uint64(rng.Intn(4)))
		d := rng.Int63n(5) - 2
		m.Update(x, d)
		counts[x] += d

		var positive []model.Timestamp
		for k, n := range counts {
			if n > 0 {
				positive = append(positive, k)
			}
		}
		want := frontier.NewAntichain(positive...)
		if !assert.True(t, want.Equal(m.Frontier()), "step %d: want %v, got %v", step, want, m.Frontier()) {
			return
		}
	}
}

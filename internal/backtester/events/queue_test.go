package events_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueIsFIFO(t *testing.T) {
	t.Parallel()

	q := events.NewEventQueue()
	assert.Nil(t, q.Pop())
	assert.Nil(t, q.Peek())

	// Later timestamps pushed first must still come out first.
	base := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	var pushed []events.Event
	for i := 5; i > 0; i-- {
		m, err := events.NewMarket("AAPL", decimal.NewFromInt(int64(100+i)), base.Add(time.Duration(i)*time.Hour), 0)
		require.NoError(t, err)
		q.Push(m)
		pushed = append(pushed, m)
	}

	assert.Equal(t, 5, q.Len())
	assert.Equal(t, pushed[0], q.Peek())

	for _, want := range pushed {
		assert.Equal(t, want, q.Pop())
	}
	assert.Zero(t, q.Len())
	assert.Nil(t, q.Pop())
}

func TestEventQueueInterleavedPushPop(t *testing.T) {
	t.Parallel()

	q := events.NewEventQueue()
	next := int64(1)
	var popped []int64
	for round := 0; round < 3000; round++ {
		m, err := events.NewMarket("X", decimal.NewFromInt(next), time.Time{}, 0)
		require.NoError(t, err)
		q.Push(m)
		next++
		if round%3 != 0 {
			popped = append(popped, q.Pop().(events.Market).Price().IntPart())
		}
	}
	for q.Len() > 0 {
		popped = append(popped, q.Pop().(events.Market).Price().IntPart())
	}

	require.Len(t, popped, 3000)
	for i, v := range popped {
		assert.Equal(t, int64(i+1), v)
	}
}

func TestEventQueueClear(t *testing.T) {
	t.Parallel()

	q := events.NewEventQueue()
	m, err := events.NewMarket("AAPL", decimal.NewFromInt(1), time.Time{}, 0)
	require.NoError(t, err)
	q.Push(m)
	q.Push(m)
	q.Clear()
	assert.Zero(t, q.Len())
	assert.Nil(t, q.Pop())
}

package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, High, Normalize(High))
	assert.Equal(t, Low, Normalize(Low))
	assert.Equal(t, Normal, Normalize(Priority("garbage")))
	assert.Equal(t, Normal, Normalize(""))
}

func TestStrictPriorityOrdering(t *testing.T) {
	q := New[string]()
	q.Enqueue("low-1", Low)
	q.Enqueue("normal-1", Normal)
	q.Enqueue("high-1", High)
	q.Enqueue("normal-2", Normal)
	q.Enqueue("high-2", High)

	var got []string
	for {
		item, ok := q.DequeueHighest()
		if !ok {
			break
		}
		got = append(got, item)
	}
	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}, got)
}

func TestFIFOWithinBand(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		q.Enqueue(i, Normal)
	}
	for i := 0; i < 5; i++ {
		item, ok := q.DequeueHighest()
		require.True(t, ok)
		assert.Equal(t, i, item)
	}
}

func TestLengthAndDrain(t *testing.T) {
	q := New[int]()
	q.Enqueue(1, High)
	q.Enqueue(2, Normal)
	q.Enqueue(3, Low)
	assert.Equal(t, 3, q.Length())

	drained := q.Drain()
	assert.Equal(t, []int{1, 2, 3}, drained)
	assert.Equal(t, 0, q.Length())

	_, ok := q.DequeueHighest()
	assert.False(t, ok)
}

func TestDequeueEmpty(t *testing.T) {
	q := New[int]()
	_, ok := q.DequeueHighest()
	assert.False(t, ok)
}

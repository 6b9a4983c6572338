package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkQueueFIFO(t *testing.T) {
	var q workQueue
	q.init()

	a := &workItem{kind: workSendWrite}
	b := &workItem{kind: workSendRead}
	c := &workItem{kind: workBarrier}
	q.enqueue(a)
	q.enqueue(b)
	q.enqueue(c)

	assert.Equal(t, 3, q.len())
	assert.Len(t, q.sig, 3, "one readiness token per item")

	for _, want := range []*workItem{a, b, c} {
		<-q.sig
		got, ok := q.pop()
		require.True(t, ok)
		assert.Same(t, want, got)
		assert.False(t, got.queued)
	}
	assert.Equal(t, 0, q.len())
}

func TestWorkQueueSingletonItem(t *testing.T) {
	var q workQueue
	q.init()

	w := &workItem{kind: workResyncRequest}
	q.enqueue(w)
	q.enqueue(w)
	q.enqueue(w)

	assert.Equal(t, 1, q.len(), "a queued item is never enqueued twice")
	assert.Len(t, q.sig, 1)

	<-q.sig
	_, ok := q.pop()
	require.True(t, ok)

	// Once popped it can be queued again.
	q.enqueue(w)
	assert.Equal(t, 1, q.len())
}

func TestWorkQueueDrain(t *testing.T) {
	var q workQueue
	q.init()

	for i := 0; i < 4; i++ {
		q.enqueue(&workItem{kind: workSendWrite})
	}

	items := q.drain()
	assert.Len(t, items, 4)
	assert.Equal(t, 0, q.len())
	assert.Len(t, q.sig, 0, "drain consumes the readiness tokens")
	for _, w := range items {
		assert.False(t, w.queued)
	}

	_, ok := q.pop()
	assert.False(t, ok)
}

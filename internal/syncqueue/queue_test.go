package syncqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabsync/internal/resource"
)

func TestEnqueueCoalesces(t *testing.T) {
	q := New()

	assert.True(t, q.Enqueue(resource.Sprints, "dom_change"))
	assert.False(t, q.Enqueue(resource.Tasks, "task_saved"))
	for i := 0; i < 5; i++ {
		assert.False(t, q.Enqueue(resource.Tasks, "task_saved"))
	}
	q.Enqueue(resource.Tasks, "dom_change")
	assert.Equal(t, 2, q.Len())

	got := q.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, resource.Tasks, got[0].Resource)
	assert.Equal(t, []string{"task_saved", "dom_change"}, got[0].Reasons)
	assert.Equal(t, resource.Sprints, got[1].Resource)

	assert.Zero(t, q.Len())
	assert.Empty(t, q.Drain())

	// empty again, so the next enqueue is "first"
	assert.True(t, q.Enqueue(resource.Dashboard, ""))
	assert.Equal(t, []Entry{{Resource: resource.Dashboard, Reasons: []string{}}}, q.Pending())

	st := q.Stats()
	assert.EqualValues(t, 9, st.Enqueued)
	assert.EqualValues(t, 6, st.Coalesced)
	assert.EqualValues(t, 2, st.Drained)
}

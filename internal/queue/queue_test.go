package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walkley/myagents/internal/event"
	"github.com/walkley/myagents/pkg/types"
)

type fixedStatus struct {
	mu     sync.Mutex
	status types.SessionStatus
}

func (f *fixedStatus) Status() types.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fixedStatus) set(s types.SessionStatus) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *fixedStatus) {
	t.Helper()
	st := &fixedStatus{status: types.StatusRunning}
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	return NewManager("tab-1", st, bus), st
}

func TestManager_FIFO(t *testing.T) {
	m, _ := newTestManager(t)

	texts := []string{"a", "b", "c", "d"}
	for _, s := range texts {
		m.Enqueue(s)
	}
	require.Equal(t, 4, m.Len())

	for _, want := range texts {
		item, ok := m.DequeueNext()
		require.True(t, ok)
		assert.Equal(t, want, item.Text)
		assert.Equal(t, want, item.Request.Text)
	}
	_, ok := m.DequeueNext()
	assert.False(t, ok)
}

func TestManager_UniqueIDs(t *testing.T) {
	m, _ := newTestManager(t)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		info := m.Enqueue("x")
		assert.False(t, seen[info.QueueID])
		seen[info.QueueID] = true
		assert.False(t, info.SubmittedAt.IsZero())
	}
}

func TestManager_CancelRestoresText(t *testing.T) {
	m, _ := newTestManager(t)
	m.Enqueue("first")
	before := m.Len()

	info := m.Enqueue("draft text")
	text, ok := m.Cancel(info.QueueID)
	require.True(t, ok)
	assert.Equal(t, "draft text", text)
	assert.Equal(t, before, m.Len())

	_, ok = m.Cancel(info.QueueID)
	assert.False(t, ok)
}

func TestManager_ForceExecute(t *testing.T) {
	m, st := newTestManager(t)
	m.Enqueue("one")
	two := m.Enqueue("two")
	m.Enqueue("three")

	assert.False(t, m.ForceExecute(two.QueueID), "refused while running")

	st.set(types.StatusStopping)
	require.True(t, m.ForceExecute(two.QueueID))
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, "two", m.Items()[0].Text)

	var order []string
	for {
		item, ok := m.DequeueNext()
		if !ok {
			break
		}
		order = append(order, item.Text)
	}
	assert.Equal(t, []string{"two", "one", "three"}, order)
}

func TestManager_ForceExecuteUnknownOrOccupied(t *testing.T) {
	m, st := newTestManager(t)
	st.set(types.StatusIdle)

	assert.False(t, m.ForceExecute("missing"))

	a := m.Enqueue("a")
	b := m.Enqueue("b")
	require.True(t, m.ForceExecute(a.QueueID))
	assert.False(t, m.ForceExecute(b.QueueID), "forced slot already taken")

	text, ok := m.Cancel(a.QueueID)
	require.True(t, ok)
	assert.Equal(t, "a", text)
	assert.True(t, m.ForceExecute(b.QueueID))
}

func TestManager_ClearAndNotifications(t *testing.T) {
	m, _ := newTestManager(t)

	var lengths []int
	m.bus.Subscribe(event.QueueChanged, func(e event.Event) {
		lengths = append(lengths, len(e.Data.(event.QueueChangedData).Items))
	})

	m.Enqueue("a")
	m.Enqueue("b")
	m.Clear()
	m.Clear()

	assert.Equal(t, []int{1, 2, 0}, lengths)
	assert.Equal(t, 0, m.Len())
}

func TestManager_ConcurrentEnqueuePreservesAll(t *testing.T) {
	m, _ := newTestManager(t)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Enqueue("x")
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, m.Len())
}

func TestManager_RequeueKeepsHead(t *testing.T) {
	m, _ := newTestManager(t)
	first := m.Enqueue("first")
	m.Enqueue("second")

	item, ok := m.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, first.QueueID, item.QueueID)

	m.Requeue(item)
	items := m.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "first", items[0].Text)
	assert.Equal(t, "second", items[1].Text)
}

package tab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walkley/myagents/internal/cron"
)

func TestManager_OpenActivateClose(t *testing.T) {
	reg := cron.NewMemoryRegistry()
	defer reg.Close()
	m := NewManager(ManagerOptions{
		Backend:  func(tabID string) (Backend, error) { return newFakeBackend(), nil },
		Registry: reg,
	})
	defer m.Close()

	a, err := m.Open(context.Background(), "tab-a", "")
	require.NoError(t, err)
	b, err := m.Open(context.Background(), "", "")
	require.NoError(t, err)
	assert.Contains(t, b.ID(), "tab_")

	_, err = m.Open(context.Background(), "tab-a", "")
	assert.Error(t, err)

	assert.Equal(t, []string{"tab-a", b.ID()}, m.List())
	active, ok := m.Active()
	require.True(t, ok)
	assert.Equal(t, "tab-a", active.ID())
	assert.True(t, a.Snapshot().IsActive)

	require.NoError(t, m.Activate(b.ID()))
	assert.False(t, a.Snapshot().IsActive)
	assert.True(t, b.Snapshot().IsActive)
	assert.Error(t, m.Activate("tab-missing"))

	require.NoError(t, m.CloseTab(b.ID()))
	active, ok = m.Active()
	require.True(t, ok)
	assert.Equal(t, "tab-a", active.ID())
	assert.True(t, a.Snapshot().IsActive)

	_, ok = m.Get(b.ID())
	assert.False(t, ok)
	assert.Error(t, m.CloseTab(b.ID()))
}

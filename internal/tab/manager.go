package tab

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/walkley/myagents/internal/cron"
	"github.com/walkley/myagents/internal/stream"
	"github.com/walkley/myagents/internal/transport"
	"github.com/walkley/myagents/pkg/types"
)

// BackendFactory connects a new tab to its worker.
type BackendFactory func(tabID string) (Backend, error)

// HTTPBackend returns a factory for workers reached over HTTP.
func HTTPBackend(baseURL string, push transport.PushMode, timeout time.Duration) BackendFactory {
	return func(tabID string) (Backend, error) {
		c, err := transport.New(transport.Options{
			BaseURL: baseURL,
			TabID:   tabID,
			Push:    push,
			Timeout: timeout,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Backend       BackendFactory
	Registry      cron.Registry
	WorkspacePath string
	Reconnect     stream.ReconnectPolicy
	LogCapacity   int
}

// Manager keeps the open tabs of one window. Tabs share nothing but the
// cron registry.
type Manager struct {
	opts ManagerOptions

	mu     sync.Mutex
	tabs   map[string]*Tab
	order  []string
	active string
}

// NewManager creates a manager with no tabs.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		opts: opts,
		tabs: make(map[string]*Tab),
	}
}

// Open creates a tab. An empty tabID gets a generated one; an empty
// sessionID starts a new session. The first tab becomes active.
func (m *Manager) Open(ctx context.Context, tabID string, sessionID types.SessionID) (*Tab, error) {
	if tabID == "" {
		tabID = "tab_" + ulid.Make().String()
	}
	m.mu.Lock()
	if _, exists := m.tabs[tabID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("tab %s already open", tabID)
	}
	m.mu.Unlock()

	backend, err := m.opts.Backend(tabID)
	if err != nil {
		return nil, err
	}
	t, err := Open(ctx, Options{
		TabID:         tabID,
		WorkspacePath: m.opts.WorkspacePath,
		SessionID:     sessionID,
		Backend:       backend,
		Registry:      m.opts.Registry,
		Reconnect:     m.opts.Reconnect,
		LogCapacity:   m.opts.LogCapacity,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tabs[tabID] = t
	m.order = append(m.order, tabID)
	first := m.active == ""
	if first {
		m.active = tabID
	}
	m.mu.Unlock()
	if first {
		t.SetActive(true)
	}
	return t, nil
}

// Get returns an open tab.
func (m *Manager) Get(tabID string) (*Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[tabID]
	return t, ok
}

// List returns open tab ids in the order they were opened.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Active returns the foreground tab.
func (m *Manager) Active() (*Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[m.active]
	return t, ok
}

// Activate brings a tab to the foreground.
func (m *Manager) Activate(tabID string) error {
	m.mu.Lock()
	next, ok := m.tabs[tabID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("tab %s not open", tabID)
	}
	prev := m.tabs[m.active]
	m.active = tabID
	m.mu.Unlock()

	if prev != nil && prev != next {
		prev.SetActive(false)
	}
	next.SetActive(true)
	return nil
}

// CloseTab closes one tab. If it was active, the most recently opened
// remaining tab takes over.
func (m *Manager) CloseTab(tabID string) error {
	m.mu.Lock()
	t, ok := m.tabs[tabID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("tab %s not open", tabID)
	}
	delete(m.tabs, tabID)
	m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == tabID })
	var next *Tab
	if m.active == tabID {
		m.active = ""
		if n := len(m.order); n > 0 {
			m.active = m.order[n-1]
			next = m.tabs[m.active]
		}
	}
	m.mu.Unlock()

	err := t.Close()
	if next != nil {
		next.SetActive(true)
	}
	return err
}

// Close closes every tab.
func (m *Manager) Close() error {
	var firstErr error
	for _, id := range m.List() {
		if err := m.CloseTab(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

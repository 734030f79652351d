// Package queue buffers messages submitted while a tab is busy.
package queue

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/walkley/myagents/internal/event"
	"github.com/walkley/myagents/internal/logging"
	"github.com/walkley/myagents/pkg/types"
)

// StatusReader exposes the tab's current session status.
type StatusReader interface {
	Status() types.SessionStatus
}

// Item is a queued message together with the options it will be sent with.
type Item struct {
	types.QueuedMessageInfo
	Request types.SendMessageRequest
}

// Manager is a FIFO of pending messages plus a single forced slot that
// is dequeued ahead of the FIFO.
type Manager struct {
	tabID  string
	status StatusReader
	bus    *event.Bus
	log    zerolog.Logger

	mu     sync.Mutex
	items  []Item
	forced *Item
}

// NewManager creates an empty queue.
func NewManager(tabID string, status StatusReader, bus *event.Bus) *Manager {
	return &Manager{
		tabID:  tabID,
		status: status,
		bus:    bus,
		log:    logging.ForTab("queue", tabID),
	}
}

// Enqueue appends a plain text message.
func (m *Manager) Enqueue(text string) types.QueuedMessageInfo {
	return m.EnqueueRequest(types.SendMessageRequest{Text: text})
}

// EnqueueRequest appends a message with its send options.
func (m *Manager) EnqueueRequest(req types.SendMessageRequest) types.QueuedMessageInfo {
	item := Item{
		QueuedMessageInfo: types.QueuedMessageInfo{
			QueueID:     ulid.Make().String(),
			Text:        req.Text,
			SubmittedAt: time.Now(),
		},
		Request: req,
	}

	m.mu.Lock()
	m.items = append(m.items, item)
	n := len(m.items)
	m.mu.Unlock()

	m.log.Debug().Str("queueId", item.QueueID).Int("length", n).Msg("message queued")
	m.changed()
	return item.QueuedMessageInfo
}

// DequeueNext removes and returns the next message, the forced one first.
func (m *Manager) DequeueNext() (Item, bool) {
	m.mu.Lock()
	var item Item
	switch {
	case m.forced != nil:
		item = *m.forced
		m.forced = nil
	case len(m.items) > 0:
		item = m.items[0]
		m.items = m.items[1:]
	default:
		m.mu.Unlock()
		return Item{}, false
	}
	m.mu.Unlock()

	m.changed()
	return item, true
}

// Requeue puts an item taken by DequeueNext back at the head of the
// queue, for a send that was refused before it reached the backend.
func (m *Manager) Requeue(item Item) {
	m.mu.Lock()
	m.items = append([]Item{item}, m.items...)
	m.mu.Unlock()
	m.changed()
}

// Cancel removes an item and returns its text so the caller can put it
// back in the input box.
func (m *Manager) Cancel(queueID string) (string, bool) {
	m.mu.Lock()
	if m.forced != nil && m.forced.QueueID == queueID {
		text := m.forced.Text
		m.forced = nil
		m.mu.Unlock()
		m.changed()
		return text, true
	}
	for i, it := range m.items {
		if it.QueueID == queueID {
			m.items = append(m.items[:i:i], m.items[i+1:]...)
			m.mu.Unlock()
			m.changed()
			return it.Text, true
		}
	}
	m.mu.Unlock()
	return "", false
}

// ForceExecute moves an item into the forced slot so it runs as soon as
// the tab is idle. The current turn must have been stopped first; the
// call fails while the session is still running.
func (m *Manager) ForceExecute(queueID string) bool {
	if m.status != nil && m.status.Status() == types.StatusRunning {
		m.log.Warn().Str("queueId", queueID).Msg("force execute refused while running")
		return false
	}

	m.mu.Lock()
	if m.forced != nil {
		m.mu.Unlock()
		return false
	}
	for i, it := range m.items {
		if it.QueueID == queueID {
			item := it
			m.forced = &item
			m.items = append(m.items[:i:i], m.items[i+1:]...)
			m.mu.Unlock()
			m.changed()
			return true
		}
	}
	m.mu.Unlock()
	return false
}

// Items returns the queue in dequeue order.
func (m *Manager) Items() []types.QueuedMessageInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemsLocked()
}

func (m *Manager) itemsLocked() []types.QueuedMessageInfo {
	out := make([]types.QueuedMessageInfo, 0, len(m.items)+1)
	if m.forced != nil {
		out = append(out, m.forced.QueuedMessageInfo)
	}
	for _, it := range m.items {
		out = append(out, it.QueuedMessageInfo)
	}
	return out
}

// Len returns the number of queued messages.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.items)
	if m.forced != nil {
		n++
	}
	return n
}

// Clear drops every queued message.
func (m *Manager) Clear() {
	m.mu.Lock()
	had := len(m.items) > 0 || m.forced != nil
	m.items = nil
	m.forced = nil
	m.mu.Unlock()
	if had {
		m.changed()
	}
}

func (m *Manager) changed() {
	if m.bus == nil {
		return
	}
	m.mu.Lock()
	items := m.itemsLocked()
	m.mu.Unlock()
	m.bus.PublishSync(event.Event{Type: event.QueueChanged, TabID: m.tabID, Data: event.QueueChangedData{Items: items}})
}

package sidecar

import (
	"context"
	"errors"
	"time"

	"github.com/walkley/myagents/internal/storage"
	"github.com/walkley/myagents/pkg/types"
)

// ErrSessionNotFound is returned for sessions that were never saved.
var ErrSessionNotFound = errors.New("session not found")

// StoredSession is a session as kept on disk.
type StoredSession struct {
	ID        types.SessionID `json:"id"`
	Messages  []types.Message `json:"messages"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Archive keeps finished turns so any worker can load them later.
type Archive struct {
	store *storage.Storage
}

// NewArchive creates an archive on store.
func NewArchive(store *storage.Storage) *Archive {
	return &Archive{store: store}
}

func sessionKey(id types.SessionID) []string {
	return []string{"sessions", string(id)}
}

// Save writes a session.
func (a *Archive) Save(ctx context.Context, id types.SessionID, msgs []types.Message) error {
	return a.store.Put(ctx, sessionKey(id), StoredSession{
		ID:        id,
		Messages:  types.CloneMessages(msgs),
		UpdatedAt: time.Now(),
	})
}

// Load reads a session.
func (a *Archive) Load(ctx context.Context, id types.SessionID) (StoredSession, error) {
	var s StoredSession
	if err := a.store.Get(ctx, sessionKey(id), &s); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return StoredSession{}, ErrSessionNotFound
		}
		return StoredSession{}, err
	}
	return s, nil
}

// List returns the ids of all stored sessions.
func (a *Archive) List(ctx context.Context) ([]types.SessionID, error) {
	keys, err := a.store.List(ctx, []string{"sessions"})
	if err != nil {
		return nil, err
	}
	ids := make([]types.SessionID, len(keys))
	for i, k := range keys {
		ids[i] = types.SessionID(k)
	}
	return ids, nil
}

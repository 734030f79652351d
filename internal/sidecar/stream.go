package sidecar

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/walkley/myagents/internal/logging"
	"github.com/walkley/myagents/pkg/types"
)

const (
	historyLimit     = 1024
	subscriberBuffer = 256
)

// tabStream is the numbered event feed of one tab. It outlives the
// workers the tab is bound to, so sequence numbers never go backwards.
type tabStream struct {
	tabID string
	log   zerolog.Logger

	mu      sync.Mutex
	seq     uint64
	history []types.Envelope
	subs    map[uint64]chan types.Envelope
	nextSub uint64
}

func newTabStream(tabID string) *tabStream {
	return &tabStream{
		tabID: tabID,
		log:   logging.ForTab("sidecar", tabID),
		subs:  make(map[uint64]chan types.Envelope),
	}
}

func encode(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

// publish numbers the event and hands it to every subscriber. A
// subscriber that cannot keep up is disconnected; it resumes from its
// last seq on reconnect.
func (s *tabStream) publish(kind types.EventKind, payload any) {
	data, err := encode(payload)
	if err != nil {
		s.log.Error().Err(err).Str("kind", string(kind)).Msg("failed to encode event")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	env := types.Envelope{Seq: s.seq, Type: kind, Payload: data}
	s.history = append(s.history, env)
	if len(s.history) > historyLimit {
		s.history = append([]types.Envelope(nil), s.history[len(s.history)-historyLimit:]...)
	}
	for id, ch := range s.subs {
		select {
		case ch <- env:
		default:
			s.log.Warn().Uint64("subscriber", id).Msg("dropping slow subscriber")
			delete(s.subs, id)
			close(ch)
		}
	}
}

// subscribe registers a subscriber. The initial envelopes are either the
// events missed since lastSeq or, when those are no longer available, a
// replay numbered with the current seq.
func (s *tabStream) subscribe(lastSeq uint64, replay func() types.ReplayPayload) ([]types.Envelope, <-chan types.Envelope, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var initial []types.Envelope
	if missed, ok := s.sinceLocked(lastSeq); ok {
		initial = missed
	} else {
		data, err := encode(replay())
		if err != nil {
			s.log.Error().Err(err).Msg("failed to encode replay")
		}
		initial = []types.Envelope{{Seq: s.seq, Type: types.EventReplay, Payload: data}}
	}

	id := s.nextSub
	s.nextSub++
	ch := make(chan types.Envelope, subscriberBuffer)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return initial, ch, cancel
}

func (s *tabStream) sinceLocked(lastSeq uint64) ([]types.Envelope, bool) {
	if lastSeq == 0 || lastSeq > s.seq {
		return nil, false
	}
	if lastSeq == s.seq {
		return []types.Envelope{}, true
	}
	if len(s.history) == 0 || s.history[0].Seq > lastSeq+1 {
		return nil, false
	}
	var out []types.Envelope
	for _, env := range s.history {
		if env.Seq > lastSeq {
			out = append(out, env)
		}
	}
	return out, true
}

func (s *tabStream) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

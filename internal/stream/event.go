package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/walkley/myagents/pkg/types"
)

// ErrUnknownEvent is returned by Decode for unrecognised kinds.
var ErrUnknownEvent = errors.New("unknown event kind")

// Event is one decoded stream event. The set of implementations is
// closed; Router.apply switches over all of them.
type Event interface {
	Seq() uint64
	Kind() types.EventKind
	sealed()
}

type header struct{ seq uint64 }

func (h header) Seq() uint64 { return h.seq }
func (header) sealed()       {}

type MessageDelta struct {
	header
	types.MessageDeltaPayload
}

type ToolLifecycle struct {
	header
	types.ToolLifecyclePayload
}

type PermissionRequested struct {
	header
	Request types.PermissionRequest
}

type QuestionRequested struct {
	header
	Request types.AskUserQuestionRequest
}

type Status struct {
	header
	types.StatusPayload
}

type Error struct {
	header
	types.ErrorPayload
}

type Log struct {
	header
	types.LogPayload
}

// Replay carries the authoritative message list for the session.
type Replay struct {
	header
	types.ReplayPayload
}

func (MessageDelta) Kind() types.EventKind        { return types.EventMessageDelta }
func (ToolLifecycle) Kind() types.EventKind       { return types.EventToolLifecycle }
func (PermissionRequested) Kind() types.EventKind { return types.EventPermissionRequest }
func (QuestionRequested) Kind() types.EventKind   { return types.EventAskUserQuestion }
func (Status) Kind() types.EventKind              { return types.EventStatus }
func (Error) Kind() types.EventKind               { return types.EventError }
func (Log) Kind() types.EventKind                 { return types.EventLog }
func (Replay) Kind() types.EventKind              { return types.EventReplay }

// Decode turns a wire envelope into a typed event.
func Decode(env types.Envelope) (Event, error) {
	h := header{seq: env.Seq}
	unmarshal := func(v any) error {
		if len(env.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return nil
	}

	switch env.Type {
	case types.EventMessageDelta:
		ev := MessageDelta{header: h}
		return ev, unmarshal(&ev.MessageDeltaPayload)
	case types.EventToolLifecycle:
		ev := ToolLifecycle{header: h}
		return ev, unmarshal(&ev.ToolLifecyclePayload)
	case types.EventPermissionRequest:
		ev := PermissionRequested{header: h}
		return ev, unmarshal(&ev.Request)
	case types.EventAskUserQuestion:
		ev := QuestionRequested{header: h}
		return ev, unmarshal(&ev.Request)
	case types.EventStatus:
		ev := Status{header: h}
		return ev, unmarshal(&ev.StatusPayload)
	case types.EventError:
		ev := Error{header: h}
		return ev, unmarshal(&ev.ErrorPayload)
	case types.EventLog:
		ev := Log{header: h}
		return ev, unmarshal(&ev.LogPayload)
	case types.EventReplay:
		ev := Replay{header: h}
		return ev, unmarshal(&ev.ReplayPayload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}

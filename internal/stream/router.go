// Package stream consumes a tab's server-push event stream and routes
// each event to the component that owns it.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/walkley/myagents/internal/event"
	"github.com/walkley/myagents/internal/logging"
	"github.com/walkley/myagents/pkg/types"
)

// ErrReconnectExhausted is returned by Run when the stream could not be
// re-established within the retry budget.
var ErrReconnectExhausted = errors.New("stream reconnect attempts exhausted")

// DefaultLogCapacity bounds the backend log ring.
const DefaultLogCapacity = 500

// Source is an open event stream.
type Source interface {
	Next(ctx context.Context) (types.Envelope, error)
	Close() error
}

// Dialer opens a stream resuming after lastSeq.
type Dialer func(ctx context.Context, lastSeq uint64) (Source, error)

// Store receives conversation events.
type Store interface {
	ApplyMessageDelta(types.MessageDeltaPayload) error
	ApplyToolLifecycle(types.ToolLifecyclePayload) error
	ApplyStatus(types.StatusPayload)
	ApplyError(types.ErrorPayload)
	ApplyReplay(types.ReplayPayload)
	MarkDisconnected(err error)
}

// Gate receives prompts. Clear drops them when the turn that asked is over.
type Gate interface {
	RequestPermission(types.PermissionRequest) error
	RequestQuestion(types.AskUserQuestionRequest) error
	Clear()
}

// CronSink receives scheduler-side task status changes.
type CronSink interface {
	ApplyCronStatus(types.CronStatusPayload)
}

// ReconnectPolicy is the exponential backoff used between connection attempts.
type ReconnectPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxRetries          uint64
}

// DefaultReconnectPolicy returns the policy used when none is configured.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.2,
		MaxRetries:          8,
	}
}

func (p ReconnectPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Options configures a Router.
type Options struct {
	TabID string
	Dial  Dialer
	Store Store
	Gate  Gate
	// Cron is optional.
	Cron        CronSink
	Bus         *event.Bus
	Policy      ReconnectPolicy
	LogCapacity int
}

// Router reads one tab's stream in a single goroutine, drops events it
// has already applied, and reconnects with backoff when the stream drops.
type Router struct {
	tabID  string
	dial   Dialer
	store  Store
	gate   Gate
	cron   CronSink
	bus    *event.Bus
	policy ReconnectPolicy
	logs   *Ring[types.LogPayload]
	log    zerolog.Logger

	lastSeq    atomic.Uint64
	connected  atomic.Bool
	reconnects atomic.Int64
}

// NewRouter creates a router. Zero policy fields take the defaults.
func NewRouter(opts Options) *Router {
	def := DefaultReconnectPolicy()
	p := opts.Policy
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = def.MaxRetries
	}
	capacity := opts.LogCapacity
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Router{
		tabID:  opts.TabID,
		dial:   opts.Dial,
		store:  opts.Store,
		gate:   opts.Gate,
		cron:   opts.Cron,
		bus:    opts.Bus,
		policy: p,
		logs:   NewRing[types.LogPayload](capacity),
		log:    logging.ForTab("stream", opts.TabID),
	}
}

// LastSeq returns the sequence number of the last applied event.
func (r *Router) LastSeq() uint64 { return r.lastSeq.Load() }

// Connected reports whether a stream is currently open.
func (r *Router) Connected() bool { return r.connected.Load() }

// Reconnects returns how many times the stream was re-established.
func (r *Router) Reconnects() int64 { return r.reconnects.Load() }

// Logs returns the buffered backend log lines, oldest first.
func (r *Router) Logs() []types.LogPayload { return r.logs.Snapshot() }

type permanent interface{ Permanent() bool }

func isPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// Run consumes the stream until ctx is cancelled. When the retry budget
// runs out the store is moved to the error state and
// ErrReconnectExhausted is returned.
func (r *Router) Run(ctx context.Context) error {
	b := r.policy.newBackOff(ctx)
	first := true

	for {
		src, err := r.dial(ctx, r.lastSeq.Load())
		if err == nil {
			if !first {
				r.reconnects.Add(1)
			}
			first = false
			r.connected.Store(true)
			r.log.Debug().Uint64("lastSeq", r.lastSeq.Load()).Msg("event stream connected")

			var received bool
			received, err = r.consume(ctx, src)
			_ = src.Close()
			r.connected.Store(false)
			if received {
				b.Reset()
			}
		}

		if ctx.Err() != nil {
			return nil
		}
		if isPermanent(err) {
			r.log.Error().Err(err).Msg("event stream refused")
			r.disconnected(err)
			return err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error().Err(err).Msg("giving up on event stream")
			r.disconnected(err)
			return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
		}
		r.log.Warn().Err(err).Dur("retryIn", wait).Msg("event stream lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// disconnected ends the tab's turn after the stream is given up on.
func (r *Router) disconnected(err error) {
	r.store.MarkDisconnected(err)
	r.gate.Clear()
}

func (r *Router) consume(ctx context.Context, src Source) (bool, error) {
	received := false
	for {
		env, err := src.Next(ctx)
		if err != nil {
			return received, err
		}
		received = true
		r.Dispatch(env)
	}
}

// Dispatch decodes and applies one envelope. Events at or below the last
// applied sequence number are dropped, except replays, which are
// authoritative and rebase the sequence.
func (r *Router) Dispatch(env types.Envelope) {
	last := r.lastSeq.Load()
	if env.Type != types.EventReplay && env.Seq != 0 && env.Seq <= last {
		r.log.Debug().Uint64("seq", env.Seq).Uint64("lastSeq", last).Msg("dropping duplicate event")
		return
	}

	ev, err := Decode(env)
	if env.Seq != 0 || env.Type == types.EventReplay {
		r.lastSeq.Store(env.Seq)
	}
	if err != nil {
		r.log.Warn().Err(err).Uint64("seq", env.Seq).Msg("skipping undecodable event")
		return
	}
	r.apply(ev)
}

func (r *Router) apply(ev Event) {
	switch ev := ev.(type) {
	case MessageDelta:
		_ = r.store.ApplyMessageDelta(ev.MessageDeltaPayload)
	case ToolLifecycle:
		_ = r.store.ApplyToolLifecycle(ev.ToolLifecyclePayload)
	case PermissionRequested:
		if err := r.gate.RequestPermission(ev.Request); err != nil {
			r.log.Error().Err(err).Str("requestId", ev.Request.RequestID).Msg("backend sent overlapping permission request")
		}
	case QuestionRequested:
		if err := r.gate.RequestQuestion(ev.Request); err != nil {
			r.log.Error().Err(err).Str("requestId", ev.Request.RequestID).Msg("backend sent overlapping question")
		}
	case Status:
		r.store.ApplyStatus(ev.StatusPayload)
		if ev.Phase.Terminal() {
			r.gate.Clear()
		}
		if ev.Cron != nil && r.cron != nil {
			r.cron.ApplyCronStatus(*ev.Cron)
		}
	case Error:
		r.store.ApplyError(ev.ErrorPayload)
		r.gate.Clear()
	case Log:
		r.logs.Push(ev.LogPayload)
		if r.bus != nil {
			r.bus.Publish(event.Event{Type: event.StreamLog, TabID: r.tabID, Data: event.StreamLogData{Entry: ev.LogPayload}})
		}
	case Replay:
		r.store.ApplyReplay(ev.ReplayPayload)
		r.gate.Clear()
		if ev.Permission != nil {
			_ = r.gate.RequestPermission(*ev.Permission)
		}
		if ev.Question != nil {
			_ = r.gate.RequestQuestion(*ev.Question)
		}
	default:
		r.log.Error().Str("kind", string(ev.Kind())).Msg("unhandled event kind")
	}
}

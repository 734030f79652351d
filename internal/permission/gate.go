package permission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/walkley/myagents/internal/event"
	"github.com/walkley/myagents/internal/logging"
	"github.com/walkley/myagents/pkg/types"
)

// ErrRequestOutstanding is returned when a prompt of the same kind is
// already waiting for the user.
var ErrRequestOutstanding = errors.New("a request of this kind is already outstanding")

const forwardTimeout = 30 * time.Second

// Responder forwards answers to the backend.
type Responder interface {
	RespondPermission(ctx context.Context, requestID string, decision types.PermissionDecision) error
	RespondQuestion(ctx context.Context, requestID string, answers types.QuestionAnswers) error
}

// Gate holds the pending prompts of one tab.
type Gate struct {
	tabID     string
	responder Responder
	bus       *event.Bus
	log       zerolog.Logger

	mu         sync.Mutex
	permission *types.PermissionRequest
	question   *types.AskUserQuestionRequest

	wg sync.WaitGroup
}

// NewGate creates an empty gate.
func NewGate(tabID string, responder Responder, bus *event.Bus) *Gate {
	return &Gate{
		tabID:     tabID,
		responder: responder,
		bus:       bus,
		log:       logging.ForTab("gate", tabID),
	}
}

// RequestPermission records a permission prompt.
func (g *Gate) RequestPermission(req types.PermissionRequest) error {
	g.mu.Lock()
	if g.permission != nil {
		current := g.permission.RequestID
		g.mu.Unlock()
		g.log.Warn().Str("requestId", req.RequestID).Str("outstanding", current).Msg("permission request rejected")
		return ErrRequestOutstanding
	}
	r := req
	g.permission = &r
	g.mu.Unlock()

	g.publish(event.PermissionPending, event.PermissionPendingData{Request: req})
	return nil
}

// RequestQuestion records a question prompt.
func (g *Gate) RequestQuestion(req types.AskUserQuestionRequest) error {
	g.mu.Lock()
	if g.question != nil {
		current := g.question.RequestID
		g.mu.Unlock()
		g.log.Warn().Str("requestId", req.RequestID).Str("outstanding", current).Msg("question request rejected")
		return ErrRequestOutstanding
	}
	r := req
	g.question = &r
	g.mu.Unlock()

	g.publish(event.QuestionPending, event.QuestionPendingData{Request: req})
	return nil
}

// ResolvePermission clears the prompt if requestID matches and forwards
// the decision. It returns false for stale or unknown ids.
func (g *Gate) ResolvePermission(ctx context.Context, requestID string, decision types.PermissionDecision) bool {
	if err := decision.Validate(); err != nil {
		g.log.Warn().Err(err).Msg("ignoring permission decision")
		return false
	}

	g.mu.Lock()
	if g.permission == nil || g.permission.RequestID != requestID {
		g.mu.Unlock()
		g.log.Debug().Str("requestId", requestID).Msg("stale permission response")
		return false
	}
	g.permission = nil
	g.mu.Unlock()

	g.publish(event.PermissionResolved, event.PermissionResolvedData{RequestID: requestID, Decision: decision})
	g.forward(ctx, "permission", requestID, func(ctx context.Context) error {
		return g.responder.RespondPermission(ctx, requestID, decision)
	})
	return true
}

// ResolveQuestion clears the question if requestID matches and forwards
// the answers. Nil answers cancel the question.
func (g *Gate) ResolveQuestion(ctx context.Context, requestID string, answers types.QuestionAnswers) bool {
	g.mu.Lock()
	if g.question == nil || g.question.RequestID != requestID {
		g.mu.Unlock()
		g.log.Debug().Str("requestId", requestID).Msg("stale question response")
		return false
	}
	g.question = nil
	g.mu.Unlock()

	g.publish(event.QuestionResolved, event.QuestionResolvedData{RequestID: requestID, Answers: answers})
	g.forward(ctx, "question", requestID, func(ctx context.Context) error {
		return g.responder.RespondQuestion(ctx, requestID, answers)
	})
	return true
}

// forward sends the answer in the background. The local prompt is
// already gone, so a failure is only logged.
func (g *Gate) forward(ctx context.Context, kind, requestID string, send func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, forwardTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			g.log.Error().Err(err).Str("kind", kind).Str("requestId", requestID).Msg("failed to forward response")
		}
	}()
}

// Clear drops both prompts without answering them, for session switches.
func (g *Gate) Clear() {
	g.mu.Lock()
	perm, q := g.permission, g.question
	g.permission, g.question = nil, nil
	g.mu.Unlock()

	if perm != nil {
		g.publish(event.PermissionResolved, event.PermissionResolvedData{RequestID: perm.RequestID})
	}
	if q != nil {
		g.publish(event.QuestionResolved, event.QuestionResolvedData{RequestID: q.RequestID})
	}
}

// PendingPermission returns the outstanding permission prompt, if any.
func (g *Gate) PendingPermission() *types.PermissionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.permission == nil {
		return nil
	}
	r := *g.permission
	return &r
}

// PendingQuestion returns the outstanding question, if any.
func (g *Gate) PendingQuestion() *types.AskUserQuestionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.question == nil {
		return nil
	}
	r := *g.question
	return &r
}

// Wait blocks until in-flight forwards have finished.
func (g *Gate) Wait() {
	g.wg.Wait()
}

func (g *Gate) publish(t event.EventType, data any) {
	if g.bus == nil {
		return
	}
	g.bus.PublishSync(event.Event{Type: t, TabID: g.tabID, Data: data})
}

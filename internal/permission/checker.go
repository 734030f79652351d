package permission

import (
	"context"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/walkley/myagents/pkg/types"
)

var (
	ErrRejected  = errors.New("permission rejected by user")
	ErrCancelled = errors.New("question cancelled by user")
)

// Checker blocks agent turns on user decisions. Tools approved with
// always_allow skip the prompt for the rest of the session.
type Checker struct {
	mu        sync.Mutex
	approved  map[types.SessionID]map[string]bool
	pending   map[string]chan types.PermissionDecision
	questions map[string]chan types.QuestionAnswers
}

// NewChecker creates a checker with no approvals.
func NewChecker() *Checker {
	return &Checker{
		approved:  make(map[types.SessionID]map[string]bool),
		pending:   make(map[string]chan types.PermissionDecision),
		questions: make(map[string]chan types.QuestionAnswers),
	}
}

// Ask waits for a decision on req. announce is called with the request
// once it is registered, so a fast answer cannot be lost. It returns nil
// when the tool may run and ErrRejected when the user denied it.
func (c *Checker) Ask(ctx context.Context, sessionID types.SessionID, req types.PermissionRequest, announce func(types.PermissionRequest)) error {
	if c.IsApproved(sessionID, req.ToolName) {
		return nil
	}
	if req.RequestID == "" {
		req.RequestID = ulid.Make().String()
	}

	ch := make(chan types.PermissionDecision, 1)
	c.mu.Lock()
	c.pending[req.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	announce(req)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case decision := <-ch:
		switch decision {
		case types.DecisionAllowOnce:
			return nil
		case types.DecisionAlwaysAllow:
			c.approve(sessionID, req.ToolName)
			return nil
		default:
			return ErrRejected
		}
	}
}

// Respond delivers a decision. It returns false when nothing waits on requestID.
func (c *Checker) Respond(requestID string, decision types.PermissionDecision) bool {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if ok {
		ch <- decision
	}
	return ok
}

// AskQuestion waits for answers to req. A nil answer map is returned as
// ErrCancelled.
func (c *Checker) AskQuestion(ctx context.Context, req types.AskUserQuestionRequest, announce func(types.AskUserQuestionRequest)) (types.QuestionAnswers, error) {
	if req.RequestID == "" {
		req.RequestID = ulid.Make().String()
	}

	ch := make(chan types.QuestionAnswers, 1)
	c.mu.Lock()
	c.questions[req.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.questions, req.RequestID)
		c.mu.Unlock()
	}()

	announce(req)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case answers := <-ch:
		if answers == nil {
			return nil, ErrCancelled
		}
		return answers, nil
	}
}

// RespondQuestion delivers answers. It returns false when nothing waits on requestID.
func (c *Checker) RespondQuestion(requestID string, answers types.QuestionAnswers) bool {
	c.mu.Lock()
	ch, ok := c.questions[requestID]
	if ok {
		delete(c.questions, requestID)
	}
	c.mu.Unlock()
	if ok {
		ch <- answers
	}
	return ok
}

func (c *Checker) approve(sessionID types.SessionID, tool string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.approved[sessionID] == nil {
		c.approved[sessionID] = make(map[string]bool)
	}
	c.approved[sessionID][tool] = true
}

// IsApproved reports whether tool was always-allowed in the session.
func (c *Checker) IsApproved(sessionID types.SessionID, tool string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approved[sessionID][tool]
}

// MoveApprovals carries approvals over when a session gets its real id.
func (c *Checker) MoveApprovals(from, to types.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.approved[from]; ok {
		delete(c.approved, from)
		c.approved[to] = a
	}
}

// ClearSession drops all approvals for a session.
func (c *Checker) ClearSession(sessionID types.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.approved, sessionID)
}

package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/walkley/myagents/internal/permission"
	"github.com/walkley/myagents/pkg/types"
)

// Agent is a scripted stand-in for a model. Plain text is echoed back;
// a leading slash command exercises the other parts of the protocol:
//
//	/tool NAME [ARGS]    run a tool behind a permission prompt
//	/ask QUESTION        ask the user and echo the answer
//	/think TEXT          stream a thinking block before the reply
//	/fail MESSAGE        end the turn with an agent error
//	/sleep DURATION      stay busy, e.g. "/sleep 2s"
type Agent struct {
	TokenDelay time.Duration
}

// Run executes one turn.
func (a *Agent) Run(ctx context.Context, t *turn, req types.SendMessageRequest) error {
	cmd, arg := parseCommand(req.Text)
	switch cmd {
	case "tool":
		return a.runTool(ctx, t, arg, req.PermissionMode)
	case "ask":
		return a.runAsk(ctx, t, arg)
	case "think":
		if err := a.stream(ctx, arg, t.thinking); err != nil {
			return err
		}
		return a.stream(ctx, "Done thinking.", t.text)
	case "fail":
		if arg == "" {
			arg = "agent failed"
		}
		return errors.New(arg)
	case "sleep":
		d, err := time.ParseDuration(arg)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", arg, err)
		}
		status := "sleeping"
		t.systemStatus(status)
		defer t.systemStatus("")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
		return a.stream(ctx, "Slept "+d.String(), t.text)
	default:
		return a.stream(ctx, "Echo: "+req.Text, t.text)
	}
}

func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, arg, _ := strings.Cut(text[1:], " ")
	return cmd, strings.TrimSpace(arg)
}

// stream emits text word by word.
func (a *Agent) stream(ctx context.Context, text string, emit func(string)) error {
	words := strings.SplitAfter(text, " ")
	for i, w := range words {
		if i > 0 && a.TokenDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.TokenDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if w != "" {
			emit(w)
		}
	}
	return nil
}

func (a *Agent) runTool(ctx context.Context, t *turn, arg string, mode types.PermissionMode) error {
	name, args, _ := strings.Cut(arg, " ")
	if name == "" {
		return errors.New("missing tool name")
	}
	input, err := json.Marshal(map[string]string{"args": args})
	if err != nil {
		return err
	}

	if err := a.stream(ctx, "Running "+name+".", t.text); err != nil {
		return err
	}
	toolID := ulid.Make().String()
	index := t.toolUse(types.ToolUse{ID: toolID, Name: name, Input: input})
	t.logf("info", "tool %s requested", name)

	if mode != types.PermissionBypass {
		err = t.askPermission(ctx, types.PermissionRequest{
			RequestID: toolID,
			ToolName:  name,
			Input:     input,
			Title:     "Allow " + name + "?",
		})
	}
	switch {
	case errors.Is(err, permission.ErrRejected):
		t.toolResult(index, "Permission denied")
		return nil
	case err != nil:
		return err
	}
	t.toolResult(index, name+" completed")
	return nil
}

func (a *Agent) runAsk(ctx context.Context, t *turn, question string) error {
	if question == "" {
		question = "Continue?"
	}
	answers, err := t.askQuestion(ctx, types.AskUserQuestionRequest{
		Questions: []types.Question{{ID: "confirm", Question: question, Options: []string{"yes", "no"}}},
	})
	if errors.Is(err, permission.ErrCancelled) {
		return a.stream(ctx, "Question cancelled.", t.text)
	}
	if err != nil {
		return err
	}
	return a.stream(ctx, "You answered: "+answers["confirm"], t.text)
}

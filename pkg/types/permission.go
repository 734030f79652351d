package types

import (
	"encoding/json"
	"fmt"
)

// PermissionDecision is the user's answer to a tool permission request.
type PermissionDecision string

const (
	DecisionDeny        PermissionDecision = "deny"
	DecisionAllowOnce   PermissionDecision = "allow_once"
	DecisionAlwaysAllow PermissionDecision = "always_allow"
)

// Validate returns an error for unknown decisions.
func (d PermissionDecision) Validate() error {
	switch d {
	case DecisionDeny, DecisionAllowOnce, DecisionAlwaysAllow:
		return nil
	}
	return fmt.Errorf("invalid permission decision %q", string(d))
}

// PermissionRequest asks the user whether a tool may run.
type PermissionRequest struct {
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
	Title     string          `json:"title,omitempty"`
}

// Question is a single prompt inside an AskUserQuestionRequest.
type Question struct {
	// ID keys the question's answer in QuestionAnswers.
	ID          string   `json:"id"`
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// AskUserQuestionRequest is a structured question the agent needs answered.
type AskUserQuestionRequest struct {
	RequestID string     `json:"requestId"`
	Questions []Question `json:"questions"`
}

// AssignIDs gives every question without an id one derived from its
// position, "q1" for the first.
func (r *AskUserQuestionRequest) AssignIDs() {
	for i := range r.Questions {
		if r.Questions[i].ID == "" {
			r.Questions[i].ID = fmt.Sprintf("q%d", i+1)
		}
	}
}

// QuestionAnswers maps question ids to the chosen answer.
// A nil map means the question was cancelled.
type QuestionAnswers map[string]string

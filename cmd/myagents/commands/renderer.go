package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/walkley/myagents/internal/event"
	"github.com/walkley/myagents/internal/tab"
	"github.com/walkley/myagents/pkg/types"
)

// Renderer prints tab activity to the terminal. Messages are printed
// once they stop streaming.
type Renderer struct {
	out   io.Writer
	quiet bool

	mu      sync.Mutex
	printed map[string]map[string]bool
	active  string
}

// NewRenderer creates a renderer writing to out.
func NewRenderer(out io.Writer, noColor, quiet bool) *Renderer {
	color.NoColor = color.NoColor || noColor
	return &Renderer{
		out:     out,
		quiet:   quiet,
		printed: make(map[string]map[string]bool),
	}
}

var (
	dim      = color.New(color.FgHiBlack)
	userTag  = color.New(color.FgCyan, color.Bold)
	agentTag = color.New(color.FgGreen, color.Bold)
	cronTag  = color.New(color.FgMagenta, color.Bold)
	toolTag  = color.New(color.FgYellow)
	warnTag  = color.New(color.FgYellow, color.Bold)
	errTag   = color.New(color.FgRed)
)

// SetActive marks which tab is in the foreground. Output of other tabs
// is prefixed with their id.
func (r *Renderer) SetActive(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = tabID
}

func (r *Renderer) printf(tabID, format string, args ...any) {
	r.mu.Lock()
	prefix := ""
	if tabID != r.active {
		prefix = dim.Sprintf("[%s] ", tabID)
	}
	r.mu.Unlock()
	fmt.Fprintf(r.out, prefix+format+"\n", args...)
}

// Banner prints the connection line.
func (r *Renderer) Banner(url string) {
	if r.quiet {
		return
	}
	fmt.Fprintln(r.out, dim.Sprintf("Connected to %s", url))
}

// Help prints text unless quiet.
func (r *Renderer) Help(text string) {
	if r.quiet {
		return
	}
	fmt.Fprintln(r.out, text)
}

// Info prints a dim status line.
func (r *Renderer) Info(format string, args ...any) {
	fmt.Fprintln(r.out, dim.Sprintf(format, args...))
}

// Error prints a red line.
func (r *Renderer) Error(format string, args ...any) {
	fmt.Fprintln(r.out, errTag.Sprintf(format, args...))
}

// Attach follows a tab's bus until the returned func is called.
func (r *Renderer) Attach(t *tab.Tab) func() {
	id := t.ID()
	r.mu.Lock()
	if r.printed[id] == nil {
		r.printed[id] = make(map[string]bool)
	}
	r.mu.Unlock()

	bus := t.Bus()
	unsubs := []func(){
		bus.Subscribe(event.MessagesChanged, func(event.Event) { r.messages(id, t.Snapshot().Messages) }),
		bus.Subscribe(event.AgentErrorChanged, func(e event.Event) {
			if d, ok := e.Data.(event.AgentErrorChangedData); ok && d.Error != "" {
				r.printf(id, "%s", errTag.Sprintf("error: %s", d.Error))
			}
		}),
		bus.Subscribe(event.SystemStatusChanged, func(e event.Event) {
			if d, ok := e.Data.(event.SystemStatusChangedData); ok && d.SystemStatus != "" {
				r.printf(id, "%s", dim.Sprintf("(%s)", d.SystemStatus))
			}
		}),
		bus.Subscribe(event.PermissionPending, func(e event.Event) {
			if d, ok := e.Data.(event.PermissionPendingData); ok {
				r.permission(id, d.Request)
			}
		}),
		bus.Subscribe(event.QuestionPending, func(e event.Event) {
			if d, ok := e.Data.(event.QuestionPendingData); ok {
				r.question(id, d.Request)
			}
		}),
		bus.Subscribe(event.QueueChanged, func(e event.Event) {
			if d, ok := e.Data.(event.QueueChangedData); ok && len(d.Items) > 0 {
				r.printf(id, "%s", dim.Sprintf("%d message(s) queued", len(d.Items)))
			}
		}),
		bus.Subscribe(event.CronTaskChanged, func(e event.Event) {
			if d, ok := e.Data.(event.CronTaskChangedData); ok {
				r.cron(id, d.Task)
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (r *Renderer) messages(tabID string, msgs []types.Message) {
	var fresh []types.Message
	r.mu.Lock()
	seen := r.printed[tabID]
	for _, m := range msgs {
		if m.Streaming || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		fresh = append(fresh, m)
	}
	r.mu.Unlock()

	for _, m := range fresh {
		r.message(tabID, m)
	}
}

func (r *Renderer) message(tabID string, m types.Message) {
	if m.Role == types.RoleUser {
		tag := userTag.Sprint("you ›")
		if cron, _ := m.Metadata["cron"].(bool); cron {
			tag = cronTag.Sprint("cron ›")
		}
		r.printf(tabID, "%s %s", tag, m.Content.PlainText())
		return
	}

	for _, b := range m.Content.Blocks {
		if b.Type != types.BlockToolUse || b.Tool == nil {
			continue
		}
		state := "running"
		if b.Tool.Result != nil {
			state = *b.Tool.Result
		}
		r.printf(tabID, "%s", toolTag.Sprintf("→ tool %s (%s)", b.Tool.Name, state))
	}
	if text := strings.TrimSpace(m.Content.PlainText()); text != "" {
		if synthetic, _ := m.Metadata["synthetic"].(bool); synthetic {
			r.printf(tabID, "%s", errTag.Sprint(text))
			return
		}
		r.printf(tabID, "%s %s", agentTag.Sprint("assistant ›"), text)
	}
}

func (r *Renderer) permission(tabID string, req types.PermissionRequest) {
	title := req.Title
	if title == "" {
		title = "Allow " + req.ToolName + "?"
	}
	r.printf(tabID, "%s %s %s", warnTag.Sprint("permission ›"), title, dim.Sprintf("(input %s)", string(req.Input)))
	r.printf(tabID, "%s", dim.Sprint("  /allow, /always or /deny"))
}

func (r *Renderer) question(tabID string, req types.AskUserQuestionRequest) {
	for _, q := range req.Questions {
		line := q.Question
		if len(q.Options) > 0 {
			line += dim.Sprintf(" [%s]", strings.Join(q.Options, "/"))
		}
		r.printf(tabID, "%s %s", warnTag.Sprint("question ›"), line)
	}
	r.printf(tabID, "%s", dim.Sprint("  /answer TEXT or /skip"))
}

func (r *Renderer) cron(tabID string, task *types.CronTask) {
	if task == nil {
		r.printf(tabID, "%s", dim.Sprint("no cron task in this tab"))
		return
	}
	r.printf(tabID, "%s %s %s %s", cronTag.Sprint("cron ›"), task.ID, task.Config.Schedule, statusColor(task.Status))
}

func statusColor(s types.CronTaskStatus) string {
	switch s {
	case types.CronRunning:
		return color.GreenString(string(s))
	case types.CronPaused:
		return color.YellowString(string(s))
	case types.CronStopped:
		return color.RedString(string(s))
	}
	return string(s)
}

// PrintJSON writes v as one JSON line.
func PrintJSON(out io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/walkley/myagents/internal/tab"
	"github.com/walkley/myagents/internal/transport"
	"github.com/walkley/myagents/pkg/types"
)

var (
	chatSession string
	chatJSON    bool
	chatNoColor bool
	chatQuiet   bool
	chatMode    string
	chatModel   string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the sidecar in the terminal",
	Long: `Open an interactive chat. Lines are sent to the active tab; lines
starting with a known slash command control the client (see /help).
Other slash commands, such as /tool or /ask, go to the agent.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Session to open")
	chatCmd.Flags().BoolVar(&chatJSON, "json", false, "Print bus events as JSON lines")
	chatCmd.Flags().BoolVar(&chatNoColor, "no-color", false, "Disable colors")
	chatCmd.Flags().BoolVarP(&chatQuiet, "quiet", "q", false, "Suppress banners and help")
	chatCmd.Flags().StringVar(&chatMode, "permission-mode", "", "Permission mode sent with each message")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "Model sent with each message")
}

const helpText = `Commands:
  /help                   show this help
  /exit                   quit
  /stop                   stop the running turn
  /reset                  start a new session in this tab
  /load ID                show session ID in this tab
  /queue                  list queued messages
  /cancel QID             remove a queued message
  /force QID              send a queued message next
  /allow, /always, /deny  answer the permission prompt
  /answer TEXT, /skip     answer or cancel the question
  /cron SCHEDULE | PROMPT create a cron task for this session
  /cron stop              stop this session's cron task
  /tabs                   list tabs
  /tab new [SESSION]      open a tab
  /tab ID                 switch to a tab
  /close                  close the active tab
  /status                 show the active tab's state
  /logs                   show backend log lines`

// replCommand is a parsed client command.
type replCommand struct {
	Name string
	Arg  string
}

var replCommands = map[string]bool{
	"help": true, "exit": true, "quit": true, "stop": true, "reset": true, "load": true,
	"queue": true, "cancel": true, "force": true, "allow": true, "always": true, "deny": true,
	"answer": true, "skip": true, "cron": true, "tabs": true, "tab": true, "close": true,
	"status": true, "logs": true,
}

// parseReplCommand recognizes client commands. Anything else is a message.
func parseReplCommand(line string) (replCommand, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return replCommand{}, false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	name = strings.ToLower(name)
	if !replCommands[name] {
		return replCommand{}, false
	}
	return replCommand{Name: name, Arg: strings.TrimSpace(arg)}, true
}

// parseCronArg splits "SCHEDULE | PROMPT".
func parseCronArg(arg string) (types.CronTaskConfig, error) {
	schedule, prompt, ok := strings.Cut(arg, "|")
	if !ok {
		return types.CronTaskConfig{}, errors.New("usage: /cron SCHEDULE | PROMPT")
	}
	return types.CronTaskConfig{
		Schedule: strings.TrimSpace(schedule),
		Prompt:   strings.TrimSpace(prompt),
	}, nil
}

// answersFor maps reply text onto the questions of req. Several
// questions take "|" separated answers.
func answersFor(req types.AskUserQuestionRequest, text string) types.QuestionAnswers {
	answers := types.QuestionAnswers{}
	parts := strings.Split(text, "|")
	for i, q := range req.Questions {
		a := text
		if len(parts) == len(req.Questions) {
			a = parts[i]
		}
		answers[q.ID] = strings.TrimSpace(a)
	}
	return answers
}

type chatSessionState struct {
	mgr      *tab.Manager
	renderer *Renderer
	out      io.Writer
	detach   map[string]func()
	ctx      context.Context
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	registry, closeRegistry, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	mgr := tab.NewManager(tab.ManagerOptions{
		Backend:       tab.HTTPBackend(cfg.SidecarURL, transport.PushMode(cfg.Push), requestTimeout(cfg)),
		Registry:      registry,
		WorkspacePath: workDir,
		Reconnect:     reconnectPolicy(cfg),
	})
	defer mgr.Close()

	out := cmd.OutOrStdout()
	s := &chatSessionState{
		mgr:      mgr,
		renderer: NewRenderer(out, chatNoColor, chatQuiet),
		out:      out,
		detach:   make(map[string]func()),
		ctx:      ctx,
	}
	if _, err := s.open(types.SessionID(chatSession)); err != nil {
		return err
	}
	s.renderer.Banner(cfg.SidecarURL)
	return s.loop(cmd.InOrStdin())
}

func (s *chatSessionState) open(sessionID types.SessionID) (*tab.Tab, error) {
	t, err := s.mgr.Open(s.ctx, "", sessionID)
	if err != nil {
		return nil, err
	}
	if chatJSON {
		s.detach[t.ID()] = s.mirror(t)
	} else {
		s.detach[t.ID()] = s.renderer.Attach(t)
		s.renderer.messages(t.ID(), t.Snapshot().Messages)
	}
	s.activate(t.ID())
	return t, nil
}

// mirror prints the tab's bus feed as JSON lines.
func (s *chatSessionState) mirror(t *tab.Tab) func() {
	ctx, cancel := context.WithCancel(s.ctx)
	msgs, err := t.Bus().Mirror(ctx)
	if err != nil {
		s.renderer.Error("json mirror: %v", err)
		return cancel
	}
	go func() {
		for msg := range msgs {
			fmt.Fprintf(s.out, "{\"tabId\":%q,\"event\":%s}\n", t.ID(), msg.Payload)
			msg.Ack()
		}
	}()
	return cancel
}

func (s *chatSessionState) activate(tabID string) {
	if err := s.mgr.Activate(tabID); err != nil {
		s.renderer.Error("%v", err)
		return
	}
	s.renderer.SetActive(tabID)
}

func (s *chatSessionState) loop(in io.Reader) error {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(s.out, "› ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		active, _ := s.mgr.Active()
		if cmd, ok := parseReplCommand(line); ok {
			if cmd.Name == "exit" || cmd.Name == "quit" {
				return nil
			}
			if err := s.command(active, cmd); err != nil {
				s.renderer.Error("%v", err)
			}
			continue
		}
		if active == nil {
			s.renderer.Error("no open tab; use /tab new")
			continue
		}
		res, err := active.Submit(s.ctx, types.SendMessageRequest{
			Text:           line,
			PermissionMode: types.PermissionMode(chatMode),
			Model:          chatModel,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to send message: %v\n", err)
			continue
		}
		if res.Queued {
			s.renderer.Info("queued as %s", res.Item.QueueID)
		}
	}
}

func (s *chatSessionState) command(t *tab.Tab, cmd replCommand) error {
	switch cmd.Name {
	case "help":
		s.renderer.Help(helpText)
		return nil
	case "tabs":
		for _, id := range s.mgr.List() {
			tb, ok := s.mgr.Get(id)
			if !ok {
				continue
			}
			marker := " "
			if t != nil && id == t.ID() {
				marker = "*"
			}
			fmt.Fprintf(s.out, "%s %s %s %s\n", marker, tb.ID(), tb.SessionID(), tb.Snapshot().SessionStatus)
		}
		return nil
	case "tab":
		if cmd.Arg == "new" || strings.HasPrefix(cmd.Arg, "new ") {
			_, err := s.open(types.SessionID(strings.TrimSpace(strings.TrimPrefix(cmd.Arg, "new"))))
			return err
		}
		if cmd.Arg == "" {
			return errors.New("usage: /tab new [SESSION] | /tab ID")
		}
		s.activate(cmd.Arg)
		return nil
	}

	if t == nil {
		return errors.New("no open tab; use /tab new")
	}
	switch cmd.Name {
	case "stop":
		if !t.Stop(s.ctx) {
			return errors.New("nothing to stop")
		}
	case "reset":
		if !t.Reset(s.ctx) {
			return errors.New("reset failed")
		}
		s.renderer.Info("new session")
	case "load":
		if cmd.Arg == "" {
			return errors.New("usage: /load ID")
		}
		if !t.SwitchSession(s.ctx, types.SessionID(cmd.Arg)) {
			return fmt.Errorf("could not load %s", cmd.Arg)
		}
	case "queue":
		items := t.Queue()
		if len(items) == 0 {
			s.renderer.Info("queue is empty")
		}
		for _, it := range items {
			fmt.Fprintf(s.out, "  %s %s\n", it.QueueID, it.Text)
		}
	case "cancel":
		if _, ok := t.CancelQueued(cmd.Arg); !ok {
			return fmt.Errorf("no queued message %s", cmd.Arg)
		}
	case "force":
		if !t.ForceQueued(s.ctx, cmd.Arg) {
			return fmt.Errorf("cannot force %s", cmd.Arg)
		}
	case "allow", "always", "deny":
		req := t.PendingPermission()
		if req == nil {
			return errors.New("no pending permission")
		}
		decision := map[string]types.PermissionDecision{
			"allow":  types.DecisionAllowOnce,
			"always": types.DecisionAlwaysAllow,
			"deny":   types.DecisionDeny,
		}[cmd.Name]
		t.RespondPermission(s.ctx, req.RequestID, decision)
	case "answer", "skip":
		req := t.PendingQuestion()
		if req == nil {
			return errors.New("no pending question")
		}
		var answers types.QuestionAnswers
		if cmd.Name == "answer" {
			answers = answersFor(*req, cmd.Arg)
		}
		t.RespondQuestion(s.ctx, req.RequestID, answers)
	case "cron":
		return s.cronCommand(t, cmd.Arg)
	case "close":
		if d, ok := s.detach[t.ID()]; ok {
			d()
			delete(s.detach, t.ID())
		}
		if err := s.mgr.CloseTab(t.ID()); err != nil {
			return err
		}
		if next, ok := s.mgr.Active(); ok {
			s.renderer.SetActive(next.ID())
		}
	case "status":
		snap := t.Snapshot()
		fmt.Fprintf(s.out, "tab %s\nsession %s\nstatus %s busy=%v connected=%v\nmessages %d queued %d\n",
			snap.TabID, snap.SessionID, snap.SessionStatus, snap.IsBusy, t.Connected(), len(snap.Messages), len(t.Queue()))
		if task := t.CronTask(); task != nil {
			fmt.Fprintf(s.out, "cron %s %s %s\n", task.ID, task.Config.Schedule, statusColor(task.Status))
		}
		if snap.AgentError != "" {
			fmt.Fprintf(s.out, "error %s\n", snap.AgentError)
		}
	case "logs":
		for _, l := range t.Logs() {
			fmt.Fprintf(s.out, "%s %-5s %s\n", l.Time.Format("15:04:05"), l.Level, l.Message)
		}
	}
	return nil
}

func (s *chatSessionState) cronCommand(t *tab.Tab, arg string) error {
	switch arg {
	case "":
		s.renderer.cron(t.ID(), t.CronTask())
		return nil
	case "stop":
		task, err := t.StopCronTask(s.ctx)
		if err != nil {
			return err
		}
		s.renderer.Info("stopped %s", task.ID)
		return nil
	}
	cfg, err := parseCronArg(arg)
	if err != nil {
		return err
	}
	task, err := t.CreateCronTask(s.ctx, cfg)
	if err != nil {
		return err
	}
	s.renderer.Info("created %s", task.ID)
	return nil
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/walkley/myagents/internal/cron"
	"github.com/walkley/myagents/pkg/types"
)

var (
	cronFile    string
	cronSession string
	cronTab     string
	cronJSON    bool
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage cron tasks in the shared registry",
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cron tasks",
	Args:  cobra.NoArgs,
	RunE: withRegistry(func(ctx context.Context, cmd *cobra.Command, reg cron.Registry, args []string) error {
		tasks, err := reg.ListCronTasks(ctx)
		if err != nil {
			return err
		}
		if cronJSON {
			return PrintJSON(cmd.OutOrStdout(), tasks)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSCHEDULE\tSESSION\tTAB\tNEXT RUN")
		now := time.Now()
		for _, t := range tasks {
			next := "-"
			if t.Status == types.CronRunning {
				if at, err := cron.NextRun(t.Config.Schedule, now); err == nil {
					next = at.Format(time.DateTime)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, statusColor(t.Status), t.Config.Schedule, t.SessionID, t.TabID, next)
		}
		return w.Flush()
	}),
}

var cronAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create cron tasks from a YAML file",
	Long: `Create cron tasks from a YAML file. The file holds either one task or a
list under "tasks":

  session: sess_01H...
  tab: tab_01H...
  tasks:
    - name: digest
      schedule: "@every 1h"
      prompt: Summarize what changed`,
	Args: cobra.NoArgs,
	RunE: withRegistry(func(ctx context.Context, cmd *cobra.Command, reg cron.Registry, args []string) error {
		data, err := os.ReadFile(cronFile)
		if err != nil {
			return err
		}
		file, err := parseTaskFile(data)
		if err != nil {
			return fmt.Errorf("%s: %w", cronFile, err)
		}
		if cronSession != "" {
			file.Session = cronSession
		}
		if cronTab != "" {
			file.Tab = cronTab
		}
		if !types.SessionID(file.Session).IsReal() {
			return errors.New("a real session id is required (set session: or --session)")
		}
		for _, cfg := range file.configs() {
			task, err := reg.CreateCronTask(ctx, types.CronTask{
				SessionID: types.SessionID(file.Session),
				TabID:     file.Tab,
				Config:    cfg,
			})
			if err != nil {
				return err
			}
			cmd.Printf("created %s (%s)\n", task.ID, cfg.Schedule)
		}
		return nil
	}),
}

func statusCommand(use, short string, status types.CronTaskStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " TASK_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withRegistry(func(ctx context.Context, cmd *cobra.Command, reg cron.Registry, args []string) error {
			task, err := reg.SetCronTaskStatus(ctx, args[0], status)
			if err != nil {
				return err
			}
			cmd.Printf("%s %s\n", task.ID, statusColor(task.Status))
			return nil
		}),
	}
}

var cronHandoffCmd = &cobra.Command{
	Use:   "handoff TASK_ID TAB_ID",
	Short: "Move a cron task to another tab",
	Args:  cobra.ExactArgs(2),
	RunE: withRegistry(func(ctx context.Context, cmd *cobra.Command, reg cron.Registry, args []string) error {
		task, err := reg.UpdateCronTaskTab(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		cmd.Printf("%s now owned by %s\n", task.ID, task.TabID)
		return nil
	}),
}

var cronRunCmd = &cobra.Command{
	Use:   "run TASK_ID",
	Short: "Run a cron task now through the sidecar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout(appConfig))
		defer cancel()
		url := strings.TrimRight(appConfig.SidecarURL, "/") + "/cron/" + args[0] + "/run"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("sidecar returned %s", resp.Status)
		}
		cmd.Printf("started %s\n", args[0])
		return nil
	},
}

func init() {
	cronListCmd.Flags().BoolVar(&cronJSON, "json", false, "Print tasks as JSON")
	cronAddCmd.Flags().StringVarP(&cronFile, "file", "f", "", "YAML task file")
	cronAddCmd.Flags().StringVar(&cronSession, "session", "", "Session the tasks run in")
	cronAddCmd.Flags().StringVar(&cronTab, "tab", "", "Tab that owns the tasks")
	cronAddCmd.MarkFlagRequired("file")

	cronCmd.AddCommand(cronListCmd)
	cronCmd.AddCommand(cronAddCmd)
	cronCmd.AddCommand(statusCommand("stop", "Stop a cron task for good", types.CronStopped))
	cronCmd.AddCommand(statusCommand("pause", "Pause a cron task", types.CronPaused))
	cronCmd.AddCommand(statusCommand("resume", "Resume a paused cron task", types.CronRunning))
	cronCmd.AddCommand(cronHandoffCmd)
	cronCmd.AddCommand(cronRunCmd)
}

type registryFunc func(ctx context.Context, cmd *cobra.Command, reg cron.Registry, args []string) error

func withRegistry(fn registryFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reg, closeRegistry, err := openRegistry(ctx, appConfig)
		if err != nil {
			return err
		}
		defer closeRegistry()
		return fn(ctx, cmd, reg, args)
	}
}

// taskFile is the YAML layout accepted by "cron add".
type taskFile struct {
	Session string                 `yaml:"session"`
	Tab     string                 `yaml:"tab"`
	Tasks   []types.CronTaskConfig `yaml:"tasks"`

	types.CronTaskConfig `yaml:",inline"`
}

func (f taskFile) configs() []types.CronTaskConfig {
	if len(f.Tasks) > 0 {
		return f.Tasks
	}
	return []types.CronTaskConfig{f.CronTaskConfig}
}

func parseTaskFile(data []byte) (taskFile, error) {
	var f taskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return taskFile{}, err
	}
	configs := f.configs()
	for i, cfg := range configs {
		if err := cron.ValidateConfig(cfg); err != nil {
			return taskFile{}, fmt.Errorf("task %d: %w", i+1, err)
		}
	}
	return f, nil
}

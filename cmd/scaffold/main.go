// Command scaffold is the Core's single binary: it runs the daemon (goal
// store, dispatcher, supervisor sweeper, metrics server), the per-goal
// supervisor loop (--supervisor), the worker entry point (--worker), and
// a human-facing CLI (goal create/start/pause/cancel/status/list) over
// the same orchestrator tool surface an LLM driver would call.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/antigravity-dev/scaffold/internal/daemonlock"
	"github.com/antigravity-dev/scaffold/internal/dbstore"
	"github.com/antigravity-dev/scaffold/internal/dispatch"
	"github.com/antigravity-dev/scaffold/internal/goalstore"
	"github.com/antigravity-dev/scaffold/internal/orchestrator"
	"github.com/antigravity-dev/scaffold/internal/scaffoldconfig"
	"github.com/antigravity-dev/scaffold/internal/supervisor"
	"github.com/antigravity-dev/scaffold/internal/supervisorloop"
	"github.com/antigravity-dev/scaffold/internal/workqueue"
)

func configureLogger(format, level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	// The supervisor and worker subprocess contracts are fixed argv
	// shapes the Core itself spawns (spec §6.1), not a user-facing CLI —
	// handle them with flag before cobra ever sees argv.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--supervisor":
			runSupervisor(os.Args[2:])
			return
		case "--worker":
			runWorker(os.Args[2:])
			return
		}
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func runSupervisor(args []string) {
	fs := flag.NewFlagSet("supervisor", flag.ExitOnError)
	configPath := fs.String("config", "scaffold.toml", "path to config file")
	goalID := fs.String("goal", "", "goal id to drive")
	fs.Bool("yolo", false, "accepted for argv-compatibility; unused")
	fs.Parse(args)

	logger := configureLogger("text", "info")
	if *goalID == "" {
		logger.Error("--goal is required")
		os.Exit(1)
	}

	cfg, err := scaffoldconfig.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = configureLogger(cfg.Logging.Format, cfg.Logging.Level)

	h, err := dbstore.Open(cfg.DBFile, goalstore.Schema)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer h.Close()

	goals := goalstore.NewGoalStore(h)
	actions := goalstore.NewActionStore(h)
	queue := workqueue.New(h)
	backend, err := buildBackend(cfg)
	if err != nil {
		logger.Error("failed to build dispatch backend", "error", err)
		os.Exit(1)
	}
	d := dispatch.New(goals, actions, queue, backend, cfg.AppHome, cfg.MaxWorkersPerGoal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info("supervisor loop starting", "goal_id", *goalID)
	loop := supervisorloop.New(*goalID, goals, actions, queue, d, logger, 0)
	loop.Run(ctx)
	logger.Info("supervisor loop exiting", "goal_id", *goalID)
}

func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "scaffold.toml", "path to config file")
	queueName := fs.String("queue", "", "queue name to claim work from")
	systemPromptFile := fs.String("system-prompt-file", "", "path to the role system prompt")
	fs.Bool("yolo", false, "accepted for argv-compatibility; unused")
	fs.Parse(args)

	logger := configureLogger("text", "info")
	if *queueName == "" {
		logger.Error("--queue is required")
		os.Exit(1)
	}

	cfg, err := scaffoldconfig.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = configureLogger(cfg.Logging.Format, cfg.Logging.Level)

	h, err := dbstore.Open(cfg.DBFile, goalstore.Schema)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer h.Close()
	queue := workqueue.New(h)

	workerID := fmt.Sprintf("worker-%d", os.Getpid())
	item, ok, err := queue.Claim(*queueName, workerID)
	if err != nil {
		logger.Error("failed to claim work item", "queue", *queueName, "error", err)
		os.Exit(1)
	}
	if !ok {
		logger.Info("no work available", "queue", *queueName)
		return
	}

	logger.Info("claimed work item", "item_id", item.ID, "task", item.TaskDescription, "system_prompt_file", *systemPromptFile)
	// Running the actual agent turn here is out of this binary's scope
	// (spec §6.1 names --worker as a fixed contract the Core spawns, not
	// a loop it implements); this entry point exists so the dispatch
	// backends have a real subprocess to fork in tests and local runs.
	if err := queue.Complete(item.ID, ""); err != nil {
		logger.Error("failed to mark work item complete", "item_id", item.ID, "error", err)
		os.Exit(1)
	}
}

func buildBackend(cfg *scaffoldconfig.Config) (dispatch.Backend, error) {
	switch cfg.Dispatch.Backend {
	case "docker":
		return dispatch.NewDockerBackend(cfg.Dispatch.Image)
	default:
		selfExe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		return dispatch.NewPIDBackend(selfExe), nil
	}
}

type wiring struct {
	cfg    *scaffoldconfig.Config
	logger *slog.Logger
	h      *dbstore.Handle
	orch   *orchestrator.Orchestrator
}

func wireUp(configPath string) (*wiring, error) {
	cfg, err := scaffoldconfig.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := configureLogger(cfg.Logging.Format, cfg.Logging.Level)

	h, err := dbstore.Open(cfg.DBFile, goalstore.Schema)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	goals := goalstore.NewGoalStore(h)
	actions := goalstore.NewActionStore(h)
	queue := workqueue.New(h)
	backend, err := buildBackend(cfg)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("building dispatch backend: %w", err)
	}
	d := dispatch.New(goals, actions, queue, backend, cfg.AppHome, cfg.MaxWorkersPerGoal)

	selfExe, err := os.Executable()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("resolving self executable: %w", err)
	}
	sup := supervisor.New(goals, supervisor.NewEventLog(h), selfExe, cfg.StalenessGrace.Duration)
	orch := orchestrator.New(goals, actions, queue, d, sup)

	return &wiring{cfg: cfg, logger: logger, h: h, orch: orch}, nil
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "scaffold",
		Short: "Hierarchical goal-oriented planner and supervisor runtime",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "scaffold.toml", "path to config file")

	root.AddCommand(newDaemonCmd(&configPath))
	root.AddCommand(newGoalCmd(&configPath))
	return root
}

func newDaemonCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the supervisor sweeper and metrics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wireUp(*configPath)
			if err != nil {
				return err
			}
			defer w.h.Close()

			lockFile, err := daemonlock.Acquire(w.cfg.LockFile)
			if err != nil {
				return err
			}
			defer daemonlock.Release(lockFile)

			if err := w.orch.Supervisors.CheckStale(); err != nil {
				w.logger.Error("check_stale failed", "error", err)
			}

			sweeper, err := supervisor.NewSweeper(w.orch.Supervisors, w.cfg.ReapCron, w.logger.With("component", "sweeper"))
			if err != nil {
				return err
			}
			sweeper.Start()
			defer sweeper.Stop()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			metricsSrv := orchestrator.NewServer(w.orch, w.cfg.MetricsBind, w.logger.With("component", "metrics"))
			go func() {
				if err := metricsSrv.Start(ctx); err != nil {
					w.logger.Error("metrics server error", "error", err)
				}
			}()

			w.logger.Info("scaffold daemon running", "metrics_bind", w.cfg.MetricsBind, "reap_cron", w.cfg.ReapCron)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			w.logger.Info("scaffold daemon stopping")
			cancel()
			return nil
		},
	}
}

func newGoalCmd(configPath *string) *cobra.Command {
	var jsonOut bool

	goalCmd := &cobra.Command{
		Use:   "goal",
		Short: "Manage goals",
	}
	goalCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print the raw JSON envelope")

	goalCmd.AddCommand(newGoalCreateCmd(configPath, &jsonOut))
	goalCmd.AddCommand(newGoalSimpleCmd(configPath, &jsonOut, "start", "Start (or resume) a goal's supervisor", func(o *orchestrator.Orchestrator, id string) orchestrator.Envelope { return o.StartGoal(id) }))
	goalCmd.AddCommand(newGoalSimpleCmd(configPath, &jsonOut, "pause", "Pause a goal's supervisor", func(o *orchestrator.Orchestrator, id string) orchestrator.Envelope { return o.PauseGoal(id) }))
	goalCmd.AddCommand(newGoalSimpleCmd(configPath, &jsonOut, "cancel", "Cancel a goal", func(o *orchestrator.Orchestrator, id string) orchestrator.Envelope { return o.CancelGoal(id) }))
	goalCmd.AddCommand(newGoalSimpleCmd(configPath, &jsonOut, "status", "Show a goal's full status", func(o *orchestrator.Orchestrator, id string) orchestrator.Envelope { return o.GoalStatus(id) }))
	goalCmd.AddCommand(newGoalListCmd(configPath, &jsonOut))
	return goalCmd
}

func newGoalCreateCmd(configPath *string, jsonOut *bool) *cobra.Command {
	var description, goalState, queueName string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wireUp(*configPath)
			if err != nil {
				return err
			}
			defer w.h.Close()

			env := w.orch.CreateGoal(args[0], description, json.RawMessage(goalState), queueName)
			return printEnvelope(env, *jsonOut)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "free-text description")
	cmd.Flags().StringVar(&goalState, "goal-state", "{}", "JSON object of assertion-key -> true")
	cmd.Flags().StringVar(&queueName, "queue", "", "dedicated work queue name (derived if omitted)")
	return cmd
}

func newGoalSimpleCmd(configPath *string, jsonOut *bool, use, short string, call func(*orchestrator.Orchestrator, string) orchestrator.Envelope) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <goal-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wireUp(*configPath)
			if err != nil {
				return err
			}
			defer w.h.Close()

			env := call(w.orch, args[0])
			return printEnvelope(env, *jsonOut)
		},
	}
}

func newGoalListCmd(configPath *string, jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wireUp(*configPath)
			if err != nil {
				return err
			}
			defer w.h.Close()

			env := w.orch.ListGoals()
			if *jsonOut {
				return printEnvelope(env, true)
			}
			if env["success"] != true {
				return printEnvelope(env, false)
			}
			goals := env["goals"].([]orchestrator.Envelope)
			for _, g := range goals {
				statusColor := color.New(color.FgGreen)
				if g["status"] == "failed" {
					statusColor = color.New(color.FgRed)
				} else if g["status"] == "paused" {
					statusColor = color.New(color.FgYellow)
				}
				fmt.Printf("%s  %-10s  %-8s  %s\n", g["id"], statusColor.Sprint(g["status"]), g["progress"], g["name"])
			}
			return nil
		},
	}
}

func printEnvelope(env orchestrator.Envelope, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	}

	if env["success"] != true {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %s\n", env["error"])
		os.Exit(1)
		return nil
	}
	for k, v := range env {
		if k == "success" {
			continue
		}
		fmt.Printf("%s: %v\n", k, v)
	}
	return nil
}

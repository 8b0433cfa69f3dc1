package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tunebench/internal/app"
	"tunebench/internal/config"
	"tunebench/internal/db"
	"tunebench/internal/domain"
	"tunebench/internal/engine"
	"tunebench/internal/environment"
	"tunebench/internal/events"
	"tunebench/internal/migrate"
	"tunebench/internal/optimizer"
	"tunebench/internal/repo"
	"tunebench/internal/sched"
	"tunebench/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tb",
	Short: "Tunebench CLI",
	Long: `Tunebench runs autotuning experiments over a declared parameter space.
- Workspace: a .tunebench directory holding the SQLite database.
- Experiment: a named optimization over one tunable schema with declared objectives.
- Tunables: covariant groups of int/float/categorical parameters; identical
  assignments hash to one stored config no matter who submits them.
- Trials: one execution of a config; statuses go PENDING -> IN_PROGRESS ->
  SUCCEEDED/FAILED/TIMED_OUT/CANCELED and never leave a terminal state.
- Run loop: 'tb run' drives an optimizer and benchmark scripts until done.
- Event log: diary of changes, view with 'tb log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TUNEBENCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("experiment", "", "experiment id (defaults to the only one in the workspace)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("experiment", rootCmd.PersistentFlags().Lookup("experiment"))
}

func registerCommands() {
	rootCmd.AddCommand(experimentCmd())
	rootCmd.AddCommand(trialCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

// --- experiment commands ---

func experimentCmd() *cobra.Command {
	exp := &cobra.Command{Use: "experiment", Short: "Manage experiments"}
	exp.AddCommand(experimentCreateCmd())
	exp.AddCommand(experimentListCmd())
	exp.AddCommand(experimentShowCmd())
	exp.AddCommand(experimentMergeCmd())
	return exp
}

func experimentCreateCmd() *cobra.Command {
	var id, file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create experiment from a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			switch {
			case file != "":
				cfg, err = config.FromFile(file)
				if err != nil {
					return err
				}
				if id != "" {
					cfg.Experiment.ID = id
				}
			case id != "":
				cfg = config.Default(id)
			default:
				return fmt.Errorf("--file or --id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				exp, err := e.CreateExperiment(ctx, cfg)
				if err != nil {
					return err
				}
				return printJSON(exp)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "experiment id (with defaults when no --file)")
	cmd.Flags().StringVar(&file, "file", "", "experiment definition yaml")
	return cmd
}

func experimentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListExperiments(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Schema", "Created"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Status, short(e.SchemaUID), e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func experimentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show experiment summary with the best trial so far",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				exp, err := app.ResolveExperiment(ctx, e.Repo, viper.GetString("experiment"))
				if err != nil {
					return err
				}
				summary, err := e.Summarize(ctx, exp.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("Experiment %s (%s)\n", summary.Experiment.ID, summary.Experiment.Status)
				for _, o := range summary.Experiment.Objectives {
					fmt.Printf("  objective: %s %s\n", o.Direction, o.Metric)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Trials"})
				for _, status := range []string{
					domain.StatusPending, domain.StatusInProgress, domain.StatusSucceeded,
					domain.StatusFailed, domain.StatusTimedOut, domain.StatusCanceled,
				} {
					if n := summary.Counts[status]; n > 0 {
						tw.AppendRow(table.Row{status, n})
					}
				}
				tw.Render()
				if summary.Best != nil {
					fmt.Printf("best: trial %d  %s=%v  config %s\n",
						summary.Best.TrialID, summary.Best.Metric, summary.Best.Score, short(summary.Best.ConfigUID))
					for _, kv := range sortedKV(summary.Best.Values) {
						fmt.Printf("  %s\n", kv)
					}
				}
				return nil
			})
		},
	}
}

func experimentMergeCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge another experiment's history into this one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				return fmt.Errorf("--from required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				exp, err := app.ResolveExperiment(ctx, e.Repo, viper.GetString("experiment"))
				if err != nil {
					return err
				}
				if err := e.Merge(ctx, exp.ID, source); err != nil {
					return err
				}
				fmt.Printf("merged %s into %s\n", source, exp.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "from", "", "source experiment id")
	return cmd
}

// --- trial commands ---

func trialCmd() *cobra.Command {
	trial := &cobra.Command{Use: "trial", Short: "Manage trials"}
	trial.AddCommand(trialSubmitCmd())
	trial.AddCommand(trialListCmd())
	trial.AddCommand(trialNextCmd())
	trial.AddCommand(trialCompleteCmd())
	trial.AddCommand(trialCancelCmd())
	return trial
}

func trialSubmitCmd() *cobra.Command {
	var sets []string
	var repeatCount int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit trials for a parameter assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseKeyValues(sets)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				exp, err := app.ResolveExperiment(ctx, e.Repo, viper.GetString("experiment"))
				if err != nil {
					return err
				}
				ids, uid, err := e.SubmitTrials(ctx, exp.ID, values, repeatCount)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"trial_ids": ids, "config_uid": uid})
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "parameter assignment name=value (repeatable)")
	cmd.Flags().IntVar(&repeatCount, "repeat", 1, "number of trials to queue for this config")
	return cmd
}

func trialListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				exp, err := app.ResolveExperiment(ctx, e.Repo, viper.GetString("experiment"))
				if err != nil {
					return err
				}
				trials, err := e.Repo.ListTrials(ctx, repo.TrialFilters{ExperimentID: exp.ID, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trials)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Trial", "Status", "Config", "Runner", "Submitted"})
				for _, t := range trials {
					runner := ""
					if t.RunnerID != nil {
						runner = *t.RunnerID
					}
					tw.AppendRow(table.Row{t.TrialID, t.Status, short(t.ConfigUID), runner, t.TSSubmit})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func trialNextCmd() *cobra.Command {
	var runnerID string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Claim the next pending trial for a runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				exp, err := app.ResolveExperiment(ctx, e.Repo, viper.GetString("experiment"))
				if err != nil {
					return err
				}
				trial, err := e.Sched.NextForRunner(ctx, exp.ID, runnerID)
				if err != nil {
					return err
				}
				if trial == nil {
					fmt.Println("no pending trials")
					return nil
				}
				cfg, err := e.Repo.GetConfig(ctx, trial.ConfigUID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"trial": trial, "config": cfg})
			})
		},
	}
	cmd.Flags().StringVar(&runnerID, "runner", "runner-0", "runner identifier")
	return cmd
}

func trialCompleteCmd() *cobra.Command {
	var metricArgs []string
	var trialID int64
	var failed bool
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Report a trial outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				exp, err := app.ResolveExperiment(ctx, e.Repo, viper.GetString("experiment"))
				if err != nil {
					return err
				}
				if failed {
					return e.FailTrial(ctx, exp.ID, trialID)
				}
				raw, err := parseKeyValues(metricArgs)
				if err != nil {
					return err
				}
				metrics := make(map[string]float64, len(raw))
				for name, v := range raw {
					var f float64
					if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
						return fmt.Errorf("metric %s: %q is not a number", name, v)
					}
					metrics[name] = f
				}
				return e.CompleteTrial(ctx, exp.ID, trialID, metrics, nil)
			})
		},
	}
	cmd.Flags().Int64Var(&trialID, "trial", 0, "trial id")
	cmd.Flags().StringArrayVar(&metricArgs, "metric", nil, "metric result name=value (repeatable)")
	cmd.Flags().BoolVar(&failed, "failed", false, "mark the trial failed")
	_ = cmd.MarkFlagRequired("trial")
	return cmd
}

func trialCancelCmd() *cobra.Command {
	var trialID int64
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a trial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				exp, err := app.ResolveExperiment(ctx, e.Repo, viper.GetString("experiment"))
				if err != nil {
					return err
				}
				sync, err := e.CancelTrial(ctx, exp.ID, trialID)
				if err != nil {
					return err
				}
				if sync {
					fmt.Printf("trial %d canceled\n", trialID)
				} else {
					fmt.Printf("trial %d is running; cancellation requested\n", trialID)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&trialID, "trial", 0, "trial id")
	_ = cmd.MarkFlagRequired("trial")
	return cmd
}

// --- run command ---

func runCmd() *cobra.Command {
	var file string
	var runners, maxTrials int
	var seed int64
	var trialTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the optimization loop from a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			if cfg.Environment.Run == "" {
				return fmt.Errorf("config.environment.run is required for tb run")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.CreateExperiment(ctx, cfg); err != nil && !errors.Is(err, engine.ErrExperimentExists) {
					return err
				}
				groups, exp, err := e.LoadGroups(ctx, cfg.Experiment.ID)
				if err != nil {
					return err
				}
				obj := optimizer.Objective{
					Metric:    exp.Objectives[0].Metric,
					Direction: exp.Objectives[0].Direction,
				}
				if seed == 0 {
					seed = cfg.Optimizer.Seed
				}
				if maxTrials == 0 {
					maxTrials = cfg.Optimizer.MaxTrials
				}
				if runners == 0 {
					runners = cfg.Runners()
				}
				if trialTimeout == 0 {
					trialTimeout = time.Duration(cfg.Scheduler.TrialTimeoutSeconds) * time.Second
				}
				opt := optimizer.NewRandomSearch(groups, obj, seed, maxTrials)
				e.Sched.Backlog = cfg.Backlog()

				fmt.Printf("running %s: %d runners, up to %d trials\n", exp.ID, runners, maxTrials)
				report, err := e.RunLoop(ctx, engine.RunOptions{
					ExperimentID: exp.ID,
					Optimizer:    opt,
					NewEnv: func() environment.Environment {
						return &environment.ScriptEnv{
							SetupCmd:      cfg.Environment.Setup,
							RunCmd:        cfg.Environment.Run,
							TeardownCmd:   cfg.Environment.Teardown,
							TelemetryFile: cfg.Environment.TelemetryFile,
						}
					},
					Runners:      runners,
					MaxTrials:    maxTrials,
					TrialTimeout: trialTimeout,
				})
				if err != nil {
					return err
				}
				fmt.Printf("done: %d submitted, %d completed\n", report.Submitted, report.Completed)
				if best, ok := opt.BestSoFar(); ok {
					fmt.Printf("best %s=%v\n", obj.Metric, best.Score)
					for _, kv := range sortedKV(best.Values) {
						fmt.Printf("  %s\n", kv)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "experiment definition yaml")
	cmd.Flags().IntVar(&runners, "runners", 0, "parallel runners (default from config)")
	cmd.Flags().IntVar(&maxTrials, "max-trials", 0, "trial budget (default from config)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "optimizer seed (default from config)")
	cmd.Flags().DurationVar(&trialTimeout, "trial-timeout", 0, "per-trial wall clock budget (default from config)")
	return cmd
}

// --- log commands ---

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, n, viper.GetString("experiment"), evtType)
				if err != nil {
					return err
				}
				return printJSON(evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- serve command ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("TUNEBENCH_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("TUNEBENCH_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Tunebench API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- apikey command ---

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				err := r.InsertAPIKey(ctx, domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				})
				if err != nil {
					return err
				}
				fmt.Printf("api key for %s (store it now, it is not recoverable):\n%s\n", actorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn}
	actorID := viper.GetString("actor-id")
	e := &engine.Engine{
		DB:      conn,
		Repo:    r,
		Events:  w,
		Sched:   &sched.Scheduler{Repo: r, Events: w, ActorID: actorID},
		ActorID: actorID,
	}
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseKeyValues(args []string) (map[string]string, error) {
	values := map[string]string{}
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", arg)
		}
		values[name] = value
	}
	return values, nil
}

func sortedKV(values map[string]string) []string {
	out := make([]string, 0, len(values))
	for name, value := range values {
		out = append(out, name+"="+value)
	}
	sort.Strings(out)
	return out
}

func short(uid string) string {
	if len(uid) > 12 {
		return uid[:12]
	}
	return uid
}

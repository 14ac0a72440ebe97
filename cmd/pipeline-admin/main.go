package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/aurelia-ai/pipeline/config"
	"github.com/aurelia-ai/pipeline/internal/bootstrap"
	"github.com/aurelia-ai/pipeline/internal/data"
	"github.com/aurelia-ai/pipeline/internal/domain/model"
	"github.com/aurelia-ai/pipeline/internal/workqueue"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const defaultMigrationTimeout = 5 * time.Minute

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
		"breakers": {
			name:        "breakers",
			description: "List circuit breaker states for all jobs",
			run:         runListBreakers,
		},
		"breaker-reset": {
			name:        "breaker-reset",
			description: "Reset a job's circuit breaker to closed",
			run:         runBreakerReset,
		},
		"watermarks": {
			name:        "watermarks",
			description: "List sync watermarks for a tenant",
			run:         runListWatermarks,
		},
		"watermark-set": {
			name:        "watermark-set",
			description: "Move a sync watermark; -force allows rewinding for backfill",
			run:         runWatermarkSet,
		},
		"runs": {
			name:        "runs",
			description: "List recent job runs",
			run:         runListRuns,
		},
		"deps": {
			name:        "deps",
			description: "List dependency requirements between jobs",
			run:         runListDeps,
		},
		"dep-set": {
			name:        "dep-set",
			description: "Create or update a dependency requirement",
			run:         runDepSet,
		},
		"dep-delete": {
			name:        "dep-delete",
			description: "Delete a dependency requirement",
			run:         runDepDelete,
		},
		"queue-depth": {
			name:        "queue-depth",
			description: "Show the pending depth of the work queue",
			run:         runQueueDepth,
		},
	}
}

func printUsage() error {
	if err := writef(os.Stdout, "Usage: pipeline-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(os.Stdout, "Available commands:\n"); err != nil {
		return err
	}
	for _, c := range commands() {
		if err := writef(os.Stdout, "  %-16s %s\n", c.name, c.description); err != nil {
			return err
		}
	}
	return nil
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	timeout := fs.Duration("timeout", defaultMigrationTimeout, "migration timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", closeErr)
		}
	}()

	cmdCtx.Logger.Info("running database migrations")

	if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
		return fmt.Errorf("run migrations: %w", migrateErr)
	}

	cmdCtx.Logger.Info("migrations completed successfully")
	return nil
}

func runListBreakers(cmdCtx *commandContext, _ []string) error {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, nil); closeErr != nil {
			cmdCtx.Logger.Warn("close failed", "error", closeErr)
		}
	}()

	breakers, err := data.NewBreakerRepo(db).List(ctx)
	if err != nil {
		return fmt.Errorf("list breakers: %w", err)
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err = writeln(w, "Job\tState\tEffective\tFailures\tCooldown Until"); err != nil {
		return err
	}
	for i := range breakers {
		b := &breakers[i]
		cooldown := "-"
		if b.CooldownUntil != nil {
			cooldown = b.CooldownUntil.UTC().Format(time.RFC3339)
		}
		if err = writef(w, "%s\t%s\t%s\t%d\t%s\n",
			b.JobName, b.State, b.EffectiveState(now), b.ConsecutiveFailures, cooldown); err != nil {
			return err
		}
	}
	return w.Flush()
}

func runBreakerReset(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("breaker-reset", flag.ContinueOnError)
	job := fs.String("job", "", "job name, e.g. bronze:message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*job) == "" {
		return errors.New("-job is required")
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, nil); closeErr != nil {
			cmdCtx.Logger.Warn("close failed", "error", closeErr)
		}
	}()

	if err = data.NewBreakerRepo(db).Reset(ctx, *job); err != nil {
		return fmt.Errorf("reset breaker: %w", err)
	}

	cmdCtx.Logger.Info("breaker reset", "job", *job)
	return nil
}

func runListWatermarks(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("watermarks", flag.ContinueOnError)
	tenant := fs.String("tenant", "", "tenant id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*tenant) == "" {
		return errors.New("-tenant is required")
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, nil); closeErr != nil {
			cmdCtx.Logger.Warn("close failed", "error", closeErr)
		}
	}()

	marks, err := data.NewWatermarkRepo(db).List(ctx, *tenant)
	if err != nil {
		return fmt.Errorf("list watermarks: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err = writeln(w, "Data Type\tStage\tLast Synced\tUpdated"); err != nil {
		return err
	}
	for i := range marks {
		m := &marks[i]
		if err = writef(w, "%s\t%s\t%s\t%s\n",
			m.DataType, m.Stage,
			m.LastSyncedAt.UTC().Format(time.RFC3339),
			m.UpdatedAt.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return w.Flush()
}

type watermarkSetOptions struct {
	Tenant   string
	DataType model.DataType
	Stage    model.Stage
	To       time.Time
	Force    bool
	Yes      bool
}

func parseWatermarkSetFlags(args []string) (watermarkSetOptions, error) {
	fs := flag.NewFlagSet("watermark-set", flag.ContinueOnError)
	tenant := fs.String("tenant", "", "tenant id")
	dataType := fs.String("type", "", "data type, e.g. message")
	stage := fs.String("stage", "bronze", "stage: bronze or silver")
	to := fs.String("to", "", "target time, RFC3339")
	force := fs.Bool("force", false, "allow rewinding the watermark backwards")
	yes := fs.Bool("yes", false, "skip the rewind confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return watermarkSetOptions{}, err
	}

	opts := watermarkSetOptions{
		Tenant:   strings.TrimSpace(*tenant),
		DataType: model.DataType(strings.TrimSpace(*dataType)),
		Stage:    model.Stage(strings.TrimSpace(*stage)),
		Force:    *force,
		Yes:      *yes,
	}

	if opts.Tenant == "" {
		return opts, errors.New("-tenant is required")
	}
	if !opts.DataType.Valid() {
		return opts, fmt.Errorf("invalid data type %q", *dataType)
	}
	if opts.Stage != model.StageBronze && opts.Stage != model.StageSilver {
		return opts, fmt.Errorf("invalid stage %q", *stage)
	}

	target, err := time.Parse(time.RFC3339, strings.TrimSpace(*to))
	if err != nil {
		return opts, fmt.Errorf("parse -to: %w", err)
	}
	opts.To = target.UTC()

	return opts, nil
}

func runWatermarkSet(cmdCtx *commandContext, args []string) error {
	opts, err := parseWatermarkSetFlags(args)
	if err != nil {
		return err
	}

	if opts.Force && !opts.Yes {
		if confirmErr := confirm(fmt.Sprintf(
			"Rewind %s/%s/%s watermark to %s? Records already synced will be re-processed.",
			opts.Tenant, opts.DataType, opts.Stage, opts.To.Format(time.RFC3339))); confirmErr != nil {
			return confirmErr
		}
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, nil); closeErr != nil {
			cmdCtx.Logger.Warn("close failed", "error", closeErr)
		}
	}()

	repo := data.NewWatermarkRepo(db)
	key := data.WatermarkKey{TenantID: opts.Tenant, DataType: opts.DataType, Stage: opts.Stage}

	if opts.Force {
		if rewindErr := repo.Rewind(ctx, key, opts.To); rewindErr != nil {
			return fmt.Errorf("rewind watermark: %w", rewindErr)
		}
		cmdCtx.Logger.Info("watermark rewound",
			"tenant", opts.Tenant, "data_type", opts.DataType, "stage", opts.Stage, "to", opts.To)
		return nil
	}

	advanced, err := repo.Advance(ctx, key, opts.To)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	if !advanced {
		return errors.New("watermark is already past the target time; use -force to rewind")
	}

	cmdCtx.Logger.Info("watermark advanced",
		"tenant", opts.Tenant, "data_type", opts.DataType, "stage", opts.Stage, "to", opts.To)
	return nil
}

func runListRuns(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	job := fs.String("job", "", "filter by job name")
	status := fs.String("status", "", "filter by status: running, completed, failed")
	limit := fs.Int("n", 20, "maximum rows to show")
	offset := fs.Int("offset", 0, "rows to skip")
	if err := fs.Parse(args); err != nil {
		return err
	}

	params := data.ListRunsParams{JobName: strings.TrimSpace(*job), Limit: *limit, Offset: *offset}
	if trimmed := strings.TrimSpace(*status); trimmed != "" {
		var rs model.RunStatus
		if err := rs.UnmarshalText([]byte(trimmed)); err != nil {
			return err
		}
		params.Status = rs
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, nil); closeErr != nil {
			cmdCtx.Logger.Warn("close failed", "error", closeErr)
		}
	}()

	runs, err := data.NewJobRunRepo(db, &data.RealTimeProvider{}).List(ctx, params)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err = writeln(w, "ID\tJob\tStatus\tStarted\tDuration\tError"); err != nil {
		return err
	}
	for _, run := range runs {
		duration := "-"
		if run.DurationMs != nil {
			duration = (time.Duration(*run.DurationMs) * time.Millisecond).String()
		}
		errMsg := "-"
		if run.ErrorMessage != nil {
			errMsg = *run.ErrorMessage
		}
		if err = writef(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.JobName, run.Status,
			run.StartedAt.UTC().Format(time.RFC3339), duration, errMsg); err != nil {
			return err
		}
	}
	return w.Flush()
}

func runListDeps(cmdCtx *commandContext, _ []string) error {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, nil); closeErr != nil {
			cmdCtx.Logger.Warn("close failed", "error", closeErr)
		}
	}()

	deps, err := data.NewDependencyRepo(db).List(ctx)
	if err != nil {
		return fmt.Errorf("list dependencies: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err = writeln(w, "Job\tDepends On\tRequired Within"); err != nil {
		return err
	}
	for _, dep := range deps {
		if err = writef(w, "%s\t%s\t%dh\n", dep.JobName, dep.DependsOn, dep.RequiredWithinHours); err != nil {
			return err
		}
	}
	return w.Flush()
}

func runDepSet(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("dep-set", flag.ContinueOnError)
	job := fs.String("job", "", "dependent job name, e.g. silver:message")
	dependsOn := fs.String("depends-on", "", "upstream job name, e.g. bronze:message")
	within := fs.Int("within-hours", 24, "how recent the upstream success must be")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := &model.DependencyRequirement{
		JobName:             strings.TrimSpace(*job),
		DependsOn:           strings.TrimSpace(*dependsOn),
		RequiredWithinHours: *within,
	}
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, nil); closeErr != nil {
			cmdCtx.Logger.Warn("close failed", "error", closeErr)
		}
	}()

	if err = data.NewDependencyRepo(db).Upsert(ctx, req); err != nil {
		return fmt.Errorf("upsert dependency: %w", err)
	}

	cmdCtx.Logger.Info("dependency saved",
		"job", req.JobName, "depends_on", req.DependsOn, "within_hours", req.RequiredWithinHours)
	return nil
}

func runDepDelete(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("dep-delete", flag.ContinueOnError)
	job := fs.String("job", "", "dependent job name")
	dependsOn := fs.String("depends-on", "", "upstream job name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*job) == "" || strings.TrimSpace(*dependsOn) == "" {
		return errors.New("-job and -depends-on are required")
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, nil); closeErr != nil {
			cmdCtx.Logger.Warn("close failed", "error", closeErr)
		}
	}()

	if err = data.NewDependencyRepo(db).Delete(ctx, *job, *dependsOn); err != nil {
		return fmt.Errorf("delete dependency: %w", err)
	}

	cmdCtx.Logger.Info("dependency deleted", "job", *job, "depends_on", *dependsOn)
	return nil
}

func runQueueDepth(cmdCtx *commandContext, _ []string) error {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	redisClient, err := connectRedis(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(nil, redisClient); closeErr != nil {
			cmdCtx.Logger.Warn("close failed", "error", closeErr)
		}
	}()

	queue, err := workqueue.NewQueue(workqueue.QueueOptions{
		Client:   redisClient,
		Name:     cmdCtx.Config.Worker.QueueName,
		Consumer: "pipeline-admin",
	})
	if err != nil {
		return fmt.Errorf("build queue: %w", err)
	}

	depth, err := queue.Depth(ctx)
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}

	return writef(os.Stdout, "%s: %d pending\n", cmdCtx.Config.Worker.QueueName, depth)
}

// confirm prompts on stdin and returns an error unless the user types "yes".
func confirm(message string) error {
	if err := writef(os.Stdout, "%s [yes/no]: ", message); err != nil {
		return err
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}
	if strings.TrimSpace(strings.ToLower(line)) != "yes" {
		return errors.New("aborted")
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}

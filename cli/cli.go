// Package cli builds the pdoflow command tree. The stock pdoflow binary
// runs it with an empty registry; deployments embed their job functions by
// calling BuildCLI with a populated one from their own main.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/spf13/cobra"

	"github.com/pdoflow/pdoflow/config"
	"github.com/pdoflow/pdoflow/jobs"
	"github.com/pdoflow/pdoflow/metrics"
	"github.com/pdoflow/pdoflow/pg"
	"github.com/pdoflow/pdoflow/pg/flowdb"
)

// Exit codes surfaced by Main.
const (
	ExitOK              = 0
	ExitError           = 1
	ExitInvalidArgument = 2
	ExitNotFound        = 3
)

// BuildCLI assembles the root command. reg supplies the job functions for
// pool and execute-job.
func BuildCLI(reg *jobs.Registry) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "pdoflow",
		Short:         "pdoflow: a PostgreSQL-coordinated distributed job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "database config file (default ~/.config/pdoflow/db.conf)")

	rootCmd.AddCommand(buildPoolCommand(reg, &configPath))
	rootCmd.AddCommand(buildPostingStatusCommand(&configPath))
	rootCmd.AddCommand(buildListPostingsCommand(&configPath))
	rootCmd.AddCommand(buildSetPostingStatusCommand(&configPath))
	rootCmd.AddCommand(buildPriorityStatsCommand(&configPath))
	rootCmd.AddCommand(buildExecuteJobCommand(reg, &configPath))

	return rootCmd
}

// Main runs the command tree and maps errors onto the exit-code contract:
// 0 success, 1 generic error, 2 invalid argument, 3 not found.
func Main(reg *jobs.Registry) int {
	if err := BuildCLI(reg).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pdoflow: %v\n", err)
		return exitCode(err)
	}
	return ExitOK
}

func exitCode(err error) int {
	var invalid invalidArgumentError
	if errors.As(err, &invalid) {
		return ExitInvalidArgument
	}
	if errors.Is(err, jobs.ErrPostingNotFound) || errors.Is(err, jobs.ErrJobNotFound) {
		return ExitNotFound
	}
	return ExitError
}

type invalidArgumentError struct {
	err error
}

func (e invalidArgumentError) Error() string { return e.err.Error() }
func (e invalidArgumentError) Unwrap() error { return e.err }

func parseUUID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.UUID{}, invalidArgumentError{fmt.Errorf("malformed id %q: %w", arg, err)}
	}
	return id, nil
}

// openStore connects a pgx pool and wraps it for the jobs package.
func openStore(ctx context.Context, configPath string) (jobs.Datastore, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	pool, err := pg.NewPool(ctx, cfg.DSN())
	if err != nil {
		return nil, nil, err
	}
	return jobs.WrapStore(flowdb.NewStore(pool)), pool.Close, nil
}

func newLogger(name string) *logharbour.Logger {
	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	return logharbour.NewLogger(lctx, name, os.Stdout)
}

func buildPoolCommand(reg *jobs.Registry, configPath *string) *cobra.Command {
	var (
		maxWorkers  int
		upkeepRate  float64
		batchSize   int32
		profileRate float64
		metricsPort string
	)

	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Run a worker pool until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if upkeepRate <= 0 {
				return invalidArgumentError{fmt.Errorf("upkeep-rate must be positive, got %v", upkeepRate)}
			}
			return runPool(cmd.Context(), reg, *configPath, poolOptions{
				maxWorkers:  maxWorkers,
				upkeepEvery: time.Duration(float64(time.Second) / upkeepRate),
				batchSize:   batchSize,
				profileRate: profileRate,
				metricsPort: metricsPort,
			})
		},
	}

	cmd.Flags().IntVar(&maxWorkers, "max-workers", 4, "number of worker goroutines to keep alive")
	cmd.Flags().Float64Var(&upkeepRate, "upkeep-rate", 1.0, "supervision frequency in Hz")
	cmd.Flags().Int32Var(&batchSize, "batchsize", jobs.DefaultBatchSize, "units claimed per cycle")
	cmd.Flags().Float64Var(&profileRate, "profile-rate", jobs.DefaultProfileRate, "probability a unit runs profiled")
	cmd.Flags().StringVar(&metricsPort, "metrics-port", "", "serve Prometheus metrics on this port")

	return cmd
}

type poolOptions struct {
	maxWorkers  int
	upkeepEvery time.Duration
	batchSize   int32
	profileRate float64
	metricsPort string
}

func runPool(ctx context.Context, reg *jobs.Registry, configPath string, opts poolOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger("pdoflow-pool")

	// Bring the schema up to date before spawning anything.
	migrConn, err := pg.Connect(ctx, cfg.DSN())
	if err != nil {
		return err
	}
	if err := pg.MigrateDatabase(ctx, migrConn); err != nil {
		migrConn.Close(ctx)
		return err
	}
	migrConn.Close(ctx)

	m := metrics.NewPrometheusMetrics()
	metrics.RegisterStandard(m)
	if opts.metricsPort != "" {
		go func() {
			if err := m.StartMetricsServer(opts.metricsPort); err != nil {
				logger.Error(err).LogActivity("Metrics server stopped", nil)
			}
		}()
	}

	workerCfg := jobs.WorkerConfig{
		BatchSize:   opts.batchSize,
		ProfileRate: opts.profileRate,
	}
	factory := func(id int) (jobs.Runner, error) {
		conn, err := pg.Connect(context.Background(), cfg.DSN())
		if err != nil {
			return nil, err
		}
		store := jobs.WrapStore(flowdb.NewStore(conn))
		return jobs.NewWorker(id, store, reg, logger, m, workerCfg)
	}

	pool := jobs.NewPool(jobs.PoolConfig{
		MaxWorkers: opts.maxWorkers,
		UpkeepRate: opts.upkeepEvery,
	}, factory, logger, m)
	pool.Start()
	defer pool.Close()

	logger.Info().LogActivity("Pool running", map[string]any{
		"maxWorkers": opts.maxWorkers,
		"batchSize":  opts.batchSize,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-sigCh:
	}
	logger.Info().LogActivity("Shutting down pool", nil)
	return pool.Close()
}

func buildPostingStatusCommand(configPath *string) *cobra.Command {
	var (
		showJobs bool
		format   string
	)

	cmd := &cobra.Command{
		Use:   "posting-status <uuid>...",
		Short: "Show status and progress for one or more postings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			renderer, err := newRenderer(format)
			if err != nil {
				return err
			}

			ids := make([]uuid.UUID, len(args))
			for i, arg := range args {
				if ids[i], err = parseUUID(arg); err != nil {
					return err
				}
			}

			ds, closeFn, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			overviews, err := ds.ListPostingsByIDs(ctx, ids)
			if err != nil {
				return err
			}
			found := make(map[uuid.UUID]bool, len(overviews))
			for _, o := range overviews {
				found[o.ID] = true
			}
			for _, id := range ids {
				if !found[id] {
					return fmt.Errorf("%w: %s", jobs.ErrPostingNotFound, id)
				}
			}

			renderPostingOverviews(cmd.OutOrStdout(), renderer, overviews)

			if showJobs {
				for _, id := range ids {
					records, err := ds.ListJobRecords(ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "\nJobs for posting %s:\n", id)
					renderJobRecords(cmd.OutOrStdout(), renderer, records)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showJobs, "show-jobs", false, "list each posting's job records")
	cmd.Flags().StringVar(&format, "format", "simple", "output format: simple|grid|html|latex")

	return cmd
}

func buildListPostingsCommand(configPath *string) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list-postings",
		Short: "List all postings, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			renderer, err := newRenderer(format)
			if err != nil {
				return err
			}

			ds, closeFn, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			overviews, err := ds.ListPostings(ctx)
			if err != nil {
				return err
			}
			renderPostingOverviews(cmd.OutOrStdout(), renderer, overviews)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "simple", "output format: simple|grid|html|latex")
	return cmd
}

func buildSetPostingStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set-posting-status <uuid> <status>",
		Short: "Administratively override a posting's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseUUID(args[0])
			if err != nil {
				return err
			}
			status, err := flowdb.ParseStatus(args[1])
			if err != nil {
				return invalidArgumentError{err}
			}

			ds, closeFn, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			affected, err := ds.UpdatePostingStatus(ctx, flowdb.UpdatePostingStatusParams{
				ID:     id,
				Status: status,
			})
			if err != nil {
				return err
			}
			if affected == 0 {
				return fmt.Errorf("%w: %s", jobs.ErrPostingNotFound, id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "posting %s set to %s\n", id, status)
			return nil
		},
	}
}

func buildPriorityStatsCommand(configPath *string) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "priority-stats",
		Short: "Show the waiting queue's priority distribution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			renderer, err := newRenderer(format)
			if err != nil {
				return err
			}

			ds, closeFn, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			stats, err := ds.WaitingPriorityStats(ctx)
			if err != nil {
				return err
			}
			renderPriorityStats(cmd.OutOrStdout(), renderer, stats)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "simple", "output format: simple|grid|html|latex")
	return cmd
}

func buildExecuteJobCommand(reg *jobs.Registry, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "execute-job <uuid>",
		Short: "Claim and run one unit in-process, for debugging",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseUUID(args[0])
			if err != nil {
				return err
			}

			ds, closeFn, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			dispatcher := jobs.NewDispatcher(ds, newLogger("pdoflow-exec"), nil)
			if err := jobs.RunSingleJob(ctx, dispatcher, reg, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s executed\n", id)
			return nil
		},
	}
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/umccr/wfmanager/internal/config"
	"github.com/umccr/wfmanager/internal/events"
	internal_http "github.com/umccr/wfmanager/internal/http"
	"github.com/umccr/wfmanager/internal/log"
	"github.com/umccr/wfmanager/internal/metadata"
	"github.com/umccr/wfmanager/internal/metrics"
	"github.com/umccr/wfmanager/internal/seed"
	internal_storage "github.com/umccr/wfmanager/internal/storage"
	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/service"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// app holds everything a command needs, built from the loaded config.
type app struct {
	cfg          *config.Config
	store        *internal_storage.PostgresStore
	registry     *prometheus.Registry
	nc           *nats.Conn
	resolver     service.MetadataResolver
	runs         *service.WorkflowRunService
	assigner     *service.AssignmentEngine
	analysisRuns *service.AnalysisRunService
}

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (defaults to ./config.yaml when present)")
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides the DB_* settings)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the NATS consumers",
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(cmd, true)
			defer a.close()
			if err := a.serve(); err != nil {
				fail("serve", err)
			}
		},
	}

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Apply a workflow run state change event from a JSON file",
		Run: func(cmd *cobra.Command, args []string) {
			file, _ := cmd.Flags().GetString("file")
			var evt models.WorkflowRunStateChange
			if err := readJSON(file, &evt); err != nil {
				fail("read event", err)
			}
			a := newApp(cmd, true)
			defer a.close()
			out, err := a.runs.HandleStateChange(cmd.Context(), evt)
			if err != nil {
				fail("ingest event", err)
			}
			printStateChange(os.Stdout, out)
		},
	}
	ingestCmd.Flags().String("file", "", "JSON event file")
	_ = ingestCmd.MarkFlagRequired("file")

	assignCmd := &cobra.Command{
		Use:   "assign",
		Short: "Create analysis runs for a library batch",
		Long: "Create analysis runs for the libraries of a batch file ({\"batchId\", \"libraries\": [...]})\n" +
			"or for library ids resolved through the metadata manager.",
		Run: func(cmd *cobra.Command, args []string) {
			file, _ := cmd.Flags().GetString("file")
			ids, _ := cmd.Flags().GetStringSlice("library")
			if (file == "") == (len(ids) == 0) {
				fail("assign", errors.New("give exactly one of --file or --library"))
			}
			a := newApp(cmd, true)
			defer a.close()

			var (
				runs []models.AnalysisRun
				err  error
			)
			if file != "" {
				var batch models.LibraryBatch
				if err := readJSON(file, &batch); err != nil {
					fail("read batch", err)
				}
				runs, err = a.assigner.Assign(cmd.Context(), batch.Libraries)
			} else {
				if a.resolver == nil {
					fail("assign", errors.New("metadata.url is not configured"))
				}
				runs, err = a.assigner.AssignLibraries(cmd.Context(), a.resolver, ids)
			}
			if err != nil {
				fail("assign libraries", err)
			}
			printAnalysisRuns(os.Stdout, runs)
		},
	}
	assignCmd.Flags().String("file", "", "JSON library batch file")
	assignCmd.Flags().StringSlice("library", nil, "Library id to resolve and assign (repeatable)")

	prepareCmd := &cobra.Command{
		Use:   "prepare [analysisRunName]",
		Short: "Create the workflow runs of an analysis run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(cmd, true)
			defer a.close()
			runs, err := a.analysisRuns.PrepareWorkflowRuns(cmd.Context(), args[0])
			if err != nil {
				fail("prepare analysis run", err)
			}
			printRuns(os.Stdout, runs)
		},
	}

	statesCmd := &cobra.Command{
		Use:   "states [portalRunId]",
		Short: "Show the state history of a workflow run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(cmd, false)
			defer a.close()
			states, err := a.runs.GetRunStates(args[0])
			if err != nil {
				fail("get states", err)
			}
			printStates(os.Stdout, states)
		},
	}

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List workflow runs",
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(cmd, false)
			defer a.close()
			runs, err := a.runs.ListRuns()
			if err != nil {
				fail("list runs", err)
			}
			printRuns(os.Stdout, runs)
		},
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the analysis catalog from a YAML file",
		Run: func(cmd *cobra.Command, args []string) {
			file, _ := cmd.Flags().GetString("file")
			catalog, err := seed.ParseFile(file)
			if err != nil {
				fail("read catalog", err)
			}
			a := newApp(cmd, false)
			defer a.close()
			summary, err := seed.Load(a.store, catalog)
			if err != nil {
				fail("seed catalog", err)
			}
			fmt.Fprintf(os.Stdout, "Loaded %d contexts, %d workflows and %d analyses\n",
				summary.Contexts, summary.Workflows, summary.Analyses)
		},
	}
	seedCmd.Flags().String("file", "", "YAML catalog file")
	_ = seedCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(serveCmd, ingestCmd, assignCmd, prepareCmd, statesCmd, runsCmd, seedCmd)
}

func fail(action string, err error) {
	log.GetLogger().Errorf("Failed to %s: %v", action, err)
	fmt.Fprintf(os.Stderr, "Error: failed to %s: %v\n", action, err)
	os.Exit(1)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal(data, v), "decode %s", path)
}

// newApp loads the config and builds the services. withEvents connects to
// NATS when nats.url is set, so state changes are also published.
func newApp(cmd *cobra.Command, withEvents bool) *app {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		fail("load config", err)
	}
	logger := log.GetLogger()
	log.Configure(cfg.LogLevel, cfg.LogFormat)

	dsn, _ := cmd.Flags().GetString("db")
	if dsn == "" {
		if dsn, err = cfg.DSN(); err != nil {
			fail("build database connection string", err)
		}
	}
	logger.Debugf("Connecting to database %s/%s", cfg.DB.Host, cfg.DB.Name)
	store, err := internal_storage.InitStore(dsn)
	if err != nil {
		fail("initialize store", err)
	}

	a := &app{cfg: cfg, store: store, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewMetrics(a.registry)
	if err != nil {
		fail("register metrics", err)
	}

	opts := []service.Option{
		service.WithMetrics(m),
		service.WithResolveTimeout(cfg.Metadata.Timeout),
		service.WithResolveConcurrency(cfg.Metadata.Concurrency),
	}
	if withEvents && cfg.NATS.URL != "" {
		a.nc, err = events.Connect(cfg.NATS.URL, "wfmanager", logger)
		if err != nil {
			fail("connect to NATS", err)
		}
		opts = append(opts, service.WithPublisher(events.NewNATSPublisher(a.nc, events.NewSubjects(cfg.NATS.SubjectPrefix))))
	}
	if cfg.Metadata.URL != "" {
		a.resolver = metadata.NewHTTPResolver(cfg.Metadata.URL, cfg.Metadata.Timeout, metadata.WithToken(cfg.Metadata.Token))
	}

	a.runs = service.NewWorkflowRunService(store, logger, opts...)
	a.assigner = service.NewAssignmentEngine(store, service.NewCatalogCache(store, opts...), logger, opts...)
	a.analysisRuns = service.NewAnalysisRunService(store, a.runs, logger, opts...)
	return a
}

func (a *app) close() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			log.GetLogger().Warnf("Failed to drain NATS connection: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		log.GetLogger().Warnf("Failed to close store: %v", err)
	}
}

// serve runs until SIGINT or SIGTERM, then shuts down the HTTP server, the
// consumers and the worker pool in that order.
func (a *app) serve() error {
	logger := log.GetLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := service.NewWorkerPool(ctx, logger)
	pool.Start(a.cfg.Workers)
	defer pool.Stop()

	var consumer *events.Consumer
	if a.nc != nil {
		consumer = events.NewConsumer(a.nc, events.NewSubjects(a.cfg.NATS.SubjectPrefix), a.cfg.NATS.QueueGroup,
			pool, a.runs, a.assigner, logger)
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		defer consumer.Stop()
	} else {
		logger.Warn("nats.url is not set, inbound events are only accepted over HTTP")
	}

	server := internal_http.NewServer(a.runs, a.assigner, a.analysisRuns, a.resolver, a.registry, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(":" + a.cfg.HTTP.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func printStateChange(w io.Writer, evt *models.WorkflowRunStateChange) {
	if evt == nil {
		fmt.Fprintf(w, "No state change applied.\n")
		return
	}
	fmt.Fprintf(w, "Run %s is now %s (%s)\n", evt.PortalRunID, evt.Status, evt.Timestamp.Format(time.RFC3339))
	if evt.Payload != nil {
		fmt.Fprintf(w, "  payload %s (version %s)\n", evt.Payload.RefID, evt.Payload.Version)
	}
	for _, lib := range evt.LinkedLibraries {
		fmt.Fprintf(w, "  library %s\n", lib.LibraryID)
	}
}

func printStates(w io.Writer, rs service.RunStates) {
	name := ""
	if rs.Run.WorkflowRunName != nil {
		name = *rs.Run.WorkflowRunName
	}
	fmt.Fprintf(w, "Run %s %s\n", rs.Run.PortalRunID, name)
	for _, st := range rs.States {
		fmt.Fprintf(w, "- %s %s\n", st.Timestamp.Format(time.RFC3339), st.Status)
	}
	if rs.Current != nil {
		fmt.Fprintf(w, "Current: %s\n", rs.Current.Status)
	} else {
		fmt.Fprintf(w, "Current: none\n")
	}
}

func printRuns(w io.Writer, runs []models.WorkflowRun) {
	if len(runs) == 0 {
		fmt.Fprintf(w, "No workflow runs found.\n")
		return
	}
	fmt.Fprintf(w, "Workflow runs:\n")
	for _, r := range runs {
		name := ""
		if r.WorkflowRunName != nil {
			name = *r.WorkflowRunName
		}
		fmt.Fprintf(w, "- %s, Name: %s, Created: %s\n", r.PortalRunID, name, r.CreatedAt.Format(time.RFC3339))
	}
}

func printAnalysisRuns(w io.Writer, runs []models.AnalysisRun) {
	if len(runs) == 0 {
		fmt.Fprintf(w, "No new analysis runs.\n")
		return
	}
	fmt.Fprintf(w, "Created analysis runs:\n")
	for _, r := range runs {
		fmt.Fprintf(w, "- %s (%s)\n", r.Name, r.Status)
	}
}

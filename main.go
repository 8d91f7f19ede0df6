package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gofrs/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Main runs the harness command line.
func Main() {
	if err := NewRootCmd().Execute(); err != nil {
		log.WithError(err).Fatal("harness failed")
	}
}

// NewRootCmd returns the root command with every subcommand.
func NewRootCmd() *cobra.Command {
	var configFiles arrayFlags

	root := &cobra.Command{
		Use:           "harness",
		Short:         "Integration harness for the serverless GraphQL API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Var(&configFiles, "config", "Config file (can appear multiple times)")

	root.AddCommand(
		newSetupCmd(&configFiles),
		newOutputsCmd(&configFiles),
		newClearTablesCmd(&configFiles),
		newCheckCmd(&configFiles),
		newEvaluateCmd(&configFiles),
		newTeardownCmd(&configFiles),
	)
	return root
}

// runtime holds what every command needs once the configuration is loaded.
type runtime struct {
	cfg          *Config
	orchestrator *Orchestrator
	runID        string
}

// withRuntime loads the configuration, starts telemetry and builds the
// orchestrator before running fn. Metrics are pushed when fn returns.
func withRuntime(configFiles *arrayFlags, fn func(ctx context.Context, rt *runtime) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()

		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("failed to load .env")
		}
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})

		cfg, err := GetConfig(*configFiles)
		if err != nil {
			return fmt.Errorf("failed to get config: %w", err)
		}
		log.WithField("config", cfg).Debug("configuration")

		shutdown, err := InitTelemetry(ctx, cfg.Telemetry)
		if err != nil {
			log.WithError(err).Error("error creating telemetry")
		} else {
			defer func() {
				log.Debug("flushing and shutting down telemetry")
				if err := shutdown(context.Background()); err != nil {
					log.WithError(err).Error("shutting down telemetry")
				}
			}()
		}

		RegisterMetrics(prometheus.DefaultRegisterer)

		orchestrator, err := NewAWSOrchestrator(ctx, cfg)
		if err != nil {
			return err
		}

		rt := &runtime{cfg: cfg, orchestrator: orchestrator, runID: uuid.Must(uuid.NewV4()).String()}
		runErr := fn(ctx, rt)

		if err := PushMetrics(context.Background(), cfg.Metrics, prometheus.DefaultGatherer, rt.runID); err != nil {
			log.WithError(err).Error("failed to push metrics")
		}
		return runErr
	}
}

func newSetupCmd(configFiles *arrayFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Resolve outputs, clear the tables and provision both identities",
		RunE: withRuntime(configFiles, func(ctx context.Context, rt *runtime) error {
			suite, err := rt.orchestrator.Setup(ctx)
			if err != nil {
				return err
			}
			rt.runID = suite.RunID
			return printJSON(map[string]interface{}{
				"run":        suite.RunID,
				"api":        suite.Env.APIURL,
				"tables":     suite.Env.TableNames(),
				"standard":   suite.Standard.String(),
				"privileged": suite.Privileged.String(),
			})
		}),
	}
}

func newOutputsCmd(configFiles *arrayFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "outputs",
		Short: "Print the merged outputs of both stacks",
		RunE: withRuntime(configFiles, func(ctx context.Context, rt *runtime) error {
			env, err := rt.orchestrator.Environment(ctx)
			if err != nil {
				return err
			}
			return printJSON(env.Outputs)
		}),
	}
}

func newClearTablesCmd(configFiles *arrayFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-tables",
		Short: "Delete every item of the test tables",
		RunE: withRuntime(configFiles, func(ctx context.Context, rt *runtime) error {
			env, err := rt.orchestrator.Environment(ctx)
			if err != nil {
				return err
			}
			deleted, err := rt.orchestrator.ClearTables(ctx, env)
			if err != nil {
				return err
			}
			return printJSON(deleted)
		}),
	}
}

func newCheckCmd(configFiles *arrayFlags) *cobra.Command {
	var skipTemplates bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the setup, then the access checks and the template cases",
		RunE: withRuntime(configFiles, func(ctx context.Context, rt *runtime) error {
			suite, err := rt.orchestrator.Setup(ctx)
			if err != nil {
				return err
			}
			rt.runID = suite.RunID

			client := NewClient(
				WithTimeout(rt.cfg.HTTPTimeoutDuration),
				WithMaxResponseSize(rt.cfg.MaxResponseSize),
			)
			results := RunChecks(ctx, client, suite, AccessChecks())
			if !skipTemplates {
				results = append(results, rt.orchestrator.TemplateRunner().RunCases(ctx, DefaultTemplateCases())...)
			}
			printResults(results)
			return CheckFailures(results)
		}),
	}
	cmd.Flags().BoolVar(&skipTemplates, "skip-templates", false, "Do not evaluate the mapping templates")
	return cmd
}

func newEvaluateCmd(configFiles *arrayFlags) *cobra.Command {
	var templatesDir, fixturesDir string
	cmd := &cobra.Command{
		Use:   "evaluate [case...]",
		Short: "Evaluate the mapping templates against their fixtures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configFiles, func(ctx context.Context, rt *runtime) error {
				runner := rt.orchestrator.TemplateRunner()
				if templatesDir != "" {
					runner.TemplatesDir = templatesDir
				}
				if fixturesDir != "" {
					runner.FixturesDir = fixturesDir
				}
				cases, err := selectTemplateCases(DefaultTemplateCases(), args)
				if err != nil {
					return err
				}
				results := runner.RunCases(ctx, cases)
				printResults(results)
				return CheckFailures(results)
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&templatesDir, "templates-dir", "", "Directory of the mapping templates")
	cmd.Flags().StringVar(&fixturesDir, "fixtures-dir", "", "Directory of the fixture contexts")
	return cmd
}

func newTeardownCmd(configFiles *arrayFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "teardown",
		Short: "Delete both identities",
		RunE: withRuntime(configFiles, func(ctx context.Context, rt *runtime) error {
			env, err := rt.orchestrator.Environment(ctx)
			if err != nil {
				return err
			}
			return rt.orchestrator.Teardown(ctx, env)
		}),
	}
}

func selectTemplateCases(cases []TemplateCase, names []string) ([]TemplateCase, error) {
	if len(names) == 0 {
		return cases, nil
	}
	byName := make(map[string]TemplateCase, len(cases))
	for _, c := range cases {
		byName[c.Name] = c
	}
	selected := make([]TemplateCase, 0, len(names))
	for _, name := range names {
		c, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown template case %q", name)
		}
		selected = append(selected, c)
	}
	return selected, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResults(results []CheckResult) {
	for _, r := range results {
		status := "PASS"
		if r.Err != nil {
			status = "FAIL"
		}
		fmt.Printf("%s\t%s\t%s\n", status, r.Name, r.Duration.Round(time.Millisecond))
		if r.Err != nil {
			fmt.Printf("\t%s\n", r.Err)
		}
	}
}

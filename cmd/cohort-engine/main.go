package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/cohort/internal/cohort"
	"github.com/ehr/cohort/internal/config"
	"github.com/ehr/cohort/internal/platform/db"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "cohort-engine",
		Short:        "Cohort composition engine for HIV/TB/PrEP reporting",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("library", "", "Cohort library file or directory (overrides COHORT_LIBRARY)")

	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(explainCmd())
	root.AddCommand(migrateCmd())
	return root
}

// loadConfig reads and validates configuration, applying the --library flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if lib, _ := cmd.Flags().GetString("library"); lib != "" {
		cfg.CohortLibrary = lib
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the cohort API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, newLogger(cfg, os.Stdout))
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate one cohort and print its patients",
		Example: "  cohort-engine run --library cohorts --cohort TX_CURR --param endDate=2024-06-30 " +
			"--param location=3",
		RunE: func(cmd *cobra.Command, args []string) error {
			cohortID, _ := cmd.Flags().GetString("cohort")
			rawParams, _ := cmd.Flags().GetStringArray("param")
			countOnly, _ := cmd.Flags().GetBool("count")
			if cohortID == "" {
				return fmt.Errorf("--cohort is required")
			}
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if cfg.RunTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
				defer cancel()
			}

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			node, ok := a.library.Node(cohortID)
			if !ok {
				return fmt.Errorf("unknown cohort %q", cohortID)
			}
			env, err := cohort.ParseEnv(node.Parameters(), params)
			if err != nil {
				return err
			}
			res, err := a.engine.Evaluate(ctx, cohortID, env)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if countOnly {
				fmt.Fprintln(out, res.Patients.Len())
				return nil
			}
			fmt.Fprintf(out, "cohort:   %s\n", res.CohortID)
			fmt.Fprintf(out, "run:      %s\n", res.RunID)
			fmt.Fprintf(out, "params:   %s\n", formatParams(res.Params.Strings()))
			fmt.Fprintf(out, "patients: %d\n", res.Patients.Len())
			fmt.Fprintf(out, "cache:    %d hits, %d computes\n", res.Stats.Hits, res.Stats.Computes)
			for _, id := range res.Patients.Members() {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
	cmd.Flags().String("cohort", "", "Cohort id to evaluate")
	cmd.Flags().StringArray("param", nil, "Top-level parameter as name=value (repeatable)")
	cmd.Flags().Bool("count", false, "Print only the patient count")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Compile the cohort library and report every configuration error",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			lib, err := compileLibrary(cfg.CohortLibrary, offlineRunner{}, nil)
			if err != nil {
				printConfigErrors(cmd.ErrOrStderr(), err)
				return errors.New("cohort library is invalid")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d cohorts OK\n", cfg.CohortLibrary, lib.Len())
			return nil
		},
	}
}

func explainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain COHORT",
		Short: "Print the evaluation plan of a cohort",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			lib, err := compileLibrary(cfg.CohortLibrary, offlineRunner{}, nil)
			if err != nil {
				printConfigErrors(cmd.ErrOrStderr(), err)
				return errors.New("cohort library is invalid")
			}
			plan, err := lib.Explain(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), plan)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the run-history schema",
	}
	cmd.PersistentFlags().String("schema", "public", "Schema holding the run-history tables")

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})
	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.HasDatabase() {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	schema, _ := cmd.Flags().GetString("schema")

	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2}, newLogger(cfg, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, db.Migrations, "migrations", schema))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	tw.Flush()
}

// parseParams splits name=value pairs. A repeated name is an error.
func parseParams(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q is not name=value", kv)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("parameter %s given twice", name)
		}
		out[name] = value
	}
	return out, nil
}

func formatParams(params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + params[name]
	}
	return strings.Join(parts, " ")
}

// printConfigErrors writes one line per joined compile error.
func printConfigErrors(w io.Writer, err error) {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			fmt.Fprintf(w, "  %v\n", e)
		}
		return
	}
	fmt.Fprintf(w, "  %v\n", err)
}

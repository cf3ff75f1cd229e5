package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"timertrigger/internal/app"
	"timertrigger/internal/config"
	"timertrigger/internal/shutdown"
	logx "timertrigger/pkg/logx"
)

type flags struct {
	configFile string
	speedup    int64
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var f flags

	rootCmd := &cobra.Command{
		Use:           "timertrigger",
		Short:         "Invoke sandboxed components on fixed intervals",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&f.configFile, "config", "c", "", "Path to trigger configuration (JSON or YAML)")
	rootCmd.PersistentFlags().Int64Var(&f.speedup, "speedup", 0, "Divide every interval by this factor (overrides config and TIMER_SPEEDUP)")
	rootCmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")
	_ = rootCmd.MarkPersistentFlagRequired("config")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run every trigger until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
	}
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print effective intervals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(cmd, f)
		},
	}

	rootCmd.AddCommand(runCmd, validateCmd)
	return rootCmd
}

// loadEnvironment reads .env from the working directory, then from the
// binary's directory. A missing file is not an error.
func loadEnvironment(log logx.Logger) {
	candidates := []string{".env"}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), ".env"))
	}
	for _, envFile := range candidates {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		if err := godotenv.Load(envFile); err != nil {
			log.Warn("error loading .env file", logx.String("file", envFile), logx.Err(err))
			return
		}
		log.Debug("loaded environment variables", logx.String("file", envFile))
		return
	}
}

// loadConfig parses the file with env and flag overrides applied on top, in
// that order. The same overrides are reapplied on every hot reload. Every
// failure is a *trigger.ConfigurationError.
func loadConfig(cmd *cobra.Command, f flags) (*config.Manager, *config.Config, error) {
	env, err := config.LoadEnv(cmd.Context(), nil)
	if err != nil {
		return nil, nil, app.ConfigurationError(err)
	}
	speedupSet := cmd.Flags().Changed("speedup")

	m := config.NewManager(f.configFile)
	m.SetTransform(func(c *config.Config) {
		env.Apply(c)
		if speedupSet {
			v := f.speedup
			c.Speedup = &v
		}
		if f.logLevel != "" {
			c.Logging.Level = f.logLevel
		}
	})
	cfg, err := m.Load()
	if err != nil {
		return nil, nil, app.ConfigurationError(err)
	}
	return m, cfg, nil
}

func run(cmd *cobra.Command, f flags) error {
	bootLog := logx.NewConsole(levelOr(f.logLevel, "info")).With(logx.String("comp", "main"))
	loadEnvironment(bootLog)

	cfgm, cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := app.New(ctx, cfg, app.WithConfigManager(cfgm))
	if err != nil {
		return err
	}

	coord := shutdown.New(
		shutdown.WithLogger(bootLog),
		shutdown.WithCancel(cancel),
		shutdown.WithDrain(a.Done()),
		shutdown.WithGracePeriod(a.GracePeriod()),
	)
	coord.Start()
	defer coord.Stop()

	return a.Run(ctx)
}

func validate(cmd *cobra.Command, f flags) error {
	bootLog := logx.NewConsole(levelOr(f.logLevel, "info")).With(logx.String("comp", "main"))
	loadEnvironment(bootLog)

	_, cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	reg, err := app.BuildRegistry(cfg)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "COMPONENT\tINTERVAL_SECS\tEFFECTIVE\n")
	for _, e := range reg.Entries() {
		fmt.Fprintf(w, "%s\t%d\t%s\n", e.Component, e.IntervalSecs, e.Interval)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid (speedup %d, sandbox %s)\n", reg.Speedup(), cfg.SandboxDriver())
	return nil
}

func levelOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ticket-price-alerts/internal/app"
	"ticket-price-alerts/internal/config"
	"ticket-price-alerts/internal/logging"
)

// overrides are persistent flags layered on top of the loaded config.
type overrides struct {
	configFile string
	logLevel   string
	logFormat  string
	dsn        string
	engine     string
	headful    bool
}

var (
	flags     overrides
	appHandle *app.App
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "tixwatch",
	Short:         "Watch ticket prices and alert on drops",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(flags.configFile)
		if err != nil {
			return err
		}
		if err := flags.apply(cmd, cfg); err != nil {
			return err
		}

		logger, closer, err := logging.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}
		logCloser = closer
		appHandle = app.NewApp(cfg, logger)
		appHandle.Out = cmd.OutOrStdout()
		return nil
	},
}

// apply copies explicitly set flags into cfg and re-validates it.
func (o overrides) apply(cmd *cobra.Command, cfg *config.Config) error {
	pf := cmd.Flags()
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if pf.Changed("dsn") {
		cfg.Database.DSN = o.dsn
	}
	if o.engine != "" {
		cfg.Scraper.Engine = o.engine
	}
	if o.headful {
		cfg.Scraper.Headless = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.ExecuteContext(context.Background())
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "tixwatch:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "Path to configuration file")
	pf.StringVar(&flags.logLevel, "log-level", "", "Override log level defined in config")
	pf.StringVar(&flags.logFormat, "log-format", "", "Override log format (json or console)")
	pf.StringVar(&flags.dsn, "dsn", "", "Postgres DSN; an empty value disables persistence")
	pf.StringVar(&flags.engine, "engine", "", "Browser engine for scraping (playwright or rod)")
	pf.BoolVar(&flags.headful, "headful", false, "Show the browser window while scraping")

	rootCmd.AddCommand(
		runCmd,
		checkCmd,
		exportCmd,
		showCmd,
		summaryCmd,
		maintenanceCmd,
		cacheCmd,
		limitsCmd,
		searchCmd,
		simulateCmd,
		versionCmd,
	)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("cli: app not initialised before command run")
	}
	return appHandle
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/kafra/internal/api"
	"github.com/energizer-project/kafra/internal/cli"
	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/connector"
	"github.com/energizer-project/kafra/internal/db"
	"github.com/energizer-project/kafra/internal/events"
	"github.com/energizer-project/kafra/internal/health"
	"github.com/energizer-project/kafra/internal/telemetry"
	"github.com/energizer-project/kafra/internal/util"
)

// loadConfig loads the configuration and reconfigures the logger from it.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(flags.configDir)
	if err != nil {
		return nil, err
	}

	logging := cfg.GetApplicationData().Logging
	logCfg := util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    logging.Console,
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}
	return cfg, nil
}

func reportValidation(result *config.ValidationResult) {
	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	for _, e := range result.Errors {
		log.Error().Str("field", e.Field).Msg(e.Message)
	}
}

func setupCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Run the interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return config.RunSetupWizard(cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func checkCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			result := config.Validate(cfg)
			reportValidation(result)
			if !result.IsValid() {
				return fmt.Errorf("%d configuration error(s) in %s", len(result.Errors), cfg.Path())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", cfg.Path())
			return nil
		},
	}
}

func runCmd(flags *globalFlags) *cobra.Command {
	var noConsole bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Log in and keep the session alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), banner, version)
			fmt.Fprintln(cmd.OutOrStdout())

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			result := config.Validate(cfg)
			reportValidation(result)
			if !result.IsValid() {
				if !cfg.IsFirstRun() {
					return errors.New("configuration validation failed, please fix the errors above")
				}
				log.Info().Msg("first run detected, launching setup wizard")
				if err := config.RunSetupWizard(cfg, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
					return fmt.Errorf("setup wizard failed: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, !noConsole)
		},
	}

	cmd.Flags().BoolVar(&noConsole, "no-console", false, "do not read commands from stdin")
	return cmd
}

// run wires every component around one session and blocks until the session
// ends, a shutdown is requested or ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, console bool) error {
	client := cfg.GetClientData()
	app := cfg.GetApplicationData()

	threads := util.ApplyWorkerThreads(client.WorkerThreads)
	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", version).
		Str("platform", runtime.GOOS).
		Str("hostname", sysInfo.Hostname).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Int("threads", threads).
		Msg("starting kafra")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deps := connector.NewDeps()
	bus := deps.Bus
	defer bus.Stop()

	bus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		log.Info().Msg("shutdown requested")
		cancel()
		return nil
	})

	metrics := telemetry.NewMetrics()
	metrics.Attach(bus)
	defer metrics.Detach(bus)

	var journal *db.Journal
	if app.Journal.Enabled {
		j, err := db.NewJournal(app.Journal)
		if err != nil {
			return fmt.Errorf("failed to open packet journal: %w", err)
		}
		defer j.Close()
		j.Attach(bus)
		defer j.Detach(bus)
		journal = j
	}

	orch := connector.NewOrchestrator(client, deps)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// the process lives as long as the session
		defer cancel()
		return orch.Run(gctx)
	})

	monitor := health.NewManager(cfg, bus, deps.Tracker, deps.Registry, journal)
	g.Go(func() error {
		monitor.Start(gctx)
		return nil
	})

	if app.API.Enabled {
		srv := api.NewServer(api.Options{
			Config:   cfg,
			Bus:      bus,
			Tracker:  deps.Tracker,
			Registry: deps.Registry,
			Journal:  journal,
			Metrics:  metrics,
			Game:     orch.Game(),
			Version:  version,
		})
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				log.Warn().Err(err).Msg("status API stopped (non-fatal)")
			}
			return nil
		})
	}

	if app.MQTT.Enabled {
		pub, err := telemetry.NewMQTTPublisher(app.MQTT, bus, version)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			g.Go(func() error {
				if err := pub.Start(gctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed (non-fatal)")
				}
				return nil
			})
		}
	}

	if console {
		con := cli.NewCLI(cfg, bus, deps.Tracker, deps.Registry, orch.Game(), os.Stdin, os.Stdout)
		g.Go(func() error {
			con.Start(gctx)
			return nil
		})
	}

	err := g.Wait()
	deps.Registry.CloseAll()
	if err != nil {
		log.Error().Err(err).Msg("session failed")
		return err
	}
	log.Info().Msg("kafra stopped")
	return nil
}

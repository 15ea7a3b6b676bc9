package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/trickstertwo/hellobus"
	"github.com/trickstertwo/hellobus/config"
	"github.com/trickstertwo/hellobus/internal/app"
	"github.com/trickstertwo/hellobus/logging"
)

const shutdownTimeout = 10 * time.Second

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	transport  string
	topic      string
	logLevel   string
	console    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "hellobus",
		Short: "hellobus - publish/subscribe hello world",
		Long: `hellobus publishes "The time is <now>, message Id is <n>" once per interval
and logs "Received Text: <text>" in every subscribed consumer.

Run "producer" and "consumer" as separate processes against a shared broker,
or "demo" to run both in one process.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&g.configFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&g.transport, "transport", "", "transport name: memory, redis-streams, rabbitmq, kafka")
	root.PersistentFlags().StringVar(&g.topic, "topic", "", "topic messages are published to")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	root.PersistentFlags().BoolVar(&g.console, "console", false, "human readable log output")

	root.AddCommand(
		newProducerCmd(g),
		newConsumerCmd(g),
		newDemoCmd(g),
	)
	return root
}

// runtime is what every subcommand needs once flags are parsed.
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger
	bus    *hellobus.Bus
}

// setup loads config, applies flag overrides and builds the logger and bus.
func setup(cmd *cobra.Command, g *globalFlags) (*runtime, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport.Name = g.transport
	}
	if flags.Changed("topic") {
		cfg.Topic = g.topic
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flags.Changed("console") {
		cfg.Log.Console = g.console
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		Writer:  zerolog.SyncWriter(cmd.OutOrStdout()),
	})
	if err != nil {
		return nil, errors.Wrap(err, "init logger")
	}

	bus, err := app.NewBus(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("transport", cfg.Transport.Name).Str("topic", cfg.Topic).Msg("bus ready")

	return &runtime{cfg: cfg, logger: logger, bus: bus}, nil
}

// close shuts the bus down and keeps the first error.
func (r *runtime) close(runErr error) error {
	if err := app.Shutdown(r.bus, shutdownTimeout, r.logger); err != nil && runErr == nil {
		return err
	}
	return runErr
}

package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/hellobus/internal/app"
)

func newProducerCmd(g *globalFlags) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "producer",
		Short: "Publish a timestamped message every interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd, g)
			if err != nil {
				return err
			}
			if interval > 0 {
				rt.cfg.Producer.Interval = interval
			}
			return rt.close(app.RunProducer(cmd.Context(), rt.bus, rt.cfg, rt.logger))
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "publish interval (default from config, 1s)")
	return cmd
}

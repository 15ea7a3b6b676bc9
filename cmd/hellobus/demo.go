package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/hellobus/internal/app"
)

func newDemoCmd(g *globalFlags) *cobra.Command {
	var interval, duration time.Duration

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the producer and the configured consumers in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd, g)
			if err != nil {
				return err
			}
			if interval > 0 {
				rt.cfg.Producer.Interval = interval
			}

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return rt.close(app.RunDemo(ctx, rt.bus, rt.cfg, rt.logger))
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "publish interval (default from config, 1s)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (default: until interrupted)")
	return cmd
}

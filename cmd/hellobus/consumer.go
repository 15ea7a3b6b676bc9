package main

import (
	"github.com/spf13/cobra"

	"github.com/trickstertwo/hellobus/internal/app"
)

func newConsumerCmd(g *globalFlags) *cobra.Command {
	var names []string

	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "Log every received message under one or more consumer identities",
		Example: `  hellobus consumer --name consumer
  hellobus consumer --name consumer --name another-consumer --transport redis-streams`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd, g)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				names = rt.cfg.Consumer.Names
			}
			return rt.close(app.RunConsumers(cmd.Context(), rt.bus, rt.cfg, names, rt.logger))
		},
	}
	cmd.Flags().StringArrayVar(&names, "name", nil, "consumer identity; repeat for several (default from config)")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"vos3d/internal/schedule"
)

var lrPlanCmd = &cobra.Command{
	Use:   "lr-plan",
	Short: "Print the learning rate per epoch under the configured schedulers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		epochs, err := cmd.Flags().GetInt("epochs")
		if err != nil {
			return err
		}
		plan, err := schedule.Plan(cfg.LearningRate, cfg.LRSchedulers, cfg.LRDecay, epochs)
		if err != nil {
			return err
		}
		for epoch, lr := range plan {
			fmt.Fprintf(cmd.OutOrStdout(), "epoch=%d lr=%.6g\n", epoch, lr)
		}
		return nil
	},
}

func init() {
	lrPlanCmd.Flags().Int("epochs", 25, "number of epochs to plan")
}

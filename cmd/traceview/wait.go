package main

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/traceview/internal/dataset"
	"github.com/spf13/cobra"
)

func newWaitCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "wait <dataset>",
		Short: "Block until a dataset is ready to answer queries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			checker, release, err := o.checker(c)
			if err != nil {
				return err
			}
			defer release()

			start := time.Now()
			if err := dataset.WaitReady(cmd.Context(), checker, args[0], o.backoff(), o.log); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", errLabel("failed"), err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", args[0], readyLabel(true),
				dimLabel(fmt.Sprintf("after %s", time.Since(start).Round(time.Millisecond))))
			return nil
		},
	}
}

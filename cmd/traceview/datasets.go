package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newDatasetsCmd(o *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "datasets",
		Short: "List the datasets the server holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			infos, err := c.Datasets(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			if len(infos) == 0 {
				fmt.Fprintln(out, dimLabel("no datasets"))
				return nil
			}
			for _, info := range infos {
				fmt.Fprintf(out, "%-24s %-10s %s\n", info.ID, readyLabel(info.Ready), info.Overview)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the listing as JSON")
	return cmd
}

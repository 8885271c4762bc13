package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "logs <vm>",
		Short: "Print the tail of a VM's serial console log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, derr := newOrchestrator().Logs(configSource(), args[0], lines)
			if derr != nil {
				return mapErr(derr)
			}
			for _, line := range out.Value {
				fmt.Fprintln(os.Stdout, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 200, "maximum number of trailing lines to print (0 for all)")
	return cmd
}

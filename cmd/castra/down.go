package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Shut down every VM and the broker for the resolved project",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, derr := newOrchestrator().Down(configSource())
			if derr != nil {
				return mapErr(derr)
			}
			printDiagnostics(out.Diagnostics)
			for _, r := range out.Value {
				fmt.Fprintf(os.Stdout, "%s: %s (changed=%v)\n", r.VM, r.Outcome, r.Changed)
			}
			return nil
		},
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Prepare overlays, start the broker, launch every VM, and run bootstrap",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, derr := newOrchestrator().Up(configSource(), forceFlag)
			if derr != nil {
				return mapErr(derr)
			}
			printDiagnostics(out.Diagnostics)
			if out.Value.BrokerStarted {
				fmt.Fprintln(os.Stdout, "broker started")
			}
			for _, name := range out.Value.LaunchedVMs {
				status := out.Value.BootstrapResults[name]
				fmt.Fprintf(os.Stdout, "%s: launched, bootstrap=%s\n", name, status)
			}
			return nil
		},
	}
}

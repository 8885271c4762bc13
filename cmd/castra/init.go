package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Resolve (or synthesize) a project and persist its workspace metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, derr := newOrchestrator().Init(configSource())
			if derr != nil {
				return mapErr(derr)
			}
			printDiagnostics(out.Diagnostics)
			fmt.Fprintf(os.Stdout, "project %q initialized at %s (%d vms)\n",
				out.Value.Project.Name, out.Value.Project.StateRoot, len(out.Value.Project.VMs))
			return nil
		},
	}
}

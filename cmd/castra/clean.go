package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/castra-project/castra/internal/cleanup"
)

func newCleanCmd() *cobra.Command {
	var opts cleanup.Options
	var stateRootFlag string

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Reclaim images, logs, handshakes, pidfiles, and optionally overlays",
		RunE: func(cmd *cobra.Command, args []string) error {
			o := newOrchestrator()
			opts.Force = forceFlag

			stateRoot := stateRootFlag
			var vmNames []string
			if stateRoot == "" {
				sr, names, derr := o.ResolveStateRoot(configSource())
				if derr != nil {
					return mapErr(derr)
				}
				stateRoot, vmNames = sr, names
			}

			out, derr := o.Clean(stateRoot, vmNames, opts)
			if derr != nil {
				return mapErr(derr)
			}
			for _, action := range out.Value.Actions {
				fmt.Fprintf(os.Stdout, "%s: %s (%d bytes)\n", action.Target, action.Kind, action.Bytes)
			}
			fmt.Fprintf(os.Stdout, "reclaimed %d bytes\n", out.Value.ReclaimedBytes)
			return nil
		},
	}

	cmd.Flags().StringVar(&stateRootFlag, "state-root", "", "operate on this state root directly, bypassing project resolution")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report what would be removed without removing it")
	cmd.Flags().BoolVar(&opts.IncludeOverlays, "overlays", false, "also reclaim VM disk overlays")
	cmd.Flags().BoolVar(&opts.NoLogs, "no-logs", false, "skip log reclamation")
	cmd.Flags().BoolVar(&opts.NoHandshakes, "no-handshakes", false, "skip handshake reclamation")
	cmd.Flags().BoolVar(&opts.ManagedOnly, "managed-only", false, "reclaim only the managed image cache")
	return cmd
}

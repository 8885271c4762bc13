package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var detailed bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report VM and broker liveness for the resolved project",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, derr := newOrchestrator().Status(configSource(), detailed)
			if derr != nil {
				return mapErr(derr)
			}
			fmt.Fprintf(os.Stdout, "broker: %s\n", out.Value.Broker)
			for _, vm := range out.Value.VMs {
				switch {
				case vm.Proc != nil:
					fmt.Fprintf(os.Stdout, "%s: %s (pid=%d, uptime=%s, rss=%dMiB, cpu=%s)\n",
						vm.Name, vm.State, vm.PID, vm.Uptime, vm.Proc.ResidentBytes/(1<<20), vm.Proc.CPUTime)
				case vm.PID != 0:
					fmt.Fprintf(os.Stdout, "%s: %s (pid=%d, uptime=%s)\n", vm.Name, vm.State, vm.PID, vm.Uptime)
				default:
					fmt.Fprintf(os.Stdout, "%s: %s\n", vm.Name, vm.State)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&detailed, "detailed", false, "sample /proc for resident memory and CPU time of running VMs")
	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "Report every declared port forward's active state",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, derr := newOrchestrator().Ports(configSource())
			if derr != nil {
				return mapErr(derr)
			}
			for _, p := range out.Value {
				fmt.Fprintf(os.Stdout, "%s: %d/%s -> %d  %s\n",
					p.VM, p.Forward.HostPort, p.Forward.Protocol, p.Forward.GuestPort, p.State)
			}
			return nil
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/castra-project/castra/internal/event"
)

func newBusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bus",
		Short: "Append to or follow a workspace's event bus log",
	}
	cmd.AddCommand(newBusPublishCmd(), newBusTailCmd())
	return cmd
}

func newBusPublishCmd() *cobra.Command {
	var stateRoot string
	var kind string
	var vm string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Append one external frame to the event bus log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stateRoot == "" {
				sr, _, derr := newOrchestrator().ResolveStateRoot(configSource())
				if derr != nil {
					return mapErr(derr)
				}
				stateRoot = sr
			}
			e := event.New(event.Kind(kind), vm, nil)
			if derr := newOrchestrator().BusPublish(stateRoot, e); derr != nil {
				return mapErr(derr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stateRoot, "state-root", "", "workspace state root (default: resolved from --config)")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind to publish")
	cmd.Flags().StringVar(&vm, "vm", "", "VM name the event pertains to, if any")
	cmd.MarkFlagRequired("kind")
	return cmd
}

func newBusTailCmd() *cobra.Command {
	var stateRoot string
	var tailLines int

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a workspace's event bus log until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stateRoot == "" {
				sr, _, derr := newOrchestrator().ResolveStateRoot(configSource())
				if derr != nil {
					return mapErr(derr)
				}
				stateRoot = sr
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			out := func(e event.Event) {
				raw, err := json.Marshal(e)
				if err != nil {
					return
				}
				fmt.Fprintln(os.Stdout, string(raw))
			}
			if derr := newOrchestrator().BusTail(ctx, stateRoot, tailLines, out); derr != nil {
				return mapErr(derr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stateRoot, "state-root", "", "workspace state root (default: resolved from --config)")
	cmd.Flags().IntVar(&tailLines, "tail", 10, "number of existing frames to print before following")
	return cmd
}

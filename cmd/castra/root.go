package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/castra-project/castra/internal/diag"
	"github.com/castra-project/castra/internal/orchestrator"
	"github.com/castra-project/castra/internal/project"
)

var (
	configFlag  string
	forceFlag   bool
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:           "castra",
	Short:         "Local QEMU VM fleet orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.InfoLevel
		if verboseFlag {
			level = zerolog.DebugLevel
		}
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to castra.toml (default: discover upward from the working directory)")
	rootCmd.PersistentFlags().BoolVar(&forceFlag, "force", false, "demote preflight failures to warnings and proceed")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newInitCmd(),
		newUpCmd(),
		newDownCmd(),
		newStatusCmd(),
		newPortsCmd(),
		newLogsCmd(),
		newCleanCmd(),
		newBusCmd(),
	)
}

// Execute runs the root command and maps a returned *diag.Error to its
// documented exit code; any other error exits 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if de, ok := err.(*diag.Error); ok {
			fmt.Fprintln(os.Stderr, de.Error())
			os.Exit(de.Kind.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configSource() project.Source {
	if configFlag != "" {
		return project.Source{Explicit: configFlag}
	}
	return project.Source{Discover: true}
}

func newOrchestrator() *orchestrator.Orchestrator {
	return orchestrator.New()
}

// mapErr converts a possibly-nil *diag.Error into the error interface.
// Returning a *diag.Error directly risks a non-nil interface wrapping a
// nil pointer when derr is nil; this makes the nil case explicit.
func mapErr(derr *diag.Error) error {
	if derr == nil {
		return nil
	}
	return derr
}

func printDiagnostics(diags []diag.Diagnostic) {
	for _, d := range diags {
		line := fmt.Sprintf("[%s] %s", d.Severity, d.Message)
		if d.Path != "" {
			line += " (" + d.Path + ")"
		}
		fmt.Fprintln(os.Stderr, line)
	}
}

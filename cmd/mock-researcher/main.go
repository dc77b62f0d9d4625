// Package main implements a mock research pipeline. It prints the stage
// markers a real multi-agent pipeline prints, in the same messy shape
// (colours, carriage-return progress redraws, very long lines, stderr
// noise), and writes a report file. It is used for local runs and
// end-to-end tests of researchd.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	sc := &scenario{sleep: time.Sleep}

	cmd := &cobra.Command{
		Use:           "mock-researcher",
		Short:         "Simulate a multi-stage research pipeline",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sc.outputDir == "" {
				sc.outputDir = os.Getenv("RESEARCHD_OUTPUT_DIR")
			}
			if sc.outputDir == "" {
				sc.outputDir = "."
			}
			return sc.run(cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	f := cmd.Flags()
	f.StringVar(&sc.query, "query", "the history of the transistor", "research query")
	f.StringVar(&sc.outputDir, "output", "", "directory for generated files (default $RESEARCHD_OUTPUT_DIR)")
	f.IntVar(&sc.units, "units", 3, "number of parallel research units")
	f.DurationVar(&sc.delay, "delay", 200*time.Millisecond, "pause between steps")
	f.StringVar(&sc.failAt, "fail-at", "", "stage that fails the run (e.g. reviewer)")
	f.IntVar(&sc.failUnit, "fail-unit", 0, "research unit that reports an error (1-based, 0 for none)")
	f.IntVar(&sc.longLine, "long-line", 256*1024, "length of the oversized diagnostic line")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-researcher: %v\n", err)
		os.Exit(1)
	}
}

// Package main is the entry point for the conduit binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "conduit",
		Short:         "Run message pipelines through a decorated step interpreter",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "pretty", "Log format for one-shot commands (text, json, pretty)")

	root.AddCommand(
		newServeCommand(),
		newRunCommand(),
		newValidateCommand(),
		newGraphCommand(),
	)
	return root
}

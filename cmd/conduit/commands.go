package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polisai/conduit/pkg/config"
	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/engine"
	"github.com/polisai/conduit/pkg/logging"
	"github.com/polisai/conduit/pkg/storage"
	"github.com/polisai/conduit/pkg/telemetry"
)

func commandLogger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	return logging.NewLogger(logging.Config{Level: level, Format: format, Output: cmd.ErrOrStderr()})
}

// loadRegistry reads a pipelines file and registers every pipeline in it,
// binding handlers and validating the definitions.
func loadRegistry(cmd *cobra.Command, path string, logger *slog.Logger) (*engine.PipelineRegistry, error) {
	snapshot, err := config.ReadSnapshot(path)
	if err != nil {
		return nil, err
	}
	registry := engine.NewPipelineRegistry(engine.NewHandlerRegistry(logger), logger)
	if err := registry.UpdatePipelines(cmd.Context(), snapshot.Pipelines); err != nil {
		return nil, err
	}
	return registry, nil
}

func newRunCommand() *cobra.Command {
	var (
		pipelinesPath string
		message       string
		runID         string
	)
	cmd := &cobra.Command{
		Use:   "run <pipeline-id>",
		Short: "Run one pipeline with a message from --message or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(cmd)
			registry, err := loadRegistry(cmd, pipelinesPath, logger)
			if err != nil {
				return err
			}

			input := message
			if !cmd.Flags().Changed("message") {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read message: %w", err)
				}
				input = string(data)
			}

			executor := engine.NewExecutor(engine.ExecutorConfig{
				Registry: registry,
				Capabilities: engine.Capabilities{
					Transactions: storage.NewMemoryTransactionManager(),
					Locker:       storage.NewMemoryLocker(),
					Cache:        storage.NewMemoryCacheStore(0),
					Sink:         telemetry.NewMonitoringSink(logger),
				},
				Logger: logger,
			})
			result, err := executor.RunByID(cmd.Context(), args[0], runID, domain.Message(input), nil)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(engine.RunResponse{
				RunID:   result.RunID,
				Exit:    result.Exit,
				State:   result.State,
				Code:    result.Code,
				Message: string(result.Message),
			})
		},
	}
	cmd.Flags().StringVarP(&pipelinesPath, "pipelines", "p", "pipelines.yaml", "Pipelines file (YAML or JSON)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Message to run; stdin is read when unset")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id; generated when empty")
	return cmd
}

func newValidateCommand() *cobra.Command {
	var pipelinesPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a pipelines file and report unreachable steps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := commandLogger(cmd)
			registry, err := loadRegistry(cmd, pipelinesPath, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			pipelines := registry.ListPipelines()
			for _, p := range pipelines {
				unreachable, err := engine.UnreachableSteps(p)
				if err != nil {
					return err
				}
				if len(unreachable) > 0 {
					fmt.Fprintf(out, "%s: unreachable steps: %s\n", p.ID, strings.Join(unreachable, ", "))
				}
			}
			fmt.Fprintf(out, "ok: %d pipeline(s)\n", len(pipelines))
			return nil
		},
	}
	cmd.Flags().StringVarP(&pipelinesPath, "pipelines", "p", "pipelines.yaml", "Pipelines file (YAML or JSON)")
	return cmd
}

func newGraphCommand() *cobra.Command {
	var pipelinesPath string
	cmd := &cobra.Command{
		Use:   "graph <pipeline-id>",
		Short: "Print a pipeline's transitions in Graphviz DOT format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := loadRegistry(cmd, pipelinesPath, commandLogger(cmd))
			if err != nil {
				return err
			}
			pipeline, ok := registry.GetPipeline(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, args[0])
			}
			return engine.WriteDOT(cmd.OutOrStdout(), pipeline)
		},
	}
	cmd.Flags().StringVarP(&pipelinesPath, "pipelines", "p", "pipelines.yaml", "Pipelines file (YAML or JSON)")
	return cmd
}

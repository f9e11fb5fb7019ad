// derivectl runs the content derivation pipeline: it parses a markdown
// source, fans out generation and media work, and writes the aggregated
// report.
//
//	derivectl run --input doc.md --mode sync
//	derivectl resume <execution-id>
//	derivectl config validate --config derive.yaml
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/draftforge/draftforge/config"
	"github.com/draftforge/draftforge/event"
	"github.com/draftforge/draftforge/pipeline"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return pipeline.ExitCode(err)
	}
	return pipeline.ExitOK
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "derivectl",
		Short:         "Content derivation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newResumeCmd(&configPath))
	root.AddCommand(newConfigCmd(&configPath))
	return root
}

// loadConfig builds the effective configuration, tagging failures with
// the configuration-invalid error kind.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewLoader(nil).Load(path)
	if err != nil {
		if errors.Is(err, config.ErrInvalid) {
			return nil, fmt.Errorf("%w: %v", pipeline.ErrConfigInvalid, err)
		}
		return nil, err
	}
	return cfg, nil
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		input string
		title string
		mode  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workflow over a markdown source document",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			source, err := readSource(input, title)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.stop()
			a.start(ctx)

			rec, err := a.orch.Run(ctx, source, pipeline.Mode(mode))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s: %s\n", rec.WorkflowID, rec.Status)
			if pipeline.Mode(mode) == pipeline.ModeAsync {
				// Async keeps the process alive until the workflow settles
				// or the user interrupts.
				if err := a.orch.Wait(ctx, rec.WorkflowID); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "source document path, or - for stdin")
	cmd.Flags().StringVar(&title, "title", "", "document title (default: input file name)")
	cmd.Flags().StringVar(&mode, "mode", string(pipeline.ModeSync), "sync, async or dry_run")
	return cmd
}

func newResumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume a suspended or interrupted workflow by execution or workflow id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.stop()
			a.start(ctx)

			rec, err := a.orch.Resume(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s: %s\n", rec.WorkflowID, rec.Status)
			if !rec.Status.Terminal() {
				if err := a.orch.Wait(ctx, rec.WorkflowID); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newConfigCmd(configPath *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration valid (environment: %s)\n", cfg.Environment)
			return nil
		},
	})
	return configCmd
}

// readSource loads the input document from a file or stdin.
func readSource(input, title string) (event.SourceContent, error) {
	if input == "" {
		return event.SourceContent{}, fmt.Errorf("%w: --input is required", pipeline.ErrInputMissing)
	}

	var (
		data []byte
		err  error
	)
	if input == "-" {
		data, err = io.ReadAll(os.Stdin)
		if title == "" {
			title = "stdin"
		}
	} else {
		data, err = os.ReadFile(input)
		if title == "" {
			title = strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		}
	}
	if err != nil {
		return event.SourceContent{}, fmt.Errorf("%w: %v", pipeline.ErrInputMissing, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return event.SourceContent{}, fmt.Errorf("%w: source document is empty", pipeline.ErrInputMissing)
	}
	return event.SourceContent{Title: title, Text: string(data)}, nil
}

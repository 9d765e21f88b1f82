// Command export_onnx converts a saved model directory into an ONNX file.
package main

import (
	"fmt"
	"math/rand"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"minimal-api-gpt/internal/checkpoint"
	"minimal-api-gpt/internal/cli"
	"minimal-api-gpt/internal/config"
	"minimal-api-gpt/internal/exporter"
	"minimal-api-gpt/internal/onnx"
)

func main() {
	cli.Execute(newRootCommand())
}

func newRootCommand() *cobra.Command {
	var (
		flags    cli.Flags
		modelDir string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "export_onnx",
		Short: "Export the saved model to ONNX",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := flags.Setup(cmd, func(c *config.Config) {
				if cmd.Flags().Changed("model-dir") {
					c.Paths.ModelDir = modelDir
				}
				if cmd.Flags().Changed("output") {
					c.Paths.ONNXPath = output
				}
			})
			if err != nil {
				return err
			}
			return run(env)
		},
	}
	flags.Register(cmd)
	cmd.Flags().StringVar(&modelDir, "model-dir", "", "override model directory to load")
	cmd.Flags().StringVarP(&output, "output", "o", "", "override ONNX output path")
	return cmd
}

func run(env cli.Env) error {
	cfg := env.Config
	m, _, err := checkpoint.Load(cfg.Paths.ModelDir)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	if cfg.Export.DummySequence > m.Config.BlockSize {
		return fmt.Errorf("dummy sequence %d exceeds block size %d", cfg.Export.DummySequence, m.Config.BlockSize)
	}

	dummy := exporter.DummyInput(rand.New(rand.NewSource(cfg.Train.Seed)), m.Config.VocabSize, cfg.Export.DummyBatch, cfg.Export.DummySequence)
	size, err := exporter.Export(m, dummy, cfg.Paths.ONNXPath, env.Logger)
	if err != nil {
		return err
	}

	summary, err := onnx.Inspect(cfg.Paths.ONNXPath)
	if err != nil {
		return err
	}
	color.Green("Model exported to %s", cfg.Paths.ONNXPath)
	fmt.Printf("ONNX model size: %.2f MB (%d bytes)\n", float64(size)/(1<<20), size)
	fmt.Printf("Opset %d, %d nodes, %d initializers\n", summary.Opset, len(summary.OpTypes), len(summary.Initializers))
	return nil
}

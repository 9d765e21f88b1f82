// Command infer_api loads a saved model and translates commands given as
// arguments into API descriptors. Without arguments it tries a few sample
// commands.
package main

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"minimal-api-gpt/internal/checkpoint"
	"minimal-api-gpt/internal/cli"
	"minimal-api-gpt/internal/config"
	"minimal-api-gpt/internal/predictor"
)

var sampleCommands = []string{
	"draw a red square",
	"create blue circle",
	"write hello at 100,100",
}

func main() {
	cli.Execute(newRootCommand())
}

func newRootCommand() *cobra.Command {
	var (
		flags       cli.Flags
		modelDir    string
		temperature float64
		topK        int
		seed        int64
		trace       bool
	)
	cmd := &cobra.Command{
		Use:   "infer_api [command]...",
		Short: "Predict API calls for natural-language commands",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.Setup(cmd, func(c *config.Config) {
				if cmd.Flags().Changed("model-dir") {
					c.Paths.ModelDir = modelDir
				}
				if cmd.Flags().Changed("temperature") {
					c.Generate.Temperature = temperature
				}
				if cmd.Flags().Changed("top-k") {
					c.Generate.TopK = topK
				}
				if cmd.Flags().Changed("seed") {
					c.Generate.Seed = seed
				}
			})
			if err != nil {
				return err
			}
			if len(args) == 0 {
				args = sampleCommands
			}
			return run(env, args, trace)
		},
	}
	flags.Register(cmd)
	cmd.Flags().StringVar(&modelDir, "model-dir", "", "override model directory to load")
	cmd.Flags().Float64VarP(&temperature, "temperature", "t", 0, "override sampling temperature")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "override top-k filter (0 disables)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "override sampling seed")
	cmd.Flags().BoolVar(&trace, "trace", false, "print how every token was sampled")
	return cmd
}

func run(env cli.Env, commands []string, trace bool) error {
	cfg := env.Config
	m, tok, err := checkpoint.Load(cfg.Paths.ModelDir)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	p, err := predictor.New(m, tok, predictor.Options{
		Temperature: cfg.Generate.Temperature,
		TopK:        cfg.Generate.TopK,
		MaxLength:   cfg.Generate.MaxLength,
	}, rand.New(rand.NewSource(cfg.Generate.Seed)), env.Device, env.Logger)
	if err != nil {
		return err
	}

	for _, command := range commands {
		d, ok, tr := p.PredictWithTrace(command)
		fmt.Printf("Command: %s\n", command)
		if trace {
			printTrace(tr)
		}
		if ok {
			color.Green("API: %s", d)
		} else {
			color.Yellow("API: no result")
		}
	}
	return nil
}

func printTrace(tr predictor.Trace) {
	faint := color.New(color.Faint)
	for _, s := range tr.Steps {
		cands := make([]string, 0, len(s.TopK))
		for _, c := range s.TopK {
			cands = append(cands, fmt.Sprintf("%q=%.3f", c.Char, c.Prob))
		}
		faint.Printf("  [%3d] %q p=%.3f rank=%d u=%.4f top: %s\n", s.Position, s.ChosenChar, s.ChosenProb, s.ChosenRank, s.RandomU, strings.Join(cands, " "))
	}
	faint.Printf("  stop: %s\n", tr.StopReason)
}

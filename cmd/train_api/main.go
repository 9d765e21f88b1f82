// Command train_api trains the command-to-API model, saves it and runs a
// short smoke test on a few commands.
package main

import (
	"fmt"
	"math/rand"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"minimal-api-gpt/internal/checkpoint"
	"minimal-api-gpt/internal/cli"
	"minimal-api-gpt/internal/config"
	"minimal-api-gpt/internal/dataset"
	"minimal-api-gpt/internal/gpt"
	"minimal-api-gpt/internal/predictor"
	"minimal-api-gpt/internal/tokenizer"
	"minimal-api-gpt/internal/trainer"
)

var smokeCommands = []string{
	"draw a red square",
	"create blue circle",
	"write hello at 100,100",
}

func main() {
	cli.Execute(newRootCommand())
}

func newRootCommand() *cobra.Command {
	var (
		flags     cli.Flags
		epochs    int
		batchSize int
		lr        float64
		modelDir  string
		corpus    string
		initFrom  string
	)
	cmd := &cobra.Command{
		Use:   "train_api",
		Short: "Train the command-to-API model and save it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := flags.Setup(cmd, func(c *config.Config) {
				if cmd.Flags().Changed("epochs") {
					c.Train.Epochs = epochs
				}
				if cmd.Flags().Changed("batch-size") {
					c.Train.BatchSize = batchSize
				}
				if cmd.Flags().Changed("lr") {
					c.Train.LearningRate = lr
				}
				if cmd.Flags().Changed("model-dir") {
					c.Paths.ModelDir = modelDir
				}
				if cmd.Flags().Changed("corpus") {
					c.Train.CorpusFile = corpus
				}
				if cmd.Flags().Changed("init-from") {
					c.Train.InitFrom = initFrom
				}
			})
			if err != nil {
				return err
			}
			return run(env)
		},
	}
	flags.Register(cmd)
	cmd.Flags().IntVar(&epochs, "epochs", 0, "override training epochs")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "override batch size")
	cmd.Flags().Float64Var(&lr, "lr", 0, "override learning rate")
	cmd.Flags().StringVar(&modelDir, "model-dir", "", "override output model directory")
	cmd.Flags().StringVar(&corpus, "corpus", "", "YAML file with extra training examples")
	cmd.Flags().StringVar(&initFrom, "init-from", "", "resume from a saved model directory")
	return cmd
}

func run(env cli.Env) error {
	cfg, logger := env.Config, env.Logger

	corpus := dataset.Default()
	if cfg.Train.CorpusFile != "" {
		extra, err := dataset.LoadYAML(cfg.Train.CorpusFile)
		if err != nil {
			return err
		}
		if err := corpus.Add(extra...); err != nil {
			return err
		}
		logger.WithField("file", cfg.Train.CorpusFile).Infof("Added %d examples", len(extra))
	}

	model, tok, err := initialModel(cfg, logger)
	if err != nil {
		return err
	}
	data, err := dataset.NewBuilder(corpus, tok, cfg.Train.MaxLength)
	if err != nil {
		return err
	}

	tr, err := trainer.New(model, data, trainer.Options{
		Epochs:       cfg.Train.Epochs,
		BatchSize:    cfg.Train.BatchSize,
		LearningRate: cfg.Train.LearningRate,
		WeightDecay:  cfg.Train.WeightDecay,
		Device:       env.Device,
	}, rand.New(rand.NewSource(cfg.Train.Seed)), logger)
	if err != nil {
		return err
	}
	res, err := tr.Run()
	if err != nil {
		return err
	}

	man, size, err := trainer.Save(cfg.Paths.ModelDir, model, data, res)
	if err != nil {
		return err
	}
	logger.WithField("run_id", man.RunID).Infof("Model saved to %s", cfg.Paths.ModelDir)
	fmt.Printf("Saved model size: %.2f MB (%d bytes)\n", float64(size)/(1<<20), size)

	p, err := predictor.New(model, tok, predictor.Options{
		Temperature: cfg.Generate.Temperature,
		TopK:        cfg.Generate.TopK,
		MaxLength:   cfg.Generate.MaxLength,
	}, rand.New(rand.NewSource(cfg.Generate.Seed)), env.Device, logger)
	if err != nil {
		return err
	}
	fmt.Println("\nTesting the model:")
	for _, command := range smokeCommands {
		d, ok := p.Predict(command)
		fmt.Printf("Command: %s\n", command)
		if ok {
			color.Green("API: %s", d)
		} else {
			color.Yellow("API: no result")
		}
	}
	return nil
}

func initialModel(cfg config.Config, logger logrus.FieldLogger) (*gpt.Model, *tokenizer.Tokenizer, error) {
	if cfg.Train.InitFrom != "" {
		m, tok, err := checkpoint.Load(cfg.Train.InitFrom)
		if err != nil {
			return nil, nil, fmt.Errorf("resume from %s: %w", cfg.Train.InitFrom, err)
		}
		if cfg.Train.MaxLength > m.Config.BlockSize {
			return nil, nil, fmt.Errorf("max length %d exceeds block size %d of %s", cfg.Train.MaxLength, m.Config.BlockSize, cfg.Train.InitFrom)
		}
		logger.WithField("params", m.NumParams()).Infof("Resuming from %s", cfg.Train.InitFrom)
		return m, tok, nil
	}
	tok := tokenizer.Default()
	m, err := gpt.New(cfg.GPT(tok.VocabSize()), rand.New(rand.NewSource(cfg.Train.Seed)))
	if err != nil {
		return nil, nil, err
	}
	logger.WithField("params", m.NumParams()).Info("Initialized model")
	return m, tok, nil
}

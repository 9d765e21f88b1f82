// Package dataset holds the command -> API descriptor training corpus and
// turns each example into fixed-length token sequences.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"minimal-api-gpt/internal/schema"
)

// ErrInvalidExample is wrapped by every rejection of an authored example.
var ErrInvalidExample = errors.New("invalid training example")

// TrainingExample pairs a command with the call it must translate to.
type TrainingExample struct {
	Command string        `yaml:"command"`
	APICall APIDescriptor `yaml:"api_call"`
}

// Render produces the annotated training string.
func (e TrainingExample) Render() (string, error) {
	api, err := e.APICall.MarshalSpaced()
	if err != nil {
		return "", err
	}
	return "Command: " + e.Command + "\n" + APIMarker + " " + api + "\n" + EndMarker + "\n", nil
}

// Prompt is the text the model is asked to continue for command.
func Prompt(command string) string {
	return "Command: " + command + "\n" + APIMarker
}

// builtin is the hand-written corpus: drawing commands, size variations and
// text placement.
var builtin = []TrainingExample{
	{"draw a red square", APIDescriptor{"draw_square", map[string]any{"color": "red"}}},
	{"create blue circle", APIDescriptor{"draw_circle", map[string]any{"color": "blue"}}},
	{"make green square", APIDescriptor{"draw_square", map[string]any{"color": "green"}}},

	{"draw big red square", APIDescriptor{"draw_square", map[string]any{"color": "red", "size": 200}}},
	{"create small blue circle", APIDescriptor{"draw_circle", map[string]any{"color": "blue", "size": 50}}},

	{"write hello at 100,100", APIDescriptor{"add_text", map[string]any{"text": "hello", "x": 100, "y": 100}}},
	{"put text welcome at 50,50", APIDescriptor{"add_text", map[string]any{"text": "welcome", "x": 50, "y": 50}}},
}

// Corpus is an ordered, validated list of examples.
type Corpus struct {
	examples []TrainingExample
}

// Default returns the built-in corpus.
func Default() *Corpus {
	c, err := NewCorpus(builtin...)
	if err != nil {
		panic(err)
	}
	return c
}

// NewCorpus validates every example and keeps them in order.
func NewCorpus(examples ...TrainingExample) (*Corpus, error) {
	c := &Corpus{}
	if err := c.Add(examples...); err != nil {
		return nil, err
	}
	return c, nil
}

// Add validates and appends examples. Nothing is appended if any is invalid.
func (c *Corpus) Add(examples ...TrainingExample) error {
	for i, e := range examples {
		if err := Check(e); err != nil {
			return fmt.Errorf("example %d (%q): %w", len(c.examples)+i, e.Command, err)
		}
	}
	c.examples = append(c.examples, examples...)
	return nil
}

// Len is the number of examples.
func (c *Corpus) Len() int { return len(c.examples) }

// Example returns example i. Callers must not modify its params.
func (c *Corpus) Example(i int) TrainingExample { return c.examples[i] }

// Check enforces the authoring rules: a non-empty single-line command, a
// descriptor accepted by the schema, and a rendering whose descriptor
// segment parses back to the same structure.
func Check(e TrainingExample) error {
	if strings.TrimSpace(e.Command) == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidExample)
	}
	if strings.ContainsAny(e.Command, "\n") || strings.Contains(e.Command, APIMarker) {
		return fmt.Errorf("%w: command must be one line without %q", ErrInvalidExample, APIMarker)
	}
	errs, err := schema.Validate(e.APICall)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExample, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidExample, strings.Join(errs, "; "))
	}

	text, err := e.Render()
	if err != nil {
		return fmt.Errorf("%w: render: %v", ErrInvalidExample, err)
	}
	got, ok := Extract(text)
	if !ok || !got.Equal(e.APICall) {
		return fmt.Errorf("%w: descriptor does not round-trip through %q", ErrInvalidExample, text)
	}
	return nil
}

type corpusFile struct {
	Examples []TrainingExample `yaml:"examples"`
}

// LoadYAML reads extra examples from a YAML file of the form
//
//	examples:
//	  - command: draw a red square
//	    api_call: {api: draw_square, params: {color: red}}
func LoadYAML(path string) ([]TrainingExample, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus %s: %w", path, err)
	}
	var f corpusFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	for i, e := range f.Examples {
		if err := Check(e); err != nil {
			return nil, fmt.Errorf("corpus %s example %d: %w", path, i, err)
		}
	}
	return f.Examples, nil
}

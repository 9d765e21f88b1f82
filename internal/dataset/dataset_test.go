package dataset

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minimal-api-gpt/internal/tokenizer"
)

func TestDefaultCorpus(t *testing.T) {
	c := Default()
	require.Equal(t, 7, c.Len())
	assert.Equal(t, "draw a red square", c.Example(0).Command)
	assert.Equal(t, "add_text", c.Example(6).APICall.API)
}

func TestRenderTemplate(t *testing.T) {
	text, err := Default().Example(0).Render()
	require.NoError(t, err)
	assert.Equal(t, "Command: draw a red square\nAPI: {\"api\": \"draw_square\", \"params\": {\"color\": \"red\"}}\nEND\n", text)
}

func TestRenderRoundTripsEveryExample(t *testing.T) {
	c := Default()
	for i := 0; i < c.Len(); i++ {
		e := c.Example(i)
		t.Run(e.Command, func(t *testing.T) {
			text, err := e.Render()
			require.NoError(t, err)
			got, ok := Extract(text)
			require.True(t, ok, text)
			assert.True(t, got.Equal(e.APICall), "got %v want %v", got, e.APICall)
		})
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		text string
		want *APIDescriptor
	}{
		{
			name: "rendered example",
			text: "Command: draw a red square\nAPI: {\"api\": \"draw_square\", \"params\": {\"color\": \"red\"}}\nEND\n",
			want: &APIDescriptor{API: "draw_square", Params: map[string]any{"color": "red"}},
		},
		{
			name: "no END marker takes the rest",
			text: "Command: x\nAPI: {\"api\": \"clear\", \"params\": {}}  ",
			want: &APIDescriptor{API: "clear", Params: map[string]any{}},
		},
		{
			name: "second API section is ignored",
			text: "API: {\"api\": \"a\", \"params\": {}}\nAPI: garbage",
			want: &APIDescriptor{API: "a", Params: map[string]any{}},
		},
		{name: "no API marker", text: "Command: draw a red square\n"},
		{name: "empty section", text: "Command: x\nAPI:\nEND\n"},
		{name: "malformed json", text: "API: {\"api\": \"draw_sq\nEND"},
		{name: "not a descriptor", text: "API: [1, 2, 3]\nEND"},
		{name: "missing params", text: "API: {\"api\": \"draw_square\"}\nEND"},
		{name: "garbage", text: "ssssssssssss API: }{ END"},
		{name: "empty", text: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Extract(tt.text)
			if tt.want == nil {
				assert.False(t, ok)
				assert.Equal(t, APIDescriptor{}, got)
				return
			}
			require.True(t, ok)
			assert.Equal(t, *tt.want, got)
		})
	}
}

func TestEqualComparesNumbersByValue(t *testing.T) {
	a := APIDescriptor{API: "draw_square", Params: map[string]any{"size": 200}}
	b := APIDescriptor{API: "draw_square", Params: map[string]any{"size": 200.0}}
	c := APIDescriptor{API: "draw_square", Params: map[string]any{"size": 201}}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestCheckRejectsBadExamples(t *testing.T) {
	tests := []struct {
		name string
		ex   TrainingExample
	}{
		{"empty command", TrainingExample{"  ", APIDescriptor{"draw_square", map[string]any{}}}},
		{"multi-line command", TrainingExample{"a\nb", APIDescriptor{"draw_square", map[string]any{}}}},
		{"empty api", TrainingExample{"draw", APIDescriptor{"", map[string]any{}}}},
		{"nil params", TrainingExample{"draw", APIDescriptor{"draw_square", nil}}},
		{"END inside params", TrainingExample{"write", APIDescriptor{"add_text", map[string]any{"text": "THE END"}}}},
		{"unencodable param", TrainingExample{"draw", APIDescriptor{"draw_square", map[string]any{"f": func() {}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCorpus(tt.ex)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidExample), err.Error())
		})
	}
}

func TestAddIsAllOrNothing(t *testing.T) {
	c := Default()
	err := c.Add(
		TrainingExample{"erase all", APIDescriptor{"clear", map[string]any{}}},
		TrainingExample{"", APIDescriptor{"clear", map[string]any{}}},
	)
	require.Error(t, err)
	assert.Equal(t, 7, c.Len())
	assert.Contains(t, err.Error(), "example 8")
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`examples:
  - command: draw a yellow circle
    api_call:
      api: draw_circle
      params: {color: yellow, size: 75}
`), 0o644))

	examples, err := LoadYAML(good)
	require.NoError(t, err)
	require.Len(t, examples, 1)
	want := APIDescriptor{API: "draw_circle", Params: map[string]any{"color": "yellow", "size": 75}}
	assert.True(t, examples[0].APICall.Equal(want))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`examples:
  - command: draw
    api_call:
      api: ""
      params: {}
`), 0o644))
	_, err = LoadYAML(bad)
	assert.ErrorIs(t, err, ErrInvalidExample)

	_, err = LoadYAML(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read corpus")
}

func TestBuilderEncodesToMaxLength(t *testing.T) {
	tok := tokenizer.Default()
	for _, maxLen := range []int{16, 128, 256} {
		b, err := NewBuilder(Default(), tok, maxLen)
		require.NoError(t, err)
		for i := 0; i < b.Len(); i++ {
			enc := b.Encode(i)
			require.Len(t, enc.IDs, maxLen)
			require.Len(t, enc.AttentionMask, maxLen)
			n := len(tok.Encode(b.Render(i)))
			assert.Equal(t, min(n, maxLen), enc.Real())
		}
	}
}

func TestBuilderRender(t *testing.T) {
	b, err := NewBuilder(Default(), tokenizer.Default(), 128)
	require.NoError(t, err)
	for i := 0; i < b.Len(); i++ {
		text := b.Render(i)
		assert.True(t, strings.HasPrefix(text, "Command: "))
		assert.True(t, strings.HasSuffix(text, "\nEND\n"))
	}
}

func TestBatchesCoverEveryExampleOnce(t *testing.T) {
	b, err := NewBuilder(Default(), tokenizer.Default(), 128)
	require.NoError(t, err)

	batches := b.Batches(rand.New(rand.NewSource(7)), 4)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 4)
	assert.Len(t, batches[1], 3)

	var seen []int
	for _, batch := range batches {
		seen = append(seen, batch...)
	}
	sort.Ints(seen)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, seen)
}

func TestNewBuilderRejects(t *testing.T) {
	_, err := NewBuilder(&Corpus{}, tokenizer.Default(), 128)
	assert.Error(t, err)
	_, err = NewBuilder(Default(), tokenizer.Default(), 1)
	assert.Error(t, err)
}

func TestPrompt(t *testing.T) {
	assert.Equal(t, "Command: draw a red square\nAPI:", Prompt("draw a red square"))
}

package dataset

import (
	"fmt"
	"math/rand"

	"minimal-api-gpt/internal/tokenizer"
)

// Builder serves rendered and encoded examples of a corpus.
type Builder struct {
	corpus *Corpus
	tok    *tokenizer.Tokenizer
	maxLen int
}

// NewBuilder encodes examples of corpus to exactly maxLen tokens.
func NewBuilder(corpus *Corpus, tok *tokenizer.Tokenizer, maxLen int) (*Builder, error) {
	if corpus == nil || corpus.Len() == 0 {
		return nil, fmt.Errorf("dataset: empty corpus")
	}
	if maxLen < 2 {
		return nil, fmt.Errorf("dataset: max length %d is too short", maxLen)
	}
	return &Builder{corpus: corpus, tok: tok, maxLen: maxLen}, nil
}

// Len is the number of examples.
func (b *Builder) Len() int { return b.corpus.Len() }

// MaxLen is the fixed encoded length.
func (b *Builder) MaxLen() int { return b.maxLen }

// Tokenizer returns the tokenizer used for encoding.
func (b *Builder) Tokenizer() *tokenizer.Tokenizer { return b.tok }

// Render returns the annotated string for example i.
func (b *Builder) Render(i int) string {
	// examples were checked on insertion, rendering cannot fail here
	text, err := b.corpus.Example(i).Render()
	if err != nil {
		panic(err)
	}
	return text
}

// Encode returns the fixed-length encoding of example i.
func (b *Builder) Encode(i int) tokenizer.Encoding {
	return b.tok.EncodeFixed(b.Render(i), b.maxLen)
}

// Batches shuffles the example indices with rng and splits them into
// batches of batchSize; the last batch holds the remainder.
func (b *Builder) Batches(rng *rand.Rand, batchSize int) [][]int {
	if batchSize < 1 {
		batchSize = 1
	}
	order := rng.Perm(b.Len())
	batches := make([][]int, 0, (len(order)+batchSize-1)/batchSize)
	for start := 0; start < len(order); start += batchSize {
		end := min(start+batchSize, len(order))
		batches = append(batches, order[start:end])
	}
	return batches
}

// Package tokenizer maps text to token ids and back at character level.
//
// The vocabulary is printable ASCII plus newline, followed by one special
// end-of-text token that doubles as the padding token.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// EndOfText is the label of the special token.
const EndOfText = "<|endoftext|>"

// FileName is the tokenizer file inside a model directory.
const FileName = "tokenizer.json"

// Tokenizer is an immutable character vocabulary.
type Tokenizer struct {
	chars []rune
	index map[rune]int
	eos   int
}

// Encoding is a fixed-length sequence of ids plus an attention mask marking
// real (1) and padded (0) positions.
type Encoding struct {
	IDs           []int
	AttentionMask []int
}

// Real is the number of unpadded positions.
func (e Encoding) Real() int {
	n := 0
	for _, m := range e.AttentionMask {
		n += m
	}
	return n
}

// DefaultAlphabet is printable ASCII and newline.
func DefaultAlphabet() []rune {
	out := []rune{'\n'}
	for r := rune(0x20); r <= 0x7e; r++ {
		out = append(out, r)
	}
	return out
}

// New builds a tokenizer over alphabet. Runes are deduplicated and sorted so
// ids are deterministic; the end-of-text token gets the last id.
func New(alphabet []rune) *Tokenizer {
	set := make(map[rune]struct{}, len(alphabet))
	for _, r := range alphabet {
		set[r] = struct{}{}
	}
	chars := make([]rune, 0, len(set))
	for r := range set {
		chars = append(chars, r)
	}
	sort.Slice(chars, func(i, j int) bool { return chars[i] < chars[j] })

	t := &Tokenizer{chars: chars, index: make(map[rune]int, len(chars)), eos: len(chars)}
	for i, r := range chars {
		t.index[r] = i
	}
	return t
}

// Default returns the tokenizer over DefaultAlphabet.
func Default() *Tokenizer { return New(DefaultAlphabet()) }

// VocabSize counts the characters and the end-of-text token.
func (t *Tokenizer) VocabSize() int { return len(t.chars) + 1 }

// EOS is the end-of-text id.
func (t *Tokenizer) EOS() int { return t.eos }

// Pad is the padding id, the same as EOS.
func (t *Tokenizer) Pad() int { return t.eos }

// Encode converts text to ids. Runes outside the vocabulary are dropped.
func (t *Tokenizer) Encode(text string) []int {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		if id, ok := t.index[r]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// EncodeFixed encodes text to exactly maxLen ids: longer input is truncated,
// shorter input is padded on the right with the pad token.
func (t *Tokenizer) EncodeFixed(text string, maxLen int) Encoding {
	ids := t.Encode(text)
	if len(ids) > maxLen {
		ids = ids[:maxLen]
	}
	enc := Encoding{
		IDs:           make([]int, maxLen),
		AttentionMask: make([]int, maxLen),
	}
	for i := 0; i < maxLen; i++ {
		if i < len(ids) {
			enc.IDs[i] = ids[i]
			enc.AttentionMask[i] = 1
		} else {
			enc.IDs[i] = t.Pad()
		}
	}
	return enc
}

// Decode converts ids back to text. With skipSpecial the end-of-text token
// is dropped, otherwise it is written as EndOfText. Unknown ids are skipped.
func (t *Tokenizer) Decode(ids []int, skipSpecial bool) string {
	var b strings.Builder
	for _, id := range ids {
		switch {
		case id == t.eos:
			if !skipSpecial {
				b.WriteString(EndOfText)
			}
		case id >= 0 && id < len(t.chars):
			b.WriteRune(t.chars[id])
		}
	}
	return b.String()
}

// Label renders one id for traces.
func (t *Tokenizer) Label(id int) string {
	if id == t.eos {
		return EndOfText
	}
	if id < 0 || id >= len(t.chars) {
		return "<unk>"
	}
	return string(t.chars[id])
}

type fileFormat struct {
	Type       string `json:"type"`
	Vocab      string `json:"vocab"`
	EOSToken   string `json:"eos_token"`
	PadToken   string `json:"pad_token"`
	EOSTokenID int    `json:"eos_token_id"`
}

// Save writes the tokenizer configuration to path.
func (t *Tokenizer) Save(path string) error {
	raw, err := json.MarshalIndent(fileFormat{
		Type:       "char",
		Vocab:      string(t.chars),
		EOSToken:   EndOfText,
		PadToken:   EndOfText,
		EOSTokenID: t.eos,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// Load reads a tokenizer written by Save.
func Load(path string) (*Tokenizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer %s: %w", path, err)
	}
	var f fileFormat
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse tokenizer %s: %w", path, err)
	}
	if f.Type != "char" {
		return nil, fmt.Errorf("tokenizer %s: unsupported type %q", path, f.Type)
	}
	t := New([]rune(f.Vocab))
	if t.eos != f.EOSTokenID {
		return nil, fmt.Errorf("tokenizer %s: eos id %d does not match vocab of %d characters", path, f.EOSTokenID, len(t.chars))
	}
	return t, nil
}

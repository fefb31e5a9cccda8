package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jguan/vitune/pkg/masking"
)

const (
	PadToken = "<pad>"
	BOSToken = "<s>"
	UnkToken = "<unk>"
)

var ErrUnknownToken = errors.New("token not in vocabulary")

var specialTokens = []string{PadToken, BOSToken, UnkToken, masking.MediaToken, masking.TurnEndToken, masking.AnswerToken}

// Vocab is a word-level vocabulary. Structural markers are split out of the
// text even when they are glued to neighbouring words.
type Vocab struct {
	tokens []string
	ids    map[string]int32
}

type vocabFile struct {
	Tokens []string `json:"tokens"`
}

// BuildVocab collects every word of texts after the special tokens, in
// first-seen order.
func BuildVocab(texts []string) *Vocab {
	v := &Vocab{ids: make(map[string]int32)}
	for _, t := range specialTokens {
		v.add(t)
	}
	for _, text := range texts {
		for _, w := range split(text) {
			v.add(w)
		}
	}
	return v
}

// LoadVocab reads a vocabulary written by Save.
func LoadVocab(path string) (*Vocab, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	var f vocabFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse vocab %s: %w", path, err)
	}

	v := &Vocab{ids: make(map[string]int32, len(f.Tokens))}
	for _, t := range f.Tokens {
		if _, dup := v.ids[t]; dup {
			return nil, fmt.Errorf("vocab %s: duplicate token %q", path, t)
		}
		v.add(t)
	}
	for _, t := range specialTokens {
		if _, ok := v.ids[t]; !ok {
			return nil, fmt.Errorf("vocab %s: missing special token %q", path, t)
		}
	}
	return v, nil
}

func (v *Vocab) Save(path string) error {
	raw, err := json.MarshalIndent(vocabFile{Tokens: v.tokens}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func (v *Vocab) add(tok string) {
	if _, ok := v.ids[tok]; ok {
		return
	}
	v.ids[tok] = int32(len(v.tokens))
	v.tokens = append(v.tokens, tok)
}

func (v *Vocab) Size() int { return len(v.tokens) }

func (v *Vocab) TokenID(tok string) (int32, error) {
	id, ok := v.ids[tok]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownToken, tok)
	}
	return id, nil
}

func (v *Vocab) PadTokenID() int32 { return v.ids[PadToken] }
func (v *Vocab) BOSTokenID() int32 { return v.ids[BOSToken] }

// Token returns the string of id, or UnkToken when out of range.
func (v *Vocab) Token(id int32) string {
	if id < 0 || int(id) >= len(v.tokens) {
		return UnkToken
	}
	return v.tokens[id]
}

// Encode maps text to ids. Unknown words become UnkToken.
func (v *Vocab) Encode(text string) []int32 {
	words := split(text)
	out := make([]int32, len(words))
	unk := v.ids[UnkToken]
	for i, w := range words {
		id, ok := v.ids[w]
		if !ok {
			id = unk
		}
		out[i] = id
	}
	return out
}

func (v *Vocab) Decode(ids []int32) string {
	words := make([]string, len(ids))
	for i, id := range ids {
		words[i] = v.Token(id)
	}
	return strings.Join(words, " ")
}

// split breaks text on whitespace and around structural markers.
func split(text string) []string {
	markers := []string{masking.MediaToken, masking.TurnEndToken, masking.AnswerToken}
	var out []string
	for _, field := range strings.Fields(text) {
		for field != "" {
			cut, marker := len(field), ""
			for _, m := range markers {
				if i := strings.Index(field, m); i >= 0 && i < cut {
					cut, marker = i, m
				}
			}
			if cut > 0 {
				out = append(out, field[:cut])
			}
			if marker == "" {
				break
			}
			out = append(out, marker)
			field = field[cut+len(marker):]
		}
	}
	return out
}

var _ masking.Vocabulary = (*Vocab)(nil)

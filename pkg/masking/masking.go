// Package masking turns tokenized multi-turn, multi-image conversations into
// supervision labels. Only assistant answer spans are supervised; instruction
// text, structural markers and padding are replaced with Ignore.
//
// Conversations look like:
//
//	<image>User: {instruction} GPT:<answer> {answer}<|endofchunk|>User: {instruction} GPT:<answer> {answer}<|endofchunk|>
//	<image>User: {instruction} GPT:<answer> {answer}<|endofchunk|><image>User: {instruction} GPT:<answer> {answer}<|endofchunk|>
package masking

import (
	"errors"
	"fmt"
)

// Ignore is the label value excluded from the loss.
const Ignore int32 = -100

// Marker strings looked up in the tokenizer vocabulary.
const (
	MediaToken   = "<image>"
	TurnEndToken = "<|endofchunk|>"
	AnswerToken  = "<answer>"
)

// Sequence is one row of token ids or labels.
type Sequence []int32

// Markers are the structural token ids of a run. They are resolved once at
// startup and never change afterwards.
type Markers struct {
	Media   int32 `json:"media" yaml:"media"`
	TurnEnd int32 `json:"turn_end" yaml:"turn_end"`
	Answer  int32 `json:"answer" yaml:"answer"`
	Pad     int32 `json:"pad" yaml:"pad"`
}

var ErrInvalidMarkers = errors.New("invalid structural markers")

// Validate checks that the markers are distinct and none collides with Ignore.
func (m Markers) Validate() error {
	ids := map[string]int32{"media": m.Media, "turn_end": m.TurnEnd, "answer": m.Answer, "pad": m.Pad}
	seen := make(map[int32]string, len(ids))
	for name, id := range ids {
		if id == Ignore {
			return fmt.Errorf("%w: %s marker uses the ignore value %d", ErrInvalidMarkers, name, Ignore)
		}
		if other, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s and %s share token id %d", ErrInvalidMarkers, name, other, id)
		}
		seen[id] = name
	}
	return nil
}

// Vocabulary resolves marker strings to token ids.
type Vocabulary interface {
	TokenID(token string) (int32, error)
	PadTokenID() int32
}

// ResolveMarkers looks up the structural markers in a vocabulary.
func ResolveMarkers(v Vocabulary) (Markers, error) {
	var m Markers
	var err error
	if m.Media, err = v.TokenID(MediaToken); err != nil {
		return Markers{}, fmt.Errorf("resolve %s: %w", MediaToken, err)
	}
	if m.TurnEnd, err = v.TokenID(TurnEndToken); err != nil {
		return Markers{}, fmt.Errorf("resolve %s: %w", TurnEndToken, err)
	}
	if m.Answer, err = v.TokenID(AnswerToken); err != nil {
		return Markers{}, fmt.Errorf("resolve %s: %w", AnswerToken, err)
	}
	m.Pad = v.PadTokenID()
	if err := m.Validate(); err != nil {
		return Markers{}, err
	}
	return m, nil
}

// Mask returns the label row for tokens. The input is not modified.
func Mask(tokens Sequence, m Markers) Sequence {
	labels := make(Sequence, len(tokens))
	copy(labels, tokens)
	if len(labels) == 0 {
		return labels
	}

	for i, id := range labels {
		if id == m.Pad {
			labels[i] = Ignore
		}
	}
	labels[0] = Ignore

	// Turn ends are located after padding and the leading position were
	// cleared, so a marker at position 0 never opens a span.
	var turnEnds []int
	for i, id := range labels {
		if id == m.TurnEnd {
			turnEnds = append(turnEnds, i)
		}
	}

	// Everything before the first answer marker is context, including any
	// image marker in it.
	for i := 0; i < len(labels) && labels[i] != m.Answer; i++ {
		labels[i] = Ignore
	}

	// Between a turn end and the next answer marker only image markers survive.
	for _, end := range turnEnds {
		for i := end + 1; i < len(labels) && labels[i] != m.Answer; i++ {
			if labels[i] != m.Media {
				labels[i] = Ignore
			}
		}
	}

	for i, id := range labels {
		if id == m.Answer || id == m.Media {
			labels[i] = Ignore
		}
	}
	return labels
}

// MaskBatch applies Mask to every row.
func MaskBatch(rows [][]int32, m Markers) [][]int32 {
	out := make([][]int32, len(rows))
	for i, row := range rows {
		out[i] = Mask(row, m)
	}
	return out
}

// Supervised counts the positions that contribute to the loss.
func Supervised(labels Sequence) int {
	n := 0
	for _, id := range labels {
		if id != Ignore {
			n++
		}
	}
	return n
}
